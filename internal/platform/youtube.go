package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/tullo/streamly/internal/exec"
	"github.com/tullo/streamly/internal/log"
	"github.com/tullo/streamly/internal/models"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultFeedURL = "https://www.youtube.com/feeds/videos.xml"
	DefaultBaseURL = "https://www.youtube.com"

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

	// Only the newest feed entries are worth a yt-dlp round trip.
	recentVideoChecks = 2
	maxLiveEntries    = 3
)

var channelIDPattern = regexp.MustCompile(`(UC[\w-]{22})`)

var notLiveMarkers = []string{
	"not currently live",
	"this live event will begin",
	"premieres in",
	"does not have a live stream",
}

var goneMarkers = []string{
	"this channel does not exist",
	"account has been terminated",
	"channel is not available",
	"this channel was removed",
	"http error 404",
}

type YouTubeConfig struct {
	YtDlpPath         string
	CookiesFile       string
	FeedURL           string
	BaseURL           string
	RequestsPerSecond float64
	RecentWindow      time.Duration
	HTTPClient        *http.Client
}

// YouTube probes channels through the public RSS feed and yt-dlp. All
// outbound calls share one rate limiter.
type YouTube struct {
	cfg     YouTubeConfig
	runner  exec.Runner
	client  *http.Client
	parser  *gofeed.Parser
	limiter *rate.Limiter
	now     func() time.Time
}

var (
	_ Prober   = (*YouTube)(nil)
	_ Resolver = (*YouTube)(nil)
)

func NewYouTube(cfg YouTubeConfig, runner exec.Runner) *YouTube {
	if cfg.YtDlpPath == "" {
		cfg.YtDlpPath = "yt-dlp"
	}
	if cfg.FeedURL == "" {
		cfg.FeedURL = DefaultFeedURL
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = time.Hour
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &YouTube{
		cfg:     cfg,
		runner:  runner,
		client:  client,
		parser:  gofeed.NewParser(),
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
	}
}

type feedVideo struct {
	ID        string
	Title     string
	Published *time.Time
}

// videoInfo is the subset of yt-dlp's --dump-single-json output we read.
type videoInfo struct {
	ID               string      `json:"id"`
	Title            string      `json:"title"`
	WebpageURL       string      `json:"webpage_url"`
	IsLive           bool        `json:"is_live"`
	LiveStatus       string      `json:"live_status"`
	ReleaseTimestamp *int64      `json:"release_timestamp"`
	ChannelID        string      `json:"channel_id"`
	Channel          string      `json:"channel"`
	Uploader         string      `json:"uploader"`
	Entries          []videoInfo `json:"entries"`
}

func (v *videoInfo) live() bool {
	return v.IsLive || v.LiveStatus == "is_live"
}

func (y *YouTube) watchURL(videoID string) string {
	return y.cfg.BaseURL + "/watch?v=" + videoID
}

func (y *YouTube) broadcast(v *videoInfo) Broadcast {
	b := Broadcast{VideoID: v.ID, Title: v.Title, URL: v.WebpageURL}
	if b.URL == "" {
		b.URL = y.watchURL(v.ID)
	}
	if v.ReleaseTimestamp != nil && *v.ReleaseTimestamp > 0 {
		t := time.Unix(*v.ReleaseTimestamp, 0).UTC()
		b.StartedAt = &t
	}
	return b
}

// Probe checks the newest feed entries first and falls back to the channel's
// /live page, which also catches broadcasts older than the recent window.
func (y *YouTube) Probe(ctx context.Context, ch *models.Channel) (Result, error) {
	var res Result
	seen := make(map[string]bool)
	add := func(v *videoInfo) {
		if v.ID == "" || seen[v.ID] || !v.live() {
			return
		}
		seen[v.ID] = true
		res.Broadcasts = append(res.Broadcasts, y.broadcast(v))
	}

	videos, _, err := y.fetchFeed(ctx, ch.PlatformID)
	if err != nil {
		log.Debug("feed check failed", zap.String("channel", ch.PlatformID), zap.Error(err))
	}
	now := y.now()
	for i, v := range videos {
		if i == recentVideoChecks {
			break
		}
		if v.Published == nil || now.Sub(*v.Published) > y.cfg.RecentWindow {
			continue
		}
		info, err := y.videoInfo(ctx, y.watchURL(v.ID))
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, Transient("probe", ctx.Err())
			}
			log.Debug("video live check failed", zap.String("video_id", v.ID), zap.Error(err))
			continue
		}
		add(info)
	}
	if res.Live() {
		return res, nil
	}

	info, err := y.videoInfo(ctx, y.cfg.BaseURL+"/channel/"+ch.PlatformID+"/live")
	if err != nil {
		if errors.Is(err, errNotLive) {
			return res, nil
		}
		return Result{}, err
	}
	add(info)
	for i := range info.Entries {
		if i == maxLiveEntries {
			break
		}
		add(&info.Entries[i])
	}
	return res, nil
}

// Lookup resolves a channel URL (or bare channel id) to its platform id and
// display name.
func (y *YouTube) Lookup(ctx context.Context, raw string) (ChannelInfo, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ChannelInfo{}, Permanent("lookup", errors.New("empty channel url"))
	}

	if id := channelIDPattern.FindString(raw); id != "" {
		_, title, err := y.fetchFeed(ctx, id)
		if err != nil {
			return ChannelInfo{}, err
		}
		return ChannelInfo{PlatformID: id, Name: title, URL: y.cfg.BaseURL + "/channel/" + id}, nil
	}

	if !strings.Contains(raw, "://") {
		raw = y.cfg.BaseURL + "/" + strings.TrimPrefix(raw, "/")
	}
	info, err := y.run(ctx, "lookup", "--dump-single-json", "--flat-playlist", "--playlist-end", "1", "--no-warnings", raw)
	if err != nil {
		return ChannelInfo{}, err
	}
	id := info.ChannelID
	if id == "" && channelIDPattern.MatchString(info.ID) {
		id = info.ID
	}
	if id == "" {
		return ChannelInfo{}, Permanent("lookup", fmt.Errorf("no channel id for %s", raw))
	}
	name := info.Channel
	if name == "" {
		name = info.Uploader
	}
	if name == "" {
		name = info.Title
	}
	return ChannelInfo{PlatformID: id, Name: name, URL: y.cfg.BaseURL + "/channel/" + id}, nil
}

func (y *YouTube) fetchFeed(ctx context.Context, channelID string) ([]feedVideo, string, error) {
	if err := y.limiter.Wait(ctx); err != nil {
		return nil, "", Transient("feed", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, y.cfg.FeedURL+"?channel_id="+channelID, nil)
	if err != nil {
		return nil, "", Permanent("feed", fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/atom+xml, application/xml, text/xml")

	resp, err := y.client.Do(req)
	if err != nil {
		return nil, "", Transient("feed", fmt.Errorf("fetching feed: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, "", Permanent("feed", fmt.Errorf("channel %s has no feed", channelID))
	case resp.StatusCode >= 400:
		return nil, "", Transient("feed", fmt.Errorf("HTTP error: %d", resp.StatusCode))
	}

	feed, err := y.parser.Parse(resp.Body)
	if err != nil {
		return nil, "", Transient("feed", fmt.Errorf("parsing feed: %w", err))
	}

	videos := make([]feedVideo, 0, len(feed.Items))
	for _, item := range feed.Items {
		id := feedVideoID(item)
		if id == "" {
			continue
		}
		videos = append(videos, feedVideo{ID: id, Title: item.Title, Published: item.PublishedParsed})
	}
	return videos, feed.Title, nil
}

func feedVideoID(item *gofeed.Item) string {
	if ext, ok := item.Extensions["yt"]; ok {
		if vals := ext["videoId"]; len(vals) > 0 && vals[0].Value != "" {
			return vals[0].Value
		}
	}
	return strings.TrimPrefix(item.GUID, "yt:video:")
}

var errNotLive = errors.New("not live")

func (y *YouTube) videoInfo(ctx context.Context, url string) (*videoInfo, error) {
	return y.run(ctx, "probe", "--dump-single-json", "--skip-download", "--no-warnings", "--playlist-items", "1-3", url)
}

func (y *YouTube) run(ctx context.Context, op string, args ...string) (*videoInfo, error) {
	if err := y.limiter.Wait(ctx); err != nil {
		return nil, Transient(op, err)
	}
	if y.cfg.CookiesFile != "" {
		args = append([]string{"--cookies", y.cfg.CookiesFile}, args...)
	}

	out, err := y.runner.Run(ctx, y.cfg.YtDlpPath, args...)
	if err != nil {
		return nil, classify(op, err)
	}

	var info videoInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, Transient(op, fmt.Errorf("decoding yt-dlp output: %w", err))
	}
	return &info, nil
}

// classify maps a yt-dlp failure onto not-live, permanent or transient.
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient(op, err)
	}
	msg := strings.ToLower(err.Error())
	for _, m := range notLiveMarkers {
		if strings.Contains(msg, m) {
			return errNotLive
		}
	}
	for _, m := range goneMarkers {
		if strings.Contains(msg, m) {
			return Permanent(op, err)
		}
	}
	return Transient(op, err)
}
