package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/tullo/streamly/internal/exec"
	"github.com/tullo/streamly/internal/log"
	"github.com/tullo/streamly/internal/models"
	"go.uber.org/zap"
)

// yt-dlp format selectors per tier.
var formats = map[models.Quality]string{
	models.QualityLow:  "worst[height<=360]/worst",
	models.QualityHigh: "best[height<=1080]/best",
}

var mediaExts = []string{".mp4", ".webm", ".mkv", ".flv"}

var permanentMarkers = []string{
	"private video",
	"video unavailable",
	"has been removed",
	"members-only",
	"join this channel",
	"copyright",
	"sign in to confirm your age",
	"requested format is not available",
}

type YtDlpConfig struct {
	Path        string
	Dir         string
	CookiesFile string
}

// YtDlp downloads through the yt-dlp binary, writing the info json,
// description and thumbnail next to the media file.
type YtDlp struct {
	cfg    YtDlpConfig
	runner exec.Runner
	fs     afero.Fs
}

var _ Downloader = (*YtDlp)(nil)

func NewYtDlp(cfg YtDlpConfig, runner exec.Runner, fs afero.Fs) *YtDlp {
	if cfg.Path == "" {
		cfg.Path = "yt-dlp"
	}
	return &YtDlp{cfg: cfg, runner: runner, fs: fs}
}

func (d *YtDlp) Download(ctx context.Context, req Request) (Result, error) {
	format, ok := formats[req.Quality]
	if !ok {
		return Result{}, &Error{Permanent: true, Err: fmt.Errorf("unknown quality %q", req.Quality)}
	}
	url := req.URL
	if url == "" {
		url = "https://www.youtube.com/watch?v=" + req.VideoID
	}

	dir, base := TargetPath(d.cfg.Dir, req)
	if err := d.fs.MkdirAll(dir, 0o755); err != nil {
		return Result{}, &Error{Err: fmt.Errorf("creating %s: %w", dir, err)}
	}

	args := []string{
		"--format", format,
		"--output", filepath.Join(dir, base+".%(ext)s"),
		"--write-info-json",
		"--write-description",
		"--write-thumbnail",
		"--concurrent-fragments", "8",
		"--retries", "10",
		"--fragment-retries", "10",
		"--skip-unavailable-fragments",
		"--no-progress",
		"--no-warnings",
		"--print", "after_move:filepath",
	}
	if d.cfg.CookiesFile != "" {
		args = append(args, "--cookies", d.cfg.CookiesFile)
	}
	args = append(args, url)

	log.Info("download started",
		zap.String("video_id", req.VideoID),
		zap.String("quality", string(req.Quality)),
		zap.String("dir", dir))

	out, err := d.runner.Run(ctx, d.cfg.Path, args...)
	if err != nil {
		return Result{}, classify(err)
	}

	path := lastLine(string(out))
	if path == "" {
		path = d.findMedia(dir, base)
	}
	if path == "" {
		return Result{}, &Error{Err: errors.New("yt-dlp finished but produced no media file")}
	}

	info, err := d.fs.Stat(path)
	if err != nil {
		return Result{}, &Error{Err: fmt.Errorf("stat %s: %w", path, err)}
	}
	return Result{FilePath: path, ByteSize: info.Size()}, nil
}

func (d *YtDlp) findMedia(dir, base string) string {
	for _, ext := range mediaExts {
		p := filepath.Join(dir, base+ext)
		if _, err := d.fs.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, os.ErrDeadlineExceeded) {
		return &Error{Err: err}
	}
	msg := strings.ToLower(err.Error())
	for _, m := range permanentMarkers {
		if strings.Contains(msg, m) {
			return &Error{Permanent: true, Err: err}
		}
	}
	return &Error{Err: err}
}
