// Package downloader fetches a finished broadcast to local storage at a
// given quality tier.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tullo/streamly/internal/models"
)

type Request struct {
	VideoID     string
	URL         string
	Quality     models.Quality
	ChannelName string
	Title       string
	StartedAt   time.Time
}

type Result struct {
	FilePath string
	ByteSize int64
}

type Downloader interface {
	Download(ctx context.Context, req Request) (Result, error)
}

// Error is a failed download attempt. Permanent errors are not retried.
type Error struct {
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	if e.Permanent {
		return fmt.Sprintf("download failed permanently: %v", e.Err)
	}
	return fmt.Sprintf("download failed: %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func IsPermanent(err error) bool {
	var de *Error
	return errors.As(err, &de) && de.Permanent
}

var unsafeChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

const maxNameLen = 200

// SanitizeName replaces characters that are unsafe in file names and caps the
// length. Leading dots collapse to one underscore, so "." and ".." never
// survive as path elements.
func SanitizeName(s string) string {
	s = unsafeChars.ReplaceAllString(s, "_")
	if r := []rune(s); len(r) > maxNameLen {
		s = string(r[:maxNameLen])
	}
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, ".") {
		s = "_" + strings.TrimLeft(s, ".")
	}
	return s
}

// TargetPath returns the directory and base name (no extension) for req under
// root: root/quality/channel/20060102_150405_title.
func TargetPath(root string, req Request) (dir, base string) {
	channel := SanitizeName(req.ChannelName)
	if channel == "" {
		channel = "unknown"
	}
	dir = filepath.Join(root, string(req.Quality), channel)
	base = req.StartedAt.UTC().Format("20060102_150405")
	if title := SanitizeName(req.Title); title != "" {
		base += "_" + title
	} else {
		base += "_" + req.VideoID
	}
	return dir, base
}
