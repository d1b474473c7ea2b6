// Package feed reads the crowd-count CSV feed over HTTP or from a local file.
package feed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/jonboulle/clockwork"
)

// maxFeedBytes bounds a single feed read. The feed only grows at the end, so
// an oversized feed is read from its tail and the newest rows survive.
const maxFeedBytes = 32 << 20

// HTTPSource fetches the feed with a GET request. Every request carries a
// t=<unix millis> query parameter so intermediate caches never serve a stale copy.
type HTTPSource struct {
	url    *url.URL
	client *http.Client
	clock  clockwork.Clock
	limit  int64
}

// NewHTTPSource parses rawURL and returns a source for it. The request deadline
// comes from the context passed to Fetch.
func NewHTTPSource(rawURL string, clock clockwork.Clock) (*HTTPSource, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse feed url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("parse feed url: unsupported scheme %q", u.Scheme)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &HTTPSource{url: u, client: &http.Client{}, clock: clock, limit: maxFeedBytes}, nil
}

func (s *HTTPSource) Fetch(ctx context.Context) (string, error) {
	u := *s.url
	q := u.Query()
	q.Set("t", strconv.FormatInt(s.clock.Now().UnixMilli(), 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("get feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("get feed: unexpected status %d", resp.StatusCode)
	}
	body, err := readTail(resp.Body, s.limit)
	if err != nil {
		return "", fmt.Errorf("read feed body: %w", err)
	}
	return string(body), nil
}

// FileSource reads the feed from a local file on every fetch.
type FileSource struct {
	path  string
	limit int64
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path, limit: maxFeedBytes}
}

func (s *FileSource) Fetch(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f, err := os.Open(s.path)
	if err != nil {
		return "", fmt.Errorf("open feed file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat feed file: %w", err)
	}
	if size := info.Size(); size > s.limit {
		// One extra byte tells whether the tail starts on a line boundary.
		if _, err := f.Seek(size-s.limit-1, io.SeekStart); err != nil {
			return "", fmt.Errorf("seek feed file: %w", err)
		}
		body, err := io.ReadAll(io.LimitReader(f, s.limit+1))
		if err != nil {
			return "", fmt.Errorf("read feed file: %w", err)
		}
		return string(dropPartialLine(body)), nil
	}

	body, err := io.ReadAll(io.LimitReader(f, s.limit))
	if err != nil {
		return "", fmt.Errorf("read feed file: %w", err)
	}
	return string(body), nil
}

// readTail reads r to EOF and returns at most the last limit bytes. When
// anything was discarded the leading partial line is dropped as well, so the
// result always starts on a row boundary.
func readTail(r io.Reader, limit int64) ([]byte, error) {
	var (
		buf       []byte
		truncated bool
		chunk     = make([]byte, 32<<10)
	)
	for {
		n, err := r.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if over := int64(len(buf)) - limit - 1; over > 0 && int64(len(buf)) > 2*limit {
			buf = append(buf[:0], buf[over:]...)
			truncated = true
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if over := int64(len(buf)) - limit - 1; over > 0 {
		buf = buf[over:]
		truncated = true
	}
	if truncated {
		return dropPartialLine(buf), nil
	}
	return buf, nil
}

// dropPartialLine removes everything up to and including the first newline.
func dropPartialLine(b []byte) []byte {
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return nil
	}
	return b[i+1:]
}
