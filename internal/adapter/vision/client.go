// Package vision talks to the people-counting inference service: upload an
// image, poll until the analysis completes, return the count.
package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/crowdwatch-pipeline/internal/observability"
)

// ErrAnalysisTimeout is returned when the service does not finish within the deadline.
var ErrAnalysisTimeout = errors.New("image analysis timed out")

// StatusCompleted is the status the service reports once a result is ready.
const StatusCompleted = "completed"

// Result is the analysis of one uploaded image.
type Result struct {
	Filename        string  `json:"filename"`
	Status          string  `json:"status"`
	PeopleCount     int     `json:"people_count"`
	ConfidenceScore float64 `json:"confidence_score,omitempty"`
	HeatmapURL      string  `json:"heatmap_url,omitempty"`
	VisURL          string  `json:"vis_url,omitempty"`
}

// Analyzer analyzes an image end to end.
type Analyzer interface {
	Analyze(ctx context.Context, name string, image io.Reader) (Result, error)
}

// Client implements Analyzer against the inference service's HTTP API.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
	timeout      time.Duration
	clock        clockwork.Clock
	metrics      *observability.Metrics
	logger       *slog.Logger
}

// NewClient creates a vision client. timeout bounds the whole upload-and-poll sequence.
func NewClient(baseURL string, pollInterval, timeout time.Duration, metrics *observability.Metrics, logger *slog.Logger) *Client {
	return &Client{
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		pollInterval: pollInterval,
		timeout:      timeout,
		clock:        clockwork.NewRealClock(),
		metrics:      metrics,
		logger:       logger,
	}
}

// Analyze uploads image and polls its status until completed or the deadline passes.
// Transient poll errors are logged and retried.
func (c *Client) Analyze(ctx context.Context, name string, image io.Reader) (Result, error) {
	start := c.clock.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	filename, err := c.Upload(ctx, name, image)
	if err != nil {
		return Result{}, c.finish(ctx, start, err)
	}

	ticker := c.clock.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Result{}, c.finish(ctx, start, ctx.Err())
		case <-ticker.Chan():
		}

		res, err := c.Status(ctx, filename)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, c.finish(ctx, start, ctx.Err())
			}
			c.logger.Warn("vision status poll failed, retrying", "filename", filename, "error", err)
			continue
		}
		if res.Status == StatusCompleted {
			res.Filename = filename
			return res, c.finish(ctx, start, nil)
		}
	}
}

// finish records metrics and maps a deadline into ErrAnalysisTimeout.
func (c *Client) finish(ctx context.Context, start time.Time, err error) error {
	c.metrics.VisionAPIDuration.Observe(c.clock.Since(start).Seconds())
	switch {
	case err == nil:
		c.metrics.VisionRequests.WithLabelValues("success").Inc()
		return nil
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		c.metrics.VisionRequests.WithLabelValues("timeout").Inc()
		return fmt.Errorf("%w after %s", ErrAnalysisTimeout, c.timeout)
	default:
		c.metrics.VisionRequests.WithLabelValues("error").Inc()
		return err
	}
}

// Upload posts image as multipart field "image" and returns the service's filename for it.
func (c *Client) Upload(ctx context.Context, name string, image io.Reader) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", name)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, image); err != nil {
		return "", fmt.Errorf("copy image: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", &body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out struct {
		Filename string `json:"filename"`
	}
	if err := c.do(req, "upload", &out); err != nil {
		return "", err
	}
	if out.Filename == "" {
		return "", errors.New("upload response missing filename")
	}
	return out.Filename, nil
}

// Status fetches the current analysis state for filename.
func (c *Client) Status(ctx context.Context, filename string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status/"+url.PathEscape(filename), nil)
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	var res Result
	if err := c.do(req, "status", &res); err != nil {
		return Result{}, err
	}
	return res, nil
}

func (c *Client) do(req *http.Request, op string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("vision API error: %s status %d: %s", op, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}
