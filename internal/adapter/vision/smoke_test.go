//go:build vision

package vision

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/crowdwatch-pipeline/internal/observability"
)

// These tests hit a running inference service and need VISION_BASE_URL plus a
// sample frame at VISION_SAMPLE_IMAGE.
// Run with: go test -tags=vision ./internal/adapter/vision/ -v -count=1

func smokeClient(t *testing.T) *Client {
	t.Helper()
	base := os.Getenv("VISION_BASE_URL")
	if base == "" {
		t.Fatal("VISION_BASE_URL must be set to run smoke tests")
	}
	return NewClient(base, 2*time.Second, 60*time.Second,
		observability.NewMetricsForTesting(),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func openSample(t *testing.T) *os.File {
	t.Helper()
	path := os.Getenv("VISION_SAMPLE_IMAGE")
	if path == "" {
		t.Fatal("VISION_SAMPLE_IMAGE must be set to run smoke tests")
	}
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestSmoke_Analyze(t *testing.T) {
	c := smokeClient(t)

	res, err := c.Analyze(context.Background(), "sample.jpg", openSample(t))
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.GreaterOrEqual(t, res.PeopleCount, 0)
	assert.NotEmpty(t, res.Filename)
}

func TestSmoke_CachedAnalyzer(t *testing.T) {
	c := smokeClient(t)
	cached := NewCachedAnalyzer(c, 10, observability.NewMetricsForTesting())

	r1, err := cached.Analyze(context.Background(), "sample.jpg", openSample(t))
	require.NoError(t, err)

	r2, err := cached.Analyze(context.Background(), "sample.jpg", openSample(t))
	require.NoError(t, err)
	assert.Equal(t, r1, r2)
}
