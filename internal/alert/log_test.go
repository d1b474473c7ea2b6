package alert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/couchcryptid/crowdwatch-pipeline/internal/domain"
)

func outcomeAt(id string, at time.Time) Outcome {
	return Outcome{Event: domain.AlertEvent{ID: id, FiredAt: at}, EmailStatus: EmailSuccess}
}

func ids(outs []Outcome) []string {
	out := make([]string, len(outs))
	for i, o := range outs {
		out[i] = o.Event.ID
	}
	return out
}

func TestLog_RecentNewestFirst(t *testing.T) {
	l := NewLog(10)
	l.Record(outcomeAt("a", start))
	l.Record(outcomeAt("b", start.Add(time.Minute)))
	l.Record(outcomeAt("c", start.Add(2*time.Minute)))

	assert.Equal(t, []string{"c", "b", "a"}, ids(l.Recent(time.Time{})))
	assert.Equal(t, []string{"c", "b"}, ids(l.Recent(start.Add(time.Minute))))
}

func TestLog_EvictsOldest(t *testing.T) {
	l := NewLog(2)
	l.Record(outcomeAt("a", start))
	l.Record(outcomeAt("b", start))
	l.Record(outcomeAt("c", start))

	assert.Equal(t, 2, l.Len())
	assert.Equal(t, []string{"c", "b"}, ids(l.Recent(time.Time{})))
}

func TestLog_EmptyIsNonNil(t *testing.T) {
	got := NewLog(0).Recent(start)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}
