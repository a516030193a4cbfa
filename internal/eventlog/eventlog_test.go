package eventlog

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndRecent(t *testing.T) {
	l := New(10)
	clock := int64(0)
	l.SetSimClock(func() int64 { return clock })

	l.Record("Scheduler", Info, "admitted %s", "P1(Chrome)")
	clock = 20
	l.Record("Mutex", Warning, "P2(Slack) waiting on mutex")
	clock = 40
	l.Record("Scheduler", Forced, "terminated P3(Zoom)")

	all := l.Recent(0)
	require.Len(t, all, 3)
	assert.Equal(t, uint64(1), all[0].Seq)
	assert.Equal(t, "admitted P1(Chrome)", all[0].Message)
	assert.Equal(t, int64(20), all[1].SimTime)
	assert.Equal(t, Forced, all[2].Level)

	last := l.Recent(2)
	require.Len(t, last, 2)
	assert.Equal(t, "Mutex", last[0].Source)
	assert.Equal(t, "Scheduler", last[1].Source)

	assert.Equal(t, "[t=40] [FORCED] Scheduler: terminated P3(Zoom)", all[2].String())
}

func TestRecordKeepsLiteralPercent(t *testing.T) {
	l := New(4)
	l.Record("Ledger", Info, "memory at 50%")
	assert.Equal(t, "memory at 50%", l.Recent(1)[0].Message)
}

func TestCapacityDropsOldest(t *testing.T) {
	l := New(3)
	for i := 0; i < 5; i++ {
		l.Record("Driver", Info, "tick %d", i)
	}

	assert.Equal(t, 3, l.Len())
	assert.Equal(t, uint64(5), l.Total())
	got := l.Recent(10)
	require.Len(t, got, 3)
	assert.Equal(t, "tick 2", got[0].Message)
	assert.Equal(t, "tick 4", got[2].Message)

	l.Clear()
	assert.Equal(t, 0, l.Len())
	l.Record("Driver", Info, "after clear")
	assert.Equal(t, uint64(6), l.Recent(1)[0].Seq)
}

func TestSubscribers(t *testing.T) {
	l := New(5)
	var got []Entry
	l.Subscribe(func(e Entry) { got = append(got, e) })

	l.Record("Demo", Info, "produced Item #1")
	l.Record("Demo", Debug, "consumer idle")

	require.Len(t, got, 2)
	assert.Equal(t, "produced Item #1", got[0].Message)
	assert.Equal(t, Debug, got[1].Level)
}

func TestSlogMirror(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	l := New(5)
	l.Subscribe(SlogMirror(logger))
	l.Record("Scheduler", Forced, "terminated P9(VLC)")
	l.Record("Scheduler", Warning, "blocked P4(Git): waiting for I/O")

	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "level=WARN")
	assert.Contains(t, lines[0], "forced=true")
	assert.Contains(t, lines[0], "source=Scheduler")
	assert.Contains(t, lines[1], "level=WARN")
	assert.NotContains(t, lines[1], "forced")
}

func TestParseLevel(t *testing.T) {
	for _, lvl := range []Level{Info, Warning, Error, Forced, Debug} {
		got, err := ParseLevel(strings.ToLower(lvl.String()))
		require.NoError(t, err)
		assert.Equal(t, lvl, got)
	}
	_, err := ParseLevel("LOUD")
	assert.Error(t, err)
}
