package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tripline.opentransit.org/internal/clock"
	"tripline.opentransit.org/internal/realtime"
)

func TestRequestEnteredCountsAndResumesIdleBuffer(t *testing.T) {
	now := time.Date(2024, time.June, 3, 7, 55, 0, 0, time.UTC)
	a := &Application{
		Buffer:    realtime.NewBuffer(),
		Heartbeat: &realtime.Heartbeat{},
		Clock:     clock.FixedClock{FixedTime: now},
		StartedAt: now.Add(-time.Minute),
	}

	a.Buffer.Publish(&realtime.Store{})
	a.Buffer.Idle()
	assert.Equal(t, realtime.SideIdle, a.Buffer.ActiveSide())

	a.RequestEntered()
	assert.Equal(t, int64(1), a.ProcessedRequests())
	assert.Equal(t, realtime.SideA, a.Buffer.ActiveSide())
	assert.Equal(t, now, a.Heartbeat.Last())
	assert.Equal(t, int64(60), a.UptimeSeconds())
}

func TestSnapshotWithoutBuffer(t *testing.T) {
	a := &Application{}
	assert.Nil(t, a.Snapshot())
}
