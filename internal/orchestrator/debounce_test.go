package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebouncerCoalescesRapidTriggers(t *testing.T) {
	t.Parallel()

	log := newFakeLog()
	adapter := &fakeAdapter{
		ready:        true,
		download:     DownloadResult{Cursor: "c1"},
		uploadResult: UploadResult{Accepted: []string{}, NewCursor: "c2"},
	}
	o := newOrch(t, adapter, log, &fakeResolver{})

	d := NewDebouncer(o, 30*time.Millisecond, nil)

	for range 5 {
		d.Trigger(context.Background())
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return o.Status().Current() == InSync
	}, time.Second, 10*time.Millisecond)
}

func TestDebouncerSkipsWhenAlreadySyncing(t *testing.T) {
	t.Parallel()

	log := newFakeLog()
	adapter := &fakeAdapter{ready: true, download: DownloadResult{Cursor: "c1"}}
	o := newOrch(t, adapter, log, &fakeResolver{})

	require.True(t, o.status.tryBeginSync())

	d := NewDebouncer(o, 10*time.Millisecond, nil)
	d.Trigger(context.Background())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, Syncing, o.Status().Current())
}

func TestDebouncerStopCancelsPendingFire(t *testing.T) {
	t.Parallel()

	log := newFakeLog()
	adapter := &fakeAdapter{ready: true, download: DownloadResult{Cursor: "c1"}}
	o := newOrch(t, adapter, log, &fakeResolver{})

	d := NewDebouncer(o, 10*time.Millisecond, nil)
	d.Trigger(context.Background())
	d.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, Unknown, o.Status().Current())
}
