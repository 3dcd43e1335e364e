package network

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu   sync.Mutex
	sent [][]byte
}

func (s *recordingSender) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, data)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func TestTransactionTracker_Resolve(t *testing.T) {
	tracker := NewTransactionTracker(nil, time.Second, 0)
	ch := tracker.Track(7, []byte{1})
	assert.Equal(t, 1, tracker.PendingCount())

	assert.True(t, tracker.Resolve(7, []byte{2, 3}))
	res := <-ch
	require.NoError(t, res.Error)
	assert.Equal(t, uint16(7), res.TransactionID)
	assert.Equal(t, []byte{2, 3}, res.Response)
	assert.Equal(t, 0, tracker.PendingCount())
}

func TestTransactionTracker_ResolveUnknown(t *testing.T) {
	tracker := NewTransactionTracker(nil, time.Second, 0)
	assert.False(t, tracker.Resolve(42, nil))
}

func TestTransactionTracker_PerRequestTimeout(t *testing.T) {
	tracker := NewTransactionTracker(nil, time.Hour, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tracker.StartTimeoutMonitor(ctx)

	short := tracker.TrackWithTimeout(1, nil, 50*time.Millisecond)
	long := tracker.Track(2, nil)

	select {
	case res := <-short:
		assert.ErrorIs(t, res.Error, ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("short transaction did not time out")
	}

	select {
	case <-long:
		t.Fatal("long transaction should still be pending")
	default:
	}
	assert.Equal(t, 1, tracker.PendingCount())
}

func TestTransactionTracker_Retransmits(t *testing.T) {
	sender := &recordingSender{}
	tracker := NewTransactionTracker(sender, 50*time.Millisecond, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tracker.StartTimeoutMonitor(ctx)

	ch := tracker.Track(3, []byte{0xaa})

	select {
	case res := <-ch:
		assert.ErrorIs(t, res.Error, ErrTimeout)
	case <-time.After(3 * time.Second):
		t.Fatal("transaction did not fail after retries")
	}
	assert.Equal(t, 2, sender.count())
}

func TestTransactionTracker_CancelAll(t *testing.T) {
	tracker := NewTransactionTracker(nil, time.Second, 0)
	a := tracker.Track(1, nil)
	b := tracker.Track(2, nil)

	tracker.CancelAll()

	assert.ErrorIs(t, (<-a).Error, ErrCancelled)
	assert.ErrorIs(t, (<-b).Error, ErrCancelled)
	assert.Equal(t, 0, tracker.PendingCount())
}

func TestTransactionTracker_Cancel(t *testing.T) {
	tracker := NewTransactionTracker(nil, time.Second, 0)
	ch := tracker.Track(9, nil)
	tracker.Cancel(9)
	assert.ErrorIs(t, (<-ch).Error, ErrCancelled)

	// Cancelling twice is harmless.
	tracker.Cancel(9)
}
