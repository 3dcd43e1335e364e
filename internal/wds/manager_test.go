package wds

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imsd/internal/baseband"
	"imsd/internal/qmi"
)

func TestManager_BringupAndShutdown(t *testing.T) {
	bb0, bb1 := newFakeBaseband(), newFakeBaseband()
	bb0.profiles = []baseband.Profile{{Index: 1, APN: "ims", APNTypeMask: baseband.APNTypeIMS}}
	bb1.listErr = qmi.ProtocolErrorInternal
	notifier := newFakeNotifier()

	m := NewManager(testConfig(), []Baseband{bb0, bb1}, &fakeLinks{}, notifier, &fakeRecorder{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	m.StartSession(0)
	m.StartSession(1)
	m.StartSession(5)

	require.Eventually(t, func() bool {
		return len(notifier.notified(0)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return !m.Running(0) }, time.Second, 5*time.Millisecond)
	sess, ok := m.Session(0)
	require.True(t, ok)
	assert.Equal(t, StepFinished, sess.Step)

	// A second activation for a finished slot repeats the notification.
	m.StartSession(0)
	require.Eventually(t, func() bool {
		return len(notifier.notified(0)) == 2
	}, time.Second, 5*time.Millisecond)

	assert.True(t, m.Running(1))
	_, ok = m.Session(5)
	assert.False(t, ok)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop")
	}

	bb0.mu.Lock()
	assert.Equal(t, []uint32{0xabcd}, bb0.stopped)
	bb0.mu.Unlock()
	bb1.mu.Lock()
	assert.Empty(t, bb1.stopped)
	bb1.mu.Unlock()
	assert.False(t, m.Running(1))
}

func TestManager_RestartAfterGiveUpKeepsLink(t *testing.T) {
	cfg := testConfig()
	cfg.MaxStepFailures = 1
	bb := newFakeBaseband()
	bb.profiles = []baseband.Profile{{Index: 1, APN: "ims", APNTypeMask: baseband.APNTypeIMS}}
	bb.bindErr = qmi.ProtocolErrorInternal
	links := &fakeLinks{}
	notifier := newFakeNotifier()

	m := NewManager(cfg, []Baseband{bb}, links, notifier, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.StartSession(0)
	require.Eventually(t, func() bool {
		sess, ok := m.Session(0)
		return ok && sess.Step == StepGaveUp && !m.Running(0)
	}, 2*time.Second, 5*time.Millisecond)

	bb.mu.Lock()
	bb.bindErr = nil
	bb.mu.Unlock()

	m.StartSession(0)
	require.Eventually(t, func() bool {
		return len(notifier.notified(0)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	links.mu.Lock()
	assert.Equal(t, 1, links.adds)
	links.mu.Unlock()
}

func TestManager_StartSessionNeverBlocks(t *testing.T) {
	m := NewManager(testConfig(), []Baseband{newFakeBaseband()}, &fakeLinks{}, nil, nil, nil)
	for i := 0; i < 100; i++ {
		m.StartSession(0)
	}
	assert.Len(t, m.starts, cap(m.starts))
}
