package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imsd/internal/baseband"
	"imsd/internal/dcm"
	"imsd/internal/services"
	"imsd/internal/stats"
	"imsd/internal/wds"
	"imsd/pkg/types"
)

type fakeBringup struct {
	sessions map[uint32]wds.PacketSession
	running  map[uint32]bool
}

func (f *fakeBringup) Session(slot uint32) (wds.PacketSession, bool) {
	s, ok := f.sessions[slot]
	return s, ok
}

func (f *fakeBringup) Running(slot uint32) bool { return f.running[slot] }

type fakeDCM struct {
	sessions map[uint32]dcm.PDPSession
	peers    []net.Addr
	err      error
}

func (f *fakeDCM) Session(ctx context.Context, slot uint32) (dcm.PDPSession, error) {
	return f.sessions[slot], f.err
}

func (f *fakeDCM) Peers(ctx context.Context) ([]net.Addr, error) {
	return f.peers, f.err
}

type fakeStatus map[services.ServiceKind]services.Status

func (f fakeStatus) Status(kind services.ServiceKind) (services.Status, bool) {
	st, ok := f[kind]
	return st, ok
}

type fakeHistory []types.BringupEvent

func (f fakeHistory) Events(slot uint32) ([]types.BringupEvent, error) {
	var out []types.BringupEvent
	for _, ev := range f {
		if ev.Slot == slot {
			out = append(out, ev)
		}
	}
	return out, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	collector := stats.NewCollector()
	collector.RecordSent("Activate")
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(stats.NewMetrics(collector)))

	s, err := NewServer(Options{
		Slots:   2,
		Version: "test",
		RunID:   "run-1",
		Bringup: &fakeBringup{
			sessions: map[uint32]wds.PacketSession{
				0: {
					Slot:         0,
					Step:         wds.StepFinished,
					ProfileID:    3,
					MuxID:        1,
					LinkName:     "rmnet_ims1",
					Address:      "10.60.0.2",
					PacketHandle: 0x1000,
					Settings: baseband.IPv4Settings{
						Gateway: net.IPv4(10, 60, 0, 1),
						MTU:     1400,
					},
				},
			},
			running: map[uint32]bool{},
		},
		DCM: &fakeDCM{
			sessions: map[uint32]dcm.PDPSession{
				0: {Enabled: true, InternalPDPID: 1, SequenceID: 0x65, PacketHandle: 0x1000},
			},
			peers: []net.Addr{&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000}},
		},
		Services: fakeStatus{
			services.KindNAS: {Kind: services.KindNAS, Query: "GetSystemInfo", Success: true, TLVCount: 4, At: time.Now()},
			services.KindDMS: {Kind: services.KindDMS, Query: "GetIDs", Err: errors.New("timeout"), At: time.Now()},
		},
		History: fakeHistory{
			{Slot: 0, Step: "StartNetwork", Outcome: "retreat", At: time.Now()},
			{Slot: 0, Step: "GetSettings", Outcome: "finished", At: time.Now()},
			{Slot: 1, Step: "GetProfileList", Outcome: "advanced", At: time.Now()},
		},
		Gatherer:   reg,
		Registerer: reg,
	})
	require.NoError(t, err)
	return s
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(t)
	w := get(t, s, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "run-1", body["run_id"])
	assert.EqualValues(t, 2, body["slots"])
}

func TestServer_Slot(t *testing.T) {
	s := newTestServer(t)
	w := get(t, s, "/slots/0")
	require.Equal(t, http.StatusOK, w.Code)

	var view SlotView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "Finished", view.Step)
	assert.Equal(t, "rmnet_ims1", view.LinkName)
	assert.Equal(t, "10.60.0.2", view.Address)
	assert.Equal(t, "10.60.0.1", view.Gateway)
	assert.Equal(t, uint32(1400), view.MTU)
	assert.True(t, view.PDPEnabled)
	assert.Equal(t, uint32(0x65), view.SequenceID)
	assert.Equal(t, uint32(0x1000), view.PacketHandle)
}

func TestServer_SlotNotStarted(t *testing.T) {
	s := newTestServer(t)
	w := get(t, s, "/slots/1")
	require.Equal(t, http.StatusOK, w.Code)

	var view SlotView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "Idle", view.Step)
	assert.Equal(t, uint8(2), view.MuxID)
	assert.False(t, view.BringupActive)
}

func TestServer_UnknownSlot(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, get(t, s, "/slots/2").Code)
	assert.Equal(t, http.StatusNotFound, get(t, s, "/slots/abc").Code)
	assert.Equal(t, http.StatusNotFound, get(t, s, "/slots/7/history").Code)
}

func TestServer_ListSlots(t *testing.T) {
	s := newTestServer(t)
	w := get(t, s, "/slots")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Slots []SlotView `json:"slots"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Slots, 2)
	assert.Equal(t, uint32(1), body.Slots[1].Slot)
}

func TestServer_DCMUnavailable(t *testing.T) {
	s, err := NewServer(Options{
		Slots: 1,
		DCM:   &fakeDCM{err: dcm.ErrServerStopped},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, s, "/slots/0").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, s, "/peers").Code)
}

func TestServer_Peers(t *testing.T) {
	s := newTestServer(t)
	w := get(t, s, "/peers")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "127.0.0.1:4000")
}

func TestServer_Services(t *testing.T) {
	s := newTestServer(t)
	w := get(t, s, "/services")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Services []ServiceView `json:"services"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Services, 2)
	assert.True(t, body.Services[0].Success)
	assert.Equal(t, "timeout", body.Services[1].Error)
}

func TestServer_History(t *testing.T) {
	s := newTestServer(t)
	w := get(t, s, "/slots/0/history")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Events []types.BringupEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Events, 2)
	assert.Equal(t, "retreat", body.Events[0].Outcome)

	noStore, err := NewServer(Options{Slots: 1})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, get(t, noStore, "/slots/0/history").Code)
}

func TestServer_Metrics(t *testing.T) {
	s := newTestServer(t)
	w := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `imsd_messages_total{message="Activate",outcome="sent"} 1`))

	// The /metrics request itself is counted once it completed.
	w = get(t, s, "/metrics")
	assert.Contains(t, w.Body.String(), `imsd_api_requests_total{method="GET",path="/metrics",status="200"} 1`)
}

func TestServer_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewServer(Options{Slots: 1, Registerer: reg})
	require.NoError(t, err)
	_, err = NewServer(Options{Slots: 1, Registerer: reg})
	assert.Error(t, err)
}

func TestServer_ListenAndServeStopsOnCancel(t *testing.T) {
	s, err := NewServer(Options{Slots: 1})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ListenAndServe did not return after cancel")
	}
}
