package wds

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"imsd/internal/stats"
)

// stopTimeout bounds the StopNetwork requests sent on shutdown.
const stopTimeout = 5 * time.Second

type slotState struct {
	bb      Baseband
	machine *Machine
	running bool
}

// Manager runs one Machine per SIM slot on request of the DCM server.
type Manager struct {
	cfg      Config
	links    LinkManager
	notifier Notifier
	recorder EventRecorder
	stats    *stats.Collector

	starts chan uint32
	wg     sync.WaitGroup

	mu    sync.Mutex
	slots []*slotState
}

// NewManager creates a manager. basebands[i] serves slot i.
func NewManager(cfg Config, basebands []Baseband, links LinkManager, notifier Notifier, recorder EventRecorder, collector *stats.Collector) *Manager {
	if collector == nil {
		collector = stats.NewCollector()
	}
	slots := make([]*slotState, len(basebands))
	for i, bb := range basebands {
		slots[i] = &slotState{bb: bb}
	}
	return &Manager{
		cfg:      cfg,
		links:    links,
		notifier: notifier,
		recorder: recorder,
		stats:    collector,
		starts:   make(chan uint32, 16),
		slots:    slots,
	}
}

// StartSession queues bring-up for slot. It never blocks.
func (m *Manager) StartSession(slot uint32) {
	select {
	case m.starts <- slot:
	default:
		log.WithField("slot", slot).Warn("Start queue full, dropping session start")
	}
}

// Run serves start requests until ctx is cancelled, then waits for the
// machines and stops every started network.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			m.stopNetworks()
			return
		case slot := <-m.starts:
			m.start(ctx, slot)
		}
	}
}

func (m *Manager) start(ctx context.Context, slot uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(slot) >= len(m.slots) {
		log.WithField("slot", slot).Warn("Session start for unknown slot")
		return
	}
	st := m.slots[slot]

	if st.running {
		log.WithField("slot", slot).Debug("Bring-up already running")
		return
	}
	if st.machine != nil {
		sess := st.machine.Session()
		if sess.Step == StepFinished {
			log.WithFields(log.Fields{
				"slot":    slot,
				"address": sess.Address,
			}).Info("Bearer already up, repeating address notification")
			if m.notifier != nil {
				if err := m.notifier.NotifyAddress(ctx, slot, sess.Address); err != nil {
					log.WithError(err).WithField("slot", slot).Warn("Failed to notify address")
				}
			}
			return
		}
	}

	machine := NewMachine(slot, m.cfg, st.bb, m.links, m.notifier, m.recorder, m.stats)
	if st.machine != nil {
		// Keep the link created by the previous attempt.
		prev := st.machine.Session()
		machine.update(func(s *PacketSession) {
			s.LinkName = prev.LinkName
			s.SetupLinkDone = prev.SetupLinkDone
		})
	}
	st.machine = machine
	st.running = true

	log.WithField("slot", slot).Info("Starting bring-up")
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		final := machine.Run(ctx)
		m.mu.Lock()
		st.running = false
		m.mu.Unlock()
		log.WithFields(log.Fields{
			"slot": slot,
			"step": final.String(),
		}).Info("Bring-up ended")
	}()
}

// Session returns the packet session of slot, if bring-up was started.
func (m *Manager) Session(slot uint32) (PacketSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(slot) >= len(m.slots) || m.slots[slot].machine == nil {
		return PacketSession{}, false
	}
	return m.slots[slot].machine.Session(), true
}

// Running reports whether a machine is active for slot.
func (m *Manager) Running(slot uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(slot) < len(m.slots) && m.slots[slot].running
}

func (m *Manager) stopNetworks() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for slot, st := range m.slots {
		if st.machine == nil {
			continue
		}
		sess := st.machine.Session()
		if !sess.Started() {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		err := st.bb.StopNetwork(ctx, sess.PacketHandle)
		cancel()
		fields := log.Fields{
			"slot":   slot,
			"handle": fmt.Sprintf("0x%08x", sess.PacketHandle),
		}
		if err != nil {
			log.WithFields(fields).WithError(err).Warn("Failed to stop network")
			continue
		}
		log.WithFields(fields).Info("Stopped network")
	}
}
