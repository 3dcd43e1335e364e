package wds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"imsd/internal/baseband"
	"imsd/internal/qmi"
	"imsd/internal/stats"
	"imsd/pkg/types"
)

// Baseband is the set of WDS requests the bring-up issues for one slot.
type Baseband interface {
	ListProfiles(ctx context.Context) ([]baseband.ProfileRef, error)
	ProfileSettings(ctx context.Context, index uint8) (baseband.Profile, error)
	CreateProfile(ctx context.Context, p baseband.Profile) (uint8, error)
	ModifyProfile(ctx context.Context, index uint8, p baseband.Profile) error
	BindMuxDataPort(ctx context.Context, ep baseband.DataEndpoint, muxID uint8) error
	StartNetwork(ctx context.Context, req baseband.StartRequest) (uint32, error)
	StopNetwork(ctx context.Context, handle uint32) error
	CurrentSettings(ctx context.Context) (baseband.IPv4Settings, error)
}

// LinkManager creates and raises the mux network link.
type LinkManager interface {
	AddLink(ctx context.Context, muxID uint8) (string, error)
	SetUp(name string) error
}

// Notifier receives the outcome of a bring-up.
type Notifier interface {
	NotifyAddress(ctx context.Context, slot uint32, address string) error
	UpdatePacketHandle(ctx context.Context, slot, handle uint32) error
}

// EventRecorder persists step outcomes.
type EventRecorder interface {
	RecordEvent(ev types.BringupEvent) error
	RecordAddress(slot uint32, address string) error
}

// Config holds the per-slot bring-up parameters.
type Config struct {
	// Profile is written to the baseband when no IMS profile exists.
	Profile baseband.Profile
	// APN is sent with StartNetwork.
	APN      string
	Endpoint baseband.DataEndpoint
	IPFamily uint8
	// TickInterval paces the steps.
	TickInterval time.Duration
	// MaxStepFailures gives up after that many consecutive failures of
	// one step. Zero retries forever.
	MaxStepFailures int
}

// Machine drives the bring-up of one slot. Step and Run must be called
// from a single goroutine; Session may be called from any.
type Machine struct {
	slot     uint32
	cfg      Config
	bb       Baseband
	links    LinkManager
	notifier Notifier
	recorder EventRecorder
	stats    *stats.Collector

	mu       sync.Mutex
	sess     PacketSession
	profiles []baseband.Profile
}

// NewMachine creates a machine for slot positioned at StepGetProfiles.
// recorder and collector may be nil.
func NewMachine(slot uint32, cfg Config, bb Baseband, links LinkManager, notifier Notifier, recorder EventRecorder, collector *stats.Collector) *Machine {
	if collector == nil {
		collector = stats.NewCollector()
	}
	if cfg.IPFamily == 0 {
		cfg.IPFamily = baseband.IPFamilyIPv4
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	return &Machine{
		slot:     slot,
		cfg:      cfg,
		bb:       bb,
		links:    links,
		notifier: notifier,
		recorder: recorder,
		stats:    collector,
		sess: PacketSession{
			Slot:  slot,
			Step:  StepGetProfiles,
			MuxID: MuxIDForSlot(slot),
		},
	}
}

// Session returns a copy of the slot's packet session.
func (m *Machine) Session() PacketSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

func (m *Machine) update(fn func(*PacketSession)) {
	m.mu.Lock()
	fn(&m.sess)
	m.mu.Unlock()
}

// Run steps the machine once per tick until it reaches a terminal step or
// ctx is cancelled.
func (m *Machine) Run(ctx context.Context) Step {
	m.stats.RecordBringupStarted(m.slot)

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if done := m.Step(ctx); done {
			return m.Session().Step
		}
		select {
		case <-ctx.Done():
			return m.Session().Step
		case <-ticker.C:
		}
	}
}

// Step performs the action of the current step and reports whether the
// machine reached a terminal step.
func (m *Machine) Step(ctx context.Context) bool {
	sess := m.Session()
	fields := log.Fields{
		"slot": sess.Slot,
		"step": sess.Step.String(),
	}
	log.WithFields(fields).Info("Bring-up tick")

	switch sess.Step {
	case StepGetProfiles:
		m.getProfiles(ctx, fields)
	case StepFindProfile:
		m.findProfile(ctx, fields)
	case StepProfileReady:
		m.advance(StepSetupDataFormat, "")
	case StepSetupDataFormat:
		// Mux framing is configured by the data port driver.
		m.advance(StepSetupLink, "")
	case StepSetupLink:
		m.setupLink(ctx, fields)
	case StepLinkBringup:
		if err := m.links.SetUp(sess.LinkName); err != nil {
			m.fail(ctx, fields, err)
			break
		}
		m.advance(StepSetIPBearerMethod, sess.LinkName)
	case StepSetIPBearerMethod:
		m.advance(StepBindDataPort, "")
	case StepBindDataPort:
		if err := m.bb.BindMuxDataPort(ctx, m.cfg.Endpoint, sess.MuxID); err != nil {
			m.fail(ctx, fields, err)
			break
		}
		m.advance(StepSelectIPFamily, "")
	case StepSelectIPFamily:
		m.advance(StepStartNetwork, "")
	case StepStartNetwork:
		m.startNetwork(ctx, fields)
	case StepWaitForCompletion:
		m.advance(StepRegisterIndications, "")
	case StepRegisterIndications:
		m.advance(StepGetSettings, "")
	case StepGetSettings:
		m.getSettings(ctx, fields)
	case StepSelectIPv6Family, StepStartNetworkIPv6, StepGetSettingsIPv6:
		log.WithFields(fields).Info("IPv6 bring-up not implemented, stopping at IPv4")
		m.advance(StepFinished, "")
	case StepFinished:
		m.finish(ctx, fields)
		return true
	case StepGaveUp:
		return true
	default:
		log.WithFields(fields).Error("Unknown bring-up step, giving up")
		m.giveUp(fmt.Sprintf("unknown step %d", uint8(sess.Step)))
		return true
	}
	return m.Session().Step == StepGaveUp
}

func (m *Machine) getProfiles(ctx context.Context, fields log.Fields) {
	refs, err := m.bb.ListProfiles(ctx)
	if err != nil {
		m.fail(ctx, fields, err)
		return
	}

	profiles := make([]baseband.Profile, 0, len(refs))
	for _, ref := range refs {
		if ref.Type != baseband.ProfileType3GPP {
			continue
		}
		p, err := m.bb.ProfileSettings(ctx, ref.Index)
		if err != nil {
			m.fail(ctx, fields, fmt.Errorf("profile %d: %w", ref.Index, err))
			return
		}
		log.WithFields(fields).WithFields(log.Fields{
			"profile":  p.Index,
			"apn":      p.APN,
			"apn_mask": fmt.Sprintf("0x%x", p.APNTypeMask),
		}).Debug("Fetched profile")
		profiles = append(profiles, p)
	}

	m.profiles = profiles
	m.advance(StepFindProfile, fmt.Sprintf("%d profiles", len(profiles)))
}

func (m *Machine) findProfile(ctx context.Context, fields log.Fields) {
	want := m.cfg.Profile
	mask := want.APNTypeMask
	if mask == 0 {
		mask = baseband.APNTypeIMS
	}

	var empty *baseband.Profile
	for i := range m.profiles {
		p := m.profiles[i]
		if p.APNTypeMask&mask != 0 {
			m.update(func(s *PacketSession) { s.ProfileID = p.Index })
			m.advance(StepProfileReady, fmt.Sprintf("found profile %d", p.Index))
			return
		}
		if empty == nil && p.Empty() {
			empty = &m.profiles[i]
		}
	}

	if empty != nil {
		if err := m.bb.ModifyProfile(ctx, empty.Index, want); err != nil {
			m.fail(ctx, fields, err)
			return
		}
		index := empty.Index
		m.update(func(s *PacketSession) { s.ProfileID = index })
		m.advance(StepProfileReady, fmt.Sprintf("modified profile %d", index))
		return
	}

	index, err := m.bb.CreateProfile(ctx, want)
	if err != nil {
		m.fail(ctx, fields, err)
		return
	}
	m.update(func(s *PacketSession) { s.ProfileID = index })
	m.advance(StepProfileReady, fmt.Sprintf("created profile %d", index))
}

func (m *Machine) setupLink(ctx context.Context, fields log.Fields) {
	sess := m.Session()
	if sess.SetupLinkDone {
		m.advance(StepLinkBringup, sess.LinkName)
		return
	}
	name, err := m.links.AddLink(ctx, sess.MuxID)
	if err != nil {
		m.fail(ctx, fields, err)
		return
	}
	m.update(func(s *PacketSession) {
		s.LinkName = name
		s.SetupLinkDone = true
	})
	m.advance(StepLinkBringup, name)
}

func (m *Machine) startNetwork(ctx context.Context, fields log.Fields) {
	sess := m.Session()
	handle, err := m.bb.StartNetwork(ctx, baseband.StartRequest{
		ProfileIndex: sess.ProfileID,
		APN:          m.cfg.APN,
		IPFamily:     m.cfg.IPFamily,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.recordFailure(fields, err)
		if qmi.IsProtocolError(err, qmi.ProtocolErrorCallFailed) {
			m.retreat(StepBindDataPort, err)
			return
		}
		m.retreat(StepSelectIPFamily, err)
		return
	}

	m.update(func(s *PacketSession) {
		s.PacketHandle = handle
		s.startFailures = 0
	})
	if m.notifier != nil {
		if err := m.notifier.UpdatePacketHandle(ctx, sess.Slot, handle); err != nil {
			log.WithFields(fields).WithError(err).Warn("Failed to store packet handle")
		}
	}
	m.advance(StepWaitForCompletion, fmt.Sprintf("handle 0x%08x", handle))
}

func (m *Machine) getSettings(ctx context.Context, fields log.Fields) {
	settings, err := m.bb.CurrentSettings(ctx)
	if err != nil {
		m.fail(ctx, fields, err)
		return
	}
	addr := settings.Address.String()
	m.update(func(s *PacketSession) {
		s.Settings = settings
		s.Address = addr
	})
	log.WithFields(fields).WithFields(log.Fields{
		"address": addr,
		"gateway": settings.Gateway,
		"netmask": settings.Netmask,
		"mtu":     settings.MTU,
	}).Info("Bearer settings received")
	m.advance(StepSelectIPv6Family, addr)
}

func (m *Machine) finish(ctx context.Context, fields log.Fields) {
	sess := m.Session()
	log.WithFields(fields).WithField("address", sess.Address).Info("Bring-up finished")
	m.stats.RecordBringupFinished(sess.Slot, sess.Address)
	m.record(StepFinished, "finished", sess.Address)
	if m.recorder != nil {
		if err := m.recorder.RecordAddress(sess.Slot, sess.Address); err != nil {
			log.WithFields(fields).WithError(err).Warn("Failed to store address")
		}
	}
	if m.notifier != nil {
		if err := m.notifier.NotifyAddress(ctx, sess.Slot, sess.Address); err != nil {
			log.WithFields(fields).WithError(err).Warn("Failed to notify address")
		}
	}
}

func (m *Machine) advance(next Step, detail string) {
	var from Step
	m.update(func(s *PacketSession) {
		from = s.Step
		s.Step = next
		s.failures = 0
	})
	m.record(from, "advanced", detail)
}

// fail leaves the step unchanged so the next tick retries it.
func (m *Machine) fail(ctx context.Context, fields log.Fields, err error) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		log.WithFields(fields).Debug("Step interrupted by shutdown")
		return
	}
	failures := m.recordFailure(fields, err)
	m.stats.RecordStepRetry(m.slot)
	m.record(m.Session().Step, "retry", err.Error())
	if m.cfg.MaxStepFailures > 0 && failures >= m.cfg.MaxStepFailures {
		m.giveUp(fmt.Sprintf("%d consecutive failures: %v", failures, err))
	}
}

func (m *Machine) recordFailure(fields log.Fields, err error) int {
	var failures int
	m.update(func(s *PacketSession) {
		s.failures++
		failures = s.failures
	})
	log.WithFields(fields).WithError(err).WithField("failures", failures).Warn("Bring-up step failed")
	return failures
}

// retreat moves back to an earlier step. Failed starts are counted
// across retreats until a start succeeds.
func (m *Machine) retreat(to Step, err error) {
	var from Step
	var failures int
	m.update(func(s *PacketSession) {
		from = s.Step
		s.startFailures++
		failures = s.startFailures
		s.Step = to
	})
	log.WithFields(log.Fields{
		"slot": m.slot,
		"from": from.String(),
		"to":   to.String(),
	}).Info("Retreating bring-up")
	m.stats.RecordRetreat(m.slot)
	m.record(from, "retreat", err.Error())
	if m.cfg.MaxStepFailures > 0 && failures >= m.cfg.MaxStepFailures {
		m.giveUp(fmt.Sprintf("%d consecutive failures: %v", failures, err))
	}
}

func (m *Machine) giveUp(detail string) {
	var from Step
	m.update(func(s *PacketSession) {
		from = s.Step
		s.Step = StepGaveUp
	})
	log.WithFields(log.Fields{
		"slot":   m.slot,
		"step":   from.String(),
		"reason": detail,
	}).Error("Bring-up gave up")
	m.stats.RecordBringupGaveUp(m.slot)
	m.record(from, "gave_up", detail)
}

func (m *Machine) record(step Step, outcome, detail string) {
	if m.recorder == nil {
		return
	}
	ev := types.BringupEvent{
		Slot:    m.slot,
		Step:    step.String(),
		Outcome: outcome,
		Detail:  detail,
		At:      time.Now(),
	}
	if err := m.recorder.RecordEvent(ev); err != nil {
		log.WithError(err).WithField("slot", ev.Slot).Warn("Failed to store bring-up event")
	}
}
