package wds

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imsd/internal/baseband"
	"imsd/internal/qmi"
	"imsd/pkg/types"
)

type fakeBaseband struct {
	mu sync.Mutex

	profiles  []baseband.Profile
	listErr   error
	createErr error
	bindErr   error
	startErrs []error
	settings  baseband.IPv4Settings
	handle    uint32
	created   []baseband.Profile
	modified  map[uint8]baseband.Profile
	binds     []uint8
	starts    []baseband.StartRequest
	stopped   []uint32
	settingsN int
}

func newFakeBaseband() *fakeBaseband {
	return &fakeBaseband{
		handle:   0xabcd,
		modified: make(map[uint8]baseband.Profile),
		settings: baseband.IPv4Settings{
			Address: net.ParseIP("10.0.0.5").To4(),
			Gateway: net.ParseIP("10.0.0.1").To4(),
			Netmask: net.ParseIP("255.255.255.0").To4(),
			MTU:     1400,
		},
	}
}

func (f *fakeBaseband) ListProfiles(ctx context.Context) ([]baseband.ProfileRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	refs := make([]baseband.ProfileRef, len(f.profiles))
	for i, p := range f.profiles {
		refs[i] = baseband.ProfileRef{Type: baseband.ProfileType3GPP, Index: p.Index, Name: p.Name}
	}
	return refs, nil
}

func (f *fakeBaseband) ProfileSettings(ctx context.Context, index uint8) (baseband.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.profiles {
		if p.Index == index {
			return p, nil
		}
	}
	return baseband.Profile{}, qmi.ProtocolErrorInvalidProfile
}

func (f *fakeBaseband) CreateProfile(ctx context.Context, p baseband.Profile) (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return 0, f.createErr
	}
	f.created = append(f.created, p)
	return uint8(len(f.profiles) + len(f.created)), nil
}

func (f *fakeBaseband) ModifyProfile(ctx context.Context, index uint8, p baseband.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modified[index] = p
	return nil
}

func (f *fakeBaseband) BindMuxDataPort(ctx context.Context, ep baseband.DataEndpoint, muxID uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bindErr != nil {
		return f.bindErr
	}
	f.binds = append(f.binds, muxID)
	return nil
}

func (f *fakeBaseband) StartNetwork(ctx context.Context, req baseband.StartRequest) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, req)
	if len(f.startErrs) > 0 {
		err := f.startErrs[0]
		f.startErrs = f.startErrs[1:]
		return 0, err
	}
	return f.handle, nil
}

func (f *fakeBaseband) StopNetwork(ctx context.Context, handle uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, handle)
	return nil
}

func (f *fakeBaseband) CurrentSettings(ctx context.Context) (baseband.IPv4Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settingsN++
	return f.settings, nil
}

type fakeLinks struct {
	mu    sync.Mutex
	adds  int
	addFn func() error
	up    []string
}

func (l *fakeLinks) AddLink(ctx context.Context, muxID uint8) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.adds++
	if l.addFn != nil {
		if err := l.addFn(); err != nil {
			return "", err
		}
	}
	return "rmnet_ims" + string('0'+rune(muxID)), nil
}

func (l *fakeLinks) SetUp(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.up = append(l.up, name)
	return nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	addresses map[uint32][]string
	handles   map[uint32]uint32
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{addresses: make(map[uint32][]string), handles: make(map[uint32]uint32)}
}

func (n *fakeNotifier) NotifyAddress(ctx context.Context, slot uint32, address string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.addresses[slot] = append(n.addresses[slot], address)
	return nil
}

func (n *fakeNotifier) UpdatePacketHandle(ctx context.Context, slot, handle uint32) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handles[slot] = handle
	return nil
}

func (n *fakeNotifier) notified(slot uint32) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.addresses[slot]...)
}

type fakeRecorder struct {
	mu        sync.Mutex
	events    []types.BringupEvent
	addresses []string
}

func (r *fakeRecorder) RecordEvent(ev types.BringupEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *fakeRecorder) RecordAddress(slot uint32, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addresses = append(r.addresses, address)
	return nil
}

func imsProfile() baseband.Profile {
	return baseband.Profile{Name: "ims", APN: "ims", PDPType: baseband.PDPTypeIPv4v6, APNTypeMask: baseband.APNTypeIMS}
}

func testConfig() Config {
	return Config{
		Profile:      imsProfile(),
		APN:          "ims",
		Endpoint:     baseband.DataEndpoint{Type: 4, Ifnum: 1},
		TickInterval: time.Millisecond,
	}
}

type harness struct {
	bb       *fakeBaseband
	links    *fakeLinks
	notifier *fakeNotifier
	recorder *fakeRecorder
	machine  *Machine
}

func newHarness(slot uint32, cfg Config) *harness {
	h := &harness{
		bb:       newFakeBaseband(),
		links:    &fakeLinks{},
		notifier: newFakeNotifier(),
		recorder: &fakeRecorder{},
	}
	h.machine = NewMachine(slot, cfg, h.bb, h.links, h.notifier, h.recorder, nil)
	return h
}

// runSteps steps the machine until it is terminal or n ticks elapsed and
// returns the step observed after every tick.
func runSteps(t *testing.T, m *Machine, n int) []Step {
	t.Helper()
	var seen []Step
	for i := 0; i < n; i++ {
		done := m.Step(context.Background())
		seen = append(seen, m.Session().Step)
		if done {
			break
		}
	}
	return seen
}

func TestMachine_HappyPathMonotonic(t *testing.T) {
	h := newHarness(0, testConfig())
	h.bb.profiles = []baseband.Profile{
		{Index: 1, Name: "internet", APN: "internet", APNTypeMask: baseband.APNTypeDefault},
		{Index: 2, Name: "ims", APN: "ims", APNTypeMask: baseband.APNTypeIMS},
	}

	seen := runSteps(t, h.machine, 40)

	prev := StepGetProfiles
	for _, s := range seen {
		assert.GreaterOrEqual(t, s, prev)
		prev = s
	}
	assert.Equal(t, StepFinished, prev)

	sess := h.machine.Session()
	assert.Equal(t, uint8(2), sess.ProfileID)
	assert.Equal(t, uint8(1), sess.MuxID)
	assert.Equal(t, "rmnet_ims1", sess.LinkName)
	assert.True(t, sess.SetupLinkDone)
	assert.Equal(t, "10.0.0.5", sess.Address)
	assert.Equal(t, uint32(0xabcd), sess.PacketHandle)

	assert.Empty(t, h.bb.created)
	assert.Equal(t, []uint8{1}, h.bb.binds)
	require.Len(t, h.bb.starts, 1)
	assert.Equal(t, baseband.StartRequest{ProfileIndex: 2, APN: "ims", IPFamily: baseband.IPFamilyIPv4}, h.bb.starts[0])
	assert.Equal(t, []string{"rmnet_ims1"}, h.links.up)

	assert.Equal(t, []string{"10.0.0.5"}, h.notifier.notified(0))
	assert.Equal(t, uint32(0xabcd), h.notifier.handles[0])
	assert.Equal(t, []string{"10.0.0.5"}, h.recorder.addresses)
}

func TestMachine_CreatesProfileWhenMissing(t *testing.T) {
	h := newHarness(0, testConfig())
	h.bb.profiles = []baseband.Profile{
		{Index: 1, Name: "internet", APN: "internet", APNTypeMask: baseband.APNTypeDefault},
	}

	runSteps(t, h.machine, 40)

	require.Len(t, h.bb.created, 1)
	assert.Equal(t, imsProfile(), h.bb.created[0])
	assert.Equal(t, uint8(2), h.machine.Session().ProfileID)
	assert.Equal(t, StepFinished, h.machine.Session().Step)
}

func TestMachine_ModifiesEmptyProfile(t *testing.T) {
	h := newHarness(0, testConfig())
	h.bb.profiles = []baseband.Profile{
		{Index: 1, Name: "internet", APN: "internet", APNTypeMask: baseband.APNTypeDefault},
		{Index: 3},
	}

	runSteps(t, h.machine, 40)

	assert.Empty(t, h.bb.created)
	assert.Equal(t, imsProfile(), h.bb.modified[3])
	assert.Equal(t, uint8(3), h.machine.Session().ProfileID)
}

func TestMachine_ProfileFailureStaysOnStep(t *testing.T) {
	h := newHarness(0, testConfig())
	h.bb.createErr = qmi.ProtocolErrorInternal

	for i := 0; i < 5; i++ {
		h.machine.Step(context.Background())
	}
	assert.Equal(t, StepFindProfile, h.machine.Session().Step)

	h.bb.mu.Lock()
	h.bb.createErr = nil
	h.bb.mu.Unlock()

	h.machine.Step(context.Background())
	assert.Equal(t, StepProfileReady, h.machine.Session().Step)
}

func TestMachine_CallFailedRetreatsToBindDataPort(t *testing.T) {
	h := newHarness(0, testConfig())
	h.bb.profiles = []baseband.Profile{{Index: 1, APN: "ims", APNTypeMask: baseband.APNTypeIMS}}
	h.bb.startErrs = []error{&baseband.CallEndError{Reason: 3, Err: qmi.ProtocolErrorCallFailed}}

	for h.machine.Session().Step != StepStartNetwork {
		require.False(t, h.machine.Step(context.Background()))
	}
	h.machine.Step(context.Background())
	assert.Equal(t, StepBindDataPort, h.machine.Session().Step)

	runSteps(t, h.machine, 40)
	assert.Equal(t, StepFinished, h.machine.Session().Step)
	assert.Len(t, h.bb.binds, 2)
	assert.Len(t, h.bb.starts, 2)
}

func TestMachine_OtherStartFailureRetreatsOneStep(t *testing.T) {
	h := newHarness(0, testConfig())
	h.bb.profiles = []baseband.Profile{{Index: 1, APN: "ims", APNTypeMask: baseband.APNTypeIMS}}
	h.bb.startErrs = []error{errors.New("StartNetwork: timeout")}

	for h.machine.Session().Step != StepStartNetwork {
		h.machine.Step(context.Background())
	}
	h.machine.Step(context.Background())
	assert.Equal(t, StepSelectIPFamily, h.machine.Session().Step)
	assert.Len(t, h.bb.binds, 1)
}

func TestMachine_SetupLinkIdempotent(t *testing.T) {
	h := newHarness(0, testConfig())
	h.machine.update(func(s *PacketSession) {
		s.Step = StepSetupLink
		s.SetupLinkDone = true
		s.LinkName = "rmnet_ims1"
	})

	h.machine.Step(context.Background())
	assert.Equal(t, StepLinkBringup, h.machine.Session().Step)

	h.machine.update(func(s *PacketSession) { s.Step = StepSetupLink })
	h.machine.Step(context.Background())

	assert.Equal(t, 0, h.links.adds)
	assert.Equal(t, "rmnet_ims1", h.machine.Session().LinkName)
}

func TestMachine_SetupLinkRetriesOnFailure(t *testing.T) {
	h := newHarness(0, testConfig())
	fail := true
	h.links.addFn = func() error {
		if fail {
			return errors.New("no parent device")
		}
		return nil
	}
	h.machine.update(func(s *PacketSession) { s.Step = StepSetupLink })

	h.machine.Step(context.Background())
	assert.Equal(t, StepSetupLink, h.machine.Session().Step)
	assert.False(t, h.machine.Session().SetupLinkDone)

	fail = false
	h.machine.Step(context.Background())
	assert.Equal(t, StepLinkBringup, h.machine.Session().Step)
	assert.Equal(t, 2, h.links.adds)
}

func TestMachine_UnknownStepGivesUp(t *testing.T) {
	h := newHarness(0, testConfig())
	h.machine.update(func(s *PacketSession) { s.Step = Step(0x40) })

	assert.True(t, h.machine.Step(context.Background()))
	assert.Equal(t, StepGaveUp, h.machine.Session().Step)
	assert.Empty(t, h.notifier.notified(0))
}

func TestMachine_MaxStepFailures(t *testing.T) {
	cfg := testConfig()
	cfg.MaxStepFailures = 3
	h := newHarness(1, cfg)
	h.bb.listErr = qmi.ProtocolErrorInternal

	steps := runSteps(t, h.machine, 10)
	assert.Len(t, steps, 3)
	assert.Equal(t, StepGaveUp, h.machine.Session().Step)

	last := h.recorder.events[len(h.recorder.events)-1]
	assert.Equal(t, "gave_up", last.Outcome)
	assert.Equal(t, "GetProfiles", last.Step)
	assert.Equal(t, uint32(1), last.Slot)
}

func TestMachine_RunStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	h := newHarness(0, cfg)
	h.bb.listErr = qmi.ProtocolErrorInternal

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	final := h.machine.Run(ctx)
	assert.Equal(t, StepGetProfiles, final)
}

func TestStepString(t *testing.T) {
	assert.Equal(t, "StartNetwork", StepStartNetwork.String())
	assert.Equal(t, "Finished", StepFinished.String())
	assert.Equal(t, "Step(64)", Step(0x40).String())
	assert.True(t, StepGaveUp.Terminal())
	assert.False(t, StepGetSettings.Terminal())
}
