package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"imsd/pkg/types"
)

// SlotStats holds bring-up counters for one SIM slot.
type SlotStats struct {
	Attempts    uint64
	StepRetries uint64
	Retreats    uint64
	Finished    uint64
	GaveUp      uint64
	Address     string
}

// Collector aggregates operational statistics.
type Collector struct {
	RunID     string
	StartTime time.Time
	EndTime   time.Time

	// Keyed by message name, covering both DCM traffic and baseband requests.
	MessageStats map[string]*types.MessageStats

	IndicationsSent   uint64
	IndicationsFailed uint64
	PeersSeen         uint64

	Slots map[uint32]*SlotStats

	ResponseTimes []time.Duration

	mu sync.Mutex
}

// NewCollector creates a new statistics collector.
func NewCollector() *Collector {
	return &Collector{
		RunID:        uuid.NewString(),
		StartTime:    time.Now(),
		MessageStats: make(map[string]*types.MessageStats),
		Slots:        make(map[uint32]*SlotStats),
	}
}

func (c *Collector) getOrCreate(msgType string) *types.MessageStats {
	if _, ok := c.MessageStats[msgType]; !ok {
		c.MessageStats[msgType] = &types.MessageStats{}
	}
	return c.MessageStats[msgType]
}

func (c *Collector) slot(slot uint32) *SlotStats {
	if _, ok := c.Slots[slot]; !ok {
		c.Slots[slot] = &SlotStats{}
	}
	return c.Slots[slot]
}

// RecordSent records a message being sent.
func (c *Collector) RecordSent(msgType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getOrCreate(msgType).Sent++
}

// RecordReceived records a message being received.
func (c *Collector) RecordReceived(msgType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getOrCreate(msgType).Received++
}

// RecordIgnored records a received message that got no reply.
func (c *Collector) RecordIgnored(msgType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getOrCreate(msgType).Ignored++
}

// RecordSuccess records a successful transaction.
func (c *Collector) RecordSuccess(msgType string, responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getOrCreate(msgType).Success++
	c.ResponseTimes = append(c.ResponseTimes, responseTime)
}

// RecordFailure records a transaction answered with a failure result.
func (c *Collector) RecordFailure(msgType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getOrCreate(msgType).Failed++
}

// RecordTimeout records a transaction timeout.
func (c *Collector) RecordTimeout(msgType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getOrCreate(msgType).Timeout++
}

// RecordPeer counts a newly observed DCM peer.
func (c *Collector) RecordPeer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PeersSeen++
}

// RecordIndication counts one indication delivery attempt.
func (c *Collector) RecordIndication(delivered bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if delivered {
		c.IndicationsSent++
	} else {
		c.IndicationsFailed++
	}
}

// RecordBringupStarted counts a bring-up run for slot.
func (c *Collector) RecordBringupStarted(slot uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slot(slot).Attempts++
}

// RecordStepRetry counts a step that stayed in place after a failure.
func (c *Collector) RecordStepRetry(slot uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slot(slot).StepRetries++
}

// RecordRetreat counts a step that moved backwards after a failure.
func (c *Collector) RecordRetreat(slot uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slot(slot).Retreats++
}

// RecordBringupFinished records the address acquired for slot.
func (c *Collector) RecordBringupFinished(slot uint32, address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.slot(slot)
	s.Finished++
	s.Address = address
}

// RecordBringupGaveUp counts an abandoned bring-up.
func (c *Collector) RecordBringupGaveUp(slot uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slot(slot).GaveUp++
}

// Finish marks the end of the collection period.
func (c *Collector) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.EndTime = time.Now()
}

// Duration returns the elapsed time.
func (c *Collector) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.EndTime.IsZero() {
		return time.Since(c.StartTime)
	}
	return c.EndTime.Sub(c.StartTime)
}

// TotalSent returns the total number of messages sent.
func (c *Collector) TotalSent() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total uint64
	for _, s := range c.MessageStats {
		total += s.Sent
	}
	return total
}

// TotalReceived returns the total number of messages received.
func (c *Collector) TotalReceived() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total uint64
	for _, s := range c.MessageStats {
		total += s.Received
	}
	return total
}

// ResponseTimeStats returns min, avg, max, and p99 response times.
func (c *Collector) ResponseTimeStats() (min, avg, max, p99 time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.ResponseTimes) == 0 {
		return 0, 0, 0, 0
	}

	sorted := make([]time.Duration, len(c.ResponseTimes))
	copy(sorted, c.ResponseTimes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	min = sorted[0]
	max = sorted[len(sorted)-1]

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	avg = total / time.Duration(len(sorted))

	p99Idx := int(float64(len(sorted)) * 0.99)
	if p99Idx >= len(sorted) {
		p99Idx = len(sorted) - 1
	}
	p99 = sorted[p99Idx]

	return
}

// Snapshot returns a copy of the current statistics (thread-safe).
func (c *Collector) Snapshot() *Collector {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := &Collector{
		RunID:             c.RunID,
		StartTime:         c.StartTime,
		EndTime:           c.EndTime,
		MessageStats:      make(map[string]*types.MessageStats),
		IndicationsSent:   c.IndicationsSent,
		IndicationsFailed: c.IndicationsFailed,
		PeersSeen:         c.PeersSeen,
		Slots:             make(map[uint32]*SlotStats),
		ResponseTimes:     make([]time.Duration, len(c.ResponseTimes)),
	}
	copy(snap.ResponseTimes, c.ResponseTimes)

	for k, v := range c.MessageStats {
		cp := *v
		snap.MessageStats[k] = &cp
	}
	for k, v := range c.Slots {
		cp := *v
		snap.Slots[k] = &cp
	}

	return snap
}
