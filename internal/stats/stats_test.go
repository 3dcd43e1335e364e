package stats

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_MessageCounters(t *testing.T) {
	c := NewCollector()
	c.RecordReceived("ActivateRequest")
	c.RecordReceived("ActivateRequest")
	c.RecordSent("ActivateResponse")
	c.RecordIgnored("Unknown")

	assert.Equal(t, uint64(3), c.TotalReceived())
	assert.Equal(t, uint64(1), c.TotalSent())
	assert.Equal(t, uint64(1), c.MessageStats["Unknown"].Ignored)
	assert.NotEmpty(t, c.RunID)
}

func TestCollector_SlotCounters(t *testing.T) {
	c := NewCollector()
	c.RecordBringupStarted(0)
	c.RecordStepRetry(0)
	c.RecordRetreat(0)
	c.RecordBringupFinished(0, "10.0.0.5")
	c.RecordBringupGaveUp(1)

	snap := c.Snapshot()
	require.Contains(t, snap.Slots, uint32(0))
	assert.Equal(t, uint64(1), snap.Slots[0].Attempts)
	assert.Equal(t, "10.0.0.5", snap.Slots[0].Address)
	assert.Equal(t, uint64(1), snap.Slots[1].GaveUp)

	// Snapshot is a copy.
	c.RecordBringupStarted(0)
	assert.Equal(t, uint64(1), snap.Slots[0].Attempts)
}

func TestCollector_ResponseTimeStats(t *testing.T) {
	c := NewCollector()
	min, avg, max, p99 := c.ResponseTimeStats()
	assert.Zero(t, min+avg+max+p99)

	c.RecordSuccess("StartNetwork", 10*time.Millisecond)
	c.RecordSuccess("StartNetwork", 30*time.Millisecond)
	min, avg, max, _ = c.ResponseTimeStats()
	assert.Equal(t, 10*time.Millisecond, min)
	assert.Equal(t, 20*time.Millisecond, avg)
	assert.Equal(t, 30*time.Millisecond, max)
}

func TestReporter_ExportJSON(t *testing.T) {
	c := NewCollector()
	c.RecordReceived("ActivateRequest")
	c.RecordIndication(true)
	c.RecordIndication(false)
	c.RecordBringupFinished(0, "10.0.0.5")

	file := filepath.Join(t.TempDir(), "stats.json")
	r := NewReporter(c, 0, file)
	require.NoError(t, r.ExportJSON())

	data, err := os.ReadFile(file)
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	msgs := doc["messages"].(map[string]interface{})
	assert.Contains(t, msgs, "activate_request")

	ind := doc["indications"].(map[string]interface{})
	assert.Equal(t, float64(1), ind["sent"])
	assert.Equal(t, float64(1), ind["failed"])

	slots := doc["slots"].(map[string]interface{})
	assert.Equal(t, "10.0.0.5", slots["0"].(map[string]interface{})["address"])
}

func TestReporter_ExportDisabled(t *testing.T) {
	r := NewReporter(NewCollector(), 0, "")
	assert.NoError(t, r.ExportJSON())
}

func TestReporter_FormatReport(t *testing.T) {
	c := NewCollector()
	c.RecordReceived("RegisterRequest")
	c.RecordBringupStarted(1)
	out := NewReporter(c, 0, "").FormatReport()
	assert.Contains(t, out, "RegisterRequest:")
	assert.Contains(t, out, "slot 1:")
}
