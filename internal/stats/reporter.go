package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pascaldekloe/name"
	log "github.com/sirupsen/logrus"
)

// Reporter outputs statistics to the log and/or a file.
type Reporter struct {
	collector   *Collector
	intervalSec int
	exportFile  string
}

// NewReporter creates a new statistics reporter.
func NewReporter(collector *Collector, intervalSec int, exportFile string) *Reporter {
	return &Reporter{
		collector:   collector,
		intervalSec: intervalSec,
		exportFile:  exportFile,
	}
}

// StartPeriodicReport begins periodic statistics reporting in a goroutine.
func (r *Reporter) StartPeriodicReport(ctx context.Context) {
	if r.intervalSec <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(time.Duration(r.intervalSec) * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.Info(r.FormatReport())
			}
		}
	}()
}

// PrintFinalReport logs the final statistics summary.
func (r *Reporter) PrintFinalReport() {
	r.collector.Finish()
	log.Info(r.FormatReport())
}

// exportKey turns a CamelCase message name into a JSON key.
func exportKey(msgName string) string {
	return strings.ToLower(name.SnakeCase(msgName))
}

// BuildExport returns the JSON export document.
func (r *Reporter) BuildExport() map[string]interface{} {
	snap := r.collector.Snapshot()
	min, avg, max, p99 := snap.ResponseTimeStats()

	export := map[string]interface{}{
		"run_id":       snap.RunID,
		"start_time":   snap.StartTime.Format(time.RFC3339),
		"end_time":     snap.EndTime.Format(time.RFC3339),
		"duration_sec": snap.Duration().Seconds(),
		"messages":     map[string]interface{}{},
		"slots":        map[string]interface{}{},
		"indications": map[string]interface{}{
			"sent":   snap.IndicationsSent,
			"failed": snap.IndicationsFailed,
		},
		"peers_seen": snap.PeersSeen,
		"response_times_ms": map[string]interface{}{
			"min": float64(min) / float64(time.Millisecond),
			"avg": float64(avg) / float64(time.Millisecond),
			"max": float64(max) / float64(time.Millisecond),
			"p99": float64(p99) / float64(time.Millisecond),
		},
	}

	msgs := export["messages"].(map[string]interface{})
	for msgName, s := range snap.MessageStats {
		msgs[exportKey(msgName)] = map[string]interface{}{
			"sent":     s.Sent,
			"received": s.Received,
			"success":  s.Success,
			"failed":   s.Failed,
			"timeout":  s.Timeout,
			"ignored":  s.Ignored,
		}
	}

	slots := export["slots"].(map[string]interface{})
	for slot, s := range snap.Slots {
		slots[fmt.Sprintf("%d", slot)] = map[string]interface{}{
			"attempts":     s.Attempts,
			"step_retries": s.StepRetries,
			"retreats":     s.Retreats,
			"finished":     s.Finished,
			"gave_up":      s.GaveUp,
			"address":      s.Address,
		}
	}

	return export
}

// ExportJSON exports statistics to a JSON file.
func (r *Reporter) ExportJSON() error {
	if r.exportFile == "" {
		return nil
	}

	data, err := json.MarshalIndent(r.BuildExport(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal stats JSON: %w", err)
	}

	if err := os.WriteFile(r.exportFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write stats file %s: %w", r.exportFile, err)
	}

	log.WithField("file", r.exportFile).Info("Statistics exported to JSON")
	return nil
}

// FormatReport generates a formatted statistics report string.
func (r *Reporter) FormatReport() string {
	snap := r.collector.Snapshot()
	elapsed := snap.Duration()
	min, avg, max, p99 := snap.ResponseTimeStats()

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("\n=== imsd statistics (run %s, elapsed: %s) ===\n", snap.RunID, elapsed.Round(time.Second)))
	sb.WriteString("Messages:\n")

	// Sort message types for consistent output
	typeNames := make([]string, 0, len(snap.MessageStats))
	for n := range snap.MessageStats {
		typeNames = append(typeNames, n)
	}
	sort.Strings(typeNames)

	for _, n := range typeNames {
		s := snap.MessageStats[n]
		sb.WriteString(fmt.Sprintf("  %-28s sent=%-5d recv=%-5d success=%-5d fail=%-5d timeout=%-5d ignored=%-5d\n",
			n+":", s.Sent, s.Received, s.Success, s.Failed, s.Timeout, s.Ignored))
	}

	sb.WriteString("DCM:\n")
	sb.WriteString(fmt.Sprintf("  Peers: %d  |  Indications sent: %d  |  failed: %d\n",
		snap.PeersSeen, snap.IndicationsSent, snap.IndicationsFailed))

	slots := make([]uint32, 0, len(snap.Slots))
	for slot := range snap.Slots {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	if len(slots) > 0 {
		sb.WriteString("Bring-up:\n")
	}
	for _, slot := range slots {
		s := snap.Slots[slot]
		sb.WriteString(fmt.Sprintf("  slot %d: attempts=%d retries=%d retreats=%d finished=%d gave_up=%d address=%s\n",
			slot, s.Attempts, s.StepRetries, s.Retreats, s.Finished, s.GaveUp, s.Address))
	}

	if len(snap.ResponseTimes) > 0 {
		sb.WriteString("Baseband response times:\n")
		sb.WriteString(fmt.Sprintf("  Min: %s  |  Avg: %s  |  Max: %s  |  P99: %s\n",
			min.Round(time.Microsecond), avg.Round(time.Microsecond),
			max.Round(time.Microsecond), p99.Round(time.Microsecond)))
	}

	sb.WriteString("================================================\n")
	return sb.String()
}
