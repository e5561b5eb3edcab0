// Package status classifies probe outcomes and defines the record that is
// cached and persisted for every probe.
package status

import (
	"fmt"
	"time"

	"github.com/hazz-dev/pingboard/internal/checker"
	"github.com/hazz-dev/pingboard/internal/target"
)

// Status is the health category of a target.
type Status string

const (
	Good Status = "Good"
	Low  Status = "Low"
	Down Status = "Down"
)

// DefaultThreshold separates Good from Low latency.
const DefaultThreshold = 100 * time.Millisecond

// Parse converts a stored status string back to a Status.
func Parse(s string) (Status, error) {
	switch Status(s) {
	case Good, Low, Down:
		return Status(s), nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// Classify maps an outcome to a Status. Latency equal to threshold is Low.
func Classify(o checker.Outcome, threshold time.Duration) Status {
	if !o.Reachable {
		return Down
	}
	if o.Latency < threshold {
		return Good
	}
	return Low
}

// Record is one classified observation of one target.
type Record struct {
	TargetID  string
	Name      string
	Address   string
	IconURL   string
	Status    Status
	LatencyMs *float64
	Timestamp time.Time
	Cycle     uint64
}

// NewRecord classifies o for t.
func NewRecord(t target.Target, o checker.Outcome, threshold time.Duration, cycle uint64) Record {
	return Record{
		TargetID:  t.ID,
		Name:      t.Name,
		Address:   t.Address,
		IconURL:   t.IconURL,
		Status:    Classify(o, threshold),
		LatencyMs: o.LatencyMs(),
		Timestamp: o.Timestamp,
		Cycle:     cycle,
	}
}
