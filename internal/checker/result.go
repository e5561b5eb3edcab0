package checker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	// ErrProbeTimeout marks an outcome whose probe ran out of time.
	ErrProbeTimeout = errors.New("probe timeout")
	// ErrProbeUnreachable marks an outcome whose probe failed for any other reason.
	ErrProbeUnreachable = errors.New("probe unreachable")
)

// Outcome is the result of probing one address once.
type Outcome struct {
	TargetID  string
	Timestamp time.Time
	Reachable bool
	Latency   time.Duration
	// Err explains an unreachable outcome. It wraps ErrProbeTimeout or
	// ErrProbeUnreachable and is nil when Reachable is true.
	Err error
}

// LatencyMs returns the round-trip time in milliseconds, or nil when the
// address was not reachable.
func (o Outcome) LatencyMs() *float64 {
	if !o.Reachable {
		return nil
	}
	ms := float64(o.Latency) / float64(time.Millisecond)
	return &ms
}

func up(start time.Time, rtt time.Duration) Outcome {
	return Outcome{Timestamp: start, Reachable: true, Latency: rtt}
}

func down(start time.Time, err error) Outcome {
	return Outcome{Timestamp: start, Err: classifyErr(err)}
}

func classifyErr(err error) error {
	if err == nil {
		return ErrProbeUnreachable
	}
	if errors.Is(err, ErrProbeTimeout) || errors.Is(err, ErrProbeUnreachable) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", ErrProbeTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrProbeUnreachable, err)
}

// Unreachable builds a down outcome for callers that could not run a probe at all.
func Unreachable(start time.Time, err error) Outcome {
	return down(start, err)
}
