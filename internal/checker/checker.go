// Package checker performs single reachability probes against network
// addresses using native sockets.
package checker

import (
	"context"
	"fmt"
	"time"
)

// Probe methods accepted by New.
const (
	MethodTCP  = "tcp"
	MethodICMP = "icmp"
	MethodAuto = "auto"
)

// Prober performs a single reachability check. Implementations never return
// an error: every failure becomes an unreachable Outcome. They must return
// within timeout and be safe for concurrent use.
type Prober interface {
	Probe(ctx context.Context, address string, timeout time.Duration) Outcome
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, address string, timeout time.Duration) Outcome

func (f ProberFunc) Probe(ctx context.Context, address string, timeout time.Duration) Outcome {
	return f(ctx, address, timeout)
}

// New returns the Prober for the given method. tcpPort is used by TCP
// probing when an address carries no port.
//
// MethodICMP tries a raw ICMP echo and then a datagram one. MethodAuto adds
// a TCP connect after those. Each step runs only when the one before it
// lacked permission.
func New(method string, tcpPort int) (Prober, error) {
	switch method {
	case MethodTCP:
		return NewTCPProber(tcpPort), nil
	case MethodICMP:
		return NewFallbackProber(NewICMPProber(), NewUnprivilegedICMPProber()), nil
	case MethodAuto, "":
		return NewFallbackProber(
			NewICMPProber(),
			NewFallbackProber(NewUnprivilegedICMPProber(), NewTCPProber(tcpPort)),
		), nil
	default:
		return nil, fmt.Errorf("unknown probe method %q", method)
	}
}

func effectiveDeadline(ctx context.Context, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		return ctxDeadline
	}
	return deadline
}
