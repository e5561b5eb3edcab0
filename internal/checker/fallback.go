package checker

import (
	"context"
	"errors"
	"os"
	"strings"
	"syscall"
	"time"
)

// FallbackProber delegates to primary, then to secondary when primary could
// not run for lack of privileges.
type FallbackProber struct {
	primary   Prober
	secondary Prober
}

// NewFallbackProber wraps primary with a secondary fallback.
func NewFallbackProber(primary, secondary Prober) *FallbackProber {
	return &FallbackProber{primary: primary, secondary: secondary}
}

func (p *FallbackProber) Probe(ctx context.Context, address string, timeout time.Duration) Outcome {
	started := time.Now()
	out := p.primary.Probe(ctx, address, timeout)
	if out.Reachable || !isPermissionError(out.Err) {
		return out
	}
	// Give the secondary whatever is left of the budget.
	remaining := timeout - time.Since(started)
	if remaining <= 0 {
		return out
	}
	return p.secondary.Probe(ctx, address, remaining)
}

func isPermissionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EACCES) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "operation not permitted") || strings.Contains(msg, "permission denied")
}
