package checker

import (
	"context"
	"net"
	"strconv"
	"time"
)

// DefaultTCPPort is dialed when an address has no explicit port.
const DefaultTCPPort = 443

// TCPProber measures the time to complete a TCP handshake.
type TCPProber struct {
	port int
}

// NewTCPProber returns a TCP prober. A non-positive port means DefaultTCPPort.
func NewTCPProber(port int) *TCPProber {
	if port <= 0 {
		port = DefaultTCPPort
	}
	return &TCPProber{port: port}
}

func (p *TCPProber) Probe(ctx context.Context, address string, timeout time.Duration) Outcome {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return down(start, err)
	}

	ctx, cancel := context.WithDeadline(ctx, effectiveDeadline(ctx, timeout))
	defer cancel()

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.hostPort(address))
	rtt := time.Since(start)
	if err != nil {
		return down(start, err)
	}
	conn.Close()
	return up(start, rtt)
}

func (p *TCPProber) hostPort(address string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, strconv.Itoa(p.port))
}
