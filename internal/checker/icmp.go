package checker

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const echoData = "pingboard"

// ICMPProber sends one ICMP echo request and waits for the matching reply.
//
// A privileged prober uses a raw socket, which needs CAP_NET_RAW or root. An
// unprivileged one uses a datagram ICMP socket, which Linux allows for groups
// in net.ipv4.ping_group_range and macOS allows by default. Either may fail
// with a permission error; wrap it in a FallbackProber when that is not
// guaranteed.
type ICMPProber struct {
	privileged bool
	id         int
	seq        uint32
}

// NewICMPProber returns a raw-socket prober using a process-scoped echo
// identifier.
func NewICMPProber() *ICMPProber {
	return &ICMPProber{privileged: true, id: os.Getpid() & 0xffff}
}

// NewUnprivilegedICMPProber returns a prober using datagram ICMP sockets.
// The kernel owns the echo identifier of such sockets, so replies are
// matched by sequence number only.
func NewUnprivilegedICMPProber() *ICMPProber {
	return &ICMPProber{id: os.Getpid() & 0xffff}
}

// Privileged reports whether p uses raw sockets.
func (p *ICMPProber) Privileged() bool {
	return p.privileged
}

func (p *ICMPProber) Probe(ctx context.Context, address string, timeout time.Duration) Outcome {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return down(start, err)
	}

	deadline := effectiveDeadline(ctx, timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ip, err := resolveIP(ctx, address)
	if err != nil {
		return down(start, err)
	}

	st := icmpSettings(ip, p.privileged)
	conn, err := icmp.ListenPacket(st.network, st.listen)
	if err != nil {
		return down(start, err)
	}
	defer conn.Close()

	// Unblock ReadFrom as soon as the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	seq := int(atomic.AddUint32(&p.seq, 1) & 0xffff)
	msg := icmp.Message{
		Type: st.request,
		Code: 0,
		Body: &icmp.Echo{
			ID:   p.id,
			Seq:  seq,
			Data: []byte(echoData),
		},
	}
	payload, err := msg.Marshal(nil)
	if err != nil {
		return down(start, err)
	}

	if err := conn.SetDeadline(deadline); err != nil {
		return down(start, err)
	}

	sent := time.Now()
	if _, err := conn.WriteTo(payload, st.dst(ip)); err != nil {
		return down(start, err)
	}

	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return down(start, ctxErr)
			}
			return down(start, err)
		}
		if peer == nil {
			continue
		}

		reply, err := icmp.ParseMessage(st.protocol, buf[:n])
		if err != nil || reply.Type != st.reply {
			continue
		}
		body, ok := reply.Body.(*icmp.Echo)
		if !ok || body.Seq != seq || (p.privileged && body.ID != p.id) {
			continue
		}
		return up(start, time.Since(sent))
	}
}

func resolveIP(ctx context.Context, address string) (net.IP, error) {
	if ip := net.ParseIP(address); ip != nil {
		return ip, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, address)
	if err != nil {
		return nil, err
	}
	// Prefer IPv4, matching what ping(8) does by default.
	for _, a := range addrs {
		if a.IP.To4() != nil {
			return a.IP, nil
		}
	}
	if len(addrs) == 0 || addrs[0].IP == nil {
		return nil, fmt.Errorf("no addresses for %s", address)
	}
	return addrs[0].IP, nil
}

// echoSettings describes how to send one echo request for an address family
// and socket kind.
type echoSettings struct {
	network  string
	listen   string
	protocol int
	request  icmp.Type
	reply    icmp.Type
	datagram bool
}

func (st echoSettings) dst(ip net.IP) net.Addr {
	if st.datagram {
		return &net.UDPAddr{IP: ip}
	}
	return &net.IPAddr{IP: ip}
}

func icmpSettings(ip net.IP, privileged bool) echoSettings {
	var st echoSettings
	if ip.To4() != nil {
		st = echoSettings{
			network:  "ip4:icmp",
			listen:   "0.0.0.0",
			protocol: ipv4.ICMPTypeEcho.Protocol(),
			request:  ipv4.ICMPTypeEcho,
			reply:    ipv4.ICMPTypeEchoReply,
		}
		if !privileged {
			st.network = "udp4"
		}
	} else {
		st = echoSettings{
			network:  "ip6:ipv6-icmp",
			listen:   "::",
			protocol: ipv6.ICMPTypeEchoRequest.Protocol(),
			request:  ipv6.ICMPTypeEchoRequest,
			reply:    ipv6.ICMPTypeEchoReply,
		}
		if !privileged {
			st.network = "udp6"
		}
	}
	st.datagram = !privileged
	return st
}
