// Package net wires together the L9 network stack: net/tcp's RFC793
// state machine, net/eth's Ethernet+IPv4+TCP wire codec, and (for
// non-loopback traffic) net/arp, net/icmp, net/dns. Loopback is the
// simplest transport: it serializes every outbound segment to real
// wire bytes and hands the frame straight back to the peer stack's
// decoder, exercising the full encode/decode path without needing a
// virtio-net device in between.
package net

import (
	"github.com/breenix/breenix-go/klog"
	"github.com/breenix/breenix-go/net/eth"
	"github.com/breenix/breenix-go/net/tcp"
)

// Loopback links two tcp.Manager stacks through net/eth's wire codec,
// the Go-native stand-in for two network namespaces sharing a single
// virtual Ethernet segment.
type Loopback struct {
	a, b *tcp.Manager
}

// NewLoopback wires a and b's Output callbacks to serialize through
// net/eth and deliver into the other side.
func NewLoopback(a, b *tcp.Manager) *Loopback {
	lb := &Loopback{a: a, b: b}
	a.Output = lb.sendFrom(b)
	b.Output = lb.sendFrom(a)
	return lb
}

func (lb *Loopback) sendFrom(peer *tcp.Manager) func(seg tcp.Segment, srcIP, dstIP [4]byte) {
	return func(seg tcp.Segment, srcIP, dstIP [4]byte) {
		frame, err := eth.EncodeTCP(seg, srcIP, dstIP)
		if err != nil {
			klog.Default().Error("net.Loopback: encode failed", "err", err)
			return
		}
		decoded, decSrc, _, err := eth.DecodeTCP(frame)
		if err != nil {
			klog.Default().Error("net.Loopback: decode failed", "err", err)
			return
		}
		peer.Deliver(decoded, decSrc)
	}
}
