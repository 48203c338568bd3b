// Package arp implements the minimal ARP request/reply exchange needed
// to resolve a peer's hardware address, encoded via gopacket the same
// way net/eth codes TCP frames.
package arp

import (
	"net"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/breenix/breenix-go/errkit"
)

// Table is a simple IP->MAC cache, the driver-visible result of
// resolving a neighbor before the first frame to it can be sent.
type Table struct {
	mu      sync.Mutex
	entries map[[4]byte]net.HardwareAddr
}

// NewTable creates an empty ARP cache.
func NewTable() *Table {
	return &Table{entries: make(map[[4]byte]net.HardwareAddr)}
}

// Learn records an IP->MAC mapping observed from a request or reply.
func (t *Table) Learn(ip [4]byte, mac net.HardwareAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[ip] = mac
}

// Lookup returns the cached MAC for ip, if any.
func (t *Table) Lookup(ip [4]byte) (net.HardwareAddr, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	mac, ok := t.entries[ip]
	return mac, ok
}

// EncodeRequest builds a "who-has" ARP request frame, srcMAC/srcIP
// asking for targetIP's hardware address.
func EncodeRequest(srcMAC net.HardwareAddr, srcIP, targetIP [4]byte) ([]byte, error) {
	return encode(srcMAC, srcIP, net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, targetIP, layers.ARPRequest)
}

// EncodeReply builds an "is-at" ARP reply answering a request from
// dstMAC/dstIP.
func EncodeReply(srcMAC net.HardwareAddr, srcIP [4]byte, dstMAC net.HardwareAddr, dstIP [4]byte) ([]byte, error) {
	return encode(srcMAC, srcIP, dstMAC, dstIP, layers.ARPReply)
}

func encode(srcMAC net.HardwareAddr, srcIP [4]byte, dstMAC net.HardwareAddr, dstIP [4]byte, op uint16) ([]byte, error) {
	ethL := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeARP,
	}
	arpL := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   srcMAC,
		SourceProtAddress: srcIP[:],
		DstHwAddress:      dstMAC,
		DstProtAddress:    dstIP[:],
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ethL, arpL); err != nil {
		return nil, errkit.Wrap(err, errkit.EIO, "arp.encode: serialize")
	}
	return buf.Bytes(), nil
}

// Decode parses a raw ARP frame into its operation, sender, and target
// fields.
func Decode(frame []byte) (op uint16, srcMAC net.HardwareAddr, srcIP [4]byte, dstIP [4]byte, err error) {
	packet := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	arpLayer := packet.Layer(layers.LayerTypeARP)
	if arpLayer == nil {
		return 0, nil, srcIP, dstIP, errkit.New(errkit.EINVAL, "arp.Decode: not an ARP frame")
	}
	a := arpLayer.(*layers.ARP)
	copy(srcIP[:], a.SourceProtAddress)
	copy(dstIP[:], a.DstProtAddress)
	return a.Operation, net.HardwareAddr(a.SourceHwAddress), srcIP, dstIP, nil
}
