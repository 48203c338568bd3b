// Package eth is the wire codec for the L9 network stack: Ethernet II
// + IPv4 + TCP encode/decode via gopacket, kept deliberately separate
// from net/tcp's hand-written RFC793 state machine: wire codec only,
// the state machine is hand-written per RFC793.
package eth

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/breenix/breenix-go/errkit"
	tcppkg "github.com/breenix/breenix-go/net/tcp"
)

// placeholderMAC is used for every frame this loopback-only stack
// emits; there is no real ARP-resolved neighbor address in this
// simulation (see net/arp for the resolver used by non-loopback paths).
var placeholderMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}

// EncodeTCP serializes one TCP segment as a full Ethernet+IPv4+TCP
// frame, the wire format a real VirtIO-net/E1000 driver would hand to
// the device for transmission.
func EncodeTCP(seg tcppkg.Segment, srcIP, dstIP [4]byte) ([]byte, error) {
	ethL := &layers.Ethernet{
		SrcMAC:       placeholderMAC,
		DstMAC:       placeholderMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ipL := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP(srcIP[:]),
		DstIP:    net.IP(dstIP[:]),
	}
	tcpL := &layers.TCP{
		SrcPort: layers.TCPPort(seg.SrcPort),
		DstPort: layers.TCPPort(seg.DstPort),
		Seq:     seg.Seq,
		Ack:     seg.Ack,
		Window:  seg.Window,
		FIN:     seg.Flags&tcppkg.FlagFIN != 0,
		SYN:     seg.Flags&tcppkg.FlagSYN != 0,
		RST:     seg.Flags&tcppkg.FlagRST != 0,
		PSH:     seg.Flags&tcppkg.FlagPSH != 0,
		ACK:     seg.Flags&tcppkg.FlagACK != 0,
	}
	if err := tcpL.SetNetworkLayerForChecksum(ipL); err != nil {
		return nil, errkit.Wrap(err, errkit.EIO, "eth.EncodeTCP: checksum setup")
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ethL, ipL, tcpL, gopacket.Payload(seg.Payload)); err != nil {
		return nil, errkit.Wrap(err, errkit.EIO, "eth.EncodeTCP: serialize")
	}
	return buf.Bytes(), nil
}

// DecodeTCP parses a raw Ethernet frame back into a TCP segment plus
// the source/destination IPv4 addresses carried in the IP header.
func DecodeTCP(frame []byte) (seg tcppkg.Segment, srcIP, dstIP [4]byte, err error) {
	packet := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	ipLayer := packet.Layer(layers.LayerTypeIPv4)
	tcpLayer := packet.Layer(layers.LayerTypeTCP)
	if ipLayer == nil || tcpLayer == nil {
		return seg, srcIP, dstIP, errkit.New(errkit.EINVAL, "eth.DecodeTCP: not an IPv4/TCP frame")
	}
	ip := ipLayer.(*layers.IPv4)
	t := tcpLayer.(*layers.TCP)

	copy(srcIP[:], ip.SrcIP.To4())
	copy(dstIP[:], ip.DstIP.To4())

	var flags uint8
	if t.FIN {
		flags |= tcppkg.FlagFIN
	}
	if t.SYN {
		flags |= tcppkg.FlagSYN
	}
	if t.RST {
		flags |= tcppkg.FlagRST
	}
	if t.PSH {
		flags |= tcppkg.FlagPSH
	}
	if t.ACK {
		flags |= tcppkg.FlagACK
	}

	seg = tcppkg.Segment{
		SrcPort: uint16(t.SrcPort),
		DstPort: uint16(t.DstPort),
		Seq:     t.Seq,
		Ack:     t.Ack,
		Flags:   flags,
		Window:  t.Window,
		Payload: append([]byte(nil), t.Payload...),
	}
	return seg, srcIP, dstIP, nil
}
