// Package icmp implements the ICMP echo request/reply pair, encoded
// via gopacket the same way net/eth and net/arp code their frames.
package icmp

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/breenix/breenix-go/errkit"
)

// EncodeEchoRequest builds an Ethernet+IPv4+ICMP echo request frame.
func EncodeEchoRequest(srcMAC, dstMAC net.HardwareAddr, srcIP, dstIP [4]byte, id, seq uint16, payload []byte) ([]byte, error) {
	return encodeEcho(srcMAC, dstMAC, srcIP, dstIP, id, seq, payload, layers.ICMPv4TypeEchoRequest)
}

// EncodeEchoReply builds the matching reply frame, swapping source and
// destination the way a responder answers a request it received.
func EncodeEchoReply(srcMAC, dstMAC net.HardwareAddr, srcIP, dstIP [4]byte, id, seq uint16, payload []byte) ([]byte, error) {
	return encodeEcho(srcMAC, dstMAC, srcIP, dstIP, id, seq, payload, layers.ICMPv4TypeEchoReply)
}

func encodeEcho(srcMAC, dstMAC net.HardwareAddr, srcIP, dstIP [4]byte, id, seq uint16, payload []byte, icmpType uint8) ([]byte, error) {
	ethL := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ipL := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolICMPv4, SrcIP: net.IP(srcIP[:]), DstIP: net.IP(dstIP[:])}
	icmpL := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(icmpType, 0),
		Id:       id,
		Seq:      seq,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ethL, ipL, icmpL, gopacket.Payload(payload)); err != nil {
		return nil, errkit.Wrap(err, errkit.EIO, "icmp.encodeEcho: serialize")
	}
	return buf.Bytes(), nil
}

// Echo is a decoded ICMP echo request or reply.
type Echo struct {
	IsReply bool
	ID      uint16
	Seq     uint16
	Payload []byte
	SrcIP   [4]byte
	DstIP   [4]byte
}

// Decode parses a raw frame as an ICMP echo request or reply.
func Decode(frame []byte) (Echo, error) {
	packet := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	ipLayer := packet.Layer(layers.LayerTypeIPv4)
	icmpLayer := packet.Layer(layers.LayerTypeICMPv4)
	if ipLayer == nil || icmpLayer == nil {
		return Echo{}, errkit.New(errkit.EINVAL, "icmp.Decode: not an ICMPv4 frame")
	}
	ip := ipLayer.(*layers.IPv4)
	ic := icmpLayer.(*layers.ICMPv4)

	var e Echo
	copy(e.SrcIP[:], ip.SrcIP.To4())
	copy(e.DstIP[:], ip.DstIP.To4())
	e.IsReply = ic.TypeCode.Type() == layers.ICMPv4TypeEchoReply
	e.ID = ic.Id
	e.Seq = ic.Seq
	e.Payload = append([]byte(nil), ic.Payload...)
	return e, nil
}

// Responder answers every echo request it's given with a reply frame,
// the simulated equivalent of a real host's kernel ICMP handler.
type Responder struct {
	MAC net.HardwareAddr
	IP  [4]byte
}

// Reply builds the echo reply frame answering req, addressed back to
// the requester's MAC/IP.
func (r Responder) Reply(req Echo, reqSrcMAC net.HardwareAddr) ([]byte, error) {
	return EncodeEchoReply(r.MAC, reqSrcMAC, r.IP, req.SrcIP, req.ID, req.Seq, req.Payload)
}
