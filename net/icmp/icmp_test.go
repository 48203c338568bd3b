package icmp

import (
	"bytes"
	"net"
	"testing"
)

func TestEchoRequestReplyRoundTrip(t *testing.T) {
	clientMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	serverMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 2}
	clientIP := [4]byte{10, 0, 0, 1}
	serverIP := [4]byte{10, 0, 0, 2}
	payload := []byte("ping-payload")

	reqFrame, err := EncodeEchoRequest(clientMAC, serverMAC, clientIP, serverIP, 7, 1, payload)
	if err != nil {
		t.Fatalf("EncodeEchoRequest: %v", err)
	}
	req, err := Decode(reqFrame)
	if err != nil {
		t.Fatalf("Decode request: %v", err)
	}
	if req.IsReply {
		t.Fatal("expected a request, decoded as reply")
	}
	if req.ID != 7 || req.Seq != 1 {
		t.Fatalf("id/seq = %d/%d, want 7/1", req.ID, req.Seq)
	}

	responder := Responder{MAC: serverMAC, IP: serverIP}
	replyFrame, err := responder.Reply(req, clientMAC)
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	reply, err := Decode(replyFrame)
	if err != nil {
		t.Fatalf("Decode reply: %v", err)
	}
	if !reply.IsReply {
		t.Fatal("expected a reply, decoded as request")
	}
	if reply.ID != 7 || reply.Seq != 1 {
		t.Fatalf("reply id/seq = %d/%d, want 7/1", reply.ID, reply.Seq)
	}
	if !bytes.Equal(reply.Payload, payload) {
		t.Fatalf("reply payload = %q, want %q", reply.Payload, payload)
	}
	if reply.SrcIP != serverIP || reply.DstIP != clientIP {
		t.Fatalf("reply IPs = %v/%v, want %v/%v", reply.SrcIP, reply.DstIP, serverIP, clientIP)
	}
}
