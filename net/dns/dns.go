// Package dns implements a minimal DNS client: class IN, A-record
// queries, with the wire format delegated to miekg/dns rather than
// hand-rolled (unlike net/tcp's state machine, there is no protocol
// logic here worth hand-writing, just a pure request/response codec).
package dns

import (
	"math/rand"

	"github.com/miekg/dns"

	"github.com/breenix/breenix-go/errkit"
)

// BuildQuery constructs an A-record query for name, with a transaction
// ID drawn from rng (a TSC-seeded PRNG in a real boot; tests pass a
// seeded math/rand.Rand for determinism).
func BuildQuery(name string, rng *rand.Rand) ([]byte, uint16, error) {
	id := uint16(rng.Intn(1 << 16))
	msg := new(dns.Msg)
	msg.Id = id
	msg.RecursionDesired = true
	msg.Question = []dns.Question{
		{Name: dns.Fqdn(name), Qtype: dns.TypeA, Qclass: dns.ClassINET},
	}
	raw, err := msg.Pack()
	if err != nil {
		return nil, 0, errkit.Wrap(err, errkit.EIO, "dns.BuildQuery: pack")
	}
	return raw, id, nil
}

// BuildResponse constructs the matching A-record response a simulated
// resolver would send back, answering id with the given addresses.
func BuildResponse(name string, id uint16, addrs []string) ([]byte, error) {
	msg := new(dns.Msg)
	msg.Id = id
	msg.Response = true
	msg.Question = []dns.Question{
		{Name: dns.Fqdn(name), Qtype: dns.TypeA, Qclass: dns.ClassINET},
	}
	for _, a := range addrs {
		rr, err := dns.NewRR(dns.Fqdn(name) + " 60 IN A " + a)
		if err != nil {
			return nil, errkit.Wrap(err, errkit.EIO, "dns.BuildResponse: new RR")
		}
		msg.Answer = append(msg.Answer, rr)
	}
	raw, err := msg.Pack()
	if err != nil {
		return nil, errkit.Wrap(err, errkit.EIO, "dns.BuildResponse: pack")
	}
	return raw, nil
}

// ParseResponse extracts the transaction ID and every A-record address
// in a DNS response, the minimal surface a resolving connect(2) needs.
func ParseResponse(raw []byte) (id uint16, addrs []string, err error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(raw); err != nil {
		return 0, nil, errkit.Wrap(err, errkit.EIO, "dns.ParseResponse: unpack")
	}
	for _, rr := range msg.Answer {
		if a, ok := rr.(*dns.A); ok {
			addrs = append(addrs, a.A.String())
		}
	}
	return msg.Id, addrs, nil
}
