// Package ip holds the handful of IPv4-address-level helpers shared by
// net/tcp, net/eth, net/arp, and net/icmp, kept separate from eth's
// wire codec since it has nothing to do with framing, only address
// semantics the connect(2) loopback rewrite depends on.
package ip

// IsLoopback reports whether addr falls in 127.0.0.0/8, the predicate
// the connect(2) loopback rewrite uses.
func IsLoopback(addr [4]byte) bool {
	return addr[0] == 127
}

// String formats addr in dotted-quad notation.
func String(addr [4]byte) string {
	return itoa(addr[0]) + "." + itoa(addr[1]) + "." + itoa(addr[2]) + "." + itoa(addr[3])
}

func itoa(b byte) string {
	if b == 0 {
		return "0"
	}
	var buf [3]byte
	i := len(buf)
	for b > 0 {
		i--
		buf[i] = byte('0' + b%10)
		b /= 10
	}
	return string(buf[i:])
}
