package transport

import "net"

// Dialer abstracts the network dial a client socket performs to reach its
// server. A SubSocket/PushSocket built by NewSubSocket/NewPushSocket dials
// plain TCP directly;
// SetDialer swaps in a SOCKS5 proxy dialer (golang.org/x/net/proxy) for
// reaching an onion address through Tor. proxy.Dialer already satisfies
// this interface.
type Dialer interface {
	Dial(network, addr string) (net.Conn, error)
}

type directDialer struct{}

func (directDialer) Dial(network, addr string) (net.Conn, error) {
	return net.Dial(network, addr)
}
