package transport

import (
	"fmt"
	"net"
	"sync"
)

// Message is a received pull-socket message together with sender metadata:
// the ZAP-authenticated sender's Z85 public key as UserID, and the bare
// remote host (no port) the connection came from as PeerAddress. A beacon
// sender's own ephemeral source port is meaningless to the catalogue, which
// instead reads the port the sender wants advertised out of the message
// body, so only the host half of the connection's remote address survives
// here.
type Message struct {
	Parts       [][]byte
	UserID      string
	PeerAddress string
}

// PushSocket is a CURVE-secured, single-slot ("CONFLATE") sender socket. A
// Send call replaces any not-yet-transmitted pending message rather than
// queuing, so a burst of sends to an unreachable peer cannot grow memory
// without bound — this is the behavior Testable Property S6 exercises.
type PushSocket struct {
	localPub  PublicKey
	localSec  SecretKey
	serverPub PublicKey
	dialer    Dialer

	mu      sync.Mutex
	pending [][]byte
	has     bool
	signal  chan struct{}
	conn    net.Conn
	shared  [32]byte
	closing chan struct{}
}

// NewPushSocket creates a push socket with no active connection, dialing
// plain TCP.
func NewPushSocket(localPub PublicKey, localSec SecretKey, serverPub PublicKey) *PushSocket {
	return &PushSocket{
		localPub:  localPub,
		localSec:  localSec,
		serverPub: serverPub,
		dialer:    directDialer{},
		signal:    make(chan struct{}, 1),
	}
}

// SetDialer replaces the dialer used by subsequent Connect calls, e.g. with
// a SOCKS5 proxy dialer for the onion variant.
func (p *PushSocket) SetDialer(d Dialer) { p.dialer = d }

// Connect dials addr and starts the background sender goroutine.
func (p *PushSocket) Connect(addr string) error {
	conn, err := p.dialer.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	shared, err := dialHandshake(conn, p.localPub, p.localSec, p.serverPub)
	if err != nil {
		conn.Close()
		return err
	}

	p.mu.Lock()
	p.conn = conn
	p.shared = shared
	p.closing = make(chan struct{})
	closing := p.closing
	p.mu.Unlock()

	go p.sendLoop(conn, shared, closing)
	return nil
}

// Send replaces the pending message. It never blocks.
func (p *PushSocket) Send(parts [][]byte) {
	p.mu.Lock()
	p.pending = parts
	p.has = true
	p.mu.Unlock()
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *PushSocket) sendLoop(conn net.Conn, shared [32]byte, closing chan struct{}) {
	for {
		select {
		case <-closing:
			return
		case <-p.signal:
		}
		p.mu.Lock()
		if !p.has {
			p.mu.Unlock()
			continue
		}
		data := p.pending
		p.has = false
		p.mu.Unlock()

		if err := writeSealed(conn, shared, encodeMultipart(data)); err != nil {
			return
		}
	}
}

// Disconnect closes the connection, if any.
func (p *PushSocket) Disconnect() {
	p.mu.Lock()
	conn := p.conn
	closing := p.closing
	p.conn = nil
	p.closing = nil
	p.mu.Unlock()
	if closing != nil {
		close(closing)
	}
	if conn != nil {
		conn.Close()
	}
}

// Close disconnects and releases resources.
func (p *PushSocket) Close() error {
	p.Disconnect()
	return nil
}

// PullSocket is a CURVE-secured, ZAP-authenticated receiver socket, the
// bind side of a push/pull pair (e.g. the catalogue's beacon ingestion
// socket).
type PullSocket struct {
	identity  string
	localPub  PublicKey
	localSec  SecretKey
	zap       *ZapResponder
	listener  net.Listener
	inbox     chan Message

	mu     sync.Mutex
	closed bool
	conns  map[net.Conn]struct{}
}

// NewPullSocket binds addr and begins accepting sender connections,
// authenticating each through zap with the given routing identity (e.g.
// "beacon").
func NewPullSocket(addr, identity string, localPub PublicKey, localSec SecretKey, zap *ZapResponder) (*PullSocket, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: bind pull socket: %w", err)
	}
	s := &PullSocket{
		identity:  identity,
		localPub:  localPub,
		localSec:  localSec,
		zap:       zap,
		listener:  ln,
		inbox:     make(chan Message, 256),
		conns:     make(map[net.Conn]struct{}),
	}
	go s.acceptLoop()
	return s, nil
}

// Addr returns the socket's bound network address.
func (s *PullSocket) Addr() net.Addr { return s.listener.Addr() }

func (s *PullSocket) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *PullSocket) handleConn(conn net.Conn) {
	clientPub, shared, err := acceptHandshake(conn, s.localSec)
	if err != nil {
		conn.Close()
		return
	}

	req := &ZapRequest{
		Version:   "1.0",
		Domain:    "emyzelium",
		Address:   conn.RemoteAddr().String(),
		Identity:  s.identity,
		Mechanism: "CURVE",
		Key:       clientPub,
	}
	reply := s.zap.Authenticate(req)
	if !reply.Authorized() {
		conn.Close()
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	peerAddr := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(peerAddr); err == nil {
		peerAddr = host
	}
	for {
		plaintext, err := readSealed(conn, shared)
		if err != nil {
			break
		}
		parts, err := decodeMultipart(plaintext)
		if err != nil {
			continue
		}
		msg := Message{Parts: parts, UserID: reply.UserID, PeerAddress: peerAddr}
		select {
		case s.inbox <- msg:
		default:
			// Best-effort: drop when the local consumer is behind.
		}
	}

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

// RecvNonBlocking returns the next buffered message, if any, without
// blocking.
func (s *PullSocket) RecvNonBlocking() (Message, bool) {
	select {
	case msg := <-s.inbox:
		return msg, true
	default:
		return Message{}, false
	}
}

// Close stops accepting connections and closes every active connection.
func (s *PullSocket) Close() error {
	s.mu.Lock()
	s.closed = true
	for conn := range s.conns {
		delete(s.conns, conn)
		conn.Close()
	}
	s.mu.Unlock()
	return s.listener.Close()
}
