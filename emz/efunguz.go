package emz

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/net/proxy"

	"github.com/emyzelium/emyzelium-go/key"
	"github.com/emyzelium/emyzelium-go/log"
	"github.com/emyzelium/emyzelium-go/metrics"
	"github.com/emyzelium/emyzelium-go/transport"
)

var efunguzLog = log.Module("efunguz")

// TCPConfig configures a TCP-variant Efunguz: clear TCP with catalogue-based
// rendezvous.
type TCPConfig struct {
	SecretKey             string
	PubsubPort            int
	WhitelistPublickeys   []string
	BeaconIntervalMusec   int64
	CatalogForgetIntervalMusec int64
}

// DefaultTCPConfig returns a TCPConfig populated with the well-known
// default ports and intervals.
func DefaultTCPConfig(secretKey string) TCPConfig {
	return TCPConfig{
		SecretKey:                  secretKey,
		PubsubPort:                 DefaultPubsubPort,
		BeaconIntervalMusec:        DefaultBeaconIntervalMusec,
		CatalogForgetIntervalMusec: DefaultCatalogForgetIntervalMusec,
	}
}

// OnionConfig configures an onion-variant Efunguz: TCP tunneled through a
// SOCKS proxy to onion services, with no catalogue rendezvous.
type OnionConfig struct {
	SecretKey           string
	PubsubPort          int
	WhitelistPublickeys []string
	SocksAddr           string
}

// DefaultOnionConfig returns an OnionConfig populated with the well-known
// default ports and intervals.
func DefaultOnionConfig(secretKey string) OnionConfig {
	return OnionConfig{
		SecretKey:  secretKey,
		PubsubPort: DefaultPubsubPort,
		SocksAddr:  DefaultSocksAddr,
	}
}

// Efunguz is a local peer: one publisher socket, an authentication
// responder, a set of remote-peer subscriptions (ehyphae), and, in the TCP
// variant, optional catalogue beacon/rendezvous links.
type Efunguz struct {
	localPublicKey string // normalized z85
	localPub       transport.PublicKey
	localSec       transport.SecretKey

	whitelist mapset.Set[string]

	pubsubPort int
	zap        *transport.ZapResponder
	pub        *transport.PubSocket
	identity   string

	ehyphae map[string]*Ehypha

	onion bool

	// TCP variant only.
	ecatalsFrom                map[string]*transport.SubSocket
	ecatalsTo                  map[string]*transport.PushSocket
	beaconIntervalMusec        int64
	catalogForgetIntervalMusec int64
	tLastBeacon                int64

	// Onion variant only.
	socksAddr string
	dialer    proxy.Dialer
}

func deriveKeys(secretKeyStr string) (transport.PublicKey, transport.SecretKey, string, error) {
	normalized := key.Normalize(secretKeyStr)
	raw, err := key.DecodeZ85(normalized)
	if err != nil {
		return transport.PublicKey{}, transport.SecretKey{}, "", fmt.Errorf("emz: invalid secret key: %w", err)
	}
	sec := transport.SecretKey(raw)
	pub := transport.DerivePublic(sec)
	return pub, sec, key.EncodeZ85(pub), nil
}

func randomSessionID() (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("emz: generate zap session id: %w", err)
	}
	return key.EncodeZ85(raw), nil
}

// NewTCPEfunguz constructs a TCP-variant Efunguz. The ZAP responder is
// wired up before the publisher socket is bound, since the socket starts
// authenticating incoming connections under CURVE the moment it listens.
func NewTCPEfunguz(cfg TCPConfig) (*Efunguz, error) {
	pub, sec, pubZ85, err := deriveKeys(cfg.SecretKey)
	if err != nil {
		return nil, err
	}

	f := &Efunguz{
		localPublicKey:             pubZ85,
		localPub:                   pub,
		localSec:                   sec,
		whitelist:                  mapset.NewThreadUnsafeSet[string](),
		pubsubPort:                 cfg.PubsubPort,
		identity:                   identityPubsub,
		ehyphae:                    make(map[string]*Ehypha),
		ecatalsFrom:                make(map[string]*transport.SubSocket),
		ecatalsTo:                  make(map[string]*transport.PushSocket),
		beaconIntervalMusec:        cfg.BeaconIntervalMusec,
		catalogForgetIntervalMusec: cfg.CatalogForgetIntervalMusec,
	}
	f.AddWhitelistPublickeys(cfg.WhitelistPublickeys...)

	f.zap = transport.NewZapResponder()
	addr := fmt.Sprintf(":%d", f.pubsubPort)
	pubSock, err := transport.NewPubSocket(addr, f.identity, pub, sec, f.zap)
	if err != nil {
		return nil, err
	}
	f.pub = pubSock
	if tcpAddr, ok := pubSock.Addr().(*net.TCPAddr); ok {
		f.pubsubPort = tcpAddr.Port
	}
	return f, nil
}

// NewOnionEfunguz constructs an onion-variant Efunguz. The publisher's
// routing identity is a per-instance random id, since onion services
// don't expose a stable source address the way a bound TCP listener does.
func NewOnionEfunguz(cfg OnionConfig) (*Efunguz, error) {
	pub, sec, pubZ85, err := deriveKeys(cfg.SecretKey)
	if err != nil {
		return nil, err
	}
	sessionID, err := randomSessionID()
	if err != nil {
		return nil, err
	}

	socksAddr := cfg.SocksAddr
	if socksAddr == "" {
		socksAddr = DefaultSocksAddr
	}
	dialer, err := proxy.SOCKS5("tcp", socksAddr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("emz: create socks dialer: %w", err)
	}

	f := &Efunguz{
		localPublicKey: pubZ85,
		localPub:       pub,
		localSec:       sec,
		whitelist:      mapset.NewThreadUnsafeSet[string](),
		pubsubPort:     cfg.PubsubPort,
		identity:       sessionID,
		ehyphae:        make(map[string]*Ehypha),
		onion:          true,
		socksAddr:      socksAddr,
		dialer:         dialer,
	}
	f.AddWhitelistPublickeys(cfg.WhitelistPublickeys...)

	f.zap = transport.NewZapResponder()
	addr := fmt.Sprintf(":%d", f.pubsubPort)
	pubSock, err := transport.NewPubSocket(addr, f.identity, pub, sec, f.zap)
	if err != nil {
		return nil, err
	}
	f.pub = pubSock
	return f, nil
}

// LocalPublicKey returns this peer's normalized public key.
func (f *Efunguz) LocalPublicKey() string { return f.localPublicKey }

// SocksAddr returns the SOCKS proxy address used to dial onion services, or
// "" for a TCP-variant Efunguz.
func (f *Efunguz) SocksAddr() string { return f.socksAddr }

// Addr returns the publisher socket's bound network address. Useful when
// PubsubPort is 0 (let the OS choose) and a caller needs the actual port,
// e.g. to hand a direct connpoint to a peer.
func (f *Efunguz) Addr() net.Addr { return f.pub.Addr() }

// AddWhitelistPublickeys admits the given peer keys to subscribe.
func (f *Efunguz) AddWhitelistPublickeys(keys ...string) {
	for _, k := range keys {
		f.whitelist.Add(key.Normalize(k))
	}
}

// DelWhitelistPublickeys revokes the given peer keys.
func (f *Efunguz) DelWhitelistPublickeys(keys ...string) {
	for _, k := range keys {
		f.whitelist.Remove(key.Normalize(k))
	}
}

// ClearWhitelistPublickeys empties the whitelist, making this peer fully
// permissive again.
func (f *Efunguz) ClearWhitelistPublickeys() {
	f.whitelist.Clear()
}

// ReadWhitelistPublickeys loads whitelist keys from a file, one key per
// line (first key.Len characters).
func (f *Efunguz) ReadWhitelistPublickeys(path string) error {
	keys, err := readWhitelistKeys(path)
	if err != nil {
		return err
	}
	for k := range keys.Iter() {
		f.whitelist.Add(k)
	}
	return nil
}

// AddEhypha creates a subscription to the remote peer identified by
// publickey, or returns the existing one. endpoint, if non-empty, connects
// the ehypha immediately (e.g. a direct peer pairing, or the onion
// variant's immutable onion_address:port); otherwise the TCP variant's
// endpoint voting (fed by catalogue rendezvous) decides the connpoint.
func (f *Efunguz) AddEhypha(publickey, endpoint string, ecatalForgetInterval int64) (*Ehypha, Status) {
	norm := key.Normalize(publickey)
	if h, ok := f.ehyphae[norm]; ok {
		return h, AlreadyPresent
	}
	raw, err := key.DecodeZ85(norm)
	if err != nil {
		efunguzLog.Warn("add_ehypha rejected invalid key", "key", norm, "err", err)
		return nil, Absent
	}

	var dialer transport.Dialer
	if f.onion {
		dialer = f.dialer
	}
	h := newEhypha(f.localPub, f.localSec, norm, transport.PublicKey(raw), dialer, ecatalForgetInterval)
	f.ehyphae[norm] = h

	if !f.onion {
		for _, sock := range f.ecatalsFrom {
			sock.Subscribe([]byte(norm))
		}
	}
	if endpoint != "" {
		if err := h.setConnpoint(endpoint); err != nil {
			efunguzLog.Warn("add_ehypha initial connect failed", "server_key", norm, "endpoint", endpoint, "err", err)
		}
	}
	metrics.EhyphaeActive.Set(int64(len(f.ehyphae)))
	efunguzLog.Info("ehypha added", "server_key", norm)
	return h, OK
}

// GetEhypha returns the subscription for publickey, if any.
func (f *Efunguz) GetEhypha(publickey string) (*Ehypha, Status) {
	h, ok := f.ehyphae[key.Normalize(publickey)]
	if !ok {
		return nil, Absent
	}
	return h, OK
}

// DelEhypha removes the subscription to publickey and closes its socket.
func (f *Efunguz) DelEhypha(publickey string) Status {
	norm := key.Normalize(publickey)
	h, ok := f.ehyphae[norm]
	if !ok {
		return AlreadyAbsent
	}
	h.sock.Close()
	delete(f.ehyphae, norm)

	if !f.onion {
		for _, sock := range f.ecatalsFrom {
			sock.Unsubscribe([]byte(norm))
		}
	}
	metrics.EhyphaeActive.Set(int64(len(f.ehyphae)))
	efunguzLog.Info("ehypha removed", "server_key", norm)
	return OK
}

// AddEcatalFrom connects a subscriber socket to the catalogue identified by
// key at endpoint, subscribing it to every current ehypha's server key
// (TCP variant only).
func (f *Efunguz) AddEcatalFrom(catalKey, endpoint string) (Status, error) {
	if f.onion {
		return Absent, fmt.Errorf("emz: ecatals_from is not available in the onion variant")
	}
	norm := key.Normalize(catalKey)
	if _, ok := f.ecatalsFrom[norm]; ok {
		return AlreadyPresent, nil
	}
	raw, err := key.DecodeZ85(norm)
	if err != nil {
		return Absent, fmt.Errorf("emz: invalid catalogue key: %w", err)
	}
	sock := transport.NewSubSocket(f.localPub, f.localSec, transport.PublicKey(raw))
	hostPort, err := transport.ValidateEndpoint(endpoint)
	if err != nil {
		return Absent, err
	}
	if err := sock.Connect(hostPort); err != nil {
		return Absent, err
	}
	for serverKey := range f.ehyphae {
		sock.Subscribe([]byte(serverKey))
	}
	f.ecatalsFrom[norm] = sock
	return OK, nil
}

// DelEcatalFrom disconnects and removes the subscriber socket for catalogue
// key.
func (f *Efunguz) DelEcatalFrom(catalKey string) Status {
	norm := key.Normalize(catalKey)
	sock, ok := f.ecatalsFrom[norm]
	if !ok {
		return AlreadyAbsent
	}
	sock.Close()
	delete(f.ecatalsFrom, norm)
	return OK
}

// AddEcatalTo connects a push socket to the catalogue identified by key at
// endpoint, used to send beacons (TCP variant only).
func (f *Efunguz) AddEcatalTo(catalKey, endpoint string) (Status, error) {
	if f.onion {
		return Absent, fmt.Errorf("emz: ecatals_to is not available in the onion variant")
	}
	norm := key.Normalize(catalKey)
	if _, ok := f.ecatalsTo[norm]; ok {
		return AlreadyPresent, nil
	}
	raw, err := key.DecodeZ85(norm)
	if err != nil {
		return Absent, fmt.Errorf("emz: invalid catalogue key: %w", err)
	}
	sock := transport.NewPushSocket(f.localPub, f.localSec, transport.PublicKey(raw))
	hostPort, err := transport.ValidateEndpoint(endpoint)
	if err != nil {
		return Absent, err
	}
	if err := sock.Connect(hostPort); err != nil {
		return Absent, err
	}
	f.ecatalsTo[norm] = sock
	return OK, nil
}

// DelEcatalTo disconnects and removes the push socket for catalogue key.
func (f *Efunguz) DelEcatalTo(catalKey string) Status {
	norm := key.Normalize(catalKey)
	sock, ok := f.ecatalsTo[norm]
	if !ok {
		return AlreadyAbsent
	}
	sock.Close()
	delete(f.ecatalsTo, norm)
	return OK
}

// EmitEtale publishes a multipart message on the publisher socket:
// [title ++ 0x00, now_musec_le_8bytes, parts...]. The title/timestamp
// framing lets every subscriber demultiplex by topic and recover the
// sender's emission time without a side channel.
func (f *Efunguz) EmitEtale(title string, parts [][]byte) {
	now := nowMusec()
	tOut := make([]byte, 8)
	binary.LittleEndian.PutUint64(tOut, uint64(now))

	msg := make([][]byte, 0, 2+len(parts))
	msg = append(msg, topicBytes(title), tOut)
	msg = append(msg, parts...)
	f.pub.Publish(msg)
}

// EmitBeacon sends this peer's pubsub port to every configured catalogue
// (TCP variant only).
func (f *Efunguz) EmitBeacon() {
	if f.onion {
		return
	}
	port := f.pubsubPort
	if port < 0 {
		port = 0
	}
	if port > 0xFFFF {
		port = 0xFFFF
	}
	body := make([]byte, 2)
	binary.LittleEndian.PutUint16(body, uint16(port))
	for _, sock := range f.ecatalsTo {
		sock.Send([][]byte{body})
		metrics.BeaconsEmitted.Inc()
	}
}

// Update runs one scheduling tick: ZAP drain and reply, beacon emission
// cadence (TCP variant), catalogue subscriber drain with endpoint
// validation (TCP variant), then per-ehypha update. Callers are expected
// to invoke this regularly (e.g. from a select loop) rather than block on
// any single socket.
func (f *Efunguz) Update() {
	now := nowMusec()
	f.drainZap()

	if !f.onion {
		if now-f.tLastBeacon >= f.beaconIntervalMusec {
			f.EmitBeacon()
			f.tLastBeacon = now
		}
		f.drainEcatalsFrom(now)
	}

	for _, h := range f.ehyphae {
		h.Update(now)
	}
}

func (f *Efunguz) drainZap() {
	for {
		req, ok := f.zap.PopRequest()
		if !ok {
			return
		}
		authorized := f.authorizeZap(req)
		if authorized {
			keyZ85 := key.EncodeZ85(req.Key)
			req.Reply(transport.ZapReply{Version: req.Version, Sequence: req.Sequence, Status: "200", StatusText: "OK", UserID: keyZ85})
			metrics.ZapAccepts.Inc()
		} else {
			req.Reply(transport.ZapReply{Version: req.Version, Sequence: req.Sequence, Status: "400", StatusText: "FAILED"})
			metrics.ZapRejects.Inc()
		}
	}
}

func (f *Efunguz) authorizeZap(req *transport.ZapRequest) bool {
	if req.Mechanism != "CURVE" {
		return false
	}
	if req.Identity != f.identity {
		return false
	}
	if f.whitelist.Cardinality() == 0 {
		return true
	}
	return f.whitelist.Contains(key.EncodeZ85(req.Key))
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= 0x80 {
			return false
		}
	}
	return true
}

func (f *Efunguz) drainEcatalsFrom(now int64) {
	for catalKey, sock := range f.ecatalsFrom {
		for {
			parts, ok := sock.RecvNonBlocking()
			if !ok {
				break
			}
			if len(parts) != 2 {
				continue
			}
			peerKeyFrame, endpointFrame := parts[0], parts[1]
			if len(peerKeyFrame) != key.Len || !isASCII(peerKeyFrame) || !isASCII(endpointFrame) {
				continue
			}
			peerKey := string(peerKeyFrame)
			h, ok := f.ehyphae[peerKey]
			if !ok {
				continue
			}
			endpoint := string(endpointFrame)
			if _, err := transport.ValidateEndpoint(endpoint); err != nil {
				continue
			}
			h.recordEcatalEndpoint(catalKey, endpoint, now)
		}
	}
}

// Close shuts down the publisher, ZAP responder, every ehypha, and every
// catalogue socket.
func (f *Efunguz) Close() error {
	for _, h := range f.ehyphae {
		h.sock.Close()
	}
	for _, sock := range f.ecatalsFrom {
		sock.Close()
	}
	for _, sock := range f.ecatalsTo {
		sock.Close()
	}
	return f.pub.Close()
}
