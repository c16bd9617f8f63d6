package emz

import (
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/time/rate"

	"github.com/emyzelium/emyzelium-go/key"
	"github.com/emyzelium/emyzelium-go/log"
	"github.com/emyzelium/emyzelium-go/metrics"
	"github.com/emyzelium/emyzelium-go/transport"
)

var catalogLog = log.Module("ecataloguz")

// CatalogConfig configures an Ecataloguz.
type CatalogConfig struct {
	SecretKey              string
	BeaconPort             int
	PubsubPort             int
	DeactivateIntervalMusec int64
	PublishIntervalMusec   int64
	IdleIntervalMusec      int64
}

// DefaultCatalogConfig returns a CatalogConfig populated with the well-known
// default ports and intervals.
func DefaultCatalogConfig(secretKey string) CatalogConfig {
	return CatalogConfig{
		SecretKey:               secretKey,
		BeaconPort:              DefaultBeaconPort,
		PubsubPort:              DefaultCatalogPubPort,
		DeactivateIntervalMusec: DefaultDeactivateIntervalMusec,
		PublishIntervalMusec:    DefaultPublishIntervalMusec,
		IdleIntervalMusec:       DefaultIdleIntervalMusec,
	}
}

type beaconRec struct {
	endpoint        string
	lastBeaconMusec int64
	comment         string
}

// Ecataloguz aggregates beacons from peers and republishes
// (peer_public_key, endpoint) rendezvous tuples, so peers behind NAT or a
// changing address can find each other through one well-known third party
// instead of exchanging endpoints out of band.
type Ecataloguz struct {
	localPublicKey string
	localPub       transport.PublicKey
	localSec       transport.SecretKey

	beaconWhitelist mapset.Set[string]
	pubsubWhitelist mapset.Set[string]
	beaconComments  map[string]string

	zap  *transport.ZapResponder
	pull *transport.PullSocket
	pub  *transport.PubSocket

	beaconRecs map[string]*beaconRec

	deactivateIntervalMusec int64
	publishIntervalMusec    int64
	idleIntervalMusec       int64
	tLastPub                int64

	beaconLimiters map[string]*rate.Limiter

	quit chan struct{}
}

// NewEcataloguz constructs a catalogue service. The ZAP responder is wired
// up before the pull and publisher sockets are bound, since both sockets
// authenticate incoming connections under CURVE from the moment they start
// listening and would otherwise race a ZAP responder that isn't ready yet.
func NewEcataloguz(cfg CatalogConfig) (*Ecataloguz, error) {
	pub, sec, pubZ85, err := deriveKeys(cfg.SecretKey)
	if err != nil {
		return nil, err
	}

	c := &Ecataloguz{
		localPublicKey:          pubZ85,
		localPub:                pub,
		localSec:                sec,
		beaconWhitelist:         mapset.NewThreadUnsafeSet[string](),
		pubsubWhitelist:         mapset.NewThreadUnsafeSet[string](),
		beaconComments:          make(map[string]string),
		beaconRecs:              make(map[string]*beaconRec),
		deactivateIntervalMusec: cfg.DeactivateIntervalMusec,
		publishIntervalMusec:    cfg.PublishIntervalMusec,
		idleIntervalMusec:       cfg.IdleIntervalMusec,
		beaconLimiters:          make(map[string]*rate.Limiter),
		quit:                    make(chan struct{}),
	}

	c.zap = transport.NewZapResponder()

	pullSock, err := transport.NewPullSocket(fmt.Sprintf(":%d", cfg.BeaconPort), identityBeacon, pub, sec, c.zap)
	if err != nil {
		return nil, err
	}
	c.pull = pullSock

	pubSock, err := transport.NewPubSocket(fmt.Sprintf(":%d", cfg.PubsubPort), identityPubsub, pub, sec, c.zap)
	if err != nil {
		pullSock.Close()
		return nil, err
	}
	c.pub = pubSock

	return c, nil
}

// LocalPublicKey returns this catalogue's normalized public key.
func (c *Ecataloguz) LocalPublicKey() string { return c.localPublicKey }

// BeaconAddr returns the beacon pull socket's bound network address.
func (c *Ecataloguz) BeaconAddr() net.Addr { return c.pull.Addr() }

// PubsubAddr returns the rendezvous publisher socket's bound network
// address.
func (c *Ecataloguz) PubsubAddr() net.Addr { return c.pub.Addr() }

// ReadBeaconWhitelistPublickeysWithComments loads the beacon whitelist, a
// key plus free-form display comment per line.
func (c *Ecataloguz) ReadBeaconWhitelistPublickeysWithComments(path string) error {
	entries, err := readBeaconWhitelistWithComments(path)
	if err != nil {
		return err
	}
	for k, comment := range entries {
		c.beaconWhitelist.Add(k)
		c.beaconComments[k] = comment
	}
	return nil
}

// ReadPubsubWhitelistPublickeys loads the pubsub whitelist, one key per
// line.
func (c *Ecataloguz) ReadPubsubWhitelistPublickeys(path string) error {
	keys, err := readWhitelistKeys(path)
	if err != nil {
		return err
	}
	for k := range keys.Iter() {
		c.pubsubWhitelist.Add(k)
	}
	return nil
}

// Stop ends a running Run loop.
func (c *Ecataloguz) Stop() {
	select {
	case <-c.quit:
	default:
		close(c.quit)
	}
}

// Close shuts down the catalogue's sockets.
func (c *Ecataloguz) Close() error {
	c.pull.Close()
	return c.pub.Close()
}

// Run drives the catalogue's main loop until Stop is called. When
// tuiEnabled, a termbox-based dashboard renders record counts and a
// paginated table.
func (c *Ecataloguz) Run(tuiEnabled bool) error {
	var dash *dashboard
	if tuiEnabled {
		d, err := newDashboard()
		if err != nil {
			return err
		}
		defer d.close()
		dash = d
	}

	for {
		select {
		case <-c.quit:
			return nil
		default:
		}

		now := nowMusec()
		c.drainZap()
		c.drainBeacons(now)
		c.maybePublish(now)

		if dash != nil {
			if quit := dash.tick(c); quit {
				return nil
			}
		} else {
			time.Sleep(time.Duration(c.idleIntervalMusec) * time.Microsecond)
		}
	}
}

func (c *Ecataloguz) drainZap() {
	for {
		req, ok := c.zap.PopRequest()
		if !ok {
			return
		}
		authorized := c.authorizeZap(req)
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

func (c *Ecataloguz) authorizeZap(req *transport.ZapRequest) bool {
	if req.Mechanism != "CURVE" {
		return false
	}
	keyZ85 := key.EncodeZ85(req.Key)
	switch req.Identity {
	case identityBeacon:
		return c.beaconWhitelist.Cardinality() == 0 || c.beaconWhitelist.Contains(keyZ85)
	case identityPubsub:
		return c.pubsubWhitelist.Cardinality() == 0 || c.pubsubWhitelist.Contains(keyZ85)
	default:
		return false
	}
}

func (c *Ecataloguz) limiterFor(senderKey string) *rate.Limiter {
	l, ok := c.beaconLimiters[senderKey]
	if !ok {
		// A defensive cap well above the well-known 2s beacon cadence, so a
		// single misbehaving beaconer cannot starve the drain of other
		// senders within one tick.
		l = rate.NewLimiter(rate.Every(10*time.Millisecond), 10)
		c.beaconLimiters[senderKey] = l
	}
	return l
}

func (c *Ecataloguz) drainBeacons(now int64) {
	for {
		msg, ok := c.pull.RecvNonBlocking()
		if !ok {
			return
		}
		if len(msg.Parts) != 1 || len(msg.Parts[0]) != 2 {
			continue
		}
		if !c.limiterFor(msg.UserID).Allow() {
			continue
		}
		port := binary.LittleEndian.Uint16(msg.Parts[0])
		endpoint := fmt.Sprintf("tcp://%s:%d", msg.PeerAddress, port)

		rec, ok := c.beaconRecs[msg.UserID]
		if !ok {
			rec = &beaconRec{comment: c.beaconComments[msg.UserID]}
			c.beaconRecs[msg.UserID] = rec
		}
		rec.endpoint = endpoint
		rec.lastBeaconMusec = now
		metrics.BeaconsReceived.Inc()
	}
}

func (c *Ecataloguz) maybePublish(now int64) {
	if now-c.tLastPub <= c.publishIntervalMusec {
		return
	}

	active := 0
	for key, rec := range c.beaconRecs {
		if c.deactivateIntervalMusec >= 0 && now-rec.lastBeaconMusec > c.deactivateIntervalMusec {
			if rec.endpoint != "" {
				rec.endpoint = ""
				metrics.CatalogueDeactivations.Inc()
			}
		}
		if rec.endpoint != "" {
			c.pub.Publish([][]byte{[]byte(key), []byte(rec.endpoint)})
			active++
		}
	}
	metrics.CatalogueRecordsActive.Set(int64(active))
	metrics.CatalogueRecordsTotal.Set(int64(len(c.beaconRecs)))
	c.tLastPub = now
}

// sortedRecordKeys returns beacon_recs keys in a stable display order, used
// by the optional dashboard.
func (c *Ecataloguz) sortedRecordKeys() []string {
	keys := make([]string, 0, len(c.beaconRecs))
	for k := range c.beaconRecs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
