package emz

import (
	"encoding/binary"
	"sort"
	"unicode/utf8"

	"github.com/emyzelium/emyzelium-go/log"
	"github.com/emyzelium/emyzelium-go/metrics"
	"github.com/emyzelium/emyzelium-go/transport"
)

var ehyphaLog = log.Module("ehypha")

type ecatalEndpoint struct {
	endpoint string
	tUpdate  int64
}

// Ehypha is the local representation of one remote peer's publisher: a
// subscriber socket plus the set of titles currently subscribed.
type Ehypha struct {
	serverPublicKey string // normalized
	sock            *transport.SubSocket

	etales map[string]*Etale

	connpoint            string
	connpointsViaEcatals map[string]ecatalEndpoint // catalogue key -> endpoint/timestamp
	ecatalForgetInterval int64                      // musec; negative = never forget
}

func newEhypha(localPub transport.PublicKey, localSec transport.SecretKey, serverPublicKey string, serverPub transport.PublicKey, dialer transport.Dialer, ecatalForgetInterval int64) *Ehypha {
	sock := transport.NewSubSocket(localPub, localSec, serverPub)
	if dialer != nil {
		sock.SetDialer(dialer)
	}
	return &Ehypha{
		serverPublicKey:      serverPublicKey,
		sock:                 sock,
		etales:               make(map[string]*Etale),
		connpointsViaEcatals: make(map[string]ecatalEndpoint),
		ecatalForgetInterval: ecatalForgetInterval,
	}
}

// ServerPublicKey returns the normalized public key of the remote peer this
// ehypha subscribes to.
func (h *Ehypha) ServerPublicKey() string { return h.serverPublicKey }

// Connpoint returns the current transport endpoint, or "" if never set.
func (h *Ehypha) Connpoint() string { return h.connpoint }

func topicBytes(title string) []byte {
	return append([]byte(title), 0)
}

// AddEtale subscribes to title and creates its backing Etale, unless one
// already exists.
func (h *Ehypha) AddEtale(title string) (*Etale, Status) {
	if e, ok := h.etales[title]; ok {
		return e, AlreadyPresent
	}
	e := newEtale()
	h.etales[title] = e
	h.sock.Subscribe(topicBytes(title))
	return e, OK
}

// GetEtale returns the etale for title, if any.
func (h *Ehypha) GetEtale(title string) (*Etale, Status) {
	e, ok := h.etales[title]
	if !ok {
		return nil, Absent
	}
	return e, OK
}

// DelEtale unsubscribes title and removes its etale.
func (h *Ehypha) DelEtale(title string) Status {
	if _, ok := h.etales[title]; !ok {
		return AlreadyAbsent
	}
	delete(h.etales, title)
	h.sock.Unsubscribe(topicBytes(title))
	return OK
}

// PauseEtale stops title's etale from accepting updates and removes its
// topic filter from the underlying socket.
func (h *Ehypha) PauseEtale(title string) Status {
	e, ok := h.etales[title]
	if !ok {
		return Absent
	}
	if e.paused {
		return AlreadyPaused
	}
	e.paused = true
	h.sock.Unsubscribe(topicBytes(title))
	return OK
}

// ResumeEtale re-subscribes title's topic filter and allows updates again.
func (h *Ehypha) ResumeEtale(title string) Status {
	e, ok := h.etales[title]
	if !ok {
		return Absent
	}
	if !e.paused {
		return AlreadyResumed
	}
	e.paused = false
	h.sock.Subscribe(topicBytes(title))
	return OK
}

// PauseEtales pauses every currently un-paused etale.
func (h *Ehypha) PauseEtales() {
	for title := range h.etales {
		h.PauseEtale(title)
	}
}

// ResumeEtales resumes every currently paused etale.
func (h *Ehypha) ResumeEtales() {
	for title := range h.etales {
		h.ResumeEtale(title)
	}
}

// setConnpoint is the sole mutator of connpoint: a no-op if endpoint already
// equals the current value, otherwise disconnect-then-connect.
func (h *Ehypha) setConnpoint(endpoint string) error {
	if endpoint == h.connpoint {
		return nil
	}
	h.sock.Disconnect()
	if endpoint == "" {
		h.connpoint = ""
		return nil
	}
	hostPort, err := transport.ValidateEndpoint(endpoint)
	if err != nil {
		return err
	}
	if err := h.sock.Connect(hostPort); err != nil {
		return err
	}
	h.connpoint = endpoint
	metrics.EhyphaEndpointChanges.Inc()
	ehyphaLog.Info("connpoint changed", "server_key", h.serverPublicKey, "endpoint", endpoint)
	return nil
}

// recordEcatalEndpoint stores a catalogue-reported (endpoint, timestamp)
// pair, consulted by the next Update's vote tally.
func (h *Ehypha) recordEcatalEndpoint(ecatalKey, endpoint string, now int64) {
	h.connpointsViaEcatals[ecatalKey] = ecatalEndpoint{endpoint: endpoint, tUpdate: now}
}

// voteEndpoint picks the endpoint with the strictly largest vote count among
// non-stale entries, ties broken lexicographically by endpoint string (the
// tightened tie-break documented in DESIGN.md — the distilled spec leaves
// this to non-deterministic map iteration order).
func (h *Ehypha) voteEndpoint(now int64) (string, bool) {
	tally := make(map[string]int)
	for _, rec := range h.connpointsViaEcatals {
		if h.ecatalForgetInterval >= 0 && now-rec.tUpdate > h.ecatalForgetInterval {
			continue
		}
		tally[rec.endpoint]++
	}
	if len(tally) == 0 {
		return "", false
	}

	endpoints := make([]string, 0, len(tally))
	for ep := range tally {
		endpoints = append(endpoints, ep)
	}
	sort.Strings(endpoints)

	winner := endpoints[0]
	best := tally[winner]
	for _, ep := range endpoints[1:] {
		if tally[ep] > best {
			winner, best = ep, tally[ep]
		}
	}
	return winner, true
}

// Update runs one scheduling tick: endpoint voting (TCP variant only; a
// no-op when connpointsViaEcatals is never populated, as in the onion
// variant) followed by a non-blocking drain of the subscriber socket.
func (h *Ehypha) Update(now int64) {
	if winner, ok := h.voteEndpoint(now); ok {
		if err := h.setConnpoint(winner); err != nil {
			ehyphaLog.Debug("endpoint connect failed", "server_key", h.serverPublicKey, "endpoint", winner, "err", err)
		}
	}

	for {
		parts, ok := h.sock.RecvNonBlocking()
		if !ok {
			return
		}
		h.ingest(parts, now)
	}
}

func (h *Ehypha) ingest(parts [][]byte, now int64) {
	if len(parts) < 2 {
		metrics.EtalesDropped.Inc()
		return
	}
	topic := parts[0]
	if len(topic) == 0 || topic[len(topic)-1] != 0 {
		metrics.EtalesDropped.Inc()
		return
	}
	title := string(topic[:len(topic)-1])
	if !utf8.ValidString(title) {
		metrics.EtalesDropped.Inc()
		return
	}
	e, ok := h.etales[title]
	if !ok || e.paused {
		return
	}
	if len(parts[1]) != 8 {
		metrics.EtalesDropped.Inc()
		return
	}
	tOut := int64(binary.LittleEndian.Uint64(parts[1]))
	e.receive(append([][]byte(nil), parts[2:]...), tOut, now)
	metrics.EtalesReceived.Inc()
}

