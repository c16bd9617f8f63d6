package transport

// ZapRequest mirrors the 7-frame ZAP request defined by the ZeroMQ
// Authentication Protocol: version, sequence, domain, address, identity,
// mechanism, key. It is produced by an accepting socket (PubSocket or
// PullSocket) for every inbound connection attempt and consumed by
// whichever component owns the ZapResponder (Efunguz or Ecataloguz),
// which drains pending requests and decides admission.
type ZapRequest struct {
	Version   string
	Sequence  string
	Domain    string
	Address   string // remote network address of the connecting socket
	Identity  string // routing identity of the *accepting* socket ("pubsub", "beacon", or a random onion session id)
	Mechanism string // always "CURVE" in this implementation
	Key       PublicKey

	reply chan ZapReply
}

// ZapReply mirrors the 6-frame ZAP reply: version, sequence, status,
// status_text, user_id, metadata.
type ZapReply struct {
	Version    string
	Sequence   string
	Status     string
	StatusText string
	UserID     string
	Metadata   []byte
}

// Authorized reports whether the reply grants access: status == "200"
// authorizes, matching the ZAP status code convention.
func (r ZapReply) Authorized() bool { return r.Status == "200" }

// ZapResponder is the in-process analogue of the ZAP authentication
// channel's bound REP socket. Accepting sockets submit requests and block,
// each in its own per-connection goroutine, waiting for a reply; the
// owning Efunguz/Ecataloguz drains pending requests from its own goroutine
// inside Update()/Run() and decides admission using its whitelist logic,
// then replies.
type ZapResponder struct {
	requests chan *ZapRequest
}

// NewZapResponder creates a ZapResponder with reasonable inbound queue
// depth. It must exist before any public-facing CURVE socket is bound,
// since an accepting socket authenticates every connection through it
// starting the moment it begins listening; callers must construct it
// first.
func NewZapResponder() *ZapResponder {
	return &ZapResponder{requests: make(chan *ZapRequest, 256)}
}

// Authenticate submits a request and blocks until the owning component
// replies via PopRequest + ZapRequest.Reply. Called from an accepting
// socket's per-connection goroutine.
func (z *ZapResponder) Authenticate(req *ZapRequest) ZapReply {
	req.reply = make(chan ZapReply, 1)
	z.requests <- req
	return <-req.reply
}

// PopRequest returns the next pending request without blocking, so a
// caller's scheduling loop can drain the queue between other work instead
// of dedicating a goroutine to it.
func (z *ZapResponder) PopRequest() (*ZapRequest, bool) {
	select {
	case req := <-z.requests:
		return req, true
	default:
		return nil, false
	}
}

// Reply sends the authentication decision back to the blocked accepting
// goroutine.
func (req *ZapRequest) Reply(reply ZapReply) {
	req.reply <- reply
}
