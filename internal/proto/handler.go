package proto

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"meshd/internal/crypto"
	"meshd/internal/debuglog"
	"meshd/internal/meta"
	"meshd/internal/metrics"
)

// PacketSink consumes tunnel packets carried in PACKET blocks.
type PacketSink interface {
	HandlePacket(from string, pkt []byte)
}

type PacketSinkFunc func(from string, pkt []byte)

func (f PacketSinkFunc) HandlePacket(from string, pkt []byte) { f(from, pkt) }

type Options struct {
	Self       string
	PSK        []byte
	Registry   *meta.Registry
	Sink       PacketSink
	Metrics    *metrics.Metrics
	PastExpiry time.Duration
	// OnIdentified runs when a peer's ID arrives, before we answer it. An
	// error rejects the peer.
	OnIdentified func(c *meta.Conn, name string) error
	// OnActive runs when the peer acknowledged the handshake. An error tears
	// the connection down.
	OnActive func(c *meta.Conn) error
}

type peerState struct {
	sentID   bool
	gotID    bool
	gotAck   bool
	remote   string
	lastPong atomic.Int64
}

// Handler is the request and block handler shared by all meta-connections.
type Handler struct {
	opts Options
	past *pastRequests

	mu    sync.Mutex
	peers map[*meta.Conn]*peerState
}

func NewHandler(opts Options) (*Handler, error) {
	if !ValidName(opts.Self) {
		return nil, fmt.Errorf("invalid node name %q", opts.Self)
	}
	return &Handler{
		opts:  opts,
		past:  newPastRequests(opts.PastExpiry),
		peers: make(map[*meta.Conn]*peerState),
	}, nil
}

func (h *Handler) state(c *meta.Conn) *peerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.peers[c]
	if !ok {
		st = &peerState{}
		h.peers[c] = st
	}
	return st
}

// Forget drops per-connection handshake state after teardown.
func (h *Handler) Forget(c *meta.Conn) {
	h.mu.Lock()
	delete(h.peers, c)
	h.mu.Unlock()
}

// LastPong is when c last answered a PING. It is safe to call from any
// goroutine.
func (h *Handler) LastPong(c *meta.Conn) time.Time {
	h.mu.Lock()
	st, ok := h.peers[c]
	h.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	ns := st.lastPong.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Sweep expires remembered forwarded requests.
func (h *Handler) Sweep() int {
	return h.past.sweep()
}

// Greet sends our ID. With a PSK configured, the ID carries a fresh salt and
// outbound encryption starts right after the ID line, so c.Name must already
// be the peer's node name.
func (h *Handler) Greet(c *meta.Conn) error {
	st := h.state(c)
	if st.sentID {
		return nil
	}
	remote := st.remote
	if remote == "" {
		remote = c.Name
	}
	args := []any{h.opts.Self, ProtocolVersion}
	var out meta.Cipher
	if len(h.opts.PSK) > 0 {
		salt, err := crypto.NewSalt()
		if err != nil {
			return err
		}
		key, nonce, err := crypto.DirectionKeys(h.opts.PSK, h.opts.Self, remote, salt)
		if err != nil {
			return err
		}
		sc, err := crypto.NewStreamCipher(key, nonce)
		if err != nil {
			return err
		}
		out = sc
		args = append(args, crypto.EncodeSalt(salt))
	}
	if err := c.Send(Format(ID, args...)); err != nil {
		return err
	}
	st.sentID = true
	if out != nil {
		c.SetOutCipher(out)
	}
	return nil
}

// inboundCipher builds the cipher for what name sends us, keyed by the salt
// from its ID line.
func (h *Handler) inboundCipher(name string, l Line) (meta.Cipher, error) {
	if len(h.opts.PSK) == 0 {
		return nil, nil
	}
	if len(l.Args) != 3 {
		return nil, fmt.Errorf("%w: ID from %s carries no salt", ErrMalformed, name)
	}
	salt, err := crypto.DecodeSalt(l.Args[2])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	key, nonce, err := crypto.DirectionKeys(h.opts.PSK, name, h.opts.Self, salt)
	if err != nil {
		return nil, err
	}
	sc, err := crypto.NewStreamCipher(key, nonce)
	if err != nil {
		return nil, err
	}
	return sc, nil
}

func (h *Handler) HandleRequest(c *meta.Conn, raw []byte) error {
	l, err := ParseLine(raw)
	if err != nil {
		return err
	}
	h.opts.Metrics.IncRequestByType(l.Req.String())
	debuglog.Tracef("got %s from %s (%s)", l.Req, c.Name, c.Hostname)
	st := h.state(c)
	if !st.gotID && l.Req != ID {
		return fmt.Errorf("%w: %s before ID", ErrUnexpected, l.Req)
	}

	switch l.Req {
	case ID:
		return h.handleID(c, st, l)
	case Ack:
		if st.gotAck {
			return fmt.Errorf("%w: duplicate ACK", ErrUnexpected)
		}
		st.gotAck = true
		c.SetActive(true)
		debuglog.Infof("connection with %s (%s) activated", c.Name, c.Hostname)
		if h.opts.OnActive != nil {
			return h.opts.OnActive(c)
		}
		return nil
	case Ping:
		return c.Send(Format(Pong))
	case Pong:
		st.lastPong.Store(time.Now().UnixNano())
		return nil
	case Status:
		debuglog.Infof("status message from %s (%s): %s", c.Name, c.Hostname, strings.Join(l.Args, " "))
		return nil
	case Error:
		msg := strings.Join(l.Args, " ")
		debuglog.Errorf("error message from %s (%s): %s", c.Name, c.Hostname, msg)
		return fmt.Errorf("%w: %s", ErrPeerError, msg)
	case TermReq:
		return ErrTermReq
	case Packet:
		if !st.gotAck {
			return fmt.Errorf("%w: PACKET before ACK", ErrUnexpected)
		}
		n, err := ParsePacketLen(l)
		if err != nil {
			return err
		}
		c.ExpectBlock(n)
		return nil
	}

	if l.Req.Forwarded() {
		if !st.gotAck {
			return fmt.Errorf("%w: %s before ACK", ErrUnexpected, l.Req)
		}
		h.forward(c, l)
		return nil
	}
	return fmt.Errorf("%w: %s is not supported", ErrUnexpected, l.Req)
}

func (h *Handler) handleID(c *meta.Conn, st *peerState, l Line) error {
	if st.gotID {
		return fmt.Errorf("%w: duplicate ID", ErrUnexpected)
	}
	if len(l.Args) < 1 || len(l.Args) > 3 {
		return fmt.Errorf("%w: ID wants name, version and salt", ErrMalformed)
	}
	name := l.Args[0]
	if !ValidName(name) {
		return fmt.Errorf("%w: invalid name %q", ErrMalformed, name)
	}
	if name == h.opts.Self {
		return errors.New("peer claims our own name")
	}
	if st.sentID && name != c.Name {
		return fmt.Errorf("peer %s identified as %s", c.Name, name)
	}
	in, err := h.inboundCipher(name, l)
	if err != nil {
		return err
	}
	if h.opts.OnIdentified != nil {
		if err := h.opts.OnIdentified(c, name); err != nil {
			return err
		}
	}
	st.gotID = true
	st.remote = name
	if in != nil {
		c.SetInCipher(in)
	}
	if !st.sentID {
		if err := h.Greet(c); err != nil {
			return err
		}
	}
	return c.Send(Format(Ack))
}

func (h *Handler) forward(from *meta.Conn, l Line) {
	if !h.past.add(l.Raw) {
		debuglog.Tracef("dropping already seen %s from %s", l.Req, from.Name)
		return
	}
	if h.opts.Registry == nil {
		return
	}
	h.opts.Registry.Broadcast(from, []byte(l.Raw+"\n"))
}

func (h *Handler) HandleBlock(c *meta.Conn, block []byte) {
	if h.opts.Sink == nil {
		return
	}
	h.opts.Sink.HandlePacket(c.Name, block)
}

// SendPacket announces a block with a PACKET request and sends it.
func SendPacket(c *meta.Conn, pkt []byte) error {
	if len(pkt) == 0 || len(pkt) > MaxPacketSize {
		return fmt.Errorf("packet size %d out of range", len(pkt))
	}
	if err := c.Send(Format(Packet, len(pkt))); err != nil {
		return err
	}
	return c.Send(pkt)
}

// Originate floods a locally created state request to every active peer.
func (h *Handler) Originate(req Request, args ...any) error {
	if !req.Forwarded() {
		return fmt.Errorf("%s is not a forwarded request", req)
	}
	line := Format(req, args...)
	h.past.add(strings.TrimSuffix(string(line), "\n"))
	if h.opts.Registry != nil {
		h.opts.Registry.Broadcast(nil, line)
	}
	return nil
}
