package network

import (
	"context"
	"errors"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"
)

const (
	quicHandshakeTimeout = 10 * time.Second
	quicIdleTimeout      = 60 * time.Second
	quicKeepAlive        = 15 * time.Second
)

func quicConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: quicHandshakeTimeout,
		MaxIdleTimeout:       quicIdleTimeout,
		KeepAlivePeriod:      quicKeepAlive,
	}
}

// quicStream carries one meta-connection on the first bidirectional stream
// of a QUIC connection. Closing it tears down the whole QUIC connection.
type quicStream struct {
	conn   *quic.Conn
	stream *quic.Stream
}

func (q *quicStream) Read(p []byte) (int, error)  { return q.stream.Read(p) }
func (q *quicStream) Write(p []byte) (int, error) { return q.stream.Write(p) }

func (q *quicStream) SetReadDeadline(t time.Time) error { return q.stream.SetReadDeadline(t) }

func (q *quicStream) Close() error {
	q.stream.CancelRead(0)
	err := q.stream.Close()
	if cerr := q.conn.CloseWithError(0, "closed"); err == nil {
		err = cerr
	}
	return err
}

// QUICListener accepts QUIC connections in the background. Each connection
// waits for its meta stream on its own goroutine, so a peer that never opens
// one only holds up itself.
type QUICListener struct {
	ln      *quic.Listener
	limiter *IPLimiter
	poll    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	ready  chan *DeadlineConn
	done   chan struct{}
	err    error
}

func ListenQUIC(addr string, limiter *IPLimiter, poll time.Duration) (*QUICListener, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		debugLog("quic listen error: %v", err)
		return nil, err
	}
	debugLog("quic listen ready: %s", ln.Addr())
	ctx, cancel := context.WithCancel(context.Background())
	l := &QUICListener{
		ln:      ln,
		limiter: limiter,
		poll:    poll,
		ctx:     ctx,
		cancel:  cancel,
		ready:   make(chan *DeadlineConn),
		done:    make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

func (l *QUICListener) Addr() net.Addr { return l.ln.Addr() }

func (l *QUICListener) Close() error {
	l.cancel()
	return l.ln.Close()
}

// Accept returns the next QUIC connection whose peer opened a stream, as a
// meta transport.
func (l *QUICListener) Accept(ctx context.Context) (*DeadlineConn, error) {
	select {
	case dc := <-l.ready:
		return dc, nil
	case <-l.done:
		return nil, l.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *QUICListener) acceptLoop() {
	defer close(l.done)
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			l.err = err
			return
		}
		ip := hostOf(conn.RemoteAddr())
		if !l.limiter.AcquireConn(ip) {
			debugLog("rejecting quic connection from %s: too many connections", ip)
			_ = conn.CloseWithError(1, "too many connections")
			continue
		}
		go l.handoff(conn, ip)
	}
}

func (l *QUICListener) handoff(conn *quic.Conn, ip string) {
	dc, err := l.acceptStream(l.ctx, conn, ip)
	if err != nil {
		l.limiter.ReleaseConn(ip)
		debugLog("quic accept stream from %s: %v", ip, err)
		_ = conn.CloseWithError(1, "no stream")
		return
	}
	select {
	case l.ready <- dc:
	case <-l.ctx.Done():
		_ = dc.Close()
	}
}

func (l *QUICListener) acceptStream(ctx context.Context, conn *quic.Conn, ip string) (*DeadlineConn, error) {
	if !l.limiter.AcquireStream(ip) {
		return nil, errors.New("too many streams")
	}
	sctx, cancel := context.WithTimeout(ctx, quicHandshakeTimeout)
	defer cancel()
	stream, err := conn.AcceptStream(sctx)
	if err != nil {
		l.limiter.ReleaseStream(ip)
		return nil, err
	}
	dc := NewDeadlineConn(&quicStream{conn: conn, stream: stream}, conn.RemoteAddr().String(), l.poll)
	dc.OnClose(func() {
		l.limiter.ReleaseStream(ip)
		l.limiter.ReleaseConn(ip)
	})
	return dc, nil
}

// DialQUIC opens a QUIC connection and its meta stream. The peer only sees
// the stream once we write to it.
func DialQUIC(ctx context.Context, addr string, insecure bool, caPath string, poll time.Duration) (*DeadlineConn, error) {
	tlsConf, err := clientTLSConfig(insecure, caPath)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	debugLog("quic dial to %s", addr)
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, err
	}
	debugLog("quic conn established to %s", addr)
	return NewDeadlineConn(&quicStream{conn: conn, stream: stream}, conn.RemoteAddr().String(), poll), nil
}
