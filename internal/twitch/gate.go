package twitch

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

var (
	errServerClosed     = errors.New("server closed the connection")
	errReconnectRequest = errors.New("server requested reconnect")
	errGateClosed       = errors.New("connection closed")
	errClientClosed     = errors.New("irc client dropped the connection")
)

// gate is a single-use local relay between the IRC library and the server.
// It accepts exactly one connection, so once the relayed socket ends every
// redial the library attempts is refused and its Connect loop returns.
type gate struct {
	ln      net.Listener
	address string
	useTLS  bool
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns []net.Conn
	cause error
}

func openGate(address string, useTLS bool, dialTimeout time.Duration) (*gate, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &gate{
		ln:      ln,
		address: address,
		useTLS:  useTLS,
		timeout: dialTimeout,
		ctx:     ctx,
		cancel:  cancel,
	}
	go g.serve()
	return g, nil
}

// Addr is the local address the IRC library dials
func (g *gate) Addr() string {
	return g.ln.Addr().String()
}

// Cause returns the first recorded reason the relay ended, or nil
func (g *gate) Cause() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cause
}

// fail records why the relay is ending; only the first cause is kept
func (g *gate) fail(err error) {
	g.mu.Lock()
	if g.cause == nil {
		g.cause = err
	}
	g.mu.Unlock()
}

// Close refuses further dials and drops the relayed connection
func (g *gate) Close() {
	g.fail(errGateClosed)
	g.cancel()
	g.ln.Close()

	g.mu.Lock()
	conns := g.conns
	g.conns = nil
	g.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

func (g *gate) serve() {
	down, err := g.ln.Accept()
	g.ln.Close()
	if err != nil {
		return
	}
	if !g.track(down) {
		return
	}

	up, err := g.dial()
	if err != nil {
		g.fail(err)
		down.Close()
		return
	}
	if !g.track(up) {
		down.Close()
		return
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			down.Close()
			up.Close()
		})
	}

	go func() {
		io.Copy(up, down)
		g.fail(errClientClosed)
		stop()
	}()

	_, err = io.Copy(down, up)
	if err != nil {
		g.fail(err)
	} else {
		g.fail(errServerClosed)
	}
	stop()
}

// track registers conn for Close; it reports false and closes conn when the gate is already closed
func (g *gate) track(conn net.Conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ctx.Err() != nil {
		conn.Close()
		return false
	}
	g.conns = append(g.conns, conn)
	return true
}

func (g *gate) dial() (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   g.timeout,
		KeepAlive: 10 * time.Second,
	}
	if !g.useTLS {
		return dialer.DialContext(g.ctx, "tcp", g.address)
	}
	tlsDialer := &tls.Dialer{
		NetDialer: dialer,
		Config:    &tls.Config{MinVersion: tls.VersionTLS12},
	}
	return tlsDialer.DialContext(g.ctx, "tcp", g.address)
}
