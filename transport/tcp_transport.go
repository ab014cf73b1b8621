package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"github.com/thejerf/suture/v4"
)

var _ Transport = (*TCPTransport)(nil)

// ListenError reports a failure to bind. It terminates the supervisor tree
// the transport runs under, since retrying an occupied or invalid address
// never succeeds.
type ListenError struct {
	Addr string
	Err  error
}

func (e *ListenError) Error() string {
	return fmt.Sprintf("listening on %s: %v", e.Addr, e.Err)
}

func (e *ListenError) Unwrap() error {
	return e.Err
}

func (e *ListenError) Is(target error) bool {
	return target == suture.ErrTerminateSupervisorTree
}

var (
	metricConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "backupsvr",
		Subsystem: "transport",
		Name:      "connections_total",
		Help:      "Total number of accepted connections",
	})
	metricConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "backupsvr",
		Subsystem: "transport",
		Name:      "connections_open",
		Help:      "Number of connections currently being served",
	})
)

// deadlineConn refreshes the read or write deadline before every call, so
// a peer that stalls mid-message cannot hold its goroutine forever.
type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(p)
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(p)
}

type TCPTransportConfig struct {
	ListenAddress string
	// Zero disables the corresponding deadline
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	OnConn       HandlerFunc
	Logger       logrus.FieldLogger
}

// TCPTransport accepts client connections over TCP and serves each one on
// its own goroutine.
type TCPTransport struct {
	TCPTransportConfig

	mutex    sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

func NewTCPTransport(opts TCPTransportConfig) *TCPTransport {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &TCPTransport{
		TCPTransportConfig: opts,
	}
}

// Addr returns the bound address, or nil before ListenAndAccept.
func (t *TCPTransport) Addr() net.Addr {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// ListenAndAccept binds the listener and starts the accept loop in the
// background.
func (t *TCPTransport) ListenAndAccept() error {
	ln, err := t.listen()
	if err != nil {
		return err
	}

	go t.startAcceptLoop(ln)

	return nil
}

// Serve binds the listener and runs the accept loop until ctx is done.
func (t *TCPTransport) Serve(ctx context.Context) error {
	ln, err := t.listen()
	if err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-done:
		}
	}()

	t.startAcceptLoop(ln)
	return ctx.Err()
}

// Close stops accepting new connections. Connections being served are left
// to finish on their own.
func (t *TCPTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.listener == nil {
		return nil
	}
	return t.listener.Close()
}

// Wait blocks until every accepted connection has been served.
func (t *TCPTransport) Wait() {
	t.wg.Wait()
}

func (t *TCPTransport) listen() (net.Listener, error) {
	if t.OnConn == nil {
		return nil, errors.New("tcp transport: no connection handler")
	}

	ln, err := net.Listen("tcp", t.ListenAddress)
	if err != nil {
		return nil, &ListenError{Addr: t.ListenAddress, Err: err}
	}

	t.mutex.Lock()
	t.listener = ln
	t.mutex.Unlock()

	t.Logger.Infof("Server running on %s...", ln.Addr())
	return ln, nil
}

func (t *TCPTransport) startAcceptLoop(ln net.Listener) {
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			t.Logger.Infof("Stopped accepting on %s", ln.Addr())
			return
		}
		if err != nil {
			// transient accept failures, e.g. out of file descriptors
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff < time.Second {
				backoff *= 2
			}
			t.Logger.Warnf("Error accepting connection: %v, retrying in %v", err, backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		t.wg.Add(1)
		go t.handleConn(conn)
	}
}

func (t *TCPTransport) handleConn(conn net.Conn) {
	defer t.wg.Done()

	metricConnectionsTotal.Inc()
	metricConnectionsOpen.Inc()
	defer metricConnectionsOpen.Dec()

	defer func() {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			t.Logger.Debugf("Closing connection from %s: %v", conn.RemoteAddr(), err)
		}
	}()

	t.Logger.Debugf("Handling connection from %s", conn.RemoteAddr())
	t.OnConn(&deadlineConn{
		Conn:         conn,
		readTimeout:  t.ReadTimeout,
		writeTimeout: t.WriteTimeout,
	})
}

func (t *TCPTransport) String() string {
	return "tcp-transport@" + t.ListenAddress
}
