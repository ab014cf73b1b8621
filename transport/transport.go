package transport

import (
	"context"
	"net"
)

// HandlerFunc serves one accepted connection. The transport closes the
// connection when the handler returns.
type HandlerFunc func(net.Conn)

// Transport accepts client connections and hands each one to a handler.
// Can be TCP, Unix sockets, etc
type Transport interface {
	ListenAndAccept() error
	Serve(ctx context.Context) error
	Addr() net.Addr
	Close() error
}
