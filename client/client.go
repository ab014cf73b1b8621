// Package client talks to a backup server. Every call opens its own
// connection, since the server answers a single request per connection.
package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/AnishMulay/backupsvr/protocol"
)

const DefaultVersion = 1

// StatusError is returned when the server answers with a non-success status.
type StatusError struct {
	Op     protocol.Op
	Name   string
	Status protocol.Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %q: server returned status %d", e.Op, e.Name, e.Status)
}

type ClientConfig struct {
	Address string
	UserID  uint32
	Version uint8
	// Timeout bounds each request when the context carries no deadline
	Timeout time.Duration
}

type Client struct {
	ClientConfig
	dialer net.Dialer
}

func NewClient(opts ClientConfig) *Client {
	if opts.Version == 0 {
		opts.Version = DefaultVersion
	}
	return &Client{
		ClientConfig: opts,
	}
}

// Do sends one request and returns the raw response, whatever its status.
func (c *Client) Do(ctx context.Context, op protocol.Op, name string, payload []byte) (protocol.Response, error) {
	if !op.Known() {
		return protocol.Response{}, fmt.Errorf("unsupported operation %d", op)
	}
	req, err := protocol.EncodeRequest(c.UserID, c.Version, op, name, payload)
	if err != nil {
		return protocol.Response{}, err
	}

	if _, ok := ctx.Deadline(); !ok && c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", c.Address)
	if err != nil {
		return protocol.Response{}, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return protocol.Response{}, err
		}
	}

	if _, err := conn.Write(req); err != nil {
		return protocol.Response{}, fmt.Errorf("sending %s request: %w", op, err)
	}

	resp, err := protocol.ReadResponse(conn)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("reading %s response: %w", op, err)
	}
	return resp, nil
}

func (c *Client) expect(ctx context.Context, op protocol.Op, name string, payload []byte, want protocol.Status) ([]byte, error) {
	resp, err := c.Do(ctx, op, name, payload)
	if err != nil {
		return nil, err
	}
	if resp.Status != want {
		return nil, &StatusError{Op: op, Name: name, Status: resp.Status}
	}
	return resp.Payload, nil
}

// Store uploads data under name, replacing any previous version.
func (c *Client) Store(ctx context.Context, name string, data []byte) error {
	_, err := c.expect(ctx, protocol.OpStore, name, data, protocol.StatusSaved)
	return err
}

// Fetch downloads name.
func (c *Client) Fetch(ctx context.Context, name string) ([]byte, error) {
	return c.expect(ctx, protocol.OpFetch, name, nil, protocol.StatusSent)
}

func (c *Client) Delete(ctx context.Context, name string) error {
	_, err := c.expect(ctx, protocol.OpDelete, name, nil, protocol.StatusDeleted)
	return err
}

// List asks the server to generate a list file and returns its name. The
// list itself is retrieved with Fetch.
func (c *Client) List(ctx context.Context) (string, error) {
	payload, err := c.expect(ctx, protocol.OpList, "", nil, protocol.StatusListed)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}
