// Package client implements the rendezvous client: a synchronous connection to
// the directory server plus a listener and sessions for direct peer chat.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/NicolasHaas/rendezvous/pkg/model"
	"github.com/NicolasHaas/rendezvous/pkg/protocol"
)

var (
	ErrClosed          = errors.New("client: connection closed")
	ErrInvalidArgument = errors.New("client: argument must be non-empty and contain no whitespace")
)

// ReplyError is an ERR reply from the directory server.
type ReplyError struct {
	Verb   string
	Reason string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("client: %s rejected: %s", e.Verb, e.Reason)
}

// IsReason reports whether err is a ReplyError carrying reason.
func IsReason(err error, reason string) bool {
	var re *ReplyError
	return errors.As(err, &re) && re.Reason == reason
}

// DialOptions configures the directory connection.
type DialOptions struct {
	TLS     bool
	Timeout time.Duration // dial timeout, 0 means none beyond ctx
}

// DirectoryClient is a connection to the directory server. Requests are
// serialized: one request is in flight at a time and its reply is read before
// the next is sent.
type DirectoryClient struct {
	mu     sync.Mutex
	conn   net.Conn
	r      *protocol.Reader
	closed bool
}

// Dial connects to the directory server at addr.
func Dial(ctx context.Context, addr string, opts DialOptions) (*DirectoryClient, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var (
		conn net.Conn
		err  error
	)
	if opts.TLS {
		dialer := &tls.Dialer{Config: &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // self-signed server certs (TOFU model)
			MinVersion:         tls.VersionTLS13,
		}}
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("client: connect directory: %w", err)
	}
	return NewDirectoryClient(conn), nil
}

// NewDirectoryClient wraps an established connection.
func NewDirectoryClient(conn net.Conn) *DirectoryClient {
	return &DirectoryClient{conn: conn, r: protocol.NewReader(conn)}
}

// Register creates an account.
func (c *DirectoryClient) Register(ctx context.Context, user, pass string) error {
	_, err := c.do(ctx, protocol.VerbRegister, user, pass)
	return err
}

// Login authenticates user and publishes ep as its peer endpoint.
func (c *DirectoryClient) Login(ctx context.Context, user, pass string, ep model.Endpoint) error {
	_, err := c.do(ctx, protocol.VerbLogin, user, pass, ep.Address, strconv.Itoa(int(ep.Port)))
	return err
}

// Logout unpublishes user.
func (c *DirectoryClient) Logout(ctx context.Context, user string) error {
	_, err := c.do(ctx, protocol.VerbLogout, user)
	return err
}

// GetInfo resolves the peer endpoint of a logged-in user.
func (c *DirectoryClient) GetInfo(ctx context.Context, user string) (model.Endpoint, error) {
	reply, err := c.do(ctx, protocol.VerbGetInfo, user)
	if err != nil {
		return model.Endpoint{}, err
	}
	if len(reply.Fields) != 1 {
		return model.Endpoint{}, fmt.Errorf("client: GETINFO: %w", protocol.ErrMalformedReply)
	}
	ep, err := model.ParseEndpoint(reply.Fields[0])
	if err != nil {
		return model.Endpoint{}, fmt.Errorf("client: GETINFO: %w", err)
	}
	return ep, nil
}

// List returns the usernames currently logged in.
func (c *DirectoryClient) List(ctx context.Context) ([]string, error) {
	reply, err := c.do(ctx, protocol.VerbList)
	if err != nil {
		return nil, err
	}
	return reply.Fields, nil
}

// Close closes the connection. Pending requests fail.
func (c *DirectoryClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

// RemoteAddr returns the server address.
func (c *DirectoryClient) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *DirectoryClient) do(ctx context.Context, verb string, args ...string) (protocol.Reply, error) {
	for _, a := range args {
		if a == "" || strings.ContainsFunc(a, isSpace) {
			return protocol.Reply{}, fmt.Errorf("%w: %s", ErrInvalidArgument, verb)
		}
	}
	line := protocol.Command{Verb: verb, Args: args}.String()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return protocol.Reply{}, ErrClosed
	}

	_ = c.conn.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		// Unblock the in-flight read or write.
		_ = c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := protocol.WriteLine(c.conn, line); err != nil {
		return protocol.Reply{}, c.ioErr(ctx, verb, err)
	}
	resp, err := c.r.ReadLine()
	if err != nil {
		return protocol.Reply{}, c.ioErr(ctx, verb, err)
	}
	reply, err := protocol.ParseReply(resp)
	if err != nil {
		return protocol.Reply{}, fmt.Errorf("client: %s: %w", verb, err)
	}
	if !reply.OK {
		return reply, &ReplyError{Verb: verb, Reason: reply.Reason()}
	}
	return reply, nil
}

// ioErr closes the connection: after a failed read or write the reply stream
// can no longer be matched to requests.
func (c *DirectoryClient) ioErr(ctx context.Context, verb string, err error) error {
	c.closed = true
	_ = c.conn.Close()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("client: %s: %w", verb, ctxErr)
	}
	return fmt.Errorf("client: %s: %w", verb, err)
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\r' || r == '\n'
}
