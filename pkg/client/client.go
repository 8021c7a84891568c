package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/NicolasHaas/rendezvous/pkg/model"
)

var ErrNotLoggedIn = errors.New("client: not logged in")

// Client combines the directory connection with the local peer listener so
// that a login always publishes an endpoint other peers can dial.
type Client struct {
	dir   *DirectoryClient
	peers *PeerListener
	dial  time.Duration

	mu   sync.Mutex
	user string
}

// New connects to the directory server and starts the peer listener. onPeer
// receives inbound chat connections.
func New(ctx context.Context, s *Settings, onPeer PeerHandler) (*Client, error) {
	peers, err := Listen(s.ListenAddr, onPeer)
	if err != nil {
		return nil, err
	}
	dir, err := Dial(ctx, s.ServerAddr, s.DialOptions())
	if err != nil {
		_ = peers.Close()
		return nil, err
	}
	slog.Debug("connected to directory", "server", s.ServerAddr, "peer_endpoint", peers.Endpoint().String())
	return &Client{dir: dir, peers: peers, dial: s.DialTimeout}, nil
}

// Directory returns the underlying directory connection.
func (c *Client) Directory() *DirectoryClient {
	return c.dir
}

// Endpoint returns the local peer listener endpoint.
func (c *Client) Endpoint() model.Endpoint {
	return c.peers.Endpoint()
}

// User returns the logged-in username, or "".
func (c *Client) User() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, user, pass string) error {
	return c.dir.Register(ctx, user, pass)
}

// Login authenticates and publishes the peer listener endpoint.
func (c *Client) Login(ctx context.Context, user, pass string) error {
	if err := c.dir.Login(ctx, user, pass, c.peers.Endpoint()); err != nil {
		return err
	}
	c.mu.Lock()
	c.user = user
	c.mu.Unlock()
	return nil
}

// Logout unpublishes the logged-in user.
func (c *Client) Logout(ctx context.Context) error {
	user := c.User()
	if user == "" {
		return ErrNotLoggedIn
	}
	if err := c.dir.Logout(ctx, user); err != nil {
		return err
	}
	c.mu.Lock()
	if c.user == user {
		c.user = ""
	}
	c.mu.Unlock()
	return nil
}

// List returns the usernames currently logged in.
func (c *Client) List(ctx context.Context) ([]string, error) {
	return c.dir.List(ctx)
}

// Chat resolves user through the directory, dials it and relays lines between
// in/out and the peer until either side quits. in is owned by the session and
// closed when the peer ends it; see PeerSession.Run.
func (c *Client) Chat(ctx context.Context, user string, in io.Reader, out io.Writer) error {
	ep, err := c.dir.GetInfo(ctx, user)
	if err != nil {
		return err
	}
	conn, err := DialPeer(ctx, ep, c.dial)
	if err != nil {
		return err
	}
	slog.Info("chat started", "peer", user, "endpoint", ep.String())
	ps := &PeerSession{Conn: conn, In: in, Out: out, Name: user}
	return ps.Run(ctx)
}

// DialPeer opens a direct connection to a peer endpoint.
func DialPeer(ctx context.Context, ep model.Endpoint, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", ep.String())
	if err != nil {
		return nil, fmt.Errorf("client: dial peer %s: %w", ep, err)
	}
	return conn, nil
}

// Close logs out if needed and releases both sockets.
func (c *Client) Close() error {
	if c.User() != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := c.Logout(ctx); err != nil {
			slog.Debug("logout on close failed", "err", err)
		}
		cancel()
	}
	return errors.Join(c.peers.Close(), c.dir.Close())
}
