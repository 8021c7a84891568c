package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"syscall"

	"github.com/NicolasHaas/rendezvous/pkg/model"
	"github.com/NicolasHaas/rendezvous/pkg/protocol"
)

// QuitCommand typed on its own line ends a chat session.
const QuitCommand = "quit"

// PeerHandler is called, in its own goroutine, for each inbound peer connection.
// The handler owns conn.
type PeerHandler func(conn net.Conn)

// PeerListener accepts direct connections from other peers.
type PeerListener struct {
	ln      net.Listener
	handler PeerHandler
	done    chan struct{}
	once    sync.Once
}

// Listen binds addr (":0" picks a free port) and starts accepting peers.
func Listen(addr string, handler PeerHandler) (*PeerListener, error) {
	if handler == nil {
		return nil, errors.New("client: nil peer handler")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: listen for peers: %w", err)
	}
	l := &PeerListener{ln: ln, handler: handler, done: make(chan struct{})}
	go l.acceptLoop()
	return l, nil
}

// Endpoint returns the bound address. A wildcard listen address is reported
// as such; the directory server substitutes the source IP of the login.
func (l *PeerListener) Endpoint() model.Endpoint {
	ep, _ := model.EndpointFromAddr(l.ln.Addr())
	return ep
}

// Close stops accepting and waits for the accept loop to exit. Sessions already
// handed to the handler are not affected.
func (l *PeerListener) Close() error {
	var err error
	l.once.Do(func() {
		err = l.ln.Close()
		<-l.done
	})
	return err
}

func (l *PeerListener) acceptLoop() {
	defer close(l.done)
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("peer accept error", "err", err)
			return
		}
		slog.Debug("inbound peer connection", "remote", conn.RemoteAddr().String())
		go l.handler(conn)
	}
}

// PeerSession relays lines between the local user and one peer. Lines read
// from In are sent to the peer; lines received from the peer are written to
// Out prefixed with "[Name] ". The session is the same whichever side dialed.
type PeerSession struct {
	Conn net.Conn
	In   io.Reader
	Out  io.Writer
	Name string // label for received lines, "peer" if empty
}

// Run relays until the local user types QuitCommand, In reaches EOF, the peer
// disconnects or ctx is done. Conn is always closed on return. A session
// ended by either side returns nil.
//
// The session owns In. When it ends for any reason other than the local user
// quitting, In is closed if it is an io.Closer so that no later input is
// consumed and dropped; otherwise a read already in progress still takes the
// next line. Callers sharing a longer-lived reader such as os.Stdin should
// pass an io.Pipe and feed it themselves.
func (p *PeerSession) Run(ctx context.Context) error {
	defer func() { _ = p.Conn.Close() }()

	sendDone := make(chan error, 1)
	recvDone := make(chan error, 1)
	go func() { sendDone <- p.sendLoop() }()
	go func() { recvDone <- p.receiveLoop() }()

	select {
	case err := <-sendDone:
		_ = p.Conn.Close()
		if rerr := <-recvDone; err == nil {
			err = rerr
		}
		return err
	case err := <-recvDone:
		p.closeInput()
		return err
	case <-ctx.Done():
		_ = p.Conn.Close()
		p.closeInput()
		<-recvDone
		return ctx.Err()
	}
}

// closeInput unblocks a send loop still waiting on In.
func (p *PeerSession) closeInput() {
	if c, ok := p.In.(io.Closer); ok {
		_ = c.Close()
	}
}

func (p *PeerSession) sendLoop() error {
	r := protocol.NewReader(p.In)
	for {
		line, err := r.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("client: read input: %w", err)
		}
		if line == QuitCommand {
			return nil
		}
		if err := protocol.WriteLine(p.Conn, line); err != nil {
			if isConnClosed(err) {
				return nil
			}
			return fmt.Errorf("client: send to peer: %w", err)
		}
	}
}

func (p *PeerSession) receiveLoop() error {
	name := p.Name
	if name == "" {
		name = "peer"
	}
	r := protocol.NewReader(p.Conn)
	for {
		line, err := r.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) || isConnClosed(err) {
				return nil
			}
			return fmt.Errorf("client: receive from peer: %w", err)
		}
		if _, err := fmt.Fprintf(p.Out, "[%s] %s\n", name, line); err != nil {
			return fmt.Errorf("client: write output: %w", err)
		}
	}
}

// isConnClosed reports errors caused by either side closing the connection.
func isConnClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
