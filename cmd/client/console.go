package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/NicolasHaas/rendezvous/pkg/client"
)

const requestTimeout = 10 * time.Second

const helpText = `commands:
  register <user> <password>   create an account
  login <user> <password>      log in and publish this client for chats
  logout                       stop being reachable
  list                         show logged-in users
  getinfo <user>               show where a user can be reached
  chat <user>                  chat with a user, type 'quit' to leave
  exit                         leave the program
`

// console multiplexes stdin between commands and chat sessions. Incoming
// chats are accepted only while it waits for a command.
type console struct {
	out      io.Writer
	outMu    sync.Mutex
	lines    chan string
	incoming chan net.Conn
	onLogin  func(user string)
	// pending holds input a finished chat read but never delivered.
	pending []string
}

func newConsole(in io.Reader, out io.Writer) *console {
	c := &console{
		out:      out,
		lines:    make(chan string),
		incoming: make(chan net.Conn),
	}
	go c.readInput(in)
	return c
}

func (c *console) readInput(in io.Reader) {
	defer close(c.lines)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		c.lines <- strings.TrimRight(sc.Text(), "\r")
	}
}

func (c *console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = fmt.Fprintf(c.out, format, args...)
}

// offer is the peer handler: it hands conn to the console or turns it away.
func (c *console) offer(conn net.Conn) {
	select {
	case c.incoming <- conn:
	case <-time.After(time.Second):
		slog.Info("busy, rejecting incoming chat", "remote", conn.RemoteAddr().String())
		_, _ = io.WriteString(conn, "peer is busy\n")
		_ = conn.Close()
	}
}

func (c *console) run(ctx context.Context, cl *client.Client) {
	c.printf("> ")
	for {
		if len(c.pending) > 0 {
			line := c.pending[0]
			c.pending = c.pending[1:]
			if !c.command(ctx, cl, line) {
				return
			}
			c.printf("> ")
			continue
		}
		select {
		case <-ctx.Done():
			return
		case conn := <-c.incoming:
			c.printf("\nincoming chat from %s, type 'quit' to leave\n", conn.RemoteAddr())
			c.chat(ctx, func(in io.Reader, out io.Writer) error {
				ps := &client.PeerSession{Conn: conn, In: in, Out: out}
				return ps.Run(ctx)
			})
		case line, ok := <-c.lines:
			if !ok {
				return
			}
			if !c.command(ctx, cl, line) {
				return
			}
		}
		c.printf("> ")
	}
}

// command runs one console command and reports whether to keep going.
func (c *console) command(ctx context.Context, cl *client.Client, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	verb, args := strings.ToLower(fields[0]), fields[1:]

	rctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	want := map[string]int{"register": 2, "login": 2, "logout": 0, "list": 0, "getinfo": 1, "chat": 1}
	if n, ok := want[verb]; ok && len(args) != n {
		c.printf("usage error, see 'help'\n")
		return true
	}

	var err error
	switch verb {
	case "help":
		c.printf("%s", helpText)
	case "exit", "quit":
		return false
	case "register":
		if err = cl.Register(rctx, args[0], args[1]); err == nil {
			c.printf("registered %s\n", args[0])
		}
	case "login":
		if err = cl.Login(rctx, args[0], args[1]); err == nil {
			c.printf("logged in as %s\n", args[0])
			if c.onLogin != nil {
				c.onLogin(args[0])
			}
		}
	case "logout":
		if err = cl.Logout(rctx); err == nil {
			c.printf("logged out\n")
		}
	case "list":
		var users []string
		if users, err = cl.List(rctx); err == nil {
			if len(users) == 0 {
				c.printf("nobody is online\n")
			} else {
				c.printf("online: %s\n", strings.Join(users, ", "))
			}
		}
	case "getinfo":
		ep, gerr := cl.Directory().GetInfo(rctx, args[0])
		if err = gerr; err == nil {
			c.printf("%s is at %s\n", args[0], ep)
		}
	case "chat":
		peer := args[0]
		c.printf("chatting with %s, type 'quit' to leave\n", peer)
		err = c.chat(ctx, func(in io.Reader, out io.Writer) error {
			return cl.Chat(ctx, peer, in, out)
		})
	default:
		c.printf("unknown command %q, see 'help'\n", verb)
	}
	if err != nil {
		c.printf("error: %v\n", err)
	}
	return true
}

// chat feeds console lines to session until it ends.
func (c *console) chat(ctx context.Context, session func(in io.Reader, out io.Writer) error) error {
	pr, pw := io.Pipe()
	done := make(chan struct{})
	// leftover receives the line taken from input after the session stopped
	// reading, or "" if there is none.
	leftover := make(chan string, 1)
	go func() {
		defer func() { _ = pw.Close() }()
		for {
			select {
			case line, ok := <-c.lines:
				if !ok {
					leftover <- ""
					return
				}
				if _, err := io.WriteString(pw, line+"\n"); err != nil {
					leftover <- line
					return
				}
			case <-done:
				leftover <- ""
				return
			case <-ctx.Done():
				leftover <- ""
				return
			}
		}
	}()

	err := session(pr, lockedWriter{c})
	close(done)
	_ = pr.Close()
	if line := <-leftover; line != "" {
		c.pending = append(c.pending, line)
	}
	c.printf("chat ended\n")
	return err
}

type lockedWriter struct{ c *console }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.outMu.Lock()
	defer w.c.outMu.Unlock()
	return w.c.out.Write(p)
}
