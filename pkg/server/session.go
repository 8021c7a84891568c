package server

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/NicolasHaas/rendezvous/pkg/directory"
	"github.com/NicolasHaas/rendezvous/pkg/model"
	"github.com/NicolasHaas/rendezvous/pkg/protocol"
)

// session serves one client connection: read a line, dispatch it, write
// exactly one reply, repeat until the peer goes away.
type session struct {
	srv  *Server
	conn net.Conn
	log  *slog.Logger

	// remoteIP is captured at accept time and substituted for a wildcard
	// address reported in LOGIN.
	remoteIP string

	state model.SessionState
	user  string
	// token is the directory login this session owns.
	token directory.LoginToken
}

func newSession(srv *Server, conn net.Conn) *session {
	s := &session{
		srv:   srv,
		conn:  conn,
		state: model.StateUnauthenticated,
		log:   slog.With("remote", conn.RemoteAddr().String()),
	}
	if ep, ok := model.EndpointFromAddr(conn.RemoteAddr()); ok {
		s.remoteIP = ep.Address
	}
	return s
}

func (s *session) run() {
	m := s.srv.metrics
	m.ActiveConnections.Add(1)
	defer func() {
		s.release()
		_ = s.conn.Close()
		s.srv.untrack(s.conn)
		m.ActiveConnections.Add(-1)
	}()
	s.log.Debug("session started")

	r := protocol.NewReader(s.conn)
	for {
		if d := s.srv.cfg.IdleTimeout; d > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(d))
		}
		line, err := r.ReadLine()
		if err != nil {
			s.logReadError(err)
			return
		}

		reply := s.handle(line)
		if err := protocol.WriteLine(s.conn, reply); err != nil {
			s.log.Debug("write failed", "err", err)
			return
		}
	}
}

func (s *session) logReadError(err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		s.log.Debug("session closed")
	case errors.Is(err, os.ErrDeadlineExceeded):
		s.log.Info("session idle, closing", "timeout", s.srv.cfg.IdleTimeout)
	case errors.Is(err, protocol.ErrLineTooLong):
		s.log.Warn("line too long, closing session")
	default:
		s.log.Debug("read failed", "err", err)
	}
}

// release unpublishes the session's user unless a newer login replaced it.
func (s *session) release() {
	if s.state != model.StateAuthenticated || s.srv.cfg.KeepLoginOnDisconnect {
		return
	}
	if s.srv.dir.LogoutIf(s.user, s.token) {
		s.log.Info("user logged out on disconnect", "user", s.user)
	}
}

// handle executes one request line and returns the reply line.
func (s *session) handle(line string) string {
	cmd, err := protocol.ParseCommand(line)
	var reply string
	switch {
	case errors.Is(err, protocol.ErrUnknownCommand):
		reply = protocol.Err(protocol.ReasonUnknownCommand)
	case errors.Is(err, protocol.ErrInvalidArguments):
		reply = protocol.Err(protocol.ReasonInvalidArguments)
	default:
		switch cmd.Verb {
		case protocol.VerbRegister:
			reply = s.register(cmd.Args[0], cmd.Args[1])
		case protocol.VerbLogin:
			reply = s.login(cmd.Args[0], cmd.Args[1], cmd.Args[2], cmd.Args[3])
		case protocol.VerbLogout:
			reply = s.logout(cmd.Args[0])
		case protocol.VerbGetInfo:
			reply = s.getInfo(cmd.Args[0])
		case protocol.VerbList:
			reply = s.list()
		}
	}
	s.srv.metrics.ObserveCommand(cmd.Verb, reply)
	return reply
}

func (s *session) register(user, pass string) string {
	res, err := s.srv.dir.Register(s.srv.ctx, user, pass)
	switch {
	case model.IsUsernameError(err):
		return protocol.Err(protocol.ReasonInvalidUsername)
	case errors.Is(err, model.ErrPasswordEmpty):
		return protocol.Err(protocol.ReasonInvalidArguments)
	case err != nil:
		s.log.Error("register failed", "user", user, "err", err)
		return protocol.Err(protocol.ReasonInternal)
	}
	if res == directory.AlreadyExists {
		return protocol.Err(protocol.ReasonUserExists)
	}
	s.srv.metrics.Registrations.Add(1)
	s.log.Info("user registered", "user", user)
	return protocol.OK(protocol.DetailRegistered)
}

func (s *session) login(user, pass, addr, portStr string) string {
	port, err := model.ParsePort(portStr)
	if err != nil {
		return protocol.Err(protocol.ReasonInvalidArguments)
	}
	ep := model.Endpoint{Address: addr, Port: port}
	if ep.IsUnspecified() {
		if s.remoteIP == "" {
			return protocol.Err(protocol.ReasonInvalidArguments)
		}
		ep.Address = s.remoteIP
	}

	res, token, err := s.srv.dir.LoginSession(user, pass, ep)
	switch {
	case errors.Is(err, model.ErrInvalidEndpoint):
		return protocol.Err(protocol.ReasonInvalidArguments)
	case err != nil:
		s.log.Error("login failed", "user", user, "err", err)
		return protocol.Err(protocol.ReasonInternal)
	}
	if res != directory.LoginOK {
		s.srv.metrics.FailedLogins.Add(1)
		s.log.Debug("login rejected", "user", user, "reason", res)
		return protocol.Err(protocol.ReasonInvalidCredentials)
	}

	// Switching identity on one connection releases the previous one.
	if s.state == model.StateAuthenticated && s.user != user {
		s.release()
	}
	s.state = model.StateAuthenticated
	s.user = user
	s.token = token
	s.srv.metrics.SuccessfulLogins.Add(1)
	s.log.Info("user logged in", "user", user, "endpoint", ep.String())
	return protocol.OK(protocol.DetailLogin)
}

func (s *session) logout(user string) string {
	if s.srv.dir.Logout(user) == directory.NotLoggedIn {
		return protocol.Err(protocol.ReasonNotLoggedIn)
	}
	if s.state == model.StateAuthenticated && s.user == user {
		s.state = model.StateUnauthenticated
		s.user = ""
		s.token = 0
	}
	s.log.Info("user logged out", "user", user)
	return protocol.OK(protocol.DetailLogout)
}

func (s *session) getInfo(target string) string {
	ep, ok := s.srv.dir.Lookup(target)
	if !ok {
		return protocol.Err(protocol.ReasonUserNotFound)
	}
	return protocol.OK(ep.String())
}

func (s *session) list() string {
	online := s.srv.dir.Online()
	names := make([]string, 0, len(online))
	size := len(protocol.StatusOK)
	for _, rec := range online {
		// Keep the reply within one protocol line.
		if size+1+len(rec.Username) > protocol.MaxLineLength {
			break
		}
		size += 1 + len(rec.Username)
		names = append(names, rec.Username)
	}
	return protocol.OK(names...)
}
