// Package protocol defines the line-oriented directory protocol spoken between
// clients and the rendezvous server.
//
// Each request is one line "VERB arg ..." terminated by LF (a preceding CR is
// ignored). Each reply is one line "OK [detail ...]" or "ERR <reason>".
package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxLineLength is the longest accepted line, excluding the terminator.
const MaxLineLength = 1024

// Request verbs.
const (
	VerbRegister = "REGISTER"
	VerbLogin    = "LOGIN"
	VerbLogout   = "LOGOUT"
	VerbGetInfo  = "GETINFO"
	VerbList     = "LIST"
)

// Reply statuses.
const (
	StatusOK  = "OK"
	StatusErr = "ERR"
)

// Success details.
const (
	DetailRegistered = "REGISTERED"
	DetailLogin      = "LOGIN"
	DetailLogout     = "LOGOUT"
)

// Failure reasons.
const (
	ReasonUserExists         = "USER_EXISTS"
	ReasonInvalidCredentials = "INVALID_CREDENTIALS"
	ReasonNotLoggedIn        = "NOT_LOGGED_IN"
	ReasonUserNotFound       = "USER_NOT_FOUND"
	ReasonUnknownCommand     = "UNKNOWN_COMMAND"
	ReasonInvalidUsername    = "INVALID_USERNAME"
	ReasonInvalidArguments   = "INVALID_ARGUMENTS"
	ReasonInternal           = "INTERNAL"
	ReasonServerBusy         = "SERVER_BUSY"
)

var (
	ErrLineTooLong      = errors.New("protocol: line too long")
	ErrUnknownCommand   = errors.New("protocol: unknown command")
	ErrInvalidArguments = errors.New("protocol: invalid arguments")
	ErrMalformedReply   = errors.New("protocol: malformed reply")
)

// arity is the number of arguments each verb takes.
var arity = map[string]int{
	VerbRegister: 2,
	VerbLogin:    4,
	VerbLogout:   1,
	VerbGetInfo:  1,
	VerbList:     0,
}

// Command is a parsed request line.
type Command struct {
	Verb string
	Args []string
}

// String renders the command in wire form without the terminator.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Verb
	}
	return c.Verb + " " + strings.Join(c.Args, " ")
}

// ParseCommand splits a request line into verb and arguments. The verb is
// matched case-insensitively and returned upper-cased. Unknown verbs and empty
// lines yield ErrUnknownCommand; a wrong argument count yields
// ErrInvalidArguments together with the recognized verb.
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, ErrUnknownCommand
	}
	cmd := Command{Verb: strings.ToUpper(fields[0]), Args: fields[1:]}
	want, ok := arity[cmd.Verb]
	if !ok {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, fields[0])
	}
	if len(cmd.Args) != want {
		return cmd, fmt.Errorf("%w: %s takes %d, got %d", ErrInvalidArguments, cmd.Verb, want, len(cmd.Args))
	}
	return cmd, nil
}

// Reply is a parsed response line.
type Reply struct {
	OK     bool
	Fields []string // detail words after OK, or the single reason after ERR
}

// Reason returns the failure reason of an ERR reply.
func (r Reply) Reason() string {
	if r.OK || len(r.Fields) == 0 {
		return ""
	}
	return r.Fields[0]
}

// ParseReply parses a response line.
func ParseReply(line string) (Reply, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Reply{}, ErrMalformedReply
	}
	switch fields[0] {
	case StatusOK:
		return Reply{OK: true, Fields: fields[1:]}, nil
	case StatusErr:
		if len(fields) != 2 {
			return Reply{}, fmt.Errorf("%w: %q", ErrMalformedReply, line)
		}
		return Reply{Fields: fields[1:]}, nil
	default:
		return Reply{}, fmt.Errorf("%w: %q", ErrMalformedReply, line)
	}
}

// OK formats a success reply.
func OK(detail ...string) string {
	if len(detail) == 0 {
		return StatusOK
	}
	return StatusOK + " " + strings.Join(detail, " ")
}

// Err formats a failure reply.
func Err(reason string) string {
	return StatusErr + " " + reason
}

// Reader reads LF-terminated lines bounded by MaxLineLength.
type Reader struct {
	sc *bufio.Scanner
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	// Room for a CRLF terminator.
	sc.Buffer(make([]byte, 0, 256), MaxLineLength+2)
	return &Reader{sc: sc}
}

// ReadLine returns the next line with its terminator removed. It returns
// io.EOF when the stream ends cleanly and ErrLineTooLong when a line exceeds
// MaxLineLength.
func (r *Reader) ReadLine() (string, error) {
	if !r.sc.Scan() {
		err := r.sc.Err()
		if err == nil {
			return "", io.EOF
		}
		if errors.Is(err, bufio.ErrTooLong) {
			return "", ErrLineTooLong
		}
		return "", fmt.Errorf("protocol: read: %w", err)
	}
	line := strings.TrimSuffix(r.sc.Text(), "\r")
	if len(line) > MaxLineLength {
		return "", ErrLineTooLong
	}
	return line, nil
}

// WriteLine writes line followed by LF.
func WriteLine(w io.Writer, line string) error {
	if len(line) > MaxLineLength {
		return ErrLineTooLong
	}
	if _, err := io.WriteString(w, line+"\n"); err != nil {
		return fmt.Errorf("protocol: write: %w", err)
	}
	return nil
}
