// Package model defines the core domain types for the rendezvous directory.
package model

import (
	"errors"
	"time"
)

// ErrPasswordEmpty is returned when a registration carries no password.
var ErrPasswordEmpty = errors.New("password must not be empty")

// UserRecord is one registered user as held by the directory.
// LoggedIn implies a non-empty Address and non-zero Port; a logged-out record
// has both cleared.
type UserRecord struct {
	Username       string    `json:"username" yaml:"username"`
	CredentialHash string    `json:"-" yaml:"-"` // one-way hash, never plaintext
	Address        string    `json:"address,omitempty" yaml:"address,omitempty"`
	Port           uint16    `json:"port,omitempty" yaml:"port,omitempty"`
	LoggedIn       bool      `json:"logged_in" yaml:"logged_in"`
	CreatedAt      time.Time `json:"created_at" yaml:"created_at"`
}

// Endpoint returns the record's published peer endpoint and whether it has one.
func (u UserRecord) Endpoint() (Endpoint, bool) {
	if !u.LoggedIn {
		return Endpoint{}, false
	}
	return Endpoint{Address: u.Address, Port: u.Port}, true
}

// Credential is the persisted part of a UserRecord.
type Credential struct {
	Username  string
	Hash      string
	CreatedAt time.Time
}
