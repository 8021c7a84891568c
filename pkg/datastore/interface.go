package datastore

import (
	"context"
	"errors"

	"github.com/NicolasHaas/rendezvous/pkg/model"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("datastore: store is closed")

// CredentialStore persists username -> one-way password hash.
// Implementations include the default SQLite store and an in-memory store for
// tests; the directory only relies on these three operations.
type CredentialStore interface {
	// LoadAll returns every stored credential, ordered by username.
	LoadAll(ctx context.Context) ([]model.Credential, error)

	// Exists reports whether a credential is stored for username.
	Exists(ctx context.Context, username string) (bool, error)

	// InsertIfAbsent stores cred unless the username is taken. It returns
	// false, nil when the username already exists.
	InsertIfAbsent(ctx context.Context, cred model.Credential) (bool, error)

	// Close releases the underlying storage.
	Close() error
}

// Compile-time checks.
var (
	_ CredentialStore = (*SQLiteStore)(nil)
	_ CredentialStore = (*MemoryStore)(nil)
)
