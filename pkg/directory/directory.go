// Package directory is the concurrency-safe user registry behind the
// rendezvous server: who is registered, and where each logged-in user can be
// reached.
//
// Every operation is atomic with respect to the others. The map is guarded by
// one lock held only for short copy/update sections; password hashing and
// credential persistence happen outside it. Callers only ever see copies.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/NicolasHaas/rendezvous/pkg/crypto"
	"github.com/NicolasHaas/rendezvous/pkg/datastore"
	"github.com/NicolasHaas/rendezvous/pkg/model"
)

// RegisterResult is the business outcome of Register.
type RegisterResult int

const (
	Created RegisterResult = iota
	AlreadyExists
)

func (r RegisterResult) String() string {
	switch r {
	case Created:
		return "created"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// LoginResult is the business outcome of Login.
type LoginResult int

const (
	LoginOK LoginResult = iota
	UnknownUser
	WrongPassword
)

func (r LoginResult) String() string {
	switch r {
	case LoginOK:
		return "ok"
	case UnknownUser:
		return "unknown_user"
	case WrongPassword:
		return "wrong_password"
	default:
		return "unknown"
	}
}

// LogoutResult is the business outcome of Logout.
type LogoutResult int

const (
	LogoutOK LogoutResult = iota
	NotLoggedIn
)

func (r LogoutResult) String() string {
	switch r {
	case LogoutOK:
		return "ok"
	case NotLoggedIn:
		return "not_logged_in"
	default:
		return "unknown"
	}
}

// entry wraps a record with registration bookkeeping.
type entry struct {
	rec model.UserRecord
	// pending is set between the in-memory reservation and the store
	// confirming the insert; pending users cannot log in.
	pending bool
	// token identifies the login that published the current endpoint.
	token LoginToken
}

// LoginToken identifies one successful login. Tokens increase monotonically
// per directory; the zero token never matches a login.
type LoginToken uint64

// Directory maps usernames to credentials and published endpoints.
type Directory struct {
	mu    sync.RWMutex
	users map[string]*entry
	// lastToken is the most recently issued LoginToken.
	lastToken LoginToken

	hasher crypto.Hasher
	store  datastore.CredentialStore
	now    func() time.Time
}

// New creates an empty directory. Credentials are hashed with hasher and
// persisted to store.
func New(hasher crypto.Hasher, store datastore.CredentialStore) *Directory {
	return &Directory{
		users:  make(map[string]*entry),
		hasher: hasher,
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Load populates the directory from the credential store. Users already
// present in memory are kept as they are.
func (d *Directory) Load(ctx context.Context) (int, error) {
	creds, err := d.store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("directory: load: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	loaded := 0
	for _, c := range creds {
		if _, ok := d.users[c.Username]; ok {
			continue
		}
		d.users[c.Username] = &entry{rec: model.UserRecord{
			Username:       c.Username,
			CredentialHash: c.Hash,
			CreatedAt:      c.CreatedAt,
		}}
		loaded++
	}
	return loaded, nil
}

// Register creates a user. Usernames are case-sensitive.
func (d *Directory) Register(ctx context.Context, username, password string) (RegisterResult, error) {
	if err := model.ValidateUsername(username); err != nil {
		return 0, fmt.Errorf("directory: register: %w", err)
	}
	if password == "" {
		return 0, fmt.Errorf("directory: register: %w", model.ErrPasswordEmpty)
	}

	// Skip the expensive hash for the common duplicate case.
	if d.exists(username) {
		return AlreadyExists, nil
	}

	hash, err := d.hasher.Hash(password)
	if err != nil {
		return 0, fmt.Errorf("directory: register: %w", err)
	}

	e := &entry{
		rec: model.UserRecord{
			Username:       username,
			CredentialHash: hash,
			CreatedAt:      d.now(),
		},
		pending: true,
	}
	d.mu.Lock()
	if _, ok := d.users[username]; ok {
		d.mu.Unlock()
		return AlreadyExists, nil
	}
	d.users[username] = e
	d.mu.Unlock()

	inserted, err := d.store.InsertIfAbsent(ctx, model.Credential{
		Username:  username,
		Hash:      hash,
		CreatedAt: e.rec.CreatedAt,
	})
	if err != nil || !inserted {
		d.mu.Lock()
		if d.users[username] == e {
			delete(d.users, username)
		}
		d.mu.Unlock()
		if err != nil {
			return 0, fmt.Errorf("directory: register: %w", err)
		}
		// Another writer sharing the store got there first.
		slog.Warn("username taken in credential store but not in memory", "user", username)
		return AlreadyExists, nil
	}

	d.mu.Lock()
	e.pending = false
	d.mu.Unlock()
	return Created, nil
}

// Login verifies the password and publishes ep for username. Logging in while
// already logged in overwrites the previous endpoint. A failed login leaves
// any existing state untouched.
func (d *Directory) Login(username, password string, ep model.Endpoint) (LoginResult, error) {
	res, _, err := d.LoginSession(username, password, ep)
	return res, err
}

// LoginSession is Login that also returns the token of the new login, for
// use with LogoutIf. The token is zero unless the result is LoginOK.
func (d *Directory) LoginSession(username, password string, ep model.Endpoint) (LoginResult, LoginToken, error) {
	if err := ep.Validate(); err != nil {
		return 0, 0, fmt.Errorf("directory: login: %w", err)
	}

	d.mu.RLock()
	e, ok := d.users[username]
	var hash string
	if ok && !e.pending {
		hash = e.rec.CredentialHash
	}
	d.mu.RUnlock()
	if hash == "" {
		return UnknownUser, 0, nil
	}

	match, err := d.verify(password, hash)
	if err != nil {
		return 0, 0, fmt.Errorf("directory: login: %w", err)
	}
	if !match {
		return WrongPassword, 0, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastToken++
	e.token = d.lastToken
	e.rec.LoggedIn = true
	e.rec.Address = ep.Address
	e.rec.Port = ep.Port
	return LoginOK, e.token, nil
}

func (d *Directory) verify(password, hash string) (bool, error) {
	ok, err := d.hasher.Verify(password, hash)
	if errors.Is(err, crypto.ErrHashMismatched) {
		// Stored under a previous default hasher.
		return crypto.VerifyAny(password, hash)
	}
	return ok, err
}

// Logout clears the published endpoint of username.
func (d *Directory) Logout(username string) LogoutResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.users[username]
	if !ok || !e.rec.LoggedIn {
		return NotLoggedIn
	}
	clearLogin(e)
	return LogoutOK
}

// LogoutIf logs username out only while token is still its current login.
// A session ending after the same user logged in again, even from the same
// endpoint, leaves the newer login published.
func (d *Directory) LogoutIf(username string, token LoginToken) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.users[username]
	if !ok || !e.rec.LoggedIn || token == 0 || e.token != token {
		return false
	}
	clearLogin(e)
	return true
}

func clearLogin(e *entry) {
	e.token = 0
	e.rec.LoggedIn = false
	e.rec.Address = ""
	e.rec.Port = 0
}

// Lookup returns the endpoint of a logged-in user.
func (d *Directory) Lookup(username string) (model.Endpoint, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.users[username]
	if !ok {
		return model.Endpoint{}, false
	}
	return e.rec.Endpoint()
}

// Get returns a copy of the record for username with the hash cleared.
func (d *Directory) Get(username string) (model.UserRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.users[username]
	if !ok || e.pending {
		return model.UserRecord{}, false
	}
	return public(e.rec), true
}

// Online returns copies of all logged-in users, sorted by username.
func (d *Directory) Online() []model.UserRecord {
	return d.snapshot(true)
}

// Users returns copies of all registered users, sorted by username.
func (d *Directory) Users() []model.UserRecord {
	return d.snapshot(false)
}

// Count returns the number of registered and logged-in users.
func (d *Directory) Count() (registered, online int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, e := range d.users {
		if e.pending {
			continue
		}
		registered++
		if e.rec.LoggedIn {
			online++
		}
	}
	return registered, online
}

func (d *Directory) snapshot(onlineOnly bool) []model.UserRecord {
	d.mu.RLock()
	out := make([]model.UserRecord, 0, len(d.users))
	for _, e := range d.users {
		if e.pending || (onlineOnly && !e.rec.LoggedIn) {
			continue
		}
		out = append(out, public(e.rec))
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

func (d *Directory) exists(username string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.users[username]
	return ok
}

func public(rec model.UserRecord) model.UserRecord {
	rec.CredentialHash = ""
	return rec
}
