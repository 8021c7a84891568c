// Package crypto provides one-way password hashing for the user directory.
//
// A Hasher turns a plaintext password into a self-describing encoded digest
// and later verifies a candidate password against it. Plaintext is never
// retained. Argon2id is the default; bcrypt is available for deployments that
// already standardise on it.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnknownHasher  = errors.New("crypto: unknown hasher")
	ErrMalformedHash  = errors.New("crypto: malformed hash")
	ErrHashMismatched = errors.New("crypto: hash was produced by a different algorithm")
)

// Hasher is a pluggable one-way password hash strategy.
type Hasher interface {
	// Hash returns an encoded digest that embeds its own salt and parameters.
	Hash(password string) (string, error)
	// Verify reports whether password matches the encoded digest.
	Verify(password, encoded string) (bool, error)
	// Name identifies the algorithm ("argon2id", "bcrypt").
	Name() string
}

// NewHasher returns the hasher registered under name. An empty name selects
// argon2id with default parameters.
func NewHasher(name string) (Hasher, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "argon2id", "argon2":
		return NewArgon2Hasher(DefaultArgon2Params()), nil
	case "bcrypt":
		return NewBcryptHasher(bcrypt.DefaultCost), nil
	default:
		return nil, fmt.Errorf("%w: %q (valid: %s)", ErrUnknownHasher, name, HasherNames())
	}
}

// HasherNames returns all valid hasher names, useful for --help text.
func HasherNames() string {
	return "argon2id, bcrypt"
}

// Argon2Params tunes argon2id. Memory is in KiB.
type Argon2Params struct {
	Time    uint32
	Memory  uint32
	Threads uint8
	KeyLen  uint32
	SaltLen uint32
}

// DefaultArgon2Params returns the parameters used for stored credentials.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{Time: 1, Memory: 64 * 1024, Threads: 4, KeyLen: 32, SaltLen: 16}
}

// Argon2Hasher hashes passwords with Argon2id and a random per-password salt.
// Encoded form: $argon2id$v=19$m=<mem>,t=<time>,p=<threads>$<salt>$<key>
type Argon2Hasher struct {
	params Argon2Params
}

// NewArgon2Hasher creates an Argon2id hasher.
func NewArgon2Hasher(p Argon2Params) *Argon2Hasher {
	return &Argon2Hasher{params: p}
}

func (h *Argon2Hasher) Name() string { return "argon2id" }

// Hash derives a key from password and a fresh salt.
func (h *Argon2Hasher) Hash(password string) (string, error) {
	salt := make([]byte, h.params.SaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("crypto: generate salt: %w", err)
	}
	key := HashPassword(password, salt, h.params)
	b64 := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.params.Memory, h.params.Time, h.params.Threads,
		b64.EncodeToString(salt), b64.EncodeToString(key)), nil
}

// Verify re-derives the key with the parameters stored in encoded.
func (h *Argon2Hasher) Verify(password, encoded string) (bool, error) {
	p, salt, key, err := decodeArgon2(encoded)
	if err != nil {
		return false, err
	}
	got := HashPassword(password, salt, p)
	return subtle.ConstantTimeCompare(got, key) == 1, nil
}

// HashPassword hashes a password using Argon2id.
func HashPassword(password string, salt []byte, p Argon2Params) []byte {
	return argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, p.KeyLen)
}

func decodeArgon2(encoded string) (Argon2Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, key
	if len(parts) != 6 || parts[0] != "" {
		return Argon2Params{}, nil, nil, ErrMalformedHash
	}
	if parts[1] != "argon2id" {
		return Argon2Params{}, nil, nil, ErrHashMismatched
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return Argon2Params{}, nil, nil, ErrMalformedHash
	}
	var p Argon2Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Threads); err != nil {
		return Argon2Params{}, nil, nil, ErrMalformedHash
	}
	// argon2.IDKey panics on zero time or threads.
	if p.Memory == 0 || p.Time == 0 || p.Threads == 0 {
		return Argon2Params{}, nil, nil, ErrMalformedHash
	}
	b64 := base64.RawStdEncoding
	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return Argon2Params{}, nil, nil, ErrMalformedHash
	}
	key, err := b64.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return Argon2Params{}, nil, nil, ErrMalformedHash
	}
	p.SaltLen = uint32(len(salt)) //nolint:gosec // bounded by the encoded string
	p.KeyLen = uint32(len(key))   //nolint:gosec // bounded by the encoded string
	return p, salt, key, nil
}

// BcryptHasher hashes passwords with bcrypt at a fixed cost.
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher creates a bcrypt hasher. Costs outside bcrypt's range fall
// back to bcrypt.DefaultCost.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{cost: cost}
}

func (h *BcryptHasher) Name() string { return "bcrypt" }

func (h *BcryptHasher) Hash(password string) (string, error) {
	out, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("crypto: bcrypt: %w", err)
	}
	return string(out), nil
}

func (h *BcryptHasher) Verify(password, encoded string) (bool, error) {
	if !strings.HasPrefix(encoded, "$2") {
		return false, ErrHashMismatched
	}
	err := bcrypt.CompareHashAndPassword([]byte(encoded), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("crypto: bcrypt: %w", err)
	}
}

// VerifyAny checks password against encoded using whichever of the known
// algorithms produced it, so credentials survive a change of default hasher.
func VerifyAny(password, encoded string) (bool, error) {
	switch {
	case strings.HasPrefix(encoded, "$argon2id$"):
		return (&Argon2Hasher{}).Verify(password, encoded)
	case strings.HasPrefix(encoded, "$2"):
		return (&BcryptHasher{}).Verify(password, encoded)
	default:
		return false, ErrMalformedHash
	}
}
