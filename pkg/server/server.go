// Package server implements the rendezvous directory server: a TCP (or TLS)
// listener whose connections are served by a bounded worker pool, each
// running one directory-protocol session.
package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/NicolasHaas/rendezvous/pkg/crypto"
	"github.com/NicolasHaas/rendezvous/pkg/datastore"
	"github.com/NicolasHaas/rendezvous/pkg/directory"
	"github.com/NicolasHaas/rendezvous/pkg/protocol"
	"github.com/NicolasHaas/rendezvous/pkg/workerpool"
)

// TLSConfig controls the optional TLS transport.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file,omitempty"` // defaults to <DataDir>/server.crt
	KeyFile  string `yaml:"key_file,omitempty"`  // defaults to <DataDir>/server.key
	DataDir  string `yaml:"data_dir,omitempty"`  // where generated certs are written
}

// Config holds server configuration.
type Config struct {
	ListenAddr  string        `yaml:"listen_addr"`            // TCP bind address (e.g. ":9700")
	Workers     int           `yaml:"workers"`                // concurrent sessions
	QueueSize   int           `yaml:"queue_size"`             // accepted connections waiting for a worker
	IdleTimeout time.Duration `yaml:"idle_timeout"`           // per-line read deadline, 0 disables
	DBPath      string        `yaml:"db_path"`                // SQLite credential store, empty = in-memory
	MetricsAddr string        `yaml:"metrics_addr,omitempty"` // HTTP bind address for /metrics (empty = disabled)
	Hasher      string        `yaml:"hasher"`                 // "argon2id" or "bcrypt"
	TLS         TLSConfig     `yaml:"tls"`

	// KeepLoginOnDisconnect leaves a user published after its session ends.
	KeepLoginOnDisconnect bool `yaml:"keep_login_on_disconnect"`
}

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and will Close() it on shutdown.
type Dependencies struct {
	Store  datastore.CredentialStore
	Hasher crypto.Hasher // nil selects Config.Hasher
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:  ":9700",
		Workers:     10,
		QueueSize:   10 * workerpool.DefaultQueuePerWorker,
		IdleTimeout: 30 * time.Minute,
		DBPath:      "rendezvous.db",
		MetricsAddr: ":9702",
		Hasher:      "argon2id",
		TLS:         TLSConfig{DataDir: "."},
	}
}

// Validate reports configuration errors that would prevent Start.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("queue size must not be negative, got %d", c.QueueSize))
	}
	if c.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("idle timeout must not be negative, got %s", c.IdleTimeout))
	}
	if _, err := crypto.NewHasher(c.Hasher); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("server: invalid config: %w", err)
	}
	return nil
}

// loadOrGenerateTLS loads TLS cert/key from disk or generates a self-signed pair.
func loadOrGenerateTLS(cfg TLSConfig) (tls.Certificate, error) {
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	certPath := cfg.CertFile
	keyPath := cfg.KeyFile
	if certPath == "" {
		certPath = filepath.Join(dataDir, "server.crt")
	}
	if keyPath == "" {
		keyPath = filepath.Join(dataDir, "server.key")
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err == nil {
		slog.Info("loaded TLS certificate", "cert", certPath)
		return cert, nil
	}

	slog.Info("generating self-signed TLS certificate")
	if err := os.MkdirAll(filepath.Dir(certPath), 0o750); err != nil {
		return tls.Certificate{}, fmt.Errorf("create cert dir: %w", err)
	}
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial: %w", err)
	}
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{Organization: []string{"Rendezvous Directory"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create cert: %w", err)
	}
	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("marshal key: %w", err)
	}

	if err := writePEM(certPath, 0o644, "CERTIFICATE", certDER); err != nil {
		return tls.Certificate{}, err
	}
	if err := writePEM(keyPath, 0o600, "EC PRIVATE KEY", privBytes); err != nil {
		return tls.Certificate{}, err
	}
	slog.Info("TLS certificate generated", "cert", certPath, "key", keyPath)

	return tls.LoadX509KeyPair(certPath, keyPath)
}

func writePEM(path string, perm os.FileMode, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm) //nolint:gosec // path from server config
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// Server is the rendezvous directory server.
type Server struct {
	cfg     Config
	dir     *directory.Directory
	store   datastore.CredentialStore
	metrics *Metrics
	pool    *workerpool.Pool
	ln      net.Listener

	ctx    context.Context
	cancel context.CancelFunc

	connMu  sync.Mutex
	conns   map[net.Conn]struct{} // live session connections, closed on shutdown
	closing bool

	acceptDone   chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a new Server instance. A nil Store is replaced by an in-memory
// one.
func New(cfg Config, deps Dependencies) *Server {
	st := deps.Store
	if st == nil {
		st = datastore.NewMemory()
	}
	h := deps.Hasher
	if h == nil {
		var err error
		if h, err = crypto.NewHasher(cfg.Hasher); err != nil {
			// Start rejects the config; keep New total.
			h = crypto.NewArgon2Hasher(crypto.DefaultArgon2Params())
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		dir:        directory.New(h, st),
		store:      st,
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[net.Conn]struct{}),
		acceptDone: make(chan struct{}),
	}
	s.metrics = newMetrics(gauges{
		users: s.dir.Count,
		queueDepth: func() int {
			if s.pool == nil {
				return 0
			}
			return s.pool.Stats().Queued
		},
	})
	return s
}

// Directory returns the user directory.
func (s *Server) Directory() *directory.Directory {
	return s.dir
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Start binds the listener, starts the worker pool and the accept loop.
func (s *Server) Start() error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	ln, err := s.listen()
	if err != nil {
		return err
	}
	s.pool = workerpool.New(s.cfg.Workers, s.cfg.QueueSize)
	s.ln = ln

	slog.Info("rendezvous server listening",
		"addr", ln.Addr().String(),
		"workers", s.cfg.Workers,
		"queue", s.cfg.QueueSize,
		"tls", s.cfg.TLS.Enabled,
	)
	go s.acceptLoop(ln)
	return nil
}

func (s *Server) listen() (net.Listener, error) {
	if !s.cfg.TLS.Enabled {
		ln, err := net.Listen("tcp", s.cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("server: listen: %w", err)
		}
		return ln, nil
	}

	cert, err := loadOrGenerateTLS(s.cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("server: tls: %w", err)
	}
	ln, err := tls.Listen("tcp", s.cfg.ListenAddr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	})
	if err != nil {
		return nil, fmt.Errorf("server: listen: %w", err)
	}
	return ln, nil
}

const maxAcceptBackoff = time.Second

func (s *Server) acceptLoop(ln net.Listener) {
	defer close(s.acceptDone)

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(2*backoff, maxAcceptBackoff)
			}
			slog.Error("accept error", "err", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-s.ctx.Done():
				return
			}
			continue
		}
		backoff = 0
		s.dispatch(conn)
	}
}

// dispatch hands conn to the worker pool. A saturated pool rejects the
// connection with ERR SERVER_BUSY instead of blocking the accept loop.
func (s *Server) dispatch(conn net.Conn) {
	s.metrics.TotalConnections.Add(1)
	if !s.track(conn) {
		_ = conn.Close()
		return
	}

	sess := newSession(s, conn)
	err := s.pool.Submit(sess.run)
	if err == nil {
		return
	}

	s.untrack(conn)
	s.metrics.RejectedConnections.Add(1)
	slog.Warn("connection rejected", "remote", conn.RemoteAddr().String(), "err", err)
	if !errors.Is(err, workerpool.ErrQueueFull) {
		_ = conn.Close()
		return
	}
	go func() {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = protocol.WriteLine(conn, protocol.Err(protocol.ReasonServerBusy))
		_ = conn.Close()
	}()
}

func (s *Server) track(conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
}

// Shutdown stops accepting, closes live sessions and waits for the workers to
// drain until ctx expires. The credential store is closed once the workers
// have exited; if ctx expires first that happens in the background.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.cancel()
		if s.ln != nil {
			_ = s.ln.Close()
			<-s.acceptDone
		}

		s.connMu.Lock()
		s.closing = true
		conns := make([]net.Conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.connMu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}

		var errs []error
		drained := true
		if s.pool != nil {
			if err := s.pool.Shutdown(ctx); err != nil {
				drained = false
				errs = append(errs, fmt.Errorf("server: drain workers: %w", err))
			}
		}
		if drained {
			if err := s.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("server: close store: %w", err))
			}
		} else {
			go func() {
				<-s.pool.Done()
				if err := s.store.Close(); err != nil {
					slog.Error("close store after drain", "err", err)
				}
			}()
		}
		s.shutdownErr = errors.Join(errs...)
		slog.Info("rendezvous server stopped", "sessions_closed", len(conns))
	})
	return s.shutdownErr
}
