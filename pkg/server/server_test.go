package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/rendezvous/pkg/crypto"
	"github.com/NicolasHaas/rendezvous/pkg/datastore"
	"github.com/NicolasHaas/rendezvous/pkg/model"
	"github.com/NicolasHaas/rendezvous/pkg/protocol"
)

var testHasher = crypto.NewArgon2Hasher(crypto.Argon2Params{Time: 1, Memory: 8 * 1024, Threads: 1, KeyLen: 16, SaltLen: 8})

func newTestServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.MetricsAddr = ""
	cfg.DBPath = ""
	cfg.Workers = 4
	cfg.QueueSize = 16
	if mutate != nil {
		mutate(&cfg)
	}
	srv := New(cfg, Dependencies{Store: datastore.NewMemory(), Hasher: testHasher})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func startTestServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()
	srv := newTestServer(t, mutate)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return srv
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *protocol.Reader
}

func newTestClient(t *testing.T, conn net.Conn) *testClient {
	t.Helper()
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn, r: protocol.NewReader(conn)}
}

// pipeClient serves one session over net.Pipe without going through the pool.
func pipeClient(t *testing.T, srv *Server) *testClient {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	srv.track(serverConn)
	go newSession(srv, serverConn).run()
	return newTestClient(t, clientConn)
}

func dialClient(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return newTestClient(t, conn)
}

func (c *testClient) do(line string) string {
	c.t.Helper()
	_ = c.conn.SetDeadline(time.Now().Add(5 * time.Second))
	if err := protocol.WriteLine(c.conn, line); err != nil {
		c.t.Fatalf("write %q: %v", line, err)
	}
	reply, err := c.r.ReadLine()
	if err != nil {
		c.t.Fatalf("read reply to %q: %v", line, err)
	}
	return reply
}

// expectClosed waits for the server to close the connection.
func (c *testClient) expectClosed() {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, err := c.r.ReadLine()
		if err == nil {
			continue
		}
		if err != io.EOF && !strings.Contains(err.Error(), "closed") && !strings.Contains(err.Error(), "reset") {
			c.t.Fatalf("expected connection close, got %v", err)
		}
		return
	}
}

type exchange struct{ send, want string }

func runExchanges(t *testing.T, c *testClient, steps []exchange) {
	t.Helper()
	for i, st := range steps {
		if got := c.do(st.send); got != st.want {
			t.Fatalf("step %d: %q -> %q, want %q", i, st.send, got, st.want)
		}
	}
}

func TestSessionCommands(t *testing.T) {
	t.Parallel()

	type tcase struct {
		steps []exchange
	}
	tests := map[string]tcase{
		"register_twice": {steps: []exchange{
			{"REGISTER alice pw1", "OK REGISTERED"},
			{"REGISTER alice pw2", "ERR USER_EXISTS"},
		}},
		"login_getinfo_logout": {steps: []exchange{
			{"REGISTER alice pw1", "OK REGISTERED"},
			{"GETINFO alice", "ERR USER_NOT_FOUND"},
			{"LOGIN alice pw1 127.0.0.1 6001", "OK LOGIN"},
			{"GETINFO alice", "OK 127.0.0.1:6001"},
			{"LIST", "OK alice"},
			{"LOGOUT alice", "OK LOGOUT"},
			{"LOGOUT alice", "ERR NOT_LOGGED_IN"},
			{"GETINFO alice", "ERR USER_NOT_FOUND"},
			{"LIST", "OK"},
		}},
		"bad_credentials": {steps: []exchange{
			{"REGISTER alice pw1", "OK REGISTERED"},
			{"LOGIN alice nope 127.0.0.1 6001", "ERR INVALID_CREDENTIALS"},
			{"LOGIN bob pw1 127.0.0.1 6001", "ERR INVALID_CREDENTIALS"},
			{"GETINFO alice", "ERR USER_NOT_FOUND"},
		}},
		"malformed_keeps_connection": {steps: []exchange{
			{"HELLO", "ERR UNKNOWN_COMMAND"},
			{"", "ERR UNKNOWN_COMMAND"},
			{"REGISTER alice", "ERR INVALID_ARGUMENTS"},
			{"LOGIN alice pw1 127.0.0.1", "ERR INVALID_ARGUMENTS"},
			{"REGISTER alice pw1", "OK REGISTERED"},
		}},
		"argument_validation": {steps: []exchange{
			{"REGISTER bad/name pw", "ERR INVALID_USERNAME"},
			{"REGISTER alice pw1", "OK REGISTERED"},
			{"LOGIN alice pw1 127.0.0.1 0", "ERR INVALID_ARGUMENTS"},
			{"LOGIN alice pw1 127.0.0.1 70000", "ERR INVALID_ARGUMENTS"},
			{"LOGIN alice pw1 127.0.0.1 port", "ERR INVALID_ARGUMENTS"},
			{"LOGIN alice pw1 0.0.0.0 6001", "ERR INVALID_ARGUMENTS"}, // net.Pipe has no remote IP
		}},
		"case_insensitive_verbs_crlf": {steps: []exchange{
			{"register alice pw1\r", "OK REGISTERED"},
			{"Login alice pw1 ::1 6001", "OK LOGIN"},
			{"getinfo alice", "OK [::1]:6001"},
			{"GETINFO Alice", "ERR USER_NOT_FOUND"},
		}},
		"relogin_overwrites": {steps: []exchange{
			{"REGISTER alice pw1", "OK REGISTERED"},
			{"LOGIN alice pw1 127.0.0.1 6001", "OK LOGIN"},
			{"LOGIN alice pw1 127.0.0.1 6002", "OK LOGIN"},
			{"GETINFO alice", "OK 127.0.0.1:6002"},
		}},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			srv := newTestServer(t, nil)
			runExchanges(t, pipeClient(t, srv), tc.steps)
		})
	}
}

func TestEndToEndTwoUsers(t *testing.T) {
	t.Parallel()
	srv := startTestServer(t, nil)

	alice := dialClient(t, srv)
	bob := dialClient(t, srv)

	runExchanges(t, alice, []exchange{
		{"REGISTER alice pw1", "OK REGISTERED"},
		{"LOGIN alice pw1 127.0.0.1 6001", "OK LOGIN"},
	})
	runExchanges(t, bob, []exchange{
		{"REGISTER bob pw2", "OK REGISTERED"},
		{"LOGIN bob pw2 0.0.0.0 6002", "OK LOGIN"},
		{"GETINFO alice", "OK 127.0.0.1:6001"},
		{"LIST", "OK alice bob"},
	})
	// Wildcard address resolved to the connection's source IP.
	runExchanges(t, alice, []exchange{{"GETINFO bob", "OK 127.0.0.1:6002"}})
}

func TestDisconnectLogsOut(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		keep       bool
		wantOnline bool
	}{
		"default":    {keep: false, wantOnline: false},
		"keep_login": {keep: true, wantOnline: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			srv := startTestServer(t, func(c *Config) { c.KeepLoginOnDisconnect = tc.keep })

			c := dialClient(t, srv)
			runExchanges(t, c, []exchange{
				{"REGISTER alice pw1", "OK REGISTERED"},
				{"LOGIN alice pw1 127.0.0.1 6001", "OK LOGIN"},
			})
			_ = c.conn.Close()

			waitFor(t, func() bool { return srv.Metrics().ActiveConnections.Load() == 0 })
			_, online := srv.Directory().Lookup("alice")
			if online != tc.wantOnline {
				t.Fatalf("online after disconnect = %v, want %v", online, tc.wantOnline)
			}
		})
	}
}

func TestStaleSessionDoesNotUndoNewerLogin(t *testing.T) {
	t.Parallel()

	type tcase struct {
		newerLogin string
		wantPort   uint16
	}

	tcases := map[string]tcase{
		"different_endpoint": {newerLogin: "LOGIN alice pw1 127.0.0.1 7001", wantPort: 7001},
		"same_endpoint":      {newerLogin: "LOGIN alice pw1 127.0.0.1 6001", wantPort: 6001},
	}

	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			srv := startTestServer(t, nil)

			first := dialClient(t, srv)
			runExchanges(t, first, []exchange{
				{"REGISTER alice pw1", "OK REGISTERED"},
				{"LOGIN alice pw1 127.0.0.1 6001", "OK LOGIN"},
			})
			second := dialClient(t, srv)
			runExchanges(t, second, []exchange{{tc.newerLogin, "OK LOGIN"}})

			_ = first.conn.Close()
			waitFor(t, func() bool { return srv.Metrics().ActiveConnections.Load() == 1 })

			ep, ok := srv.Directory().Lookup("alice")
			if !ok || ep.Port != tc.wantPort {
				t.Fatalf("Lookup = %v, %v; want the newer login to survive", ep, ok)
			}
			runExchanges(t, second, []exchange{
				{"GETINFO alice", fmt.Sprintf("OK 127.0.0.1:%d", tc.wantPort)},
			})

			_ = second.conn.Close()
			waitFor(t, func() bool { return srv.Metrics().ActiveConnections.Load() == 0 })
			if _, ok := srv.Directory().Lookup("alice"); ok {
				t.Fatalf("Lookup after the owning session ended: expected none")
			}
		})
	}
}

func TestConcurrentRegisterOverNetwork(t *testing.T) {
	t.Parallel()
	srv := startTestServer(t, func(c *Config) { c.Workers = 8 })

	const clients = 8
	replies := make([]string, clients)
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		c := dialClient(t, srv)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = c.conn.SetDeadline(time.Now().Add(5 * time.Second))
			if err := protocol.WriteLine(c.conn, fmt.Sprintf("REGISTER dup pw%d", i)); err != nil {
				t.Errorf("write: %v", err)
				return
			}
			replies[i], _ = c.r.ReadLine()
		}(i)
	}
	wg.Wait()

	counts := map[string]int{}
	for _, r := range replies {
		counts[r]++
	}
	want := map[string]int{"OK REGISTERED": 1, "ERR USER_EXISTS": clients - 1}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Fatalf("reply counts mismatch (-want +got):\n%s", diff)
	}
}

func TestIdleTimeoutClosesSession(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, func(c *Config) { c.IdleTimeout = 50 * time.Millisecond })
	c := pipeClient(t, srv)
	runExchanges(t, c, []exchange{{"LIST", "OK"}})
	c.expectClosed()
}

func TestOversizedLineClosesSession(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)
	c := pipeClient(t, srv)

	go func() {
		_, _ = c.conn.Write([]byte(strings.Repeat("x", 3*protocol.MaxLineLength) + "\n"))
	}()
	c.expectClosed()
}

func TestBusyServerRejects(t *testing.T) {
	t.Parallel()
	srv := startTestServer(t, func(c *Config) {
		c.Workers = 1
		c.QueueSize = 1
	})

	// Occupies the only worker.
	active := dialClient(t, srv)
	runExchanges(t, active, []exchange{{"LIST", "OK"}})

	// Waits in the queue.
	queued := dialClient(t, srv)
	waitFor(t, func() bool { return srv.Metrics().TotalConnections.Load() == 2 })

	rejected := dialClient(t, srv)
	_ = rejected.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := rejected.r.ReadLine()
	if err != nil {
		t.Fatalf("read busy reply: %v", err)
	}
	if line != "ERR SERVER_BUSY" {
		t.Fatalf("reply = %q, want ERR SERVER_BUSY", line)
	}
	rejected.expectClosed()
	if got := srv.Metrics().RejectedConnections.Load(); got != 1 {
		t.Fatalf("RejectedConnections = %d, want 1", got)
	}

	// The queued connection is served once the worker frees up.
	_ = active.conn.Close()
	runExchanges(t, queued, []exchange{{"LIST", "OK"}})
}

func TestShutdownClosesSessions(t *testing.T) {
	t.Parallel()
	srv := startTestServer(t, nil)
	c := dialClient(t, srv)
	runExchanges(t, c, []exchange{{"LIST", "OK"}})
	addr := srv.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	c.expectClosed()

	if conn, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		_ = conn.Close()
		t.Fatalf("listener still accepting after Shutdown")
	}
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestShutdownKeepsStoreUntilWorkersExit(t *testing.T) {
	t.Parallel()
	srv := startTestServer(t, func(c *Config) { c.Workers = 1 })

	release := make(chan struct{})
	started := make(chan struct{})
	if err := srv.pool.Submit(func() { close(started); <-release }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := srv.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown = %v, want DeadlineExceeded", err)
	}

	// A worker still running may use the store.
	if _, err := srv.Directory().Register(context.Background(), "late", "pw1"); err != nil {
		t.Fatalf("Register while draining: %v", err)
	}

	close(release)
	waitFor(t, func() bool {
		_, err := srv.Directory().Register(context.Background(), "after", "pw1")
		return errors.Is(err, datastore.ErrClosed)
	})
}

func TestTLSTransport(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	srv := startTestServer(t, func(c *Config) {
		c.TLS = TLSConfig{Enabled: true, DataDir: dir}
	})

	conn, err := tls.Dial("tcp", srv.Addr().String(), &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // self-signed test certificate
		MinVersion:         tls.VersionTLS13,
	})
	if err != nil {
		t.Fatalf("tls dial: %v", err)
	}
	runExchanges(t, newTestClient(t, conn), []exchange{{"REGISTER alice pw1", "OK REGISTERED"}})

	// A second start reuses the generated pair.
	if _, err := loadOrGenerateTLS(TLSConfig{DataDir: dir}); err != nil {
		t.Fatalf("reload certificate: %v", err)
	}
}

func TestMetricsHandler(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)
	runExchanges(t, pipeClient(t, srv), []exchange{
		{"REGISTER alice pw1", "OK REGISTERED"},
		{"REGISTER alice pw1", "ERR USER_EXISTS"},
		{"BOGUS", "ERR UNKNOWN_COMMAND"},
	})

	ts := httptest.NewServer(srv.metricsHandler())
	defer ts.Close()

	body := httpGet(t, ts.URL+"/metrics")
	for _, want := range []string{
		`rendezvous_commands_total{result="ok",verb="register"} 1`,
		`rendezvous_commands_total{result="user_exists",verb="register"} 1`,
		`rendezvous_commands_total{result="unknown_command",verb="unknown"} 1`,
		"rendezvous_users_registered 1",
		"rendezvous_users_online 0",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("/metrics missing %q", want)
		}
	}
	if got := httpGet(t, ts.URL+"/healthz"); got != "ok\n" {
		t.Errorf("/healthz = %q", got)
	}
	if got := httpGet(t, ts.URL+"/stats"); !strings.Contains(got, `"users_registered":1`) {
		t.Errorf("/stats = %q", got)
	}
}

func TestConfigFile(t *testing.T) {
	t.Parallel()

	data := []byte(`
listen_addr: "127.0.0.1:9000"
workers: 4
idle_timeout: 5m
hasher: bcrypt
tls:
  enabled: true
  data_dir: /var/lib/rendezvous
`)
	got := DefaultConfig()
	if err := ParseConfig(data, &got); err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	want := DefaultConfig()
	want.ListenAddr = "127.0.0.1:9000"
	want.Workers = 4
	want.IdleTimeout = 5 * time.Minute
	want.Hasher = "bcrypt"
	want.TLS = TLSConfig{Enabled: true, DataDir: "/var/lib/rendezvous"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}

	out, err := MarshalConfig(got)
	if err != nil {
		t.Fatalf("MarshalConfig: %v", err)
	}
	var again Config
	if err := ParseConfig(out, &again); err != nil {
		t.Fatalf("ParseConfig(marshaled): %v", err)
	}
	if diff := cmp.Diff(got, again); diff != "" {
		t.Fatalf("marshaled config mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		mutate  func(*Config)
		wantErr bool
	}{
		"defaults":        {mutate: func(*Config) {}},
		"zero_workers":    {mutate: func(c *Config) { c.Workers = 0 }, wantErr: true},
		"negative_queue":  {mutate: func(c *Config) { c.QueueSize = -1 }, wantErr: true},
		"negative_idle":   {mutate: func(c *Config) { c.IdleTimeout = -time.Second }, wantErr: true},
		"unknown_hasher":  {mutate: func(c *Config) { c.Hasher = "md5" }, wantErr: true},
		"empty_listen":    {mutate: func(c *Config) { c.ListenAddr = "" }, wantErr: true},
		"idle_disabled":   {mutate: func(c *Config) { c.IdleTimeout = 0 }},
		"bcrypt_selected": {mutate: func(c *Config) { c.Hasher = "bcrypt" }},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestExportUsersYAML(t *testing.T) {
	t.Parallel()
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	st := datastore.NewMemory()
	for _, name := range []string{"bob", "alice"} {
		if _, err := st.InsertIfAbsent(context.Background(), model.Credential{Username: name, Hash: "secret-hash", CreatedAt: created}); err != nil {
			t.Fatalf("InsertIfAbsent: %v", err)
		}
	}

	out, err := ExportUsersYAML(context.Background(), st)
	if err != nil {
		t.Fatalf("ExportUsersYAML: %v", err)
	}
	if strings.Contains(string(out), "secret-hash") {
		t.Fatalf("export leaked a credential hash:\n%s", out)
	}
	var got UsersExport
	if err := yaml.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal export: %v", err)
	}
	want := UsersExport{Users: []UserYAML{
		{Username: "alice", CreatedAt: "2024-03-01T12:00:00Z"},
		{Username: "bob", CreatedAt: "2024-03-01T12:00:00Z"},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("export mismatch (-want +got):\n%s", diff)
	}
}

func httpGet(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url) //nolint:gosec,noctx // test server URL
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", url, err)
	}
	return string(body)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
