package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/NicolasHaas/rendezvous/pkg/crypto"
	"github.com/NicolasHaas/rendezvous/pkg/datastore"
	"github.com/NicolasHaas/rendezvous/pkg/logging"
	"github.com/NicolasHaas/rendezvous/pkg/server"
	"github.com/NicolasHaas/rendezvous/pkg/version"
)

func main() {
	cfg := server.DefaultConfig()

	configPath := flag.String("config", "", "YAML config file; command-line flags take precedence")
	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "TCP bind address for the directory protocol")
	flag.IntVar(&cfg.Workers, "workers", cfg.Workers, "Number of concurrent sessions")
	flag.IntVar(&cfg.QueueSize, "queue", cfg.QueueSize, "Connections allowed to wait for a worker")
	flag.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Close sessions idle for this long (0 disables)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database file path (empty for in-memory)")
	flag.StringVar(&cfg.Hasher, "hasher", cfg.Hasher, "Password hasher: "+crypto.HasherNames())
	flag.BoolVar(&cfg.TLS.Enabled, "tls", cfg.TLS.Enabled, "Serve the directory protocol over TLS")
	flag.StringVar(&cfg.TLS.CertFile, "cert", cfg.TLS.CertFile, "TLS certificate file (auto-generated if empty)")
	flag.StringVar(&cfg.TLS.KeyFile, "key", cfg.TLS.KeyFile, "TLS private key file (auto-generated if empty)")
	flag.StringVar(&cfg.TLS.DataDir, "data", cfg.TLS.DataDir, "Data directory for generated files")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "HTTP bind address for Prometheus /metrics (empty to disable)")
	flag.BoolVar(&cfg.KeepLoginOnDisconnect, "keep-login", cfg.KeepLoginOnDisconnect, "Keep users published after their connection drops")

	exportUsers := flag.Bool("export-users", false, "Export all users as YAML and exit")
	printConfig := flag.Bool("print-config", false, "Print the effective config as YAML and exit")
	showVersion := flag.Bool("version", false, "Print version and exit")
	logLevel := flag.String("log-level", "info", "Log level: "+logging.LevelNames())
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	flag.Parse()

	if *configPath != "" {
		if err := server.LoadConfigFile(*configPath, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		// Re-apply explicit flags over the file.
		_ = flag.CommandLine.Parse(os.Args[1:])
	}

	if *showVersion {
		fmt.Println("rendezvous-server", version.Full())
		return
	}

	if err := logging.Setup(logging.Options{
		Level:  *logLevel,
		Format: *logFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	if *printConfig {
		data, err := server.MarshalConfig(cfg)
		if err != nil {
			slog.Error("marshal config", "err", err)
			os.Exit(1)
		}
		fmt.Print(string(data))
		return
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	st, err := openStore(cfg.DBPath)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}

	if *exportUsers {
		data, err := server.ExportUsersYAML(context.Background(), st)
		_ = st.Close()
		if err != nil {
			slog.Error("export users", "err", err)
			os.Exit(1)
		}
		fmt.Print(string(data))
		return
	}

	hasher, err := crypto.NewHasher(cfg.Hasher)
	if err != nil {
		_ = st.Close()
		slog.Error("password hasher", "err", err)
		os.Exit(1)
	}

	slog.Info("starting rendezvous server", "version", version.String())
	srv := server.New(cfg, server.Dependencies{Store: st, Hasher: hasher})
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

func openStore(path string) (datastore.CredentialStore, error) {
	if path == "" {
		slog.Warn("no database configured, registrations will not survive a restart")
		return datastore.NewMemory(), nil
	}
	return datastore.NewSQLite(path)
}
