package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NicolasHaas/rendezvous/pkg/client"
	"github.com/NicolasHaas/rendezvous/pkg/logging"
	"github.com/NicolasHaas/rendezvous/pkg/version"
)

func main() {
	settingsPath := flag.String("config", client.DefaultSettingsPath(), "Settings YAML file")
	bookmarksPath := flag.String("bookmarks", "", "Server bookmarks file (default: servers.yaml next to the binary)")
	serverAddr := flag.String("server", "", "Directory server address or bookmark name")
	listenAddr := flag.String("listen", "", "Local address for incoming peer chats")
	useTLS := flag.Bool("tls", false, "Connect to the directory server over TLS")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("rendezvous-client", version.Full())
		return
	}

	// Logs go to stderr so they do not interleave with chat on stdout.
	// Override with RENDEZVOUS_LOG_LEVEL / RENDEZVOUS_LOG_FORMAT.
	if err := logging.Setup(logging.OptionsFromEnv("RENDEZVOUS_", logging.Options{
		Level:  "warn",
		Format: "text",
		Output: os.Stderr,
	})); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	settings, err := client.LoadSettings(*settingsPath)
	if err != nil {
		slog.Error("load settings", "err", err)
		os.Exit(1)
	}

	bookmarks := client.NewBookmarkStore(*bookmarksPath)
	if err := bookmarks.Load(); err != nil {
		slog.Warn("load bookmarks", "err", err)
	}
	if *serverAddr != "" {
		if b, ok := bookmarks.Find(*serverAddr); ok {
			settings.ServerAddr = b.ServerAddr
			settings.TLS = b.TLS
			settings.Username = b.Username
		} else {
			settings.ServerAddr = *serverAddr
		}
	}
	if *listenAddr != "" {
		settings.ListenAddr = *listenAddr
	}
	if *useTLS {
		settings.TLS = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	con := newConsole(os.Stdin, os.Stdout)
	c, err := client.New(ctx, settings, con.offer)
	if err != nil {
		slog.Error("connect", "server", settings.ServerAddr, "err", err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	con.onLogin = func(user string) {
		bookmarks.Add(client.Bookmark{
			Name:       settings.ServerAddr,
			ServerAddr: settings.ServerAddr,
			TLS:        settings.TLS,
			Username:   user,
			LastUsed:   nowUnix(),
		})
		if err := bookmarks.Save(); err != nil {
			slog.Warn("save bookmarks", "err", err)
		}
	}

	con.printf("connected to %s, peers can reach you on %s\n", settings.ServerAddr, c.Endpoint())
	if settings.Username != "" {
		con.printf("last used account: %s\n", settings.Username)
	}
	con.printf("type 'help' for commands\n")
	con.run(ctx, c)
}

func nowUnix() int64 { return time.Now().Unix() }
