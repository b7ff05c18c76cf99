package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/anatolykoptev/go-stealth/ratelimit"

	"github.com/anatolykoptev/xgate/internal/captcha"
	"github.com/anatolykoptev/xgate/internal/config"
	"github.com/anatolykoptev/xgate/internal/credstore"
	"github.com/anatolykoptev/xgate/internal/mail"
	"github.com/anatolykoptev/xgate/internal/server"
	"github.com/anatolykoptev/xgate/internal/tokenstore"
	"github.com/anatolykoptev/xgate/internal/upstream"
	"github.com/anatolykoptev/xgate/internal/xtid"
)

var version = "dev"

func main() {
	newToken := flag.String("new-token", "", "issue a downstream token with this name and exit")
	flag.Parse()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	tokens, err := tokenstore.Open(cfg.TokenDBPath)
	if err != nil {
		slog.Error("token store init failed", "error", err, "path", cfg.TokenDBPath)
		os.Exit(1)
	}

	if *newToken != "" {
		token, err := tokens.Issue(*newToken)
		if err != nil {
			slog.Error("token issue failed", "error", err)
			os.Exit(1)
		}
		fmt.Println(token.Value)
		return
	}

	slog.Info("xgate starting", "version", version)

	creds, err := credstore.Open(cfg.AccountsStatePath)
	if err != nil {
		slog.Error("credential store init failed", "error", err, "path", cfg.AccountsStatePath)
		os.Exit(1)
	}
	slog.Info("credential store ready", "path", cfg.AccountsStatePath, "accounts", len(creds.Snapshot()))

	var solver captcha.Solver
	if cfg.CapsolverAPIKey != "" {
		solver = captcha.NewCapsolver(cfg.CapsolverAPIKey)
	}

	var codes mail.CodeFetcher
	if cfg.MailAPIURL != "" {
		codes = mail.NewHTTPFetcher(cfg.MailAPIURL, cfg.MailAPIKey)
	}

	guestTr, err := upstream.NewTransport(cfg.ProxyURI, upstream.DefaultProfile(), cfg.HTTPTimeout)
	if err != nil {
		slog.Error("guest transport init failed", "error", err)
		os.Exit(1)
	}
	guest := upstream.NewGuestAuth(guestTr, cfg.GuestTimeout)
	tx := xtid.NewSource(guestTr)

	flow := upstream.NewLoginFlow(upstream.LoginConfig{
		Mail:         codes,
		Solver:       solver,
		TxSource:     tx,
		HTTPTimeout:  cfg.HTTPTimeout,
		GuestTimeout: cfg.GuestTimeout,
		RateLimit:    ratelimit.DefaultConfig,
	})

	pool := upstream.NewPool(creds, flow, upstream.PoolConfig{
		Size:      cfg.PoolSize,
		ProxyURI:  cfg.ProxyURI,
		ProxyList: cfg.ProxyList,
	})
	pool.Start()

	rot := upstream.NewRotator(pool, tx)
	client := upstream.NewClient(rot, guest, guestTr, tx)

	srv := server.New(cfg, creds, tokens, pool, client)
	if err := srv.Run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
