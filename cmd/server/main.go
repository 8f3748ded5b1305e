package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/parlorchat/parlor/internal/adapters/http"
	signaladapter "github.com/parlorchat/parlor/internal/adapters/signal"
	"github.com/parlorchat/parlor/internal/app"
	"github.com/parlorchat/parlor/internal/config"
	"github.com/parlorchat/parlor/internal/domain"
	"github.com/parlorchat/parlor/internal/gateway"
	"github.com/parlorchat/parlor/internal/metrics"
	"github.com/parlorchat/parlor/internal/store"
)

// loadSigningKey reads the server's ed25519 key, generating one on
// first run.
func loadSigningKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("decode signing key: %w", err)
		}
		if len(key) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("signing key is %d bytes, want %d", len(key), ed25519.PrivateKeySize)
		}
		return ed25519.PrivateKey(key), nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, err
	}
	log.Info().Str("module", "main").Str("path", path).Msg("generated new signing key")
	return key, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	signKey, err := loadSigningKey(cfg.SigningKeyFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load signing key")
	}
	authorityKeys := make([]ed25519.PublicKey, 0, len(cfg.AuthorityKeys))
	for _, s := range cfg.AuthorityKeys {
		key, err := app.ParsePublicKey(s)
		if err != nil {
			log.Fatal().Err(err).Msg("bad authority key in config")
		}
		authorityKeys = append(authorityKeys, key)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		log.Fatal().Err(err).Msg("failed to create data directory")
	}
	db, err := store.Open(cfg.DatabasePath, 4)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer db.Close()

	m := metrics.New()
	registry := app.NewSessionRegistry()
	broadcast := app.NewBroadcastCoordinator(registry, db)
	broadcast.OnSend(func(kind string) {
		m.BroadcastsTotal.WithLabelValues(kind).Inc()
	})
	challenges := app.NewChallengeStore()
	limiter := app.NewRateLimiter()
	gate := app.NewAuthGate(cfg.AuthorityIssuer, authorityKeys, signKey)

	gw := gateway.NewManager(gateway.Config{
		URL:            cfg.Gateway.URL,
		ServerID:       cfg.ServerID,
		ConnectTimeout: cfg.Gateway.ConnectTimeout,
		KeepAlive:      cfg.Gateway.KeepAlive,
		SyncInterval:   cfg.Gateway.SyncInterval,
	})

	voice := &app.VoiceCoordinator{
		ServerID:    cfg.ServerID,
		GatewayURLs: cfg.Gateway.PublicURLs,
		Registry:    registry,
		Broadcast:   broadcast,
		Gateway:     gw,
	}
	gw.SetHandlers(gateway.Handlers{
		OnPeerJoined:   voice.HandlePeerJoined,
		OnPeerLeft:     voice.HandlePeerLeft,
		OnSyncResponse: voice.Reconcile,
		OnDisconnect:   func() { m.GatewayReconnects.Inc() },
	})

	joinProto := &app.JoinProtocol{
		ServerHost: cfg.ServerHost,
		Challenges: challenges,
		Gate:       gate,
		Directory:  db,
		Registry:   registry,
		Broadcast:  broadcast,
		SubjectCooldown: app.NewCooldownTracker(app.CooldownConfig{
			Window:     cfg.Limits.CooldownWindow,
			Base:       cfg.Limits.CooldownBase,
			Max:        cfg.Limits.CooldownMax,
			MaxRetries: cfg.Limits.CooldownRetries,
		}),
		IPCooldown: app.NewCooldownTracker(app.CooldownConfig{
			Window:     cfg.Limits.CooldownWindow,
			Base:       cfg.Limits.CooldownBase,
			Max:        cfg.Limits.CooldownMax,
			MaxRetries: cfg.Limits.CooldownIPRetries,
		}),
		OnFirstJoin: func(member domain.Member) {
			registry.SendVerified(map[string]any{
				"type":    "notice",
				"notice":  "user_joined",
				"user":    member,
				"message": fmt.Sprintf("%s joined the server", member.Nickname),
			})
		},
	}

	moderation := &app.Moderation{
		Registry:  registry,
		Broadcast: broadcast,
		Voice:     voice,
		Gate:      gate,
		Store:     db,
	}

	ctl := &signaladapter.Controller{
		Join:       joinProto,
		Voice:      voice,
		Moderation: moderation,
		Registry:   registry,
		Broadcast:  broadcast,
		Challenges: challenges,
		Limiter:    limiter,
		Metrics:    m,
	}

	gw.Start(ctx)

	// Janitor for abandoned challenges and the gateway health gauge.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := challenges.Sweep(); n > 0 {
					m.ChallengesSwept.Add(float64(n))
				}
				m.VoiceSessionsLive.Set(float64(len(registry.InVoice())))
				if gw.Ready() {
					m.GatewayState.Set(1)
				} else {
					m.GatewayState.Set(0)
				}
			}
		}
	}()

	r := router.SetupRouter(ctx, cfg, ctl)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("server_id", cfg.ServerID).Msg("parlor server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
