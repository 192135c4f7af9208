package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/livestage/internal/adapters/http"
	"github.com/dkeye/livestage/internal/adapters/rtc"
	signaling "github.com/dkeye/livestage/internal/adapters/signal"
	"github.com/dkeye/livestage/internal/app"
	"github.com/dkeye/livestage/internal/app/orch"
	"github.com/dkeye/livestage/internal/app/sfu"
	"github.com/dkeye/livestage/internal/auth"
	"github.com/dkeye/livestage/internal/config"
	"github.com/dkeye/livestage/internal/domain"
	"github.com/dkeye/livestage/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Console logger until the config names the real mode.
	config.InitLogger("debug", "info")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	config.InitLogger(cfg.Mode, cfg.LogLevel)

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	clock := clockwork.NewRealClock()

	st, err := store.Open(cfg.DatabasePath, clock)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := &app.Metrics{}
	metrics.Register(registry)

	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomManager(domain.RoomProperties{MaxParticipants: cfg.DefaultMaxParticipants}, metrics),
		Policy:   app.SimplePolicy{},
		Relays:   sfu.NewRelayManager(),
		Metrics:  metrics,
		Clock:    clock,
	}

	issuer := auth.NewIssuer([]byte(cfg.JWTSecret), cfg.TokenLifetime, clock)
	limiter := signaling.NewRoomRateLimiter(cfg.BroadcastRate.Limit, cfg.BroadcastRate.Interval, clock)
	ctl := signaling.NewSignalWSController(o, issuer, st, limiter, signaling.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		SendBuffer: cfg.SendBuffer,
		WebRTC:     rtc.WebRTCConfig(cfg.ICEServers),
	})

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Orch:     o,
		Store:    st,
		Tokens:   issuer,
		OTP:      auth.NewOTPBook(auth.LogMailer{}, clock),
		Signal:   ctl,
		Gatherer: registry,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("livestage server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
			return err
		}
		return nil
	})
	return g.Wait()
}
