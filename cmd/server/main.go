package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stagelink/stagelink/internal/adapters/backend"
	router "github.com/stagelink/stagelink/internal/adapters/http"
	"github.com/stagelink/stagelink/internal/adapters/rtc"
	"github.com/stagelink/stagelink/internal/adapters/stage"
	"github.com/stagelink/stagelink/internal/config"
	"github.com/stagelink/stagelink/internal/domain"
	"github.com/stagelink/stagelink/internal/engine"
	"github.com/stagelink/stagelink/internal/engine/lifecycle"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	svc := backend.NewClient(cfg.BackendURL, cfg.Token)
	feed, err := backend.DialFeed(ctx, cfg.FeedURL, cfg.Token, domain.SessionID(cfg.SessionID))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect session feed")
	}

	signaler := backend.NewHTTPSignaler(cfg.SignalURL, cfg.Token)
	dialer := rtc.NewDialer(rtc.DefaultWebRTCConfig(), signaler)
	opener := rtc.NewRTPDeviceOpener(cfg.VideoAddr, cfg.AudioAddr, engine.LocalIdentity(domain.ProfileID(cfg.ProfileID)))
	mgr := lifecycle.NewManager(dialer, opener, cfg.ReleaseWait)

	ctl := stage.NewStageWSController(nil)
	eng := engine.New(engine.Config{
		SessionID:  domain.SessionID(cfg.SessionID),
		Profile:    domain.ProfileID(cfg.ProfileID),
		Name:       cfg.DisplayName,
		Avatar:     cfg.AvatarURL,
		CanPublish: cfg.CanPublish,
		InviteTTL:  cfg.InviteTTL,
	}, svc, feed, mgr, ctl)
	ctl.Eng = eng

	if err := eng.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start session engine")
	}

	r := router.SetupRouter(ctx, cfg, ctl)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Stagelink server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	if err := eng.Close(); err != nil {
		log.Error().Err(err).Msg("engine close")
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
