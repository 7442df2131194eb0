package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"telesignal/internal/audit"
	"telesignal/internal/config"
	"telesignal/internal/media"
	"telesignal/internal/otelutil"
	"telesignal/internal/signaling"
	"telesignal/internal/state"
)

// Server bundles the injected components: no package-level singletons, one
// instance of everything constructed in main.
type Server struct {
	cfg      *config.Config
	router   *gin.Engine
	registry *state.Manager
	signals  *signaling.Handler
	issuer   *media.Issuer
	log      zerolog.Logger
	started  time.Time
}

func newServer(cfg *config.Config, registry *state.Manager, issuer *media.Issuer, log zerolog.Logger) *Server {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      cfg,
		registry: registry,
		signals:  signaling.NewHandler(registry, log),
		issuer:   issuer,
		log:      log.With().Str("module", "server").Logger(),
		started:  time.Now(),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.cidMiddleware())
	router.Use(s.otelMiddleware())
	router.Use(cors.New(corsConfig(cfg.CORSOrigin)))

	router.GET("/health", s.handleHealth)
	router.GET("/api/stats", s.handleStats)
	router.GET(cfg.SignalingPath, s.handleSignaling)

	router.POST("/api/consultations/create", s.handleCreateConsultation)
	router.POST("/api/consultations/:id/recording/start", s.handleStartRecording)
	router.POST("/api/consultations/:id/recording/stop", s.handleStopRecording)
	router.GET("/api/rooms/active", s.handleActiveRooms)
	router.GET("/api/rooms/:name/stats", s.handleRoomStats)
	router.DELETE("/api/rooms/:name/participants/:identity", s.handleDisconnectParticipant)

	s.router = router
	return s
}

func corsConfig(origin string) cors.Config {
	c := cors.DefaultConfig()
	if origin == "" || origin == "*" {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = []string{origin}
	}
	c.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	c.AllowHeaders = []string{"Content-Type", "Authorization"}
	return c
}

// handleSignaling hands the request to the hand-rolled upgrade path. The
// router has already matched the path, so anything reaching here is either
// a valid handshake or a 400.
func (s *Server) handleSignaling(c *gin.Context) {
	s.signals.Upgrade(c.Writer, c.Request)
}

func (s *Server) handleHealth(c *gin.Context) {
	stats := s.registry.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"time":        time.Now().UTC().Format(time.RFC3339),
		"uptime":      time.Since(s.started).Seconds(),
		"activeRooms": stats.Rooms,
		"connections": stats.Participants,
		"details":     stats.Details,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.Stats())
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fatalLog := zerolog.New(os.Stderr)
		fatalLog.Fatal().Err(err).Msg("config load failed")
	}

	log := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.Mode != "release" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	if err := otelutil.Init(); err != nil {
		log.Debug().Err(err).Msg("tracing disabled")
	}
	defer otelutil.Flush()

	registry := state.NewManager(cfg.RoomCapacity, log)

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go registry.RunSweeper(sweepCtx, cfg.SweepInterval, cfg.IdleThreshold)

	collaborator := media.NewLiveKitCollaborator(cfg.SFUURL, cfg.SFUAPIKey, cfg.SFUAPISecret)
	var recorder media.Recorder
	if store := audit.NewStore(cfg.AuditURL, cfg.AuditKey, log); store != nil {
		recorder = store
		log.Info().Msg("audit persistence enabled")
	} else {
		log.Warn().Msg("audit store not configured, persistence disabled")
	}
	issuer := media.NewIssuer(media.IssuerConfig{
		URL:           cfg.SFUURL,
		APIKey:        cfg.SFUAPIKey,
		APISecret:     cfg.SFUAPISecret,
		TokenTTL:      cfg.TokenTTL,
		RecordingPath: cfg.RecordingPath,
	}, collaborator, recorder, log)

	s := newServer(cfg, registry, issuer, log)

	server := &http.Server{
		Addr:    cfg.Addr(),
		Handler: s.router,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutting down")
		stopSweeper()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("forced shutdown")
		}
	}()

	log.Info().Str("addr", cfg.Addr()).Str("path", cfg.SignalingPath).Msg("telesignal listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server failed")
	}
}
