package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"audioskill/internal/certstore"
	"audioskill/internal/media"
	"audioskill/internal/platform/config"
	"audioskill/internal/platform/logger"
	"audioskill/internal/platform/metrics"
	"audioskill/internal/playback"
	"audioskill/internal/ratelimit"
	"audioskill/internal/sigverify"
	"audioskill/internal/skill"
	"audioskill/internal/streamtoken"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	expectedAppID := config.GetEnv("SKILL_APP_ID", "")
	certHosts := config.GetEnvStrings("CERT_ALLOWED_HOSTS", []string{"s3.amazonaws.com", ".s3.amazonaws.com"})
	certPathPrefix := config.GetEnv("CERT_PATH_PREFIX", "/echo.api/")
	certTTL := config.GetEnvDuration("CERT_CACHE_TTL", time.Hour)

	tokenSecret := config.GetEnv("STREAM_TOKEN_SECRET", "")
	tokenTTL := config.GetEnvDuration("STREAM_TOKEN_TTL", 10*time.Minute)
	tokenIssuer := config.GetEnv("STREAM_TOKEN_ISSUER", "audioskill")

	sessionDir := config.GetEnv("SESSION_DIR", "")
	snapshotInterval := config.GetEnvDuration("SNAPSHOT_INTERVAL", playback.DefaultSnapshotInterval)

	skillRateLimit := config.GetEnvInt("SKILL_RATE_LIMIT", 60)
	mediaRateLimit := config.GetEnvInt("MEDIA_RATE_LIMIT", 300)
	rateWindow := config.GetEnvDuration("RATE_WINDOW", time.Minute)

	mediaBaseURL := config.GetEnv("MEDIA_BASE_URL", "http://localhost:"+port)
	upstreamBase := config.GetEnv("UPSTREAM_MEDIA_URL", "http://localhost:9000/media")

	log := logger.New(logLevel, logFormat)

	if tokenSecret == "" {
		log.Error("STREAM_TOKEN_SECRET is required")
		os.Exit(1)
	}

	var store playback.Store
	if sessionDir != "" {
		fs, err := playback.NewFileStore(sessionDir)
		if err != nil {
			log.Error("session store init failed", "error", err)
			os.Exit(1)
		}
		store = fs
	} else {
		log.Warn("SESSION_DIR not set, sessions will not survive restarts")
		store = playback.NewMemoryStore()
	}

	met := metrics.New()

	tracker := playback.NewTracker(store, snapshotInterval, log,
		playback.WithSnapshotHook(met.IncSnapshots))
	defer tracker.Close()

	certs := certstore.New(certstore.NewMemoryCache(certTTL), certHosts, certPathPrefix)
	verifier := sigverify.New(certs, expectedAppID)
	tokens := streamtoken.New([]byte(tokenSecret))
	limiter := ratelimit.New()

	catalog := skill.NewStaticCatalog([]skill.Resource{
		{ID: "morning-briefing", Title: "the morning briefing"},
		{ID: "evening-wrap", Title: "the evening wrap"},
		{ID: "deep-focus", Title: "deep focus"},
	})

	skillHandler := skill.NewHandler(tracker, tokens, catalog, tokenIssuer, tokenTTL, mediaBaseURL, log, met)
	mediaHandler := media.NewHandler(tokens, tokenIssuer, upstreamBase, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			if n, err := tracker.Count(); err == nil {
				met.SetActiveSessions(n)
			}
		}).ServeHTTP(w, r)
	})
	r.Route("/alexa", func(r chi.Router) {
		r.Use(skill.RateLimit(limiter, "skill", skillRateLimit, rateWindow, log, met))
		r.Use(skill.CaptureBody(log))
		r.Use(skill.VerifySignature(verifier, log, met))
		r.Post("/", skillHandler.ServeSkill)
	})
	r.Route("/media/{resource_id}", func(r chi.Router) {
		r.Use(skill.RateLimit(limiter, "media", mediaRateLimit, rateWindow, log, met))
		r.Get("/", mediaHandler.ServeMedia)
	})

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"snapshot_interval", snapshotInterval.String(),
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
