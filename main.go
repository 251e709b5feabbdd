package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/portsidehq/portside/internal/authtoken"
	"github.com/portsidehq/portside/internal/config"
	"github.com/portsidehq/portside/internal/database"
	"github.com/portsidehq/portside/internal/handlers"
	"github.com/portsidehq/portside/internal/logging"
	"github.com/portsidehq/portside/internal/middleware"
	"github.com/portsidehq/portside/internal/relay"
	"github.com/portsidehq/portside/internal/remotefs"
	"github.com/portsidehq/portside/internal/session"
	"github.com/portsidehq/portside/internal/transport"
	"github.com/robfig/cron/v3"
)

func main() {
	config.Load()

	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	if err := authtoken.Init(config.Cfg.DataPath); err != nil {
		log.Fatalf("Attach token init: %v", err)
	}

	hosts, err := config.LoadHosts(config.Cfg.HostsPath)
	if err != nil {
		log.Fatalf("Hosts file: %v", err)
	}
	log.Printf("Loaded %d host profile(s)", len(hosts))

	connectTimeout, err := time.ParseDuration(config.Cfg.ConnectTimeout)
	if err != nil {
		connectTimeout = transport.DefaultConnectTimeout
	}

	dataRelay := relay.New(config.Cfg.ScrollbackBytes)
	registry := session.NewRegistry(func(ctx context.Context, cfg transport.HostConfig) (transport.Transport, error) {
		cfg.ConnectTimeout = connectTimeout
		return transport.Dial(ctx, cfg)
	}, dataRelay)

	orch := remotefs.NewOrchestrator(registry)
	orch.SetAuditor(database.AuditLog{})
	orch.SetRefreshFunc(handlers.NotifyRefresh)
	clip := remotefs.NewClipboard(orch)

	// Attached streams hear about status changes and lifecycle events as
	// control frames alongside the terminal output.
	registry.OnStateChange(func(sessionID string, from, to session.Status) {
		handlers.NotifyStatus(sessionID, to)
	})
	registry.OnEvent(handlers.NotifyEvent)

	handlers.Registry = registry
	handlers.Relay = dataRelay
	handlers.Orch = orch
	handlers.Clip = clip
	handlers.Hosts = hosts

	tokenTTL, err := time.ParseDuration(config.Cfg.AttachTokenTTL)
	if err != nil {
		tokenTTL = 12 * time.Hour
	}

	// Background maintenance: purge old audit records nightly and drop
	// settled operations hourly.
	jobs := cron.New()
	jobs.AddFunc("@daily", func() {
		cutoff := time.Now().AddDate(0, 0, -config.Cfg.AuditRetentionDays)
		n, err := database.PurgeOperationsBefore(cutoff)
		if err != nil {
			log.Printf("Audit retention purge: %v", err)
			return
		}
		if n > 0 {
			log.Printf("Audit retention: purged %d record(s)", n)
		}
	})
	jobs.AddFunc("@hourly", func() {
		if n := orch.PruneOperations(24 * time.Hour); n > 0 {
			log.Printf("Pruned %d settled operation(s)", n)
		}
	})
	jobs.Start()
	defer jobs.Stop()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/hosts", handlers.ListHosts)
		r.Get("/sessions", handlers.ListSessions)

		// Connection lifecycle: connect mints the attach token, so these
		// take credentials instead of a token.
		r.Post("/sessions/{id}/connect", handlers.ConnectSession)
		r.Post("/sessions/{id}/reconnect", handlers.ReconnectSession)

		// Everything else on a session requires an attach token minted
		// for that session.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAttachToken(tokenTTL))

			r.Post("/sessions/{id}/attach", handlers.AttachSession)
			r.Delete("/sessions/{id}", handlers.DisconnectSession)
			r.Get("/sessions/{id}/status", handlers.SessionStatus)
			r.Post("/sessions/{id}/resize", handlers.ResizeSession)
			r.Get("/sessions/{id}/stream", handlers.SessionStreamWS)

			r.Get("/sessions/{id}/files", handlers.ListFiles)
			r.Get("/sessions/{id}/files/content", handlers.FileContent)
			r.Put("/sessions/{id}/files/content", handlers.PutFileContent)
			r.Post("/sessions/{id}/files/mkdir", handlers.MakeDirectory)
			r.Post("/sessions/{id}/files/chmod", handlers.ChmodFile)
			r.Post("/sessions/{id}/files/delete", handlers.DeleteFiles)
			r.Post("/sessions/{id}/files/move", handlers.MoveFile)
			r.Post("/sessions/{id}/files/copy", handlers.CopyFile)
			r.Post("/sessions/{id}/files/archive", handlers.CreateArchive)
			r.Post("/sessions/{id}/files/extract", handlers.ExtractArchive)
			r.Post("/sessions/{id}/files/download", handlers.DownloadFiles)
			r.Post("/sessions/{id}/files/upload", handlers.UploadFiles)
			r.Get("/sessions/{id}/operations/recent", handlers.RecentOperationRecords)

			r.Post("/sessions/{id}/clipboard/copy", handlers.ClipboardCopy)
			r.Post("/sessions/{id}/clipboard/cut", handlers.ClipboardCut)
			r.Post("/sessions/{id}/clipboard/paste", handlers.ClipboardPaste)
		})

		r.Get("/clipboard", handlers.ClipboardStatus)
		r.Delete("/clipboard", handlers.ClipboardClear)

		r.Get("/operations/{opID}", handlers.GetOperation)
		r.Post("/operations/{opID}/resolve", handlers.ResolveOperation)

		r.Get("/logs", handlers.ServerLogs)
		r.Delete("/logs", handlers.ClearServerLogs)
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	registry.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
