// cmd/main.go is the application entry point.
// It wires together all layers and starts the HTTP server.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/itike/itike-web/internal/authz"
	"github.com/itike/itike-web/internal/config"
	"github.com/itike/itike-web/internal/database"
	"github.com/itike/itike-web/internal/handler"
	"github.com/itike/itike-web/internal/repository"
	"github.com/itike/itike-web/internal/session"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ── 1. Connect to PostgreSQL (persisted session tokens) ──────────────
	pool, err := database.NewPool(ctx, cfg.DB)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("database: %v", err)
	}
	log.Println("✓ Connected to PostgreSQL")

	// ── 2. Wire up layers ────────────────────────────────────────────────
	tokens := repository.NewTokenRepository(pool)
	sessions := session.NewStore(cfg.APIBaseURL, &http.Client{Timeout: cfg.APITimeout}, tokens)
	h, err := handler.New()
	if err != nil {
		log.Fatalf("handler: %v", err)
	}

	// ── 3. Build the router ───────────────────────────────────────────────
	r := chi.NewRouter()

	// Global middleware stack
	r.Use(chimiddleware.Recoverer) // recover from panics, return 500
	r.Use(chimiddleware.RequestID) // attach request IDs
	r.Use(chimiddleware.RealIP)    // trust X-Forwarded-For
	r.Use(handler.Logger)          // structured access log
	r.Use(handler.CORS)            // permissive CORS for demo

	// Health
	r.Get("/health", handler.HealthCheck)

	// Pages; every route sees the browser session.
	r.Group(func(r chi.Router) {
		r.Use(handler.WithSession(sessions, cfg.SessionCookie))

		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			http.Redirect(w, req, "/events", http.StatusSeeOther)
		})
		r.Get("/login", h.LoginForm)
		r.Post("/login", h.Login)
		r.Get("/register", h.RegisterForm)
		r.Post("/register", h.Register)
		r.Post("/logout", h.Logout)
		r.Get("/unauthorized", h.Unauthorized)

		r.Get("/events", h.ListEvents)
		r.Get("/events/{id}", h.ShowEvent)
		r.Post("/events/{id}/purchase", h.Purchase)
		r.Get("/tickets/{id}", h.ShowTicket)

		// Any authenticated identity may manage its profile.
		r.Group(func(r chi.Router) {
			r.Use(authz.Require())
			r.Get("/profile", h.ProfileForm)
			r.Post("/profile", h.UpdateProfile)
		})
	})

	// ── 4. Start server with graceful shutdown ────────────────────────────
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Run in background goroutine so we can listen for shutdown signal.
	go func() {
		log.Printf("✓ Server listening on %s (backend %s)", cfg.Addr, cfg.APIBaseURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Block until SIGINT or SIGTERM.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down server…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("graceful shutdown failed: %v", err)
	}
	log.Println("server stopped")
}
