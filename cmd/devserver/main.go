package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"onestop/config"
	"onestop/internal/devserver"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	srv, err := devserver.New(cfg)
	if err != nil {
		log.Fatalf("failed to initialize server: %v", err)
	}
	defer srv.Close()

	if os.Getenv("DEVSERVER_SEED") != "" {
		seed(srv)
	}

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr(),
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("OneStop dev server listening on %s", cfg.HTTPAddr())
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

// seed provisions two demo accounts so a pair of CLI sessions can chat.
func seed(srv *devserver.Server) {
	ctx := context.Background()
	users := []struct{ name, email, role string }{
		{"Asha Recruiter", "asha@onestop.local", "recruiter"},
		{"Chris Candidate", "chris@onestop.local", "candidate"},
	}
	for _, u := range users {
		if _, err := srv.SeedUser(ctx, u.name, u.email, u.role, "password"); err != nil {
			log.Printf("seed %s: %v", u.email, err)
		} else {
			log.Printf("seeded %s (password: password)", u.email)
		}
	}
}
