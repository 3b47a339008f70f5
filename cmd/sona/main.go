package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/smarchetti/sona/internal/app"
	"github.com/smarchetti/sona/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	res, err := app.Build(runCtx, cfg)
	if err != nil {
		log.Fatalf("build error: %v", err)
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			log.Printf("cleanup: %v", err)
		}
	}()

	if strings.TrimSpace(cfg.TTSEndpoint) == "" {
		log.Printf("synthesis backend: local renderer (no TTS_HTTP_ENDPOINT)")
	} else {
		log.Printf("synthesis backend: %s with local fallback", cfg.TTSEndpoint)
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Printf("emotion history: disabled (no DATABASE_URL)")
	} else {
		log.Printf("emotion history: postgres")
	}

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: res.API.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
