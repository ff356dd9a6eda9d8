package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"cycletime/internal/api"
	"cycletime/internal/config"
	"cycletime/internal/docstore"
	"cycletime/internal/service"
	"cycletime/internal/session"
	"cycletime/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	backend, closeStore, err := docstore.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer closeStore()

	m := telemetry.New()
	svc := service.New(cfg, backend, m)
	if err := svc.Ready(ctx); err != nil {
		log.Fatalf("load data: %v", err)
	}

	reg := session.NewRegistry()
	reg.OnChange(m.SetActiveSessions)
	go reg.Run(ctx, svc.Sessions(), time.Minute)

	if cfg.ConfigFile != "" {
		go func() {
			err := config.Watch(ctx, cfg.ConfigFile, func(next config.Config) {
				svc.SetSessionTimeout(next.SessionTimeout())
			})
			if err != nil {
				log.Printf("config_watch_failed path=%s err=%v", cfg.ConfigFile, err)
			}
		}()
	}

	hsrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(cfg, svc, reg, m),
		ReadTimeout:       time.Duration(cfg.HTTPReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.HTTPReadHeaderTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.HTTPWriteTimeoutSec) * time.Second,
		IdleTimeout:       time.Duration(cfg.HTTPIdleTimeoutSec) * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		if err := hsrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error=%v", err)
		}
	}()

	log.Printf("listening on %s driver=%s timeout=%s", cfg.ListenAddr, cfg.StoreDriver, cfg.SessionTimeout())
	if err := hsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server: %v", err)
	}
	log.Printf("server stopped")
}
