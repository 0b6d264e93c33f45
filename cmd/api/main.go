package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"blockspace/api/internal/app"
	"blockspace/api/internal/config"
	"blockspace/api/internal/realtime"
	"blockspace/api/internal/session"
	"blockspace/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	redisStore, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer redisStore.Close()

	registry := realtime.NewRegistry()
	service := app.New(cfg, dataStore, redisStore, registry)
	dispatcher := realtime.NewDispatcher(registry, dataStore)
	wsHandler := realtime.NewHandler(service, service, registry, dispatcher)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)

	// The websocket route sits outside the REST middleware: the logging
	// wrapper's response recorder would hide http.Hijacker from the
	// upgrader.
	router := mux.NewRouter()
	router.Handle("/ws/spaces/{spaceID}", wsHandler).Methods(http.MethodGet)
	router.PathPrefix("/").Handler(httpServer.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Blockspace API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
