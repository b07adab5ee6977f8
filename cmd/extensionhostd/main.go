// Command extensionhostd is the ambient daemon entrypoint (SPEC_FULL.md
// §1.1): it wires the extension host library together and exposes it over
// HTTP/WebSocket for a spreadsheet front-end running as a separate
// process. The library itself (internal/extensions/...) never imports
// net/http; this command is the only place that plumbing happens,
// following the boot sequence of backend/main.go: load env, open
// storage, build the collaborators, start the server, wait for a signal,
// shut down gracefully.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/apex-build/sheetext-host/internal/daemon"
	"github.com/apex-build/sheetext-host/internal/extensions/api"
	"github.com/apex-build/sheetext-host/internal/extensions/audit"
	"github.com/apex-build/sheetext-host/internal/extensions/events"
	"github.com/apex-build/sheetext-host/internal/extensions/host"
	"github.com/apex-build/sheetext-host/internal/extensions/permissions"
	"github.com/apex-build/sheetext-host/internal/extensions/spreadsheetapi"
	"github.com/apex-build/sheetext-host/internal/logging"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using process environment")
	}
	logging.Init()
	defer logging.Sync()

	dataRoot := getenv("EXTENSIONHOSTD_DATA_DIR", "./data")
	if err := os.MkdirAll(dataRoot, 0o755); err != nil {
		log.Fatalf("failed to create data directory %s: %v", dataRoot, err)
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET must be set")
	}

	sink, err := audit.Open(filepath.Join(dataRoot, "audit.db"))
	if err != nil {
		log.Fatalf("failed to open audit log: %v", err)
	}
	defer sink.Close()

	permStore := permissions.NewStore(filepath.Join(dataRoot, "permissions.json"))
	storage := api.NewStore(api.DefaultStoragePath(dataRoot))
	config := api.NewConfigStore(api.DefaultConfigPath(dataRoot))
	broadcaster := events.NewBroadcaster()

	srv := daemon.NewServer(broadcaster, []byte(jwtSecret))
	permManager := permissions.NewManager(permStore, srv.Prompter(), nil)
	fetcher := api.NewFetcher(permManager, envFloat("NETWORK_FETCH_RPS", 5), envInt("NETWORK_FETCH_BURST", 10))
	dispatcher := api.NewDispatcher(
		permManager,
		storage,
		config,
		spreadsheetapi.NewMemorySpreadsheet(),
		broadcaster,
		sink,
		fetcher,
	)

	extensionHost := host.New(host.Options{
		Dispatcher:       dispatcher,
		Events:           broadcaster,
		DataRoot:         dataRoot,
		EngineVersion:    getenv("FORMULA_ENGINE_VERSION", ""),
		MemoryLimitBytes: 256 << 20,
		MaxSpawnAttempts: 3,
	})
	defer extensionHost.Dispose()

	srv.Attach(extensionHost)

	httpSrv := &http.Server{
		Addr:         ":" + getenv("PORT", "8787"),
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("extensionhostd listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("extensionhostd: listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("extensionhostd shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Fatalf("extensionhostd: forced shutdown: %v", err)
	}
	log.Println("extensionhostd stopped")
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}
