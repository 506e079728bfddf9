// Command lablink is the instrument connectivity daemon: it opens driver
// configured connections to lab analyzers, decodes and matches their results
// against pending orders, and serves the operator API.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/meridian-lims/lablink/internal/api"
	"github.com/meridian-lims/lablink/internal/config"
	"github.com/meridian-lims/lablink/internal/db"
	"github.com/meridian-lims/lablink/internal/ingest"
	"github.com/meridian-lims/lablink/internal/notify"
	"github.com/meridian-lims/lablink/internal/transport"
)

var (
	listen       = flag.String("listen", ":8080", "Listen address")
	dbFile       = flag.String("db", "lablink.db", "Path to the sqlite database")
	settingsFile = flag.String("settings", "", "Path to an optional JSON settings file")
	grace        = flag.Duration("grace", 10*time.Second, "Shutdown grace period for draining connections")
	autoConnect  = flag.Bool("auto-connect", true, "Connect every enabled driver at startup")
)

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	settings := config.EmptySettings()
	if *settingsFile != "" {
		var err error
		settings, err = config.LoadSettings(*settingsFile)
		if err != nil {
			log.Fatalf("Failed to load settings: %v", err)
		}
	}

	database, err := db.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	notifier := notify.NewNotifier()
	defer notifier.Close()

	manager := ingest.NewManager(database, transport.Open,
		ingest.WithBackoff(settings.GetBackoffBase(time.Second), settings.GetBackoffMax(time.Minute)),
		ingest.WithQueueSize(settings.GetQueueSize(256)),
		ingest.WithStateListener(func(s ingest.ConnectionStatus) {
			notifier.Publish(notify.EventConnState, s)
		}))

	delta := ingest.NewDeltaChecker(settings.GetDeltaThreshold(50))
	for code, threshold := range settings.DeltaThresholds {
		delta.Thresholds[code] = threshold
	}
	matcher := ingest.NewMatcher(database, delta, notifier)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// single consumer keeps per-connection result order
	wg.Add(1)
	go func() {
		defer wg.Done()
		matcher.Run(ctx, manager.Results())
		log.Print("matcher routine terminated")
	}()

	if *autoConnect {
		configs, err := database.ListEnabledDrivers()
		if err != nil {
			log.Fatalf("Failed to list drivers: %v", err)
		}
		for _, cfg := range configs {
			connID, err := manager.Connect(cfg.ID)
			if err != nil {
				log.Printf("failed to connect driver %s: %v", cfg.ID, err)
				continue
			}
			log.Printf("connecting driver %s (%s) as %s", cfg.ID, cfg.Endpoint(), connID)
		}
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(manager, database, notifier).ServeMux()
		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), *grace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
		log.Printf("HTTP server routine stopped")
	}()

	<-ctx.Done()

	// bounded drain: links close immediately, supervisors get the grace
	// period to unwind before we give up on them
	drainCtx, cancel := context.WithTimeout(context.Background(), *grace)
	defer cancel()
	if err := manager.DisconnectAll(drainCtx); err != nil {
		log.Printf("connection drain incomplete: %v", err)
	}

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
