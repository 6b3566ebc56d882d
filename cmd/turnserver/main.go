package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/henryperkins/tarot-sub003/internal/api"
	"github.com/henryperkins/tarot-sub003/internal/config"
	"github.com/henryperkins/tarot-sub003/internal/lease"
	"github.com/henryperkins/tarot-sub003/internal/obs"
	"github.com/henryperkins/tarot-sub003/internal/storage"
	"github.com/henryperkins/tarot-sub003/internal/task"
	"github.com/henryperkins/tarot-sub003/internal/tool"
	"github.com/henryperkins/tarot-sub003/internal/turn"
	"github.com/henryperkins/tarot-sub003/internal/upstream"
)

func upstreamClient(cfg config.Config) upstream.Client {
	return upstream.NewHTTPClient(cfg.UpstreamURL, cfg.UpstreamKey, cfg.Model, nil)
}

// followUpPrompts is the wiring-level prompt builder; real prompt assembly
// (spread context, card positions) lives with the product service that
// fronts this one.
type followUpPrompts struct{}

func (followUpPrompts) Build(req turn.FollowUpRequest) (string, string) {
	instructions := "You are a thoughtful tarot reader answering a follow-up question " +
		"about a reading you already gave. Be concise and grounded in the cards drawn. " +
		"Use the save_note tool when the querent asks to remember something."
	input := fmt.Sprintf("Reading: %s\nFollow-up question: %s", req.ReadingKey, req.Question)
	return instructions, input
}

func main() {
	// Cancel context on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Local dev convenience; missing .env is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("TURNSERVER_CONFIG"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := storage.Open(ctx, storage.Config{
		Path:         cfg.DBPath,
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 20,
		MaxIdleConns: 20,
	})
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer db.Close()

	logger := obs.NewLogger()
	metrics := obs.NewMetrics()

	store := lease.NewStore(db.DB, logger, metrics)
	eval := lease.NewEvaluator(db.DB)
	manager := lease.NewManager(store, eval, logger, metrics, lease.ManagerConfig{
		TTL:       cfg.LeaseTTL,
		Heartbeat: cfg.Heartbeat,
		Limits: lease.Limits{
			PerResource: cfg.PerResourceLimit,
			PerDay:      cfg.PerDayLimit,
		},
	})

	sup, err := task.NewSupervisor(cfg.SupervisorSize, logger)
	if err != nil {
		log.Fatalf("supervisor: %v", err)
	}

	registry := tool.NewRegistry(logger, metrics)
	registry.Register(tool.SaveNoteSpec(), tool.SaveNote(db.DB))

	upClient := upstreamClient(cfg)
	orch := turn.NewOrchestrator(upClient, registry, logger, metrics)
	svc := turn.NewService(manager, orch, registry, followUpPrompts{}, sup, logger, metrics, turn.ServiceConfig{
		MaxQuestionLen:  cfg.MaxQuestionLen,
		MaxOutputTokens: cfg.MaxOutputTokens,
	})

	apiServer := api.NewServer(svc, eval, manager, logger)

	sweeper := lease.NewSweeper(db.DB, logger, metrics, cfg.LeaseTTL, cfg.SweepInterval)

	root := http.NewServeMux()
	root.Handle("/", apiServer.Handler())
	root.Handle("/metrics", promhttp.Handler())

	// Browser clients consume the SSE stream directly.
	handler := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
	}).Handler(root)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup

	// Start lease sweeper
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx) // exits when ctx is cancelled
	}()

	// Start HTTP server
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("turnserver up addr=%s db=%s", cfg.Addr, cfg.DBPath)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
			stop()
		}
	}()

	// Wait for signal
	<-ctx.Done()
	log.Printf("shutdown signal received")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}

	// Detached finalize tasks get the remainder of the shutdown window.
	sup.Shutdown(shutdownCtx)

	wg.Wait()
	log.Printf("turnserver stopped")
}
