package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"campusattend/internal/app"
	"campusattend/internal/config"
)

// Worker consumes dispatch jobs and runs the scheduled daily dispatch.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	if cfg.QueueBackend == "memory" {
		log.Println("QUEUE_BACKEND=memory: jobs are consumed inside the api process; only the schedule runs here")
	}

	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer a.Close()

	// Check WhatsApp availability on startup
	if !cfg.WhatsAppSkip {
		if err := a.WhatsApp.Health(ctx); err != nil {
			log.Printf("WARNING: WhatsApp API not available: %v", err)
		} else {
			log.Println("WhatsApp API connected")
		}
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Printf("invalid TIMEZONE %q, using local time: %v", cfg.Timezone, err)
		loc = time.Local
	}
	sched, err := app.Schedule(ctx, cfg.NotifyCron, loc, a.Registry, a.Dispatcher)
	if err != nil {
		log.Fatalf("invalid NOTIFY_CRON %q: %v", cfg.NotifyCron, err)
	}
	if sched != nil {
		log.Printf("daily dispatch scheduled: %s (%s)", cfg.NotifyCron, loc)
		defer func() { <-sched.Stop().Done() }()
	}

	if cfg.QueueBackend == "memory" {
		<-ctx.Done()
		log.Println("worker stopped")
		return
	}

	log.Println("worker started, waiting for messages...")
	if err := app.ConsumeDispatchJobs(ctx, a.Queue, a.Dispatcher); err != nil {
		log.Printf("queue consume failed: %v", err)
	}
	log.Println("worker stopped")
}
