package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/opspulse/oncall/internal/config"
	"github.com/opspulse/oncall/services"
	"github.com/opspulse/oncall/workers"
)

func main() {
	log.Println("Starting workers...")

	// Load Config
	configPath := os.Getenv("ONCALL_CONFIG_PATH")
	if err := config.LoadConfig(configPath); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Database connection
	if config.App.DatabaseURL == "" {
		log.Fatal("DATABASE_URL environment variable (or config) is required")
	}

	pg, err := sql.Open("postgres", config.App.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pg.Close()

	if err := pg.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	// Set timezone to UTC for consistent time handling
	if _, err := pg.Exec("SET TIME ZONE 'UTC'"); err != nil {
		log.Printf("Failed to set timezone to UTC: %v", err)
	}
	log.Println("Connected to database successfully")

	// Redis connection
	if config.App.RedisURL == "" {
		log.Fatal("REDIS_URL environment variable (or config) is required")
	}
	redisOpts, err := redis.ParseURL(config.App.RedisURL)
	if err != nil {
		log.Fatalf("Failed to parse Redis URL: %v", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	// Initialize services
	scheduleService := services.NewScheduleService(pg)
	onCallService := services.NewOnCallService(pg, scheduleService)
	policyService := services.NewPolicyService(pg)
	executionService := services.NewExecutionService(pg)
	teamService := services.NewTeamService(pg)

	fcmService, err := services.NewFCMService(config.App.FCMCredentialsFile)
	if err != nil {
		log.Printf("Warning: FCM initialization failed: %v", err)
	}
	queueService := services.NewNotifyQueueService(pg)
	if err := queueService.EnsureQueue(); err != nil {
		log.Printf("Warning: failed to create notification queue: %v", err)
	}
	dispatcher := services.NewChannelDispatcher(fcmService, queueService)

	engine := services.NewEscalationEngine(
		executionService,
		policyService,
		onCallService,
		teamService,
		dispatcher,
		services.NewAckSignal(rdb),
		services.NewPolicyLock(rdb),
	)

	// Initialize workers
	notificationWorker := workers.NewNotificationWorker(queueService, nil)
	escalationWorker := workers.NewEscalationWorker(
		executionService,
		engine,
		time.Duration(config.App.SweeperIntervalSeconds)*time.Second,
		time.Duration(config.App.SweeperGraceSeconds)*time.Second,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start workers in separate goroutines
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		notificationWorker.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		escalationWorker.Start(ctx)
	}()

	// Wait for interrupt signal
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	log.Println("Workers started successfully. Press Ctrl+C to stop.")
	<-c

	log.Println("Shutting down workers...")
	cancel()
	wg.Wait()
}
