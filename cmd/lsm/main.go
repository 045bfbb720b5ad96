package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"lsmnet/internal/deadlock"
	"lsmnet/internal/detect"
	"lsmnet/internal/execute"
	"lsmnet/internal/handler"
	"lsmnet/internal/limit"
	"lsmnet/internal/middleware"
	"lsmnet/internal/netting"
	"lsmnet/internal/notify"
	"lsmnet/internal/plan"
	"lsmnet/internal/repository/postgres"
	"lsmnet/pkg/cache"
	"lsmnet/pkg/config"
	"lsmnet/pkg/logger"
	"lsmnet/pkg/validator"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.New("lsm-netting")

	log.Info("Starting LSM netting service", map[string]interface{}{
		"port":     cfg.Server.Port,
		"currency": cfg.Netting.DefaultCurrency,
	})

	// Database connection
	db, err := sqlx.Connect("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatal("Failed to connect to database", map[string]interface{}{
			"error": err.Error(),
		})
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	// Redis for deadlock notifications
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.URL,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	// Repositories
	obligationRepo := postgres.NewObligationRepository(db)
	accountRepo := postgres.NewAccountRepository(db)
	commitRepo := postgres.NewCommitRepository(db)

	// Core pipeline
	limitResolver := limit.NewService(accountRepo)
	detector := detect.NewService(obligationRepo, limitResolver, log)
	planner := plan.NewService(log)
	executor := execute.NewService(commitRepo, log)

	publisher := notify.NewRedisPublisher(redisClient, log)
	monitor := deadlock.NewMonitor(publisher, cfg.Netting.DeadlockQueueSize, cfg.Netting.NotifyTimeout, log)
	defer monitor.Close()

	nettingService := netting.NewService(detector, planner, executor, monitor, log)

	// HTTP surface
	val := validator.New()
	r := mux.NewRouter()
	r.Use(middleware.CorrelationID)
	r.Use(middleware.RequestLogger(log))

	nettingHandler := handler.NewNettingHandler(nettingService, val, log)
	nettingHandler.Register(r)

	participantHandler := handler.NewParticipantHandler(obligationRepo, accountRepo, val, log)
	participantHandler.Register(r)

	deadlockHandler := handler.NewDeadlockHandler(cache.New(redisClient), log)
	deadlockHandler.Register(r)

	r.HandleFunc("/health", healthCheck).Methods("GET")
	r.HandleFunc("/ready", readyCheck(db)).Methods("GET")

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("HTTP server listening", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Forced shutdown", map[string]interface{}{"error": err.Error()})
	}
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func readyCheck(db *sqlx.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, `{"status":"not ready"}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	}
}
