package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/chatwheel/chatwheel/internal/config"
	"github.com/chatwheel/chatwheel/internal/lock"
	"github.com/chatwheel/chatwheel/internal/orchestrator"
	"github.com/chatwheel/chatwheel/internal/provider"
	"github.com/chatwheel/chatwheel/internal/server"
	"github.com/chatwheel/chatwheel/internal/store"
	"github.com/chatwheel/chatwheel/internal/workflow"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage backends: Redis when configured, in-memory otherwise. The
	// conversation lock follows the same selection so the serialization
	// guarantee spans processes exactly when state does.
	backends, err := store.NewBackends(ctx, cfg.RedisURL, cfg.RedisTTL, logger)
	if err != nil {
		logger.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer backends.Close()

	var conversationLock lock.ConversationLock
	if backends.Redis != nil {
		conversationLock = lock.NewRedisLock(backends.Redis, logger, cfg.LockTTL)
	} else {
		conversationLock = lock.NewMemoryLock(logger)
	}

	llm, err := provider.New(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize LLM provider", zap.Error(err))
	}

	definition, err := workflow.Load(cfg.WorkflowDefinitionPath)
	if err != nil {
		logger.Fatal("Failed to load workflow definition", zap.Error(err))
	}

	orch := orchestrator.New(
		backends.Workflow,
		backends.Conversations,
		llm,
		conversationLock,
		orchestrator.Config{
			Definition:    definition,
			ContextConfig: &workflow.ContextConfig{MaxLength: cfg.ContextMaxLength},
		},
		logger,
	)

	handler := server.NewHandler(orch, backends.Conversations, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	go func() {
		logger.Info("Starting chatwheel orchestrator",
			zap.Int("port", cfg.Port),
			zap.String("workflow", definition.ID),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Graceful shutdown incomplete", zap.Error(err))
	}
}
