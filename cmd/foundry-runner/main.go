package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/copperline/foundry/internal/provider"
	"github.com/copperline/foundry/internal/runner"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	sandboxID := os.Getenv("SANDBOX_ID")
	mode := os.Getenv("MODE")
	callbackURL := os.Getenv("CALLBACK_URL")
	registerURL := os.Getenv("REGISTER_URL")
	if callbackURL == "" {
		logger.Fatal("CALLBACK_URL is required")
	}

	var client provider.Client
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		client = provider.NewAnthropic(provider.Config{
			Endpoint: os.Getenv("ANTHROPIC_ENDPOINT"),
			APIKey:   key,
			Timeout:  120 * time.Second,
		}, logger)
	}

	r := runner.New(sandboxID, callbackURL, registerURL, client, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		cancel()
	}()

	logger.Info("runner starting",
		zap.String("sandbox", sandboxID),
		zap.String("mode", mode))

	switch mode {
	case "active":
		taskID := os.Getenv("TASK_ID")
		config := os.Getenv("TASK_CONFIG")
		if taskID == "" || config == "" {
			logger.Fatal("active mode requires TASK_ID and TASK_CONFIG")
		}
		if err := r.Active(ctx, taskID, []byte(config)); err != nil {
			logger.Fatal("task execution failed", zap.Error(err))
		}
	case "standby":
		if registerURL == "" {
			logger.Fatal("standby mode requires REGISTER_URL")
		}
		if err := r.Standby(ctx); err != nil && ctx.Err() == nil {
			logger.Fatal("standby loop failed", zap.Error(err))
		}
	default:
		logger.Fatal("MODE must be active or standby", zap.String("mode", mode))
	}
}
