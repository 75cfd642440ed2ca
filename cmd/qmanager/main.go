// Package main — точка входа супервизора Q-Manager.
// Порядок bootstrap: вывод через pr (readline), конфигурация из .env,
// логгер с перенаправлением в pr, контекст с отменой по Ctrl+C/SIGTERM,
// затем сборка и запуск App.

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qmanager/internal/app"
	"qmanager/internal/infra/config"
	"qmanager/internal/infra/logger"
	"qmanager/internal/infra/pr"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix(time.Now().Format("2006-01-02 15:04:05 "))
	// Префикс времени только на уровне bootstrap; дальше пишет logger.
	if err := pr.Init(); err != nil {
		log.Fatalf("failed to init console output: %v", err)
	}

	envPath := flag.String("env", ".env", "path to .env file")
	flag.Parse()

	if err := config.Load(*envPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.Init(config.Env().LogLevel)
	logger.SetWriters(pr.Stdout(), pr.Stderr())
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	// stop() обязателен к вызову: снимает подписку на сигналы.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	a := app.NewApp()
	if err := a.Init(ctx, stop); err != nil {
		stop()
		log.Fatalf("app init failed: %v", err)
	}
	if err := a.Run(); err != nil {
		stop()
		log.Fatalf("app run failed: %v", err)
	}
	stop()
	log.Println("Graceful shutdown complete")
}
