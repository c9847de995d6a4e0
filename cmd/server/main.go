package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/speedrace/speedrace-server/internal/config"
	"github.com/speedrace/speedrace-server/internal/handlers"
	httpx "github.com/speedrace/speedrace-server/internal/http"
	"github.com/speedrace/speedrace-server/internal/hub"
	"github.com/speedrace/speedrace-server/internal/idgen"
	"github.com/speedrace/speedrace-server/internal/repo"
	"github.com/speedrace/speedrace-server/internal/rooms"
	"github.com/speedrace/speedrace-server/internal/service"
	"github.com/speedrace/speedrace-server/internal/sessions"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	cfg.ConfigureLogger()

	// ストレージ接続。永続ストアに繋がらなければメモリで起動する
	backend := repo.Open(context.Background(), cfg.RepoOptions())
	if f, ok := backend.(*repo.Failover); ok {
		f.OnDegrade(func(err error) {
			logrus.WithError(err).Error("durable storage lost, continuing in memory; rooms will not survive a restart")
		})
	}

	store := rooms.NewStore(backend, idgen.RoomIDGenerator{}, rooms.WithMaxCapacity(cfg.MaxCapacity))
	directory := sessions.NewDirectory(backend)
	h := hub.New()
	coord := service.NewCoordinator(store, directory, h, service.WithDisconnectGrace(cfg.DisconnectGrace))

	router := httpx.NewRouter(
		handlers.NewRoomHandler(coord),
		handlers.NewWebSocketHandler(coord, h, cfg.AllowedOrigin, cfg.HubOptions()),
		handlers.NewHealthHandler(backend),
		cfg.AllowedOrigin,
	)

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Graceful shutdown用のシグナルチャネル
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// サーバーを別goroutineで起動
	go func() {
		logrus.WithFields(logrus.Fields{
			"addr":         cfg.APIAddr,
			"is_persisted": backend.Persistent(),
			"max_capacity": store.MaxCapacity(),
		}).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("server error")
		}
	}()

	// シャットダウンシグナルを待つ
	<-sigChan
	logrus.Info("shutdown signal received, shutting down gracefully...")

	// 30秒のタイムアウトでGraceful Shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("server shutdown error")
	}
	coord.Close()
	if err := backend.Close(); err != nil {
		logrus.WithError(err).Warn("failed to close storage")
	}

	logrus.Info("server stopped")
}
