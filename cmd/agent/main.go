// The agent daemon: reconciles managed servers with the container runtime,
// then serves the control API, the console websocket and the SFTP daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"hightd-agent/internal/api"
	"hightd-agent/internal/config"
	"hightd-agent/internal/docker"
	"hightd-agent/internal/filemanager"
	"hightd-agent/internal/logging"
	"hightd-agent/internal/metrics"
	"hightd-agent/internal/remote"
	"hightd-agent/internal/sandbox"
	"hightd-agent/internal/server"
	"hightd-agent/internal/sftpd"
	"hightd-agent/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config.json")
	flag.Parse()

	_ = godotenv.Load()
	logging.Init()
	defer logging.Sync()
	log := logging.L()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("configuration error", zap.Error(err))
	}

	driver, err := docker.NewDriver(os.Getenv("DOCKER_HOST"))
	if err != nil {
		log.Fatal("container runtime unavailable", zap.Error(err))
	}
	defer driver.Close()

	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		log.Fatal("sandbox base unavailable", zap.String("path", cfg.Path), zap.Error(err))
	}
	resolver := sandbox.NewResolver(cfg.Path)

	st, err := store.Open(cfg.Path + "/servers.db")
	if err != nil {
		log.Fatal("server store unavailable", zap.Error(err))
	}
	defer st.Close()

	rc := remote.NewClient(cfg.Remote, cfg.Token)
	registry := server.NewRegistry(driver, resolver, st, log)

	bootCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	if err := registry.Reconcile(bootCtx); err != nil {
		cancel()
		log.Fatal("reconciliation failed", zap.Error(err))
	}
	cancel()

	metrics.RegisterServerGauges(
		func() float64 { return float64(registry.Count()) },
		func() float64 { return float64(registry.RunningCount()) },
	)

	sftpServer, err := sftpd.NewServer(resolver, registry, rc, log)
	if err != nil {
		log.Fatal("sftp daemon init failed", zap.Error(err))
	}
	go func() {
		if err := sftpServer.ListenAndServe(fmt.Sprintf(":%d", cfg.SFTP)); err != nil {
			log.Error("sftp daemon stopped", zap.Error(err))
		}
	}()

	files := filemanager.NewService(resolver, log)
	router := api.NewRouter(cfg, registry, files, rc, log)
	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websockets and downloads stream indefinitely
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("control api listening",
			zap.Int("port", cfg.Port), zap.Bool("ssl", cfg.SSL))
		if cfg.SSL {
			errCh <- httpServer.ListenAndServeTLS(cfg.CertPath, cfg.KeyPath)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("control api failed", zap.Error(err))
			os.Exit(1)
		}
	case sig := <-stop:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	// Containers keep running across agent restarts; reconciliation picks
	// them back up on the next boot.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("control api shutdown incomplete", zap.Error(err))
	}
	if err := sftpServer.Close(); err != nil {
		log.Warn("sftp shutdown incomplete", zap.Error(err))
	}
}
