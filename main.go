package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chatrelay/auth"
	"chatrelay/config"
	"chatrelay/db"
	"chatrelay/delivery"
	"chatrelay/logging"
	"chatrelay/metrics"
	"chatrelay/registry"
	"chatrelay/relay"
	"chatrelay/server"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	for _, w := range cfg.Warnings {
		logger.Warn("config", zap.String("warning", w))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	if cfg.JWTSecret == config.DevJWTSecret {
		logger.Warn("CHAT_JWT_SECRET not set, using the development secret")
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	database, err := db.New(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer database.Close()

	tracker, err := delivery.New(cfg.InFlightHistory, cfg.TerminalHistory)
	if err != nil {
		return fmt.Errorf("initialize delivery tracker: %w", err)
	}
	engine := relay.New(registry.New(), tracker, database, logger, cfg.MaxContent)
	defer engine.Close()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	srv := server.New(database, engine, auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL), &server.ServerConfig{
		Addr:           cfg.Addr,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		PingInterval:   cfg.PingInterval,
		MaxFrame:       cfg.MaxFrame,
		CORSOrigins:    cfg.CORSOrigins,
		AuthRatePerMin: cfg.AuthRatePerMin,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown := make(chan string, 1)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(srv.Start)

	// Control socket for management commands
	g.Go(func() error {
		return startControlSocket(gctx, cfg.ControlSocket, srv, shutdown, logger)
	})

	g.Go(func() error {
		reason := "maintenance"
		select {
		case <-gctx.Done():
			logger.Info("stop requested")
		case reason = <-shutdown:
			logger.Info("shutdown requested", zap.String("reason", reason))
		}
		stop()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx, reason)
	})

	return g.Wait()
}

func startControlSocket(ctx context.Context, path string, srv *server.Server, shutdown chan<- string, logger *zap.Logger) error {
	// Remove existing socket file
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		logger.Warn("control socket unavailable", zap.String("path", path), zap.Error(err))
		return nil
	}
	defer os.Remove(path)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	logger.Info("control socket listening", zap.String("path", path))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		go handleControlCommand(srv, conn, shutdown, logger)
	}
}

func handleControlCommand(srv *server.Server, conn net.Conn, shutdown chan<- string, logger *zap.Logger) {
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}

	line = strings.TrimSpace(line)
	parts := strings.SplitN(line, "|", 2)

	switch parts[0] {
	case "stats":
		conn.Write([]byte("OK|" + srv.GetStats() + "\n"))

	case "shutdown":
		reason := "maintenance"
		if len(parts) == 2 && strings.TrimSpace(parts[1]) != "" {
			reason = strings.TrimSpace(parts[1])
		}
		conn.Write([]byte("OK|Shutting down\n"))

		select {
		case shutdown <- reason:
		default:
			logger.Debug("shutdown already in progress")
		}

	case "":
		conn.Write([]byte("ERROR|Invalid command\n"))

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
