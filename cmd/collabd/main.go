package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"collabtext/coordinator/internal/auth"
	"collabtext/coordinator/internal/bus"
	"collabtext/coordinator/internal/config"
	"collabtext/coordinator/internal/coordinator"
	"collabtext/coordinator/internal/discovery"
	"collabtext/coordinator/internal/gateway"
	"collabtext/coordinator/internal/logging"
	"collabtext/coordinator/internal/merge"
	"collabtext/coordinator/internal/presence"
	"collabtext/coordinator/internal/relay"
	"collabtext/coordinator/internal/room"
	"collabtext/coordinator/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := mainInner(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func mainInner() error {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	if cfg.ProcessID == "" {
		cfg.ProcessID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var rdb *redis.Client
	if cfg.Bus.Driver == "redis" || cfg.SequencerDriver() == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Bus.RedisAddr,
			Password: cfg.Bus.RedisPassword,
			DB:       cfg.Bus.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("could not connect to Redis: %w", err)
		}
		log.Info("connected to Redis", zap.String("addr", cfg.Bus.RedisAddr))
	}

	var inner bus.Bus
	switch cfg.Bus.Driver {
	case "redis":
		inner = bus.NewRedis(ctx, rdb, log)
	case "nats":
		nc, err := nats.Connect(cfg.Bus.NATSURL, nats.Name("collabd"))
		if err != nil {
			return fmt.Errorf("could not connect to NATS: %w", err)
		}
		defer nc.Close()
		log.Info("connected to NATS", zap.String("url", cfg.Bus.NATSURL))
		inner = bus.NewNATS(nc, log)
	default:
		inner = bus.NewMemory(bus.NewBroker())
	}
	health := &bus.Health{}
	b := bus.WithRetry(inner, bus.RetryPolicy{
		MaxRetries:      cfg.Bus.PublishRetries,
		InitialInterval: cfg.Bus.RetryInitial,
		MaxInterval:     cfg.Bus.RetryMax,
	}, health, log)
	defer b.Close()

	var seq relay.Sequencer
	if cfg.SequencerDriver() == "redis" {
		seq = relay.NewRedisSequencer(rdb)
	} else {
		seq = relay.NewMemorySequencer()
	}

	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN, cfg.Store.Path, log)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	defer st.Close()

	registry := room.NewRegistry(cfg.Room.MaxMembers, log)

	var merger relay.Merger = merge.Passthrough{}
	var docs gateway.Documents
	if cfg.Relay.Merger == "text" {
		var history merge.History
		if cfg.Store.Driver != "none" {
			history = st
		}
		text := merge.NewText(log, history)
		registry.OnEmpty(text.Drop)
		merger, docs = text, text
	}

	coord := coordinator.New(coordinator.Config{
		Bus:      b,
		Registry: registry,
		Presence: presence.NewTracker(log),
		Operations: relay.NewOperations(relay.Config{
			Bus:        b,
			Sequencer:  seq,
			Members:    registry,
			Merger:     merger,
			Store:      st,
			Origin:     cfg.ProcessID,
			GapTimeout: cfg.Relay.GapTimeout,
			Log:        log,
		}),
		Signals:           relay.NewSignals(b, registry, cfg.ProcessID, log),
		Log:               log,
		ProcessID:         cfg.ProcessID,
		HeartbeatInterval: cfg.Bus.HeartbeatInterval,
		ProcessTimeout:    cfg.Bus.ProcessTimeout,
	})
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}

	authn := auth.Chain{}
	if cfg.Auth.JWTSecret != "" {
		authn = append(authn, auth.NewJWT(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer))
	}
	if len(cfg.Auth.StaticTokens) > 0 {
		authn = append(authn, auth.NewStatic(cfg.Auth.StaticTokens))
	}
	if len(authn) == 0 {
		log.Warn("no authenticator configured, every connection will be rejected")
	}

	var announcer *discovery.Announcer
	var peers gateway.Peers
	if cfg.Discovery.Enabled {
		port, err := listenPort(cfg.ListenAddr)
		if err != nil {
			return err
		}
		announcer = discovery.NewAnnouncer(discovery.Config{
			Service:   cfg.Discovery.Service,
			Domain:    cfg.Discovery.Domain,
			ProcessID: coord.ProcessID(),
			Port:      port,
		}, log)
		if err := announcer.Start(ctx); err != nil {
			log.Warn("mDNS discovery disabled", zap.Error(err))
			announcer = nil
		} else {
			peers = announcer
		}
	}

	srv := gateway.NewServer(gateway.Config{
		Coordinator:   coord,
		Authenticator: authn,
		Health:        health,
		Documents:     docs,
		Peers:         peers,
		Log:           log,
		Options: gateway.Options{
			AllowedOrigins:  cfg.Gateway.AllowedOrigins,
			ReadBufferSize:  cfg.Gateway.ReadBufferSize,
			WriteBufferSize: cfg.Gateway.WriteBufferSize,
			SendQueue:       cfg.Gateway.SendQueue,
			MaxMessageSize:  cfg.Gateway.MaxMessageSize,
			IdleTimeout:     cfg.Gateway.IdleTimeout,
			WriteTimeout:    cfg.Gateway.WriteTimeout,
		},
	})
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: srv}

	wg := new(sync.WaitGroup)
	serveErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("coordinator listening", zap.String("addr", cfg.ListenAddr), zap.String("process", coord.ProcessID()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	var runErr error
	select {
	case sig := <-exit:
		log.Info("signal caught", zap.Stringer("sig", sig))
	case runErr = <-serveErr:
		log.Error("server listen failed", zap.Error(runErr))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if announcer != nil {
		_ = announcer.Stop()
	}
	if err := coord.Stop(); err != nil {
		log.Warn("coordinator shutdown", zap.Error(err))
	}
	cancel()
	wg.Wait()
	return runErr
}

func listenPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("parse listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return 0, fmt.Errorf("parse listen port %q: %w", p, err)
	}
	return port, nil
}
