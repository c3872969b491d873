package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/forkscope/forkscope/internal/api"
	"github.com/forkscope/forkscope/internal/api/handler"
	"github.com/forkscope/forkscope/internal/config"
	"github.com/forkscope/forkscope/internal/notify"
	"github.com/forkscope/forkscope/internal/reconcile"
	"github.com/forkscope/forkscope/internal/rss"
	"github.com/forkscope/forkscope/internal/store"
	"github.com/forkscope/forkscope/pkg/nodeclient"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	setupLogging(cfg.LogLevel)

	slog.Info("starting forkscope",
		"networks", len(cfg.Networks),
		"interval", cfg.QueryInterval,
	)

	st, err := store.Open(ctx, cfg.StoreURL)
	if err != nil {
		slog.Error("failed to open store", "url", cfg.StoreURL, "err", err)
		os.Exit(1)
	}
	defer st.Close()

	// Redis mirroring of change events is optional.
	var redisPub *notify.RedisPublisher
	if cfg.Redis.URL != "" {
		redisOpts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("failed to parse redis url", "err", err)
			os.Exit(1)
		}
		redisClient := redis.NewClient(redisOpts)
		defer redisClient.Close()

		redisPub, err = notify.NewRedisPublisher(redisClient, cfg.Redis.Topic)
		if err != nil {
			slog.Error("failed to create redis publisher", "err", err)
			os.Exit(1)
		}
	}

	notifier := notify.New(redisPub)
	defer notifier.Close()

	reconcilers := make([]*reconcile.Reconciler, 0, len(cfg.Networks))
	for _, network := range cfg.Networks {
		nodes := make([]*reconcile.Node, 0, len(network.Nodes))
		for _, nodeCfg := range network.Nodes {
			client, err := buildClient(nodeCfg)
			if err != nil {
				slog.Error("failed to build node client",
					"network", network.Name, "node", nodeCfg.Name, "err", err)
				os.Exit(1)
			}
			nodes = append(nodes, &reconcile.Node{
				ID:             nodeCfg.ID,
				Name:           nodeCfg.Name,
				Description:    nodeCfg.Description,
				Implementation: implementationName(nodeCfg),
				Client:         client,
			})
		}

		rec := reconcile.New(reconcile.Config{
			NetworkID:             network.ID,
			NetworkName:           network.Name,
			NetworkDescription:    network.Description,
			MinForkHeight:         network.MinForkHeight,
			MaxInterestingHeights: network.MaxInterestingHeights,
			Interval:              cfg.QueryInterval,
		}, nodes, st, notifier)
		rec.Restore(ctx)
		reconcilers = append(reconcilers, rec)
	}

	apiLogger, err := zap.NewProduction()
	if err != nil {
		slog.Error("failed to create api logger", "err", err)
		os.Exit(1)
	}
	defer apiLogger.Sync()

	feeds := rss.NewGenerator(cfg.RSSBaseURL)
	h := handler.NewHandler(reconcilers, notifier, feeds, apiLogger, cfg.WWWPath, cfg.FooterHTML)
	server := api.NewServer(h, apiLogger, cfg.Listen)

	g, ctx := errgroup.WithContext(ctx)

	// Stagger the poll loops so the networks do not all hit their nodes in
	// the same instant.
	for i, rec := range reconcilers {
		rec := rec
		offset := cfg.QueryInterval * time.Duration(i) / time.Duration(len(reconcilers))
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(offset):
			}
			return rec.Run(ctx)
		})
	}

	g.Go(func() error {
		return server.Run(ctx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("forkscope error", "err", err)
		os.Exit(1)
	}

	slog.Info("shutdown complete")
}

func buildClient(nodeCfg config.NodeConfig) (nodeclient.Client, error) {
	switch nodeCfg.Implementation {
	case "core", "":
		return nodeclient.NewCoreRPC(nodeclient.CoreRPCOpts{
			URL:      nodeCfg.RPCURL,
			User:     nodeCfg.RPCUser,
			Password: nodeCfg.RPCPassword,
			UseREST:  nodeCfg.UseREST,
		}), nil
	case "esplora":
		return nodeclient.NewEsplora(nodeclient.EsploraOpts{
			URL: nodeCfg.EsploraURL,
		}), nil
	default:
		return nil, fmt.Errorf("unknown implementation %q", nodeCfg.Implementation)
	}
}

func implementationName(nodeCfg config.NodeConfig) string {
	if nodeCfg.Implementation == "" {
		return "core"
	}
	return nodeCfg.Implementation
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
