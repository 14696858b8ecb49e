package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oddsync/oddsync/internal/config"
	"github.com/oddsync/oddsync/internal/core/channel"
	"github.com/oddsync/oddsync/internal/core/channel/quic"
	"github.com/oddsync/oddsync/internal/core/channel/websocket"
	"github.com/oddsync/oddsync/internal/core/observability/log"
)

func main() {
	path := "oddsync.yaml"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error loading config:", err)
		os.Exit(1)
	}

	logger := log.New(log.ParseLevel(cfg.LogLevel))

	var transport channel.Transport
	switch cfg.Transport {
	case "quic":
		transport = quic.NewTransport(quic.DefaultConfig(), logger)
	default:
		transport = websocket.NewTransport(websocket.DefaultConfig(), logger)
	}

	queue := channel.Open[map[string]any](transport, cfg.Channel(), logger)
	queue.OnConnectionChange(func(open bool) {
		logger.Info("connection changed", log.Bool("open", open))
	})
	queue.OnQueueSizeChange(func(size int) {
		logger.Debug("queue size changed", log.Int("size", size))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				queue.Enqueue("heartbeat", map[string]any{
					"at": time.Now().UnixMilli(),
				}, channel.WithPriority(channel.PriorityLow))
			case <-ctx.Done():
				return nil
			}
		}
	})

	<-stopCh
	cancel()

	if err := queue.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "error closing channel:", err)
	}
	_ = group.Wait()
}
