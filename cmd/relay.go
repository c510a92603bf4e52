package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/heitortanoue/crdtboard/internal/config"
	"github.com/heitortanoue/crdtboard/internal/printer"
	"github.com/heitortanoue/crdtboard/pkg/relay"
)

var relayFlags struct {
	port      int
	redisAddr string
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the websocket relay",
	Long: `Run the stateless websocket relay peers connect to.

Rooms live in memory while they have connections. With --redis several
relay instances share rooms through Redis pub/sub. The port defaults to
the PORT environment variable, then 1234.`,
	RunE: runRelay,
}

func init() {
	f := relayCmd.Flags()
	f.IntVar(&relayFlags.port, "port", 0, "listen port")
	f.StringVar(&relayFlags.redisAddr, "redis", "", "Redis address for multi-instance fan-out")
	rootCmd.AddCommand(relayCmd)
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(func(c *config.Config) error {
		if cmd.Flags().Changed("port") {
			c.Relay.Port = relayFlags.port
		}
		if cmd.Flags().Changed("redis") {
			c.Relay.RedisAddr = relayFlags.redisAddr
		}
		return nil
	})
	if err != nil {
		return err
	}

	var fanout relay.Fanout
	if cfg.Relay.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rf, err := relay.NewRedisFanout(ctx, &redis.Options{Addr: cfg.Relay.RedisAddr})
		cancel()
		if err != nil {
			return printer.Error("Redis unreachable", err.Error(), []string{
				"Start Redis or drop --redis to run a single instance",
			})
		}
		fanout = rf
		printer.Step("Fan-out through Redis at %s (instance %s)\n", cfg.Relay.RedisAddr, rf.Instance())
	}

	server := relay.NewServer(relay.Config{
		PingInterval:     cfg.Relay.PingInterval,
		AwarenessTimeout: cfg.AwarenessTimeout,
		GC:               cfg.Relay.GC,
	}, fanout)

	addr := fmt.Sprintf(":%d", cfg.Relay.Port)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(addr) }()
	printer.Success("Relay listening on %s\n", addr)

	select {
	case err := <-errCh:
		if err != nil {
			return printer.Error("Relay stopped", err.Error(), nil)
		}
		return nil
	case <-signalCh():
		printer.Info("\nShutdown signal received, stopping...\n")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		printer.Warning("Shutdown: %v\n", err)
	}
	printer.Success("Relay stopped\n")
	return nil
}
