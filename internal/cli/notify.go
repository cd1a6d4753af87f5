package cli

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fatih/color"
	"github.com/kilupskalvis/collab/internal/relay"
	"github.com/spf13/cobra"
)

var notifyCmd = &cobra.Command{
	Use:   "notify <room> <json>",
	Short: "Send an external update to a room",
	Long: `Publish a JSON payload to a room through Redis. Every server instance
hosting the room delivers it to its participants as an external-update
message. Requires redis.addr in the config or COLLAB_REDIS_ADDR.

Examples:
  collab notify standup '{"kind":"build","status":"passed"}'`,
	Args: cobra.ExactArgs(2),
	Run:  runNotify,
}

func init() {
	rootCmd.AddCommand(notifyCmd)
}

func runNotify(_ *cobra.Command, args []string) {
	cfg := loadConfig()
	if cfg.Redis.Addr == "" {
		exitError("redis.addr is not configured")
	}
	payload := json.RawMessage(args[1])
	if !json.Valid(payload) {
		exitError("payload is not valid JSON")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rdb, err := relay.NewClient(ctx, relay.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		exitError("%v", err)
	}
	defer rdb.Close()

	feed := relay.NewRedisFeed(rdb, "cli", newLogger(color.Error, cfg.LogLevel, "text"))
	if err := feed.PublishExternal(ctx, args[0], payload); err != nil {
		exitError("publish: %v", err)
	}
	color.New(color.FgGreen).Printf("Sent update to '%s'\n", args[0])
}
