package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/kilupskalvis/collab/internal/config"
	"github.com/kilupskalvis/collab/internal/relay"
	"github.com/kilupskalvis/collab/internal/remote"
	"github.com/kilupskalvis/collab/internal/remote/server"
	"github.com/kilupskalvis/collab/internal/room"
	"github.com/kilupskalvis/collab/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	serverListen      string
	serverDataDir     string
	serverLogLevel    string
	serverLogFormat   string
	serverTLSCert     string
	serverTLSKey      string
	serverWebhookURLs string
	serverStoreDriver string
	serverRedisAddr   string

	serverAdminURL         string
	serverAdminToken       string
	serverTokenDesc        string
	serverTokenParticipant string
	serverTokenName        string
	serverTokenAvatar      string
	serverTokenRooms       []string
	serverTokenPermission  string
	serverGCMaxAge         time.Duration
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run and administer the collab server",
	Long:  "Commands for running the collab server and managing a running instance.",
}

var serverStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the collab server",
	Long: `Start the collab server.

Settings come from the config file, then COLLAB_* environment variables,
then the flags below. Documents are snapshotted to the configured store
(bbolt by default). When redis.addr is set, committed changes are published
to Redis, external updates are received from it, and chat history is shared
across instances.

Setting an admin token enables the /admin/ endpoints for token management,
room inspection, and snapshot garbage collection.

Examples:
  collab server start
  collab server start --listen 0.0.0.0:8720 --data-dir /var/lib/collab
  collab server start --store sqlite --redis localhost:6379
  collab server start --tls-cert server.crt --tls-key server.key`,
	Run: runServerStart,
}

func init() {
	serverCmd.AddCommand(serverStartCmd)
	serverCmd.AddCommand(serverTokensCmd)
	serverCmd.AddCommand(serverRoomsCmd)
	serverCmd.AddCommand(serverGCCmd)

	f := serverStartCmd.Flags()
	f.StringVar(&serverListen, "listen", "", "Listen address (host:port)")
	f.StringVar(&serverDataDir, "data-dir", "", "Directory for server data")
	f.StringVar(&serverLogLevel, "log-level", "", "Log level (debug|info|warn|error)")
	f.StringVar(&serverLogFormat, "log-format", "", "Log format (json|text)")
	f.StringVar(&serverTLSCert, "tls-cert", "", "TLS certificate file")
	f.StringVar(&serverTLSKey, "tls-key", "", "TLS key file")
	f.StringVar(&serverWebhookURLs, "webhook-urls", "", "Comma-separated webhook URLs to notify when a room closes")
	f.StringVar(&serverStoreDriver, "store", "", "Snapshot store driver (bbolt|sqlite|postgres|fs)")
	f.StringVar(&serverRedisAddr, "redis", "", "Redis address for the change feed and shared chat")

	// Both parents bind the same package-level vars; only one command path
	// executes at runtime.
	for _, cmd := range []*cobra.Command{serverTokensCmd, serverRoomsCmd, serverGCCmd} {
		cmd.PersistentFlags().StringVar(&serverAdminURL, "url",
			envOrDefault("COLLAB_SERVER_URL", ""),
			"Server base URL (env: COLLAB_SERVER_URL)")
		cmd.PersistentFlags().StringVar(&serverAdminToken, "admin-token",
			os.Getenv("COLLAB_ADMIN_TOKEN"),
			"Admin token (env: COLLAB_ADMIN_TOKEN)")
	}

	serverTokensCmd.AddCommand(serverTokensCreateCmd, serverTokensListCmd, serverTokensDeleteCmd)
	serverRoomsCmd.AddCommand(serverRoomsListCmd, serverRoomsFlushCmd)

	tf := serverTokensCreateCmd.Flags()
	tf.StringVar(&serverTokenDesc, "desc", "", "Token description")
	tf.StringVar(&serverTokenParticipant, "participant", "", "Participant id the token authenticates as (required)")
	tf.StringVar(&serverTokenName, "name", "", "Display name (default: participant id)")
	tf.StringVar(&serverTokenAvatar, "avatar", "", "Avatar reference")
	tf.StringArrayVar(&serverTokenRooms, "room", nil,
		"Rooms to grant access to, repeat for multiple (default: *)")
	tf.StringVar(&serverTokenPermission, "permission", server.PermissionReadWrite, "Permission level: ro or rw")

	serverGCCmd.Flags().DurationVar(&serverGCMaxAge, "max-age", 0,
		"Delete snapshots of closed documents older than this (default: server retention)")
}

// applyStartFlags overlays explicitly set start flags on cfg.
func applyStartFlags(cfg *config.Config) error {
	set := func(v string, dst *string) {
		if v != "" {
			*dst = v
		}
	}
	set(serverListen, &cfg.Listen)
	set(serverDataDir, &cfg.DataDir)
	set(serverLogLevel, &cfg.LogLevel)
	set(serverLogFormat, &cfg.LogFormat)
	set(serverTLSCert, &cfg.TLSCert)
	set(serverTLSKey, &cfg.TLSKey)
	set(serverStoreDriver, &cfg.Store.Driver)
	set(serverRedisAddr, &cfg.Redis.Addr)
	if serverWebhookURLs != "" {
		cfg.WebhookURLs = config.SplitList(serverWebhookURLs)
	}
	return cfg.Validate()
}

// newLogger builds the process logger from level and format names.
func newLogger(w io.Writer, level, format string) *slog.Logger {
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

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// app is a fully wired server: snapshot store, optional Redis relay, room
// registry, and HTTP handler.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    store.SnapshotStore
	rdb      *redis.Client
	feed     *relay.RedisFeed
	rooms    *room.Registry
	tokens   *server.FileTokenStore
	webhooks *server.WebhookNotifier
	handler  http.Handler
	cleanup  func()
	instance string

	closeOnce sync.Once
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	snaps, err := store.Open(ctx, store.Options{
		Driver: cfg.Store.Driver,
		Path:   cfg.StorePath(),
		DSN:    cfg.Store.DSN,
		Retry: &store.RetryConfig{
			MaxRetries:     cfg.Store.Retry.MaxRetries,
			InitialBackoff: cfg.Store.Retry.InitialBackoff.Duration,
			MaxBackoff:     cfg.Store.Retry.MaxBackoff.Duration,
			JitterFraction: 0.25,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    snaps,
		instance: cfg.InstanceID,
	}
	if a.instance == "" {
		a.instance = uuid.NewString()
	}

	srvCfg := server.DefaultServerConfig()
	srvCfg.AdminToken = cfg.AdminToken
	srvCfg.AllowedOrigins = cfg.HTTP.AllowedOrigins
	srvCfg.RequestsPerMinute = cfg.HTTP.RequestsPerMinute
	srvCfg.MaxMessageBytes = cfg.HTTP.MaxMessageBytes
	srvCfg.MaxRequestBody = cfg.HTTP.MaxRequestBody
	srvCfg.QueueSize = cfg.Rooms.QueueSize
	srvCfg.SnapshotRetention = cfg.Store.Retention.Duration
	if cfg.HTTP.PingInterval.Duration > 0 {
		srvCfg.PingInterval = cfg.HTTP.PingInterval.Duration
		srvCfg.PongWait = srvCfg.PingInterval * 7 / 3
	}
	srvCfg.Store = snaps

	opts := room.Options{
		GracePeriod:      cfg.Rooms.GracePeriod.Duration,
		ReconnectGrace:   cfg.Rooms.ReconnectGrace.Duration,
		IdleTimeout:      cfg.Rooms.IdleTimeout.Duration,
		SweepInterval:    cfg.Rooms.SweepInterval.Duration,
		SnapshotInterval: cfg.Rooms.SnapshotInterval.Duration,
		Logger:           logger,
	}

	var memChat *relay.MemoryChatLog
	if cfg.Redis.Addr != "" {
		rdb, err := relay.NewClient(ctx, relay.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			snaps.Close()
			return nil, err
		}
		a.rdb = rdb
		a.feed = relay.NewRedisFeed(rdb, a.instance, logger)
		opts.Feed = a.feed
		srvCfg.Chat = relay.NewRedisChatLog(rdb, cfg.Redis.ChatHistory)
		logger.Info("redis relay configured", "addr", cfg.Redis.Addr, "instance", a.instance)
	} else {
		memChat = relay.NewMemoryChatLog(cfg.Redis.ChatHistory)
		srvCfg.Chat = memChat
	}

	var webhooks *server.WebhookNotifier
	if len(cfg.WebhookURLs) > 0 {
		webhooks = server.NewWebhookNotifier(&server.WebhookConfig{URLs: cfg.WebhookURLs}, logger)
		logger.Info("webhooks configured", "count", len(cfg.WebhookURLs))
	}
	a.webhooks = webhooks
	opts.OnClose = func(roomID, documentID string, version int64) {
		webhooks.NotifyRoomClosed(roomID, documentID, version)
		if memChat != nil {
			memChat.Forget(roomID)
		}
	}

	a.rooms = room.NewRegistry(snaps, opts)

	a.tokens = server.NewFileTokenStore(cfg.TokensPath(), logger)
	if err := a.tokens.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		a.close(ctx)
		return nil, fmt.Errorf("load tokens: %w", err)
	}

	a.handler, a.cleanup = server.Handler(a.rooms, a.tokens, srvCfg, logger)
	return a, nil
}

// run starts the registry sweeper and, with Redis, the external update
// subscription. Both stop when ctx is done.
func (a *app) run(ctx context.Context) {
	go a.rooms.Run(ctx)
	if a.feed != nil {
		go func() {
			if err := a.feed.Subscribe(ctx, func(roomID string, payload []byte) {
				a.rooms.Relay(roomID, payload)
			}); err != nil {
				a.logger.Error("external update subscription failed", "error", err)
			}
		}()
	}
}

// close drains sessions, flushes every room, and releases the backends.
func (a *app) close(ctx context.Context) {
	a.closeOnce.Do(func() {
		if a.cleanup != nil {
			a.cleanup()
		}
		if a.rooms != nil {
			if err := a.rooms.Close(ctx); err != nil {
				a.logger.Error("flush rooms on shutdown", "error", err)
			}
		}
		if err := a.webhooks.Close(ctx); err != nil {
			a.logger.Warn("webhooks not fully delivered", "error", err)
		}
		if a.rdb != nil {
			a.rdb.Close()
		}
		if err := a.store.Close(); err != nil {
			a.logger.Error("close snapshot store", "error", err)
		}
	})
}

func runServerStart(_ *cobra.Command, _ []string) {
	cfg := loadConfig()
	if err := applyStartFlags(cfg); err != nil {
		exitError("%v", err)
	}
	logger := newLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	a.run(ctx)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("starting collab server",
			"listen", cfg.Listen, "data_dir", cfg.DataDir, "store", cfg.Store.Driver)
		var err error
		if cfg.TLSCert != "" && cfg.TLSKey != "" {
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown; the
	// handler cleanup in close ends them.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	stop()
	a.close(shutdownCtx)
	logger.Info("server stopped")
}

// --- collab server tokens ---

var serverTokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Manage server tokens",
	Long:  "Commands for managing participant tokens on a running collab server.",
}

var serverTokensCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new participant token",
	Run:   runServerTokensCreate,
}

var serverTokensListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all participant tokens",
	Run:   runServerTokensList,
}

var serverTokensDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a participant token",
	Args:  cobra.ExactArgs(1),
	Run:   runServerTokensDelete,
}

// --- collab server rooms ---

var serverRoomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "Inspect live rooms",
	Long:  "Commands for inspecting the rooms hosted by a running collab server.",
}

var serverRoomsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live rooms",
	Run:   runServerRoomsList,
}

var serverRoomsFlushCmd = &cobra.Command{
	Use:   "flush <room>",
	Short: "Snapshot a room's document now",
	Args:  cobra.ExactArgs(1),
	Run:   runServerRoomsFlush,
}

var serverGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete old snapshots of closed documents",
	Run:   runServerGC,
}

// resolveAdminClient builds an AdminClient from the package-level admin flag vars.
func resolveAdminClient() *remote.AdminClient {
	if serverAdminURL == "" {
		exitError("--url or COLLAB_SERVER_URL is required")
	}
	if serverAdminToken == "" {
		exitError("--admin-token or COLLAB_ADMIN_TOKEN is required")
	}
	return remote.NewAdminClient(serverAdminURL, serverAdminToken)
}

func runServerTokensCreate(_ *cobra.Command, _ []string) {
	if serverTokenParticipant == "" {
		exitError("--participant is required")
	}
	c := resolveAdminClient()
	ctx := context.Background()

	rooms := serverTokenRooms
	if len(rooms) == 0 {
		rooms = []string{"*"}
	}

	resp, err := c.CreateToken(ctx, &remote.AdminTokenCreateRequest{
		Description:   serverTokenDesc,
		ParticipantID: serverTokenParticipant,
		DisplayName:   serverTokenName,
		Avatar:        serverTokenAvatar,
		Rooms:         rooms,
		Permission:    serverTokenPermission,
	})
	if err != nil {
		exitError("%v", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	fmt.Println("Token created.")
	fmt.Printf("  ID:          %s\n", resp.ID)
	fmt.Printf("  Participant: %s (%s)\n", resp.ParticipantID, resp.DisplayName)
	fmt.Printf("  Description: %s\n", resp.Description)
	fmt.Printf("  Rooms:       %s\n", strings.Join(resp.Rooms, ", "))
	fmt.Printf("  Permission:  %s\n", resp.Permission)
	fmt.Println()
	green.Printf("Token: %s\n", resp.Token)
	yellow.Println("Save this token. It will not be shown again.")
}

func runServerTokensList(_ *cobra.Command, _ []string) {
	c := resolveAdminClient()
	ctx := context.Background()

	tokens, err := c.ListTokens(ctx)
	if err != nil {
		exitError("%v", err)
	}

	if len(tokens) == 0 {
		return
	}

	fmt.Printf("  %-32s  %-16s  %-20s  %-16s  %s\n", "ID", "Participant", "Description", "Rooms", "Permission")
	for _, t := range tokens {
		fmt.Printf("  %-32s  %-16s  %-20s  %-16s  %s\n",
			t.ID,
			t.ParticipantID,
			t.Description,
			strings.Join(t.Rooms, ","),
			t.Permission,
		)
	}
}

func runServerTokensDelete(_ *cobra.Command, args []string) {
	c := resolveAdminClient()
	ctx := context.Background()

	if err := c.DeleteToken(ctx, args[0]); err != nil {
		exitError("%v", err)
	}

	fmt.Printf("Deleted token '%s'\n", args[0])
}

func runServerRoomsList(_ *cobra.Command, _ []string) {
	c := resolveAdminClient()
	ctx := context.Background()

	rooms, err := c.ListRooms(ctx)
	if err != nil {
		exitError("%v", err)
	}

	if len(rooms) == 0 {
		fmt.Println("No live rooms.")
		return
	}

	draining := color.New(color.FgYellow)
	fmt.Printf("  %-24s  %-24s  %-9s  %8s  %s\n", "Room", "Document", "State", "Version", "Connected")
	for _, r := range rooms {
		line := fmt.Sprintf("  %-24s  %-24s  %-9s  %8d  %d/%d\n",
			r.ID, r.DocumentID, r.State, r.Version, r.Connected, r.Participants)
		if r.State == room.Draining.String() {
			draining.Print(line)
		} else {
			fmt.Print(line)
		}
	}
}

func runServerRoomsFlush(_ *cobra.Command, args []string) {
	c := resolveAdminClient()
	ctx := context.Background()

	resp, err := c.FlushRoom(ctx, args[0])
	if err != nil {
		exitError("%v", err)
	}

	color.New(color.FgGreen).Printf("Flushed '%s' (document %s, version %d)\n",
		resp.RoomID, resp.DocumentID, resp.Version)
}

func runServerGC(_ *cobra.Command, _ []string) {
	c := resolveAdminClient()
	ctx := context.Background()

	resp, err := c.GC(ctx, serverGCMaxAge)
	if err != nil {
		exitError("%v", err)
	}

	fmt.Printf("Scanned %d snapshots, deleted %d (%d live documents kept)\n",
		resp.SnapshotsScanned, resp.SnapshotsDeleted, resp.LiveDocuments)
}
