package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/telnet2/patchsync/internal/channel"
	"github.com/telnet2/patchsync/internal/config"
	"github.com/telnet2/patchsync/internal/hub"
	"github.com/telnet2/patchsync/internal/logging"
	"github.com/telnet2/patchsync/internal/server"
	"github.com/telnet2/patchsync/internal/storage"
	"github.com/telnet2/patchsync/pkg/types"
)

const shutdownTimeout = 30 * time.Second

var (
	servePort     int
	serveHostname string
	serveDir      string
	servePersist  bool
	serveDemo     bool
	serveDemoRate time.Duration
	serveFeeds    []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a patchsync server",
	Long: `Start a patchsync server exposing channels over HTTP.

Configuration is read from patchsync.json, patchsync.jsonc or patchsync.yaml
in the working directory (or its .patchsync directory), the global config
directory and PATCHSYNC_* environment variables. Flags win over all of them.

With --demo the server publishes a counter on the "count" channel. Each
--feed channel=path publishes the JSON file at path to the channel now and
whenever the file changes.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", config.DefaultPort, "Port to listen on")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", config.DefaultHostname, "Hostname to listen on")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory")
	serveCmd.Flags().BoolVar(&servePersist, "persist", false, "Persist snapshots and restore them at startup")
	serveCmd.Flags().BoolVar(&serveDemo, "demo", false, "Publish a demo counter on the \"count\" channel")
	serveCmd.Flags().DurationVar(&serveDemoRate, "demo-interval", time.Second, "Interval between demo counter publishes")
	serveCmd.Flags().StringArrayVar(&serveFeeds, "feed", nil, "Publish a JSON file to a channel on change (channel=path, repeatable)")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}
	applyServeFlags(cmd, appConfig)

	if appConfig.Log != nil && !cmd.Flags().Changed("log-level") && appConfig.Log.Level != "" {
		logLevel = appConfig.Log.Level
		initLogging()
	}
	log := logging.Component("serve")
	log.Info().Str("version", Version).Str("directory", workDir).Msg("starting patchsync server")

	opts := hub.OptionsFromConfig(appConfig.Hub)
	if appConfig.Hub != nil && appConfig.Hub.Persist != nil && *appConfig.Hub.Persist {
		opts.Storage = storage.New(paths.StoragePath())
	}
	h := hub.New(opts)
	defer h.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.Storage != nil {
		n, err := h.Restore(ctx)
		if err != nil {
			return fmt.Errorf("restore snapshots: %w", err)
		}
		log.Info().Int("channels", n).Str("path", opts.Storage.BasePath()).Msg("restored snapshots")
	}
	if err := registerChannels(ctx, h, appConfig.Channels); err != nil {
		return err
	}
	feeds, err := parseFeeds(serveFeeds)
	if err != nil {
		return err
	}

	serverConfig := server.DefaultConfig()
	serverConfig.Addr = config.Address(appConfig)
	serverConfig.Version = Version
	if appConfig.Server != nil {
		if appConfig.Server.CORS != nil {
			serverConfig.EnableCORS = *appConfig.Server.CORS
		}
		if appConfig.Server.MCP != nil {
			serverConfig.EnableMCP = *appConfig.Server.MCP
		}
		serverConfig.Heartbeat = appConfig.Server.HeartbeatInterval(serverConfig.Heartbeat)
	}
	srv := server.New(serverConfig, h)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Closing the hub ends every open stream so Shutdown can finish.
		h.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
		log.Info().Msg("server stopped")
		return nil
	})
	if serveDemo {
		g.Go(func() error {
			return runDemo(gctx, h, serveDemoRate)
		})
	}
	for _, f := range feeds {
		g.Go(func() error {
			return runFeed(gctx, h, f)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// applyServeFlags lets explicitly set flags override the loaded config.
func applyServeFlags(cmd *cobra.Command, cfg *types.Config) {
	flags := cmd.Flags()
	if flags.Changed("port") || flags.Changed("hostname") {
		if cfg.Server == nil {
			cfg.Server = &types.ServerConfig{}
		}
		if flags.Changed("port") {
			cfg.Server.Port = servePort
		}
		if flags.Changed("hostname") {
			cfg.Server.Hostname = serveHostname
		}
	}
	if flags.Changed("persist") {
		if cfg.Hub == nil {
			cfg.Hub = &types.HubConfig{}
		}
		cfg.Hub.Persist = &servePersist
	}
}

// registerChannels registers the configured startup channels in name
// order. Channels restored from storage keep their persisted value.
func registerChannels(ctx context.Context, h *hub.Hub, channels map[string]json.RawMessage) error {
	ids := make([]string, 0, len(channels))
	for id := range channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		var initial any
		if raw := channels[id]; len(raw) > 0 {
			initial = raw
		}
		if _, err := h.Register(ctx, id, initial); err != nil && !errors.Is(err, channel.ErrChannelExists) {
			return fmt.Errorf("register channel %s: %w", id, err)
		}
	}
	return nil
}

// runDemo publishes an increasing counter on "count". Ticks arrive four
// times faster than the publish rate, so Stream coalesces them.
func runDemo(ctx context.Context, h *hub.Hub, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	if _, err := h.Register(ctx, "count", 0); err != nil && !errors.Is(err, channel.ErrChannelExists) {
		return err
	}
	start := 0
	if snap, err := h.Snapshot("count"); err == nil {
		if n, ok := snap.Value.(float64); ok {
			start = int(n)
		}
	}

	values := make(chan any, 4)
	go func() {
		defer close(values)
		ticker := time.NewTicker(interval / 4)
		defer ticker.Stop()
		for n := start + 1; ; n++ {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			select {
			case values <- n:
			case <-ctx.Done():
				return
			}
		}
	}()

	err := h.Stream(ctx, "count", values, rate.Every(interval))
	if ctx.Err() != nil || errors.Is(err, hub.ErrClosed) {
		return nil
	}
	return err
}
