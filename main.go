package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/ksuid"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/pflag"
	"golang.org/x/exp/slog"
	"manualpilot/webdmx/impl"
	"manualpilot/webdmx/internal"
)

type Env struct {
	InstanceID       string        `env:"INSTANCE_ID"`
	WSListenAddr     string        `env:"WS_LISTEN_ADDR,default=0.0.0.0:31501"`
	HTTPListenAddr   string        `env:"HTTP_LISTEN_ADDR,default=0.0.0.0:31502"`
	Driver           string        `env:"DRIVER,default=ola"`
	OLAAddr          string        `env:"OLA_ADDR,default=localhost:9010"`
	OLAUniverse      int           `env:"OLA_UNIVERSE,default=1"`
	OLARefresh       time.Duration `env:"OLA_REFRESH,default=1s"`
	Channels         int           `env:"CHANNELS,default=512"`
	PresetBackend    string        `env:"PRESET_BACKEND,default=sqlite"`
	DatabasePath     string        `env:"DATABASE_PATH,default=dmx.sqlite3"`
	RedisURL         string        `env:"REDIS_URL"`
	RedisPresetKey   string        `env:"REDIS_PRESET_KEY,default=webdmx:presets"`
	RedisChannel     string        `env:"REDIS_CHANNEL,default=webdmx:events"`
	PresetMatch      string        `env:"PRESET_MATCH,default=first"`
	BroadcastChanges bool          `env:"BROADCAST_CHANGES,default=false"`
	QueueSize        int           `env:"QUEUE_SIZE,default=32"`
	OriginPatterns   []string      `env:"ORIGIN_PATTERNS"`
	ServiceDomain    string        `env:"SERVICE_DOMAIN"`
	PorkbunAPIKey    string        `env:"PORKBUN_API_KEY"`
	PorkbunAPISecret string        `env:"PORKBUN_API_SECRET"`
	LogLevel         string        `env:"LOG_LEVEL,default=info"`
}

// parseFlags lets the command line override the environment.
func parseFlags(env *Env, args []string) error {
	flagSet := pflag.NewFlagSet("webdmx", pflag.ContinueOnError)
	flagSet.StringVar(&env.WSListenAddr, "ws-addr", env.WSListenAddr, "websocket listen address")
	flagSet.StringVar(&env.HTTPListenAddr, "http-addr", env.HTTPListenAddr, "status listen address")
	flagSet.StringVar(&env.Driver, "driver", env.Driver, "fixture driver (ola, memory)")
	flagSet.StringVar(&env.OLAAddr, "ola", env.OLAAddr, "OLA rpc address")
	flagSet.IntVar(&env.Channels, "channels", env.Channels, "channel count")
	flagSet.StringVar(&env.PresetBackend, "presets", env.PresetBackend, "preset backend (sqlite, redis)")
	flagSet.StringVar(&env.DatabasePath, "db", env.DatabasePath, "sqlite preset database")
	flagSet.StringVar(&env.PresetMatch, "preset-match", env.PresetMatch, "duplicate preset resolution (first, last)")
	flagSet.BoolVar(&env.BroadcastChanges, "broadcast", env.BroadcastChanges, "broadcast state changes to every client")
	flagSet.StringVar(&env.LogLevel, "log-level", env.LogLevel, "log level")

	return flagSet.Parse(args)
}

func newLogger(level string) (*slog.Logger, error) {
	lvl := slog.LevelInfo
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{AddSource: true, Level: lvl})
	return slog.New(handler), nil
}

func doMain(ctx context.Context, env Env) error {
	logger, err := newLogger(env.LogLevel)
	if err != nil {
		return err
	}

	if env.InstanceID == "" {
		env.InstanceID = ksuid.New().String()
	}

	logger = logger.With(slog.String("instance", env.InstanceID))

	var rdb *redis.Client
	if env.RedisURL != "" {
		rOpts, err := redis.ParseURL(env.RedisURL)
		if err != nil {
			return err
		}

		rdb = redis.NewClient(rOpts)
		if err := rdb.Info(ctx).Err(); err != nil {
			return err
		}

		//goland:noinspection GoUnhandledErrorResult
		defer rdb.Close()
	}

	driver, err := newDriver(ctx, logger, env)
	if err != nil {
		return err
	}

	presets, err := newPresets(env, rdb)
	if err != nil {
		return err
	}

	//goland:noinspection GoUnhandledErrorResult
	defer presets.Close()

	var cluster *internal.Cluster
	if rdb != nil {
		cluster = &internal.Cluster{
			Redis:      rdb,
			Channel:    env.RedisChannel,
			InstanceID: env.InstanceID,
			Logger:     logger,
		}
	}

	gateway := internal.NewGateway(logger, internal.NewFixtureState(driver), presets, cluster, internal.Options{
		InstanceID:       env.InstanceID,
		BroadcastChanges: env.BroadcastChanges,
		Join: internal.JoinOptions{
			QueueSize:      env.QueueSize,
			OriginPatterns: env.OriginPatterns,
		},
	})

	go gateway.Run(ctx)

	var tlsConfig *tls.Config
	if env.ServiceDomain != "" {
		if rdb == nil {
			return errors.New("SERVICE_DOMAIN requires REDIS_URL")
		}

		tlsConfig, err = impl.TLSConfig(env.ServiceDomain, env.PorkbunAPIKey, env.PorkbunAPISecret, rdb)
		if err != nil {
			return err
		}
	}

	servers := []*http.Server{
		{Addr: env.WSListenAddr, Handler: gateway.SocketRouter(), TLSConfig: tlsConfig},
		{Addr: env.HTTPListenAddr, Handler: gateway.StatusRouter()},
	}

	ec := make(chan error, len(servers))
	for _, server := range servers {
		server := server

		//goland:noinspection GoUnhandledErrorResult
		defer server.Close()

		go func() {
			logger.Info("starting...", slog.String("address", server.Addr))

			var err error
			if server.TLSConfig != nil {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}

			if err != nil && err != http.ErrServerClosed {
				ec <- fmt.Errorf("%v: %w", server.Addr, err)
			}
		}()
	}

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sc:
		logger.Warn("shutdown signal", slog.String("signal", sig.String()))
	case err := <-ec:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, server := range servers {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shut down", slog.String("address", server.Addr), slog.Any("err", err))
		}
	}

	return nil
}

func newDriver(ctx context.Context, logger *slog.Logger, env Env) (internal.FixtureDriver, error) {
	switch env.Driver {
	case "memory":
		return internal.NewMemoryDriver(env.Channels), nil
	case "ola":
		driver, err := internal.DialOLA(env.OLAAddr, env.OLAUniverse, env.Channels)
		if err != nil {
			return nil, fmt.Errorf("connect to ola: %w", err)
		}

		go driver.RefreshWorker(ctx, logger, env.OLARefresh)
		return driver, nil
	default:
		return nil, fmt.Errorf("unknown driver %q", env.Driver)
	}
}

func newPresets(env Env, rdb *redis.Client) (internal.PresetStore, error) {
	policy, err := internal.ParseMatchPolicy(env.PresetMatch)
	if err != nil {
		return nil, err
	}

	switch env.PresetBackend {
	case "sqlite":
		return internal.OpenSQLitePresets(env.DatabasePath, policy)
	case "redis":
		if rdb == nil {
			return nil, errors.New("redis preset backend requires REDIS_URL")
		}

		return internal.NewRedisPresets(rdb, env.RedisPresetKey, policy), nil
	default:
		return nil, fmt.Errorf("unknown preset backend %q", env.PresetBackend)
	}
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := Env{}
	if err := envconfig.Process(ctx, &env); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := parseFlags(&env, os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}

		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := doMain(ctx, env); err != nil {
		fmt.Fprintln(os.Stderr, "failed to start:", err)
		cancel()
		os.Exit(1)
	}
}
