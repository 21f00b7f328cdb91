// cryptogate is the market data gateway: one façade over a set of
// public crypto data providers with fallback, rate limiting, caching
// and streaming.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/quantpulse/cryptogate/internal/aggregate"
	"github.com/quantpulse/cryptogate/internal/api"
	"github.com/quantpulse/cryptogate/internal/cache"
	"github.com/quantpulse/cryptogate/internal/config"
	"github.com/quantpulse/cryptogate/internal/dispatch"
	"github.com/quantpulse/cryptogate/internal/health"
	"github.com/quantpulse/cryptogate/internal/httpclient"
	"github.com/quantpulse/cryptogate/internal/hub"
	"github.com/quantpulse/cryptogate/internal/metrics"
	"github.com/quantpulse/cryptogate/internal/normalize"
	"github.com/quantpulse/cryptogate/internal/predict"
	"github.com/quantpulse/cryptogate/internal/provider"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "cryptogate",
		Short: "Crypto market data gateway",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(cmd)
		},
	}
	root.PersistentFlags().String("log-level", "info", "log level (trace|debug|info|warn|error)")

	root.AddCommand(serveCmd())
	root.AddCommand(providersCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(cmd *cobra.Command) {
	level, _ := cmd.Flags().GetString("log-level")
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = log.Output(os.Stderr)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gateway version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("cryptogate " + version)
		},
	}
}

// providersCmd prints the loaded provider catalog without starting the
// server. Useful for checking which chains survive key filtering.
func providersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List the provider catalog and fallback chains",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			file, err := config.LoadProviders(cfg.ProviderConfigPath)
			if err != nil {
				return err
			}
			for _, spec := range file.Providers {
				keyState := "no key needed"
				if spec.Auth.Mode != "none" && spec.Auth.Mode != "" {
					if os.Getenv(spec.Auth.KeyEnv) != "" {
						keyState = "key configured"
					} else {
						keyState = "key missing (" + spec.Auth.KeyEnv + ")"
					}
				}
				fmt.Printf("%-24s %-10s priority=%d parser=%s %s\n",
					spec.ID, spec.Category, spec.Priority, spec.ParserID, keyState)
			}
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	file, err := config.LoadProviders(cfg.ProviderConfigPath)
	if err != nil {
		return fmt.Errorf("provider catalog: %w", err)
	}
	for _, spec := range file.Providers {
		if !normalize.Known(spec.ParserID) {
			return fmt.Errorf("provider %s: unknown parser %q (known: %v)",
				spec.ID, spec.ParserID, normalize.ParserIDs())
		}
	}

	registry, err := provider.NewRegistry(file, provider.RuntimeOptions{
		FailureThreshold: cfg.BreakerFailureThreshold,
		OpenDuration:     cfg.BreakerOpenDuration,
	})
	if err != nil {
		return fmt.Errorf("provider registry: %w", err)
	}

	m := metrics.New()

	cacheOpts := []cache.Option{cache.WithStatsSink(m)}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable, running without shared cache")
		} else {
			level := cache.NewRedisLevel(rdb, "", func(key string, raw []byte) (interface{}, error) {
				return normalize.DecodeCanonical(dispatch.OpFromKey(key), raw)
			})
			cacheOpts = append(cacheOpts, cache.WithSecondLevel(level))
			log.Info().Str("addr", cfg.RedisAddr).Msg("shared redis cache enabled")
		}
	}
	c := cache.New(cfg.CacheMaxEntries, cacheOpts...)

	client := httpclient.New(httpclient.Options{
		MaxRetries:     cfg.MaxRetries,
		DefaultTimeout: cfg.UpstreamTimeout,
		UserAgent:      "cryptogate/" + version,
	})

	tracker := health.NewTracker(registry)
	dispatcher := dispatch.New(registry, client, c, m, tracker)

	var predictor *predict.Client
	if cfg.PredictBaseURL != "" {
		predictor = predict.New(cfg.PredictBaseURL, cfg.UpstreamTimeout)
		log.Info().Msg("prediction engine enabled")
	}

	svc := aggregate.New(dispatcher, predictor)

	var auth hub.Authenticator
	if cfg.JWTSecret != "" {
		auth = hub.NewJWTAuthenticator(cfg.JWTSecret)
	}
	var sessions *hub.SessionStore
	if cfg.SessionSecret != "" {
		sessions = hub.NewSessionStore(cfg.SessionSecret)
	}
	streamHub := hub.New(svc, m, auth, sessions)

	server := api.New(svc, tracker, m, api.Options{
		ListenAddr:     cfg.ListenAddr,
		RequestTimeout: cfg.UpstreamTimeout * 3,
		EdgeRPS:        cfg.EdgeRPS,
		EdgeBurst:      cfg.EdgeBurst,
		StreamHandler:  streamHub,
	})

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Str("version", version).Msg("gateway listening")
		errCh <- server.Run()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}

	streamHub.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("gateway stopped")
	return nil
}
