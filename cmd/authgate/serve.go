package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"
	"github.com/AppsFlyer/go-sundheit/checks"
	gosundheithttp "github.com/AppsFlyer/go-sundheit/http"
	"github.com/ghodss/yaml"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/thefixer3x/onasis-authgate/pkg/cache"
	"github.com/thefixer3x/onasis-authgate/pkg/events"
	"github.com/thefixer3x/onasis-authgate/pkg/featureflags"
	"github.com/thefixer3x/onasis-authgate/pkg/ratelimit"
	"github.com/thefixer3x/onasis-authgate/server"
	"github.com/thefixer3x/onasis-authgate/storage"
	"github.com/thefixer3x/onasis-authgate/storage/redis"
)

type serveOptions struct {
	config string

	webHTTPAddr   string
	webHTTPSAddr  string
	telemetryAddr string
}

func commandServe() *cobra.Command {
	options := serveOptions{}

	cmd := &cobra.Command{
		Use:     "serve [flags] [config file]",
		Short:   "Launch the authentication gateway",
		Example: "authgate serve config.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true
			options.config = args[0]
			return runServe(options)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&options.webHTTPAddr, "web-http-addr", "", "Web HTTP address")
	flags.StringVar(&options.webHTTPSAddr, "web-https-addr", "", "Web HTTPS address")
	flags.StringVar(&options.telemetryAddr, "telemetry-addr", "", "Telemetry address")

	return cmd
}

func applyConfigOverrides(options serveOptions, config *Config) {
	if options.webHTTPAddr != "" {
		config.Web.HTTP = options.webHTTPAddr
	}
	if options.webHTTPSAddr != "" {
		config.Web.HTTPS = options.webHTTPSAddr
	}
	if options.telemetryAddr != "" {
		config.Telemetry.HTTP = options.telemetryAddr
	}
}

// serverRunner pairs an *http.Server with graceful start/shutdown
// registration on an oklog/run.Group, grounded verbatim on
// cmd/dex/serve.go's serverRunner/RunAndShutdownGracefully.
type serverRunner struct {
	name string
	srv  *http.Server

	tlsCrt string
	tlsKey string

	logger logrus.FieldLogger
}

func newServerRunner(name string, srv *http.Server, logger logrus.FieldLogger) *serverRunner {
	return &serverRunner{name: name, srv: srv, logger: logger}
}

func (s *serverRunner) WithTLS(crt, key string) *serverRunner {
	s.tlsCrt = crt
	s.tlsKey = key
	return s
}

func (s *serverRunner) run(listener net.Listener) error {
	if s.tlsCrt != "" && s.tlsKey != "" {
		return s.srv.ServeTLS(listener, s.tlsCrt, s.tlsKey)
	}
	return s.srv.Serve(listener)
}

func (s *serverRunner) RunAndShutdownGracefully(gr *run.Group) error {
	listener, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listening (%s) on %s: %v", s.name, s.srv.Addr, err)
	}

	gr.Add(func() error {
		s.logger.Infof("listening (%s) on %s", s.name, s.srv.Addr)
		return s.run(listener)
	}, func(err error) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		s.logger.Debugf("starting graceful shutdown (%s)", s.name)
		if err := s.srv.Shutdown(ctx); err != nil {
			s.logger.Errorf("graceful shutdown (%s): %v", s.name, err)
		}
	})
	return nil
}

var allowedTLSCiphers = []uint16{
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
}

// unmarshalConfig parses YAML config data into c, converting to JSON first
// so that featureflags.ConfigDisallowUnknownFields can reject typo'd keys
// the same way encoding/json's DisallowUnknownFields would for a plain
// JSON config.
func unmarshalConfig(data []byte, c *Config) error {
	if !featureflags.ConfigDisallowUnknownFields.Enabled() {
		return yaml.Unmarshal(data, c)
	}
	jsonData, err := yaml.YAMLToJSON(data)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(jsonData))
	dec.DisallowUnknownFields()
	return dec.Decode(c)
}

func runServe(options serveOptions) error {
	configData, err := os.ReadFile(options.config)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %v", options.config, err)
	}

	var c Config
	if err := unmarshalConfig(configData, &c); err != nil {
		return fmt.Errorf("error parsing config file %s: %v", options.config, err)
	}
	if featureflags.ExpandEnv.Enabled() {
		if err := replaceEnvKeys(&c, os.Getenv); err != nil {
			return fmt.Errorf("error expanding $ENV references in config file %s: %v", options.config, err)
		}
	}

	applyConfigOverrides(options, &c)

	logger, err := newLogger(c.Logger.Level, c.Logger.Format)
	if err != nil {
		return fmt.Errorf("invalid config: %v", err)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	logger.Infof("config storage: %s", c.Storage.Type)

	authCodeTTL, accessTokenTTL, refreshTokenTTL, uaiCacheTTL, clientCacheTTL, err := c.Expiry.parse()
	if err != nil {
		return fmt.Errorf("invalid config: %v", err)
	}
	trustedCIDRs, err := c.Web.parsedTrustedCIDRs()
	if err != nil {
		return fmt.Errorf("invalid config: %v", err)
	}

	// L3: the authoritative relational store.
	store, err := c.Storage.Config.Open(logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %v", err)
	}
	defer store.Close()

	// Optional L2: a durable, cross-instance redis tier shared by the
	// cache and the rate limiter's sliding-window counters. A nil
	// *redis.Client means both fall straight through to L1/in-process.
	var redisClient *redis.Client
	if c.Storage.Redis != nil {
		redisClient = c.Storage.Redis.Open(logger)
		defer redisClient.Close()
		logger.Info("config redis: l2 cache + rate limit counters enabled")
	}

	var l2 cache.L2
	if redisClient != nil {
		l2 = redisClient
	}
	cacheOpts, err := c.Cache.toOptions(l2)
	if err != nil {
		return fmt.Errorf("invalid config: %v", err)
	}
	l1l2 := cache.New(logger, cacheOpts)
	defer l1l2.Close()

	var limiter *ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.New(redisClient, logger)
	} else {
		limiter = ratelimit.New(nil, logger)
	}
	sweepInterval, idleAfter, err := c.RateLimit.parse()
	if err != nil {
		return fmt.Errorf("invalid config: %v", err)
	}

	now := func() time.Time { return time.Now().UTC() }

	prometheusRegistry := prometheus.NewRegistry()
	if err := prometheusRegistry.Register(prometheus.NewGoCollector()); err != nil {
		return fmt.Errorf("failed to register Go runtime metrics: %v", err)
	}
	if err := prometheusRegistry.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{})); err != nil {
		return fmt.Errorf("failed to register process metrics: %v", err)
	}

	healthCheck := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := storage.NewCustomHealthCheckFunc(store, now)(ctx)
		return err
	}

	serverConfig := server.Config{
		Storage:            store,
		Cache:              l1l2,
		Limiter:            limiter,
		CookieDomain:       c.CookieDomain,
		AuthCodeTTL:        authCodeTTL,
		AccessTokenTTL:     accessTokenTTL,
		RefreshTokenTTL:    refreshTokenTTL,
		UAICacheTTL:        uaiCacheTTL,
		ClientCacheTTL:     clientCacheTTL,
		AllowedOrigins:     c.Web.AllowedOrigins,
		AllowedHeaders:     c.Web.AllowedHeaders,
		Headers:            c.Web.Headers.ToHTTPHeader(),
		RealIPHeader:       c.Web.RealIPHeader,
		TrustedRealIPCIDRs: trustedCIDRs,
		PrometheusRegistry: prometheusRegistry,
		Logger:             logger,
		Now:                now,
		HealthCheck:        healthCheck,
	}

	ctx, cancelServer := context.WithCancel(context.Background())
	defer cancelServer()

	serv, err := server.NewServer(ctx, serverConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %v", err)
	}

	// go-sundheit composes the storage/cache/outbox-lag probes into a
	// single aggregate health report, exposed on the telemetry listener
	// alongside Prometheus — richer than the single func() error the
	// main listener's /healthz checks, grounded on cmd/dex/serve.go's
	// own healthChecker wiring.
	healthChecker := gosundheit.New()
	healthChecker.RegisterCheck(&gosundheit.Config{
		Check: &checks.CustomCheck{
			CheckName: "storage",
			CheckFunc: storage.NewCustomHealthCheckFunc(store, now),
		},
		ExecutionPeriod:  15 * time.Second,
		InitiallyPassing: true,
	})
	healthChecker.RegisterCheck(&gosundheit.Config{
		Check: &checks.CustomCheck{
			CheckName: "cache",
			CheckFunc: func(ctx context.Context) (interface{}, error) {
				probeKey := "healthcheck:cache:" + storage.NewID()
				l1l2.Set(ctx, probeKey, []byte("ok"), time.Minute)
				if _, ok := l1l2.Get(ctx, probeKey); !ok {
					return nil, fmt.Errorf("cache probe key not found immediately after set")
				}
				l1l2.Delete(ctx, probeKey)
				return nil, nil
			},
		},
		ExecutionPeriod:  15 * time.Second,
		InitiallyPassing: true,
	})

	outboxOpts, err := c.Outbox.parse()
	if err != nil {
		return fmt.Errorf("invalid config: %v", err)
	}
	healthChecker.RegisterCheck(&gosundheit.Config{
		Check: &checks.CustomCheck{
			CheckName: "outbox-lag",
			CheckFunc: func(ctx context.Context) (interface{}, error) {
				pending, _, oldestPendingSeconds, err := store.OutboxStats(ctx, now())
				if err != nil {
					return nil, err
				}
				if oldestPendingSeconds > outboxLagWarnSeconds {
					return pending, fmt.Errorf("%d outbox entries pending, oldest waiting %.0fs", pending, oldestPendingSeconds)
				}
				return pending, nil
			},
		},
		ExecutionPeriod:  30 * time.Second,
		InitiallyPassing: true,
	})

	telemetryRouter := http.NewServeMux()
	telemetryRouter.Handle("/metrics", promhttp.HandlerFor(prometheusRegistry, promhttp.HandlerOpts{}))
	telemetryRouter.Handle("/healthz", gosundheithttp.HandleHealthJSON(healthChecker))
	telemetryRouter.HandleFunc("/healthz/live", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	telemetryRouter.Handle("/healthz/ready", gosundheithttp.HandleHealthJSON(healthChecker))

	var gr run.Group

	if c.Telemetry.HTTP != "" {
		telemetrySrv := &http.Server{Addr: c.Telemetry.HTTP, Handler: telemetryRouter}
		defer telemetrySrv.Close()
		if err := newServerRunner("http/telemetry", telemetrySrv, logger).RunAndShutdownGracefully(&gr); err != nil {
			return err
		}
	}

	if c.Web.HTTP != "" {
		httpSrv := &http.Server{Addr: c.Web.HTTP, Handler: serv}
		defer httpSrv.Close()
		if err := newServerRunner("http", httpSrv, logger).RunAndShutdownGracefully(&gr); err != nil {
			return err
		}
	}

	if c.Web.HTTPS != "" {
		httpsSrv := &http.Server{
			Addr:    c.Web.HTTPS,
			Handler: serv,
			TLSConfig: &tls.Config{
				CipherSuites:             allowedTLSCiphers,
				PreferServerCipherSuites: true,
				MinVersion:               tls.VersionTLS12,
			},
		}
		defer httpsSrv.Close()
		runner := newServerRunner("https", httpsSrv, logger).WithTLS(c.Web.TLSCert, c.Web.TLSKey)
		if err := runner.RunAndShutdownGracefully(&gr); err != nil {
			return err
		}
	}

	// The outbox worker and the rate limiter's idle-key sweep both run as
	// their own run.Group actors so a graceful shutdown signal stops them
	// alongside the HTTP listeners instead of leaking a goroutine.
	outboxCtx, cancelOutbox := context.WithCancel(context.Background())
	gr.Add(func() error {
		logger.Info("starting outbox delivery worker")
		return serv.RunOutboxWorker(outboxCtx, noopProjector{}, events.WorkerOptions{
			BatchSize:    outboxOpts.BatchSize,
			PollInterval: outboxOpts.PollInterval,
			BackoffBase:  outboxOpts.BackoffBase,
			BackoffCap:   outboxOpts.BackoffCap,
		})
	}, func(error) {
		cancelOutbox()
	})

	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	gr.Add(func() error {
		t := time.NewTicker(sweepInterval)
		defer t.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return nil
			case <-t.C:
				limiter.Sweep(idleAfter)
			}
		}
	}, func(error) {
		cancelSweep()
	})

	gr.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))
	if err := gr.Run(); err != nil {
		if _, ok := err.(run.SignalError); !ok {
			return fmt.Errorf("run groups: %w", err)
		}
		logger.Infof("%v, shutdown now", err)
	}
	return nil
}

// outboxLagWarnSeconds is how long the oldest pending outbox row may wait
// before the outbox-lag health check reports unhealthy; no single right
// default exists for every deployment's delivery-latency tolerance, so
// this starts conservative and is meant to be revisited against real
// OutboxStats data.
const outboxLagWarnSeconds = 300

// noopProjector is the default outbox delivery target for a deployment
// that hasn't wired an external projection endpoint: events drain to a
// no-op sink rather than blocking outbox growth, so the worker and the
// outbox-lag health check run even with nothing downstream listening
// yet. Deliver never fails, so the retry/backoff path is never taken
// with this sink. A real
// deployment replaces this with an events.Projector that posts to its
// actual projection target (a webhook, a message broker) — left as an
// extension point rather than guessed at, since spec §4.3 only commits
// to "delivers at-least-once to an external projection" and not to any
// one transport.
type noopProjector struct{}

func (noopProjector) Deliver(ctx context.Context, e storage.Event) error { return nil }
