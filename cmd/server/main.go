package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"lernory/voice/internal/api"
	"lernory/voice/internal/auth"
	"lernory/voice/internal/bridge"
	"lernory/voice/internal/config"
	"lernory/voice/internal/events"
	"lernory/voice/internal/health"
	"lernory/voice/internal/sessions"
	"lernory/voice/internal/upstream"
	"lernory/voice/internal/voicews"
)

const (
	drainTimeout    = 5 * time.Second
	readinessTTL    = 10 * time.Second
	grpcServiceName = "voice.Gateway"
)

func main() {
	cmd := &cli.Command{
		Name:  "voice-server",
		Usage: "Realtime voice gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "port",
				Usage: "HTTP listen port (overrides PORT)",
			},
			&cli.StringFlag{
				Name:  "grpc-port",
				Usage: "gRPC health listen port (overrides GRPC_PORT)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (overrides LOG_LEVEL)",
			},
		},
		Action: runService,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logrus.WithError(err).Error("server exited")
		os.Exit(1)
	}
}

func runService(ctx context.Context, c *cli.Command) error {
	// Load .env file if present (ignored if missing)
	_ = godotenv.Load()

	cfg := config.Load()
	if v := c.String("port"); v != "" {
		cfg.Server.Port = v
	}
	if v := c.String("grpc-port"); v != "" {
		cfg.Server.GRPCPort = v
	}
	if v := c.String("log-level"); v != "" {
		cfg.Server.LogLevel = v
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, err := newSink(ctx, cfg, log)
	if err != nil {
		return err
	}
	journal := events.NewJournal(events.NewStoreRetaining(cfg.Events.RetainClosed), sink, cfg.Events.Buffer, log)

	verifier := newVerifier(cfg, sink)

	reg := sessions.NewRegistry(cfg.Voice.Default, cfg.Voice.DefaultLanguage)
	gemini := upstream.NewGeminiDialer(upstream.GeminiConfig{
		APIKey:       cfg.Gemini.APIKey,
		Model:        cfg.Gemini.Model,
		SystemPrompt: cfg.Gemini.SystemPrompt,
	}, log)
	b := bridge.New(bridge.Options{
		Registry: reg,
		Dialer: &upstream.RetryDialer{
			Next:    gemini,
			Timeout: cfg.Upstream.DialTimeout,
			Retries: cfg.Upstream.DialRetries,
			Log:     log,
		},
		Journal:       journal,
		Voices:        cfg.Voice.Available,
		WriteTimeout:  cfg.WS.WriteTimeout,
		InboundBuffer: cfg.WS.InboundBuffer,
		Log:           log,
	})

	// Sessions outlive the signal context so they can be ended deliberately.
	sessCtx, endSessions := context.WithCancel(context.WithoutCancel(ctx))
	defer endSessions()
	wss := voicews.NewServer(sessCtx, b, voicews.Options{
		Verifier:        verifier,
		AllowAnonymous:  cfg.Auth.AllowAnonymous,
		MaxMessageBytes: cfg.WS.MaxMessageBytes,
		OriginPatterns:  cfg.WS.AllowedOrigins,
		Log:             log,
	})

	probes := []health.Probe{{Name: "gemini", Check: gemini.Probe}}
	if sink != nil {
		probes = append(probes, health.Probe{Name: "events_" + sink.Name(), Check: sink.Ping})
	}
	ready := health.NewCached(readinessTTL, probes...)

	grpcHealth := grpchealth.NewServer()
	draining := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/voice", wss.HandleVoiceWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok\n")) })
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-draining:
			http.Error(w, "draining", http.StatusServiceUnavailable)
			return
		default:
		}
		st := ready.Status(r.Context())
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		fmt.Fprint(w, st.String())
	})
	mux.Handle("/metrics", promhttp.Handler())
	if cfg.Auth.AdminToken != "" {
		admin := api.NewRouter(api.NewHandlers(reg, journal, log), cfg.Auth.AdminToken)
		mux.Handle("/sessions", admin)
		mux.Handle("/sessions/", admin)
	} else {
		log.Warn("admin api disabled: auth.admin_token not set")
	}

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           logMiddleware(log, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	gs := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 2 * time.Minute,
			Time:              30 * time.Second,
			Timeout:           10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(gs, grpcHealth)
	grpcHealth.SetServingStatus(grpcServiceName, healthpb.HealthCheckResponse_SERVING)
	grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	journalCtx, stopJournal := context.WithCancel(context.WithoutCancel(ctx))
	defer stopJournal()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return journal.Run(journalCtx)
	})
	g.Go(func() error {
		log.WithField("addr", addr).Info("http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		l, err := net.Listen("tcp", ":"+cfg.Server.GRPCPort)
		if err != nil {
			return errors.Wrapf(err, "listen grpc :%s", cfg.Server.GRPCPort)
		}
		log.WithField("addr", l.Addr().String()).Info("grpc health server starting")
		return gs.Serve(l)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received; draining sessions")
		close(draining)
		grpcHealth.Shutdown()

		endSessions()
		waitForSessions(reg, drainTimeout, log)

		sctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.WithError(err).Warn("http shutdown")
		}
		gs.GracefulStop()
		stopJournal()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("server stopped")
	return nil
}

func newLogger(cfg config.Config) *logrus.Logger {
	log := logrus.StandardLogger()
	if lvl, err := logrus.ParseLevel(cfg.Server.LogLevel); err == nil {
		log.SetLevel(lvl)
	} else {
		log.WithField("level", cfg.Server.LogLevel).Warn("unknown log level, using info")
	}
	if cfg.Server.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

// newSink returns nil for the in-memory journal.
func newSink(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (events.Sink, error) {
	switch cfg.Events.Sink {
	case "redis":
		s, err := events.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Stream)
		if err != nil {
			return nil, err
		}
		log.WithFields(logrus.Fields{"addr": cfg.Redis.Addr, "stream": cfg.Redis.Stream}).Info("event sink: redis")
		return s, nil
	case "kafka":
		s, err := events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		if err != nil {
			return nil, err
		}
		log.WithFields(logrus.Fields{"brokers": cfg.Kafka.Brokers, "topic": cfg.Kafka.Topic}).Info("event sink: kafka")
		return s, nil
	default:
		return nil, nil
	}
}

// newVerifier returns nil when no secret is configured, leaving only
// anonymous access.
func newVerifier(cfg config.Config, sink events.Sink) voicews.TokenVerifier {
	if cfg.Auth.JWTSecret == "" {
		return nil
	}
	var revoked auth.Revocations
	if cfg.Auth.CheckRevocation {
		var client *redis.Client
		if rs, ok := sink.(*events.RedisSink); ok {
			client = rs.Client()
		} else {
			client = redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
		}
		revoked = auth.NewRedisRevocations(client, cfg.Auth.RevocationPrefix)
	}
	return auth.NewVerifier(cfg.Auth.JWTSecret, revoked)
}

func waitForSessions(reg *sessions.Registry, timeout time.Duration, log logrus.FieldLogger) {
	deadline := time.Now().Add(timeout)
	for reg.Len() > 0 {
		if time.Now().After(deadline) {
			log.WithField("remaining", reg.Len()).Warn("sessions still open after drain timeout")
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func logMiddleware(log logrus.FieldLogger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("http request")
	})
}
