// Command waengine is the composition root for the WhatsApp Business
// messaging backend: it wires the Webhook Ingress, the Incoming/Outgoing
// Processors, the Campaign Scheduler, and the realtime dashboard hub behind
// one fasthttp/fastglue server, following the teacher's server/worker
// entrypoint shape (embedded workers alongside the API by default).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"github.com/zerodha/fastglue"
	"github.com/zerodha/logf"

	"github.com/nyife/waengine/internal/analytics"
	"github.com/nyife/waengine/internal/campaign"
	"github.com/nyife/waengine/internal/config"
	"github.com/nyife/waengine/internal/conversation"
	"github.com/nyife/waengine/internal/crypto"
	"github.com/nyife/waengine/internal/dedup"
	"github.com/nyife/waengine/internal/ingress"
	"github.com/nyife/waengine/internal/processor"
	"github.com/nyife/waengine/internal/queue"
	"github.com/nyife/waengine/internal/ratelimit"
	"github.com/nyife/waengine/internal/realtime"
	"github.com/nyife/waengine/internal/reply"
	"github.com/nyife/waengine/internal/store"
	"github.com/nyife/waengine/internal/whatsapp"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to config file")
	migrate := flag.Bool("migrate", false, "run database migrations on startup")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("waengine %s (built %s)\n", version, buildTime)
		return
	}

	log := logf.New(logf.Opts{
		EnableColor:     true,
		Level:           logf.DebugLevel,
		EnableCaller:    true,
		TimestampFormat: "2006-01-02 15:04:05",
		DefaultFields:   []any{"app", "waengine"},
	})
	log.Info("starting waengine", "version", version)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}
	if !cfg.Debug {
		log = logf.New(logf.Opts{
			Level:           logf.InfoLevel,
			TimestampFormat: "2006-01-02 15:04:05",
			DefaultFields:   []any{"app", "waengine"},
		})
	}

	crypto.DecryptFields(cfg.Crypto.EncryptionKey, &cfg.WhatsApp.AccessToken, &cfg.WhatsApp.AppSecret)

	db, err := store.NewPostgres(cfg.Database, cfg.Debug)
	if err != nil {
		log.Fatal("failed to connect to database", "error", err)
	}
	log.Info("connected to postgres")

	if *migrate {
		if err := store.RunMigrations(db); err != nil {
			log.Fatal("migration failed", "error", err)
		}
		log.Info("migrations applied")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal("failed to connect to redis", "error", err)
	}
	log.Info("connected to redis")

	substrate, err := queue.NewRedisSubstrate(ctx, redisClient, log)
	if err != nil {
		log.Fatal("failed to initialize queue substrate", "error", err)
	}
	dedupStore := dedup.New(redisClient, log)
	analyticsPub := analytics.New(substrate, log)
	statsPublisher := queue.NewPublisher(redisClient, log)
	statsSubscriber := queue.NewSubscriber(redisClient, log)

	businessHours := reply.BusinessHours{
		Start:        parseClockTime(cfg.BusinessHours.StartTime),
		End:          parseClockTime(cfg.BusinessHours.EndTime),
		WeekdaysOnly: cfg.BusinessHours.WeekdaysOnly,
	}
	replyEngine := reply.New(reply.DefaultRules(), businessHours, substrate, log)

	convEngine := conversation.New(db, substrate, log)
	if err := convEngine.ReloadCatalog(ctx); err != nil {
		log.Error("failed to load conversation catalog, starting with an empty one", "error", err)
	}

	campaignScheduler := campaign.New(db, substrate, statsPublisher, analyticsPub, log)

	waClient := whatsapp.New(cfg.WhatsApp, log)

	ready := false
	webhookCfg := ingress.Config{
		VerifyToken: cfg.WhatsApp.VerifyToken,
		AppSecret:   cfg.WhatsApp.AppSecret,
		Ready:       func() bool { return ready },
	}
	webhookIngress := ingress.New(webhookCfg, dedupStore, substrate, analyticsPub, log)

	// Incoming/Outgoing processor pools, sized per §4.4/§4.5's
	// worker_multiplier x NumCPU convention.
	incomingCfg := processor.DefaultIncomingConfig()
	incomingCfg.Workers = cfg.Processor.WorkerMultiplier * runtime.NumCPU()
	outgoingCfg := processor.DefaultOutgoingConfig()
	outgoingCfg.Workers = cfg.Processor.WorkerMultiplier * runtime.NumCPU()

	incoming := processor.NewIncoming(incomingCfg, substrate, dedupStore, db, convEngine, replyEngine, log)
	outgoing := processor.NewOutgoing(outgoingCfg, substrate, db, waClient, campaignScheduler, log)

	if archiver, err := processor.NewMediaArchiver(cfg.S3, log); err != nil {
		log.Error("media archival disabled", "error", err)
	} else if archiver != nil {
		incoming.EnableMediaArchival(waClient, archiver)
		log.Info("media archival enabled", "bucket", cfg.S3.Bucket)
	}

	procCtx, procCancel := context.WithCancel(context.Background())
	go incoming.Run(procCtx)
	go outgoing.Run(procCtx)
	log.Info("incoming/outgoing processors started", "workers_per_pool", incomingCfg.Workers)

	hub := realtime.NewHub(log)
	hubStop := make(chan struct{})
	go hub.Run(hubStop)
	if err := statsSubscriber.SubscribeCampaignStats(procCtx, hub.BroadcastCampaignStats); err != nil {
		log.Error("failed to start campaign stats subscriber", "error", err)
	}

	g := fastglue.NewGlue()
	g.GET("/webhook", webhookIngress.Verify)
	g.POST("/webhook", withRateLimit(webhookIngress.Handle, ratelimit.DefaultOpts(redisClient, log)))
	g.GET("/ws", realtime.Handler(hub))
	g.GET("/health", func(r *fastglue.Request) error {
		return r.SendJSON(map[string]interface{}{"status": "ok"})
	})
	g.GET("/ready", func(r *fastglue.Request) error {
		if !ready {
			return r.SendErrorEnvelope(fasthttp.StatusServiceUnavailable, "not ready", nil, "")
		}
		return r.SendJSON(map[string]interface{}{"status": "ready"})
	})

	server := &fasthttp.Server{
		Handler:      g.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		Name:         "waengine",
	}

	go func() {
		log.Info("server listening", "address", cfg.Server.Address)
		if err := server.ListenAndServe(cfg.Server.Address); err != nil {
			log.Fatal("server failed", "error", err)
		}
	}()

	ready = true
	log.Info("waengine ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	ready = false

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	procCancel()
	close(hubStop)
	_ = statsSubscriber.Close()

	if err := server.Shutdown(); err != nil {
		log.Error("server shutdown error", "error", err)
	}

	<-shutdownCtx.Done()
	log.Info("waengine stopped")
}

// withRateLimit wraps a handler with the rate limit middleware.
func withRateLimit(handler fastglue.FastRequestHandler, opts ratelimit.Opts) fastglue.FastRequestHandler {
	rl := ratelimit.Middleware(opts)
	return func(r *fastglue.Request) error {
		if rl(r) == nil {
			return nil
		}
		return handler(r)
	}
}

// parseClockTime parses an "HH:MM" time-of-day string; malformed or empty
// values fall back to midnight (00:00).
func parseClockTime(s string) time.Time {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return time.Time{}
	}
	return t
}
