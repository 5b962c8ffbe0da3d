package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/tanpawarit/care-dialogue-scheduler/agent/agents/assistant"
	"github.com/tanpawarit/care-dialogue-scheduler/agent/agents/orchestrator"
	bookingx "github.com/tanpawarit/care-dialogue-scheduler/agent/booking"
	contractx "github.com/tanpawarit/care-dialogue-scheduler/agent/contract"
	embedx "github.com/tanpawarit/care-dialogue-scheduler/agent/embedding"
	llmx "github.com/tanpawarit/care-dialogue-scheduler/agent/llm"
	promptx "github.com/tanpawarit/care-dialogue-scheduler/agent/prompt"
	"github.com/tanpawarit/care-dialogue-scheduler/agent/retrieval"
	slotx "github.com/tanpawarit/care-dialogue-scheduler/agent/slot"
	statex "github.com/tanpawarit/care-dialogue-scheduler/agent/state"
	configx "github.com/tanpawarit/care-dialogue-scheduler/pkg/config"
	_ "github.com/tanpawarit/care-dialogue-scheduler/pkg/logger/autoload"
	metricsx "github.com/tanpawarit/care-dialogue-scheduler/pkg/metrics"
	qstashx "github.com/tanpawarit/care-dialogue-scheduler/pkg/qstash"
	"github.com/tanpawarit/care-dialogue-scheduler/server"
	"golang.org/x/sync/errgroup"
)

const (
	backendMemory   = "memory"
	backendRedis    = "redis"
	backendUpstash  = "upstash"
	backendPostgres = "postgres"
)

type AppConfig struct {
	HTTPAddr       string        `envconfig:"HTTP_ADDR" default:":8080"`
	TopK           int           `split_words:"true" default:"5"`
	HistoryTurns   int           `split_words:"true" default:"12"`
	CatalogPath    string        `split_words:"true"`
	SessionBackend string        `split_words:"true" default:"memory"`
	SessionTTL     time.Duration `split_words:"true" default:"24h"`
	BookingBackend string        `split_words:"true" default:"memory"`
	PendingTimeout time.Duration `split_words:"true" default:"30m"`
	ReaperInterval time.Duration `split_words:"true" default:"0s"`
	RateLimit      float64       `split_words:"true" default:"2"`
	RateBurst      int           `split_words:"true" default:"5"`
	ClientRate     float64       `split_words:"true" default:"0"`
	ClientBurst    int           `split_words:"true" default:"0"`
}

func (c AppConfig) Validate() error {
	switch c.SessionBackend {
	case backendMemory, backendRedis, backendUpstash:
	default:
		return fmt.Errorf("unknown session backend %q", c.SessionBackend)
	}
	switch c.BookingBackend {
	case backendMemory, backendPostgres:
	default:
		return fmt.Errorf("unknown booking backend %q", c.BookingBackend)
	}
	if c.ReaperInterval > 0 && c.PendingTimeout <= 0 {
		return errors.New("pending timeout must be positive when the reaper is enabled")
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("care scheduler stopped")
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.Logger.WithContext(ctx)

	appCfg := configx.MustNew[AppConfig]("APP")
	llmCfg := configx.MustNew[llmx.Config]("LLM")
	embedCfg := configx.MustNew[embedx.Config]("EMBEDDING")

	embedder, err := embedx.New(*embedCfg)
	if err != nil {
		return fmt.Errorf("build embedder: %w", err)
	}
	catalog, err := loadCatalog(appCfg.CatalogPath)
	if err != nil {
		return err
	}
	catalogLoc, err := catalog.Location()
	if err != nil {
		return err
	}
	specs, err := catalog.Specs(time.Now())
	if err != nil {
		return fmt.Errorf("expand slot catalog: %w", err)
	}
	index, err := slotx.NewIndex(embedder)
	if err != nil {
		return err
	}
	if err := index.Load(ctx, specs); err != nil {
		return fmt.Errorf("build slot index: %w", err)
	}
	engine, err := retrieval.NewEngine(index, retrieval.WithTopK(appCfg.TopK))
	if err != nil {
		return err
	}

	bookingStore, closeBookings, err := newBookingStore(ctx, appCfg.BookingBackend)
	if err != nil {
		return err
	}
	defer closeBookings()
	var bookingOpts []bookingx.Option
	notifier, err := newNotifier()
	if err != nil {
		return err
	}
	if notifier != nil {
		bookingOpts = append(bookingOpts, bookingx.WithNotifier(notifier))
	}
	booker, err := bookingx.NewService(index, bookingStore, bookingOpts...)
	if err != nil {
		return err
	}
	if _, err := booker.RestoreClaims(ctx); err != nil {
		return fmt.Errorf("restore slot claims: %w", err)
	}

	sessions, err := newSessionStore(*appCfg)
	if err != nil {
		return err
	}

	prompts := promptx.LoadPromptSet()
	var triageGen, assistantGen contractx.Generator
	if llmCfg.Enabled() {
		triage, err := llmx.NewGeneratorFor(ctx, *llmCfg, llmx.RoleTriage)
		if err != nil {
			return fmt.Errorf("build triage generator: %w", err)
		}
		reply, err := llmx.NewGeneratorFor(ctx, *llmCfg, llmx.RoleAssistant)
		if err != nil {
			return fmt.Errorf("build assistant generator: %w", err)
		}
		triageGen, assistantGen = triage, reply
	} else {
		log.Info().Msg("LLM_API_KEY not set, running on keyword rules and canned replies")
	}
	helper, err := assistant.New(ctx, assistantGen, prompts.Assistant)
	if err != nil {
		return err
	}

	metrics := metricsx.NewWorkflowMetrics(prometheus.DefaultRegisterer)
	orch, err := orchestrator.New(sessions, orchestrator.Deps{
		Retriever:    engine,
		Booker:       booker,
		Assistant:    helper,
		TriageModel:  triageGen,
		TriagePrompt: prompts.Triage,
		Metrics:      metrics,
	}, orchestrator.Config{
		TopK:         appCfg.TopK,
		HistoryTurns: appCfg.HistoryTurns,
	}, orchestrator.WithLocation(catalogLoc))
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	srv, err := server.New(server.Config{
		Addr:            appCfg.HTTPAddr,
		RateLimit:       appCfg.RateLimit,
		RateBurst:       appCfg.RateBurst,
		ClientRateLimit: appCfg.ClientRate,
		ClientRateBurst: appCfg.ClientBurst,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    2 * llmCfg.Timeout,
	}, server.Deps{
		Scheduler: orch,
		Slots:     index,
		Metrics:   promhttp.Handler(),
		Logger:    log.Logger,
	})
	if err != nil {
		return err
	}

	log.Info().
		Int("slots", index.Len()).
		Str("session_backend", appCfg.SessionBackend).
		Str("booking_backend", appCfg.BookingBackend).
		Bool("llm", llmCfg.Enabled()).
		Bool("notifier", notifier != nil).
		Msg("care scheduler ready")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if appCfg.ReaperInterval > 0 {
		g.Go(func() error {
			reapPending(gctx, orch, appCfg.ReaperInterval, appCfg.PendingTimeout)
			return nil
		})
	}
	return g.Wait()
}

func loadCatalog(path string) (*slotx.Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return slotx.DefaultCatalog()
	}
	catalog, err := slotx.LoadCatalog(path)
	if err != nil {
		return nil, fmt.Errorf("load slot catalog: %w", err)
	}
	return catalog, nil
}

func newBookingStore(ctx context.Context, backend string) (bookingx.Store, func(), error) {
	if backend != backendPostgres {
		return bookingx.NewMemoryStore(), func() {}, nil
	}
	pgCfg := configx.MustNew[bookingx.PostgresConfig]("POSTGRES")
	db, err := bookingx.OpenPostgres(*pgCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	store, err := bookingx.NewBunStore(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	if err := store.CreateSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("create booking schema: %w", err)
	}
	return store, func() { _ = db.Close() }, nil
}

func newNotifier() (contractx.BookingNotifier, error) {
	qstashCfg := configx.MustNew[qstashx.Config]("QSTASH")
	if !qstashCfg.Enabled() {
		return nil, nil
	}
	client, err := qstashx.NewClient(*qstashCfg)
	if err != nil {
		return nil, fmt.Errorf("build qstash client: %w", err)
	}
	return bookingx.NewQStashNotifier(client, qstashCfg.Destination)
}

func newSessionStore(cfg AppConfig) (statex.Store, error) {
	switch cfg.SessionBackend {
	case backendRedis:
		redisCfg := configx.MustNew[statex.RedisConfig]("REDIS")
		client, err := statex.NewRedisClient(*redisCfg)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return statex.NewRedisStore(client, statex.WithTTL(cfg.SessionTTL))
	case backendUpstash:
		upstashCfg := configx.MustNew[statex.UpstashRedisConfig]("UPSTASH_REDIS")
		return statex.NewUpstashRedisStore(*upstashCfg, statex.WithTTL(cfg.SessionTTL))
	default:
		return statex.NewMemoryStore(), nil
	}
}

// reapPending applies the pending-booking timeout until ctx is done.
func reapPending(ctx context.Context, orch *orchestrator.Orchestrator, every, olderThan time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := orch.ExpirePending(ctx, olderThan)
			if err != nil {
				log.Warn().Err(err).Msg("pending booking sweep failed")
				continue
			}
			if n > 0 {
				log.Info().Int("expired", n).Msg("pending booking sweep")
			}
		}
	}
}
