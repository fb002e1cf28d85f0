package app

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/moodart/mood-art-nft/server/internal/chain"
	"github.com/moodart/mood-art-nft/server/internal/config"
	"github.com/moodart/mood-art-nft/server/internal/mint"
	"github.com/moodart/mood-art-nft/server/internal/runware"
)

// ChainReader is the read side of the chain gateway used by the API.
type ChainReader interface {
	ChainID() int64
	MintingFee(ctx context.Context) chain.FeeQuote
	TotalSupply(ctx context.Context) (*big.Int, error)
	Ping(ctx context.Context) error
}

// ImageGenerator produces an image for a prompt. *runware.Client implements it.
type ImageGenerator interface {
	Enabled() bool
	Generate(ctx context.Context, params runware.GenerateParams) (*runware.Image, error)
}

type Deps struct {
	Chain        ChainReader
	Orchestrator *mint.Orchestrator
	Generator    ImageGenerator
}

type App struct {
	cfg       config.Config
	chain     ChainReader
	orch      *mint.Orchestrator
	generator ImageGenerator
	attempts  *registry
	metrics   *metricsRegistry
	now       func() time.Time

	attemptTTL       time.Duration
	failedAttemptTTL time.Duration

	// ctx outlives requests: mints keep running after the POST returns.
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg config.Config, deps Deps) *App {
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		cfg:       cfg,
		chain:     deps.Chain,
		orch:      deps.Orchestrator,
		generator: deps.Generator,
		attempts:  newRegistry(),
		metrics:   newMetricsRegistry(),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,

		attemptTTL:       cfg.AttemptTTL,
		failedAttemptTTL: cfg.FailedAttemptTTL,
	}
	if a.attemptTTL <= 0 {
		a.attemptTTL = defaultAttemptTTL
	}
	if a.failedAttemptTTL <= 0 {
		a.failedAttemptTTL = defaultFailedAttemptTTL
	}
	return a
}

// Close abandons every attempt still running.
func (a *App) Close() {
	a.cancel()
}

func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.allowedOrigins(),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
	}))

	r.Get("/health", a.handleHealth)
	r.Handle("/metrics", a.metrics.handler())

	r.Route("/api", func(api chi.Router) {
		api.Get("/fee", a.handleFee)
		api.Get("/supply", a.handleSupply)
		api.Post("/generate", a.handleGenerate)

		api.Post("/mints", a.handleCreateMint)
		api.Get("/mints/{id}", a.handleGetMint)
		api.Delete("/mints/{id}", a.handleAbandonMint)
		api.Post("/mints/{id}/retry", a.handleRetryMint)
		api.Get("/mints/{id}/events", a.handleMintEvents)
	})

	return r
}

func (a *App) allowedOrigins() []string {
	if len(a.cfg.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return a.cfg.AllowedOrigins
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Debug().Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{
		"error":  err.Error(),
		"status": status,
	})
}
