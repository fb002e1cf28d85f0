package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/moodart/mood-art-nft/server/internal/metadata"
	"github.com/moodart/mood-art-nft/server/internal/prompts"
	"github.com/moodart/mood-art-nft/server/internal/runware"
)

var weiPerUnit = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

type GenerateRequest struct {
	Mood  string `json:"mood"`
	Seed  int64  `json:"seed,omitempty"`
	Style string `json:"style,omitempty"`
}

type GenerateResponse struct {
	ImageURL string            `json:"imageUrl"`
	Seed     int64             `json:"seed"`
	NSFW     bool              `json:"nsfw"`
	Prompt   string            `json:"prompt"`
	Metadata metadata.Document `json:"metadata"`
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status, rpc := "ok", "ok"
	if err := a.chain.Ping(ctx); err != nil {
		status, rpc = "degraded", err.Error()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"chainId": a.chain.ChainID(),
		"rpc":     rpc,
	})
}

func (a *App) handleFee(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	quote := a.chain.MintingFee(ctx)
	a.metrics.incFeeRead(string(quote.Source))
	writeJSON(w, http.StatusOK, map[string]any{
		"mintingFeeWei": quote.MintingFee.String(),
		"mintingFee":    formatUnits(quote.MintingFee),
		"source":        quote.Source,
	})
}

func (a *App) handleSupply(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	supply, err := a.chain.TotalSupply(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"totalSupply": supply.String()})
}

func (a *App) handleGenerate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, requestOverhead)
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}
	prompt := prompts.FromMood(req.Mood, prompts.ParseStyle(req.Style))
	if prompt == "" {
		writeError(w, http.StatusBadRequest, errors.New("mood is required"))
		return
	}
	if a.generator == nil || !a.generator.Enabled() {
		writeError(w, http.StatusServiceUnavailable, errors.New("image generation is not configured"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 90*time.Second)
	defer cancel()

	img, err := a.generator.Generate(ctx, runware.GenerateParams{PositivePrompt: prompt, Seed: req.Seed})
	if err != nil {
		a.metrics.incGeneration("failed")
		log.Error().Err(err).Msg("image generation failed")
		writeError(w, http.StatusBadGateway, err)
		return
	}
	a.metrics.incGeneration("succeeded")

	mood := prompts.CleanMood(req.Mood)
	writeJSON(w, http.StatusOK, GenerateResponse{
		ImageURL: img.ImageURL,
		Seed:     img.Seed,
		NSFW:     img.NSFWContent,
		Prompt:   prompt,
		Metadata: metadata.Generate(metadata.Input{
			Mood:        mood,
			ImageURL:    img.ImageURL,
			Seed:        img.Seed,
			ExternalURL: a.cfg.ExternalURL,
			CreatedAt:   a.now(),
		}),
	})
}

// formatUnits renders wei in whole native units, e.g. "0.2".
func formatUnits(wei *big.Int) string {
	f := new(big.Float).Quo(new(big.Float).SetInt(wei), weiPerUnit)
	return f.Text('f', -1)
}
