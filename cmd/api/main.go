package main

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/moodart/mood-art-nft/server/internal/app"
	"github.com/moodart/mood-art-nft/server/internal/chain"
	"github.com/moodart/mood-art-nft/server/internal/config"
	"github.com/moodart/mood-art-nft/server/internal/imagecodec"
	"github.com/moodart/mood-art-nft/server/internal/mint"
	"github.com/moodart/mood-art-nft/server/internal/r2"
	"github.com/moodart/mood-art-nft/server/internal/runware"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := config.LoadEnvFile(os.Getenv("MOODART_ENV_FILE")); err != nil {
		log.Fatal().Err(err).Msg("failed to load env file")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var signer chain.Signer
	if cfg.SignerKey != "" {
		key, err := chain.NewKeySigner(cfg.SignerKey, big.NewInt(cfg.ChainID))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load signer key")
		}
		signer = key
		log.Info().Str("account", key.Address().Hex()).Msg("signer loaded")
	} else {
		log.Warn().Msg("MOODART_SIGNER_KEY not set, mints will fail at submission")
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	gateway, err := chain.Dial(dialCtx, chain.Config{
		RPCURL:           cfg.RPCURL,
		ContractAddress:  cfg.ContractAddress,
		ChainID:          cfg.ChainID,
		FallbackFee:      cfg.FallbackFee,
		DefaultGas:       cfg.DefaultGas,
		GasMarginPercent: cfg.GasMarginPercent,
		PollInterval:     cfg.ReceiptPoll,
		Signer:           signer,
	})
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise chain gateway")
	}

	opts := mint.Options{
		ChainID:          cfg.ChainID,
		NetworkFeeBuffer: cfg.NetworkFeeBuffer,
		ConfirmTimeout:   cfg.ConfirmTimeout,
		MaxRetries:       cfg.MaxRetries,
		ExternalURL:      cfg.ExternalURL,
	}
	if cfg.R2Enabled() {
		publisher, err := r2.NewPublisher(ctx, r2.Options{
			Endpoint:        cfg.R2Endpoint,
			Bucket:          cfg.R2Bucket,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretKey,
			PublicBaseURL:   cfg.R2PublicBaseURL,
		})
		if err != nil {
			log.Warn().Err(err).Msg("R2 publisher unavailable, minting without metadataURI")
		} else {
			opts.Publisher = publisher
		}
	}

	codec := imagecodec.New(imagecodec.Options{
		MaxDimension:   cfg.ImageMaxDimension,
		MaxBytes:       cfg.ImageMaxBytes,
		MaxSourceBytes: cfg.ImageMaxSourceBytes,
		MaxPixels:      cfg.ImageMaxPixels,
	})
	generator := runware.NewClient(runware.ClientOpts{
		Endpoint: cfg.RunwareURL,
		APIKey:   cfg.RunwareAPIKey,
		Model:    cfg.RunwareModel,
	})

	appInstance := app.New(cfg, app.Deps{
		Chain:        gateway,
		Orchestrator: mint.NewOrchestrator(gateway, codec, opts),
		Generator:    generator,
	})
	defer appInstance.Close()

	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           appInstance.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Address).Int64("chainId", cfg.ChainID).Msg("mood art API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
	log.Info().Msg("server stopped")
}
