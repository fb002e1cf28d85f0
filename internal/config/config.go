package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/moodart/mood-art-nft/server/internal/chain"
	"github.com/moodart/mood-art-nft/server/internal/imagecodec"
	"github.com/moodart/mood-art-nft/server/internal/mint"
	"github.com/moodart/mood-art-nft/server/internal/runware"
)

const EnvFileName = ".env"

type Config struct {
	Address        string
	AllowedOrigins []string
	ExternalURL    string

	// Chain
	ChainID          int64
	RPCURL           string
	ContractAddress  string
	SignerKey        string
	FallbackFee      *big.Int
	NetworkFeeBuffer *big.Int
	DefaultGas       uint64
	GasMarginPercent uint64
	ConfirmTimeout   time.Duration
	ReceiptPoll      time.Duration
	MaxRetries       int

	// Image codec
	ImageMaxDimension   int
	ImageMaxBytes       int
	ImageMaxSourceBytes int
	ImageMaxPixels      int

	// Finished attempts are dropped from memory after AttemptTTL; failed
	// ones that can still be retried after FailedAttemptTTL.
	AttemptTTL       time.Duration
	FailedAttemptTTL time.Duration

	// Runware image generation
	RunwareURL    string
	RunwareAPIKey string
	RunwareModel  string

	// R2 metadata storage
	R2Endpoint      string
	R2Bucket        string
	R2AccessKeyID   string
	R2SecretKey     string
	R2PublicBaseURL string
}

// R2Enabled reports whether metadata documents can be published.
func (c Config) R2Enabled() bool {
	return c.R2AccessKeyID != "" && c.R2SecretKey != "" && c.R2Bucket != ""
}

// LoadEnvFile loads variables from path, or ./.env when path is empty.
// A missing file is not an error; variables already set win.
func LoadEnvFile(path string) error {
	if path == "" {
		path = EnvFileName
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

func Load() (Config, error) {
	cfg := Config{
		Address:         getEnv("MOODART_SERVER_ADDR", ":4000"),
		AllowedOrigins:  splitAndClean(os.Getenv("MOODART_ALLOWED_ORIGINS")),
		ExternalURL:     os.Getenv("MOODART_EXTERNAL_URL"),
		RPCURL:          getEnv("MOODART_RPC_URL", chain.DefaultRPCURL),
		ContractAddress: getEnv("MOODART_CONTRACT", chain.DefaultContractAddress),
		SignerKey:       os.Getenv("MOODART_SIGNER_KEY"),

		RunwareURL:    getEnv("RUNWARE_API_URL", runware.DefaultEndpoint),
		RunwareAPIKey: os.Getenv("RUNWARE_API_KEY"),
		RunwareModel:  getEnv("RUNWARE_MODEL", runware.DefaultModel),

		R2Endpoint:      os.Getenv("R2_ENDPOINT"),
		R2Bucket:        os.Getenv("R2_BUCKET"),
		R2AccessKeyID:   os.Getenv("R2_ACCESS_KEY_ID"),
		R2SecretKey:     os.Getenv("R2_SECRET_ACCESS_KEY"),
		R2PublicBaseURL: os.Getenv("R2_PUBLIC_BASE_URL"),
	}

	var err error
	if cfg.ChainID, err = getInt64("MOODART_CHAIN_ID", chain.DefaultChainID); err != nil {
		return cfg, err
	}
	if cfg.FallbackFee, err = getWei("MOODART_FALLBACK_FEE_WEI", chain.DefaultFallbackFee); err != nil {
		return cfg, err
	}
	if cfg.NetworkFeeBuffer, err = getWei("MOODART_NETWORK_FEE_BUFFER_WEI", mint.DefaultNetworkFeeBuffer); err != nil {
		return cfg, err
	}
	if cfg.DefaultGas, err = getUint64("MOODART_DEFAULT_GAS", chain.DefaultGasUnits); err != nil {
		return cfg, err
	}
	if cfg.GasMarginPercent, err = getUint64("MOODART_GAS_MARGIN_PERCENT", chain.DefaultGasMarginPercent); err != nil {
		return cfg, err
	}
	if cfg.ConfirmTimeout, err = getDuration("MOODART_CONFIRM_TIMEOUT", chain.DefaultConfirmTimeout); err != nil {
		return cfg, err
	}
	if cfg.ReceiptPoll, err = getDuration("MOODART_RECEIPT_POLL", chain.DefaultPollInterval); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = getInt("MOODART_MAX_RETRIES", mint.DefaultMaxRetries); err != nil {
		return cfg, err
	}
	if cfg.ImageMaxDimension, err = getInt("MOODART_IMAGE_MAX_DIM", imagecodec.DefaultMaxDimension); err != nil {
		return cfg, err
	}
	if cfg.ImageMaxBytes, err = getInt("MOODART_IMAGE_MAX_BYTES", imagecodec.DefaultMaxBytes); err != nil {
		return cfg, err
	}
	if cfg.ImageMaxSourceBytes, err = getInt("MOODART_IMAGE_MAX_SOURCE_BYTES", imagecodec.DefaultMaxSourceBytes); err != nil {
		return cfg, err
	}
	if cfg.ImageMaxPixels, err = getInt("MOODART_IMAGE_MAX_PIXELS", imagecodec.DefaultMaxPixels); err != nil {
		return cfg, err
	}
	if cfg.AttemptTTL, err = getDuration("MOODART_ATTEMPT_TTL", 10*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.FailedAttemptTTL, err = getDuration("MOODART_FAILED_ATTEMPT_TTL", time.Hour); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v, err := getInt64(key, int64(fallback))
	return int(v), err
}

func getInt64(key string, fallback int64) (int64, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%s: expected a positive integer, got %q", key, raw)
	}
	return v, nil
}

func getUint64(key string, fallback uint64) (uint64, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("%s: expected a positive integer, got %q", key, raw)
	}
	return v, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%s: expected a positive duration, got %q", key, raw)
	}
	return v, nil
}

func getWei(key string, fallback *big.Int) (*big.Int, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return new(big.Int).Set(fallback), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%s: expected an amount in wei, got %q", key, raw)
	}
	return v, nil
}

func splitAndClean(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
