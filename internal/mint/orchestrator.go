package mint

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/moodart/mood-art-nft/server/internal/chain"
	"github.com/moodart/mood-art-nft/server/internal/failure"
	"github.com/moodart/mood-art-nft/server/internal/imagecodec"
	"github.com/moodart/mood-art-nft/server/internal/metadata"
)

var (
	// ErrAttemptInProgress refuses a second concurrent attempt for one account.
	ErrAttemptInProgress = errors.New("a mint attempt is already in progress for this account")
	ErrRetryLimit        = errors.New("retry limit reached")
	// ErrRetryDisabled follows a user cancellation; a new mint is still allowed.
	ErrRetryDisabled   = errors.New("retry is disabled after the request was rejected by the user")
	ErrAttemptFinished = errors.New("attempt already succeeded")
	ErrNotFailed       = errors.New("only a failed attempt can be retried")
	ErrAttemptStarted  = errors.New("attempt already started, use retry")
)

const DefaultMaxRetries = 3

// DefaultNetworkFeeBuffer is 0.001 of the native currency. It is a display
// estimate of network fees; simulation is the authoritative check.
var DefaultNetworkFeeBuffer = big.NewInt(1_000_000_000_000_000)

// Gateway is the chain surface the pipeline drives. *chain.Gateway implements it.
type Gateway interface {
	ChainID() int64
	MintingFee(ctx context.Context) chain.FeeQuote
	Balance(ctx context.Context, account common.Address) (*big.Int, error)
	Simulate(ctx context.Context, call chain.MintCall) error
	EstimateGas(ctx context.Context, call chain.MintCall) chain.GasPlan
	Submit(ctx context.Context, call chain.MintCall, plan chain.GasPlan) (common.Hash, error)
	AwaitConfirmation(ctx context.Context, hash common.Hash, timeout time.Duration) (*chain.Outcome, error)
}

// signerAccount is implemented by gateways that sign with a single key;
// *chain.Gateway does. A zero address means there is no signer.
type signerAccount interface {
	Account() common.Address
}

// Codec turns an image source into the on-chain payload.
type Codec interface {
	Compress(ctx context.Context, src imagecodec.Source) (*imagecodec.Compressed, error)
}

// Publisher stores the metadata document and returns its URI.
type Publisher interface {
	MetadataKey(attemptID string) string
	PublishMetadata(ctx context.Context, key string, doc any) (string, error)
}

type Options struct {
	// ChainID is the designated network. Zero means the gateway's.
	ChainID          int64
	NetworkFeeBuffer *big.Int
	ConfirmTimeout   time.Duration
	MaxRetries       int
	// Publisher is optional; without it metadataURI is empty.
	Publisher   Publisher
	ExternalURL string
	Now         func() time.Time
	NewID       func() string
}

type Orchestrator struct {
	gw    Gateway
	codec Codec
	opts  Options

	mu       sync.Mutex
	inFlight map[common.Address]string
}

func NewOrchestrator(gw Gateway, codec Codec, opts Options) *Orchestrator {
	if opts.ChainID == 0 {
		opts.ChainID = gw.ChainID()
	}
	if opts.NetworkFeeBuffer == nil {
		opts.NetworkFeeBuffer = DefaultNetworkFeeBuffer
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = chain.DefaultConfirmTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Orchestrator{
		gw:       gw,
		codec:    codec,
		opts:     opts,
		inFlight: make(map[common.Address]string),
	}
}

func (o *Orchestrator) ChainID() int64 { return o.opts.ChainID }

func (o *Orchestrator) MaxRetries() int { return o.opts.MaxRetries }

// Start creates a fresh attempt in Idle with no retries used.
func (o *Orchestrator) Start(req Request) *Attempt {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = o.opts.Now()
	}
	return &Attempt{
		ID:         o.opts.NewID(),
		Request:    req,
		state:      StateIdle,
		maxRetries: o.opts.MaxRetries,
	}
}

// Run drives a new attempt to Succeeded or Failed. Failures are returned as
// *failure.Error; policy refusals as one of the sentinel errors.
func (o *Orchestrator) Run(ctx context.Context, a *Attempt, obs Observer) (*Result, error) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil, ErrAttemptInProgress
	}
	if a.state != StateIdle {
		a.mu.Unlock()
		o.release(a.Request.Account, a.ID)
		return nil, ErrAttemptStarted
	}
	a.running = true
	a.mu.Unlock()

	return o.run(ctx, a, obs, false)
}

// Retry re-enters Validating for a failed attempt on explicit user action.
// A new transaction is built from scratch, including a fresh nonce; a
// transaction left pending by a confirmation timeout is not replaced.
func (o *Orchestrator) Retry(ctx context.Context, a *Attempt, obs Observer) (*Result, error) {
	a.mu.Lock()
	if err := a.retryRefusal(); err != nil {
		a.mu.Unlock()
		if !errors.Is(err, ErrAttemptInProgress) {
			o.release(a.Request.Account, a.ID)
		}
		return nil, err
	}
	a.running = true
	a.mu.Unlock()

	return o.run(ctx, a, obs, true)
}

// run releases the account and the attempt before the terminal event is
// emitted, so an observer reacting to it can retry or mint again at once.
func (o *Orchestrator) run(ctx context.Context, a *Attempt, obs Observer, retry bool) (*Result, error) {
	account := a.Request.Account
	guarded := account != (common.Address{})
	finish := func() {
		if guarded {
			o.release(account, a.ID)
		}
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}

	if guarded {
		if err := o.acquire(account, a.ID); err != nil {
			guarded = false
			finish()
			return nil, err
		}
	}

	if retry {
		a.mu.Lock()
		a.retryCount++
		n := a.retryCount
		a.mu.Unlock()
		log.Info().Str("attempt", a.ID).Int("retry", n).Msg("mint: retry requested")
	}

	res, ferr := o.execute(ctx, a, obs)
	finish()
	if ferr != nil {
		o.fail(a, obs, ferr)
		return nil, ferr
	}
	o.transition(a, obs, StateSucceeded, res.Outcome.Hash.Hex())
	return res, nil
}

func (o *Orchestrator) acquire(account common.Address, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if owner, busy := o.inFlight[account]; busy && owner != id {
		return ErrAttemptInProgress
	}
	o.inFlight[account] = id
	return nil
}

func (o *Orchestrator) release(account common.Address, id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight[account] == id {
		delete(o.inFlight, account)
	}
}

// Reserve claims the attempt's account before the attempt is run, so a
// caller can refuse a concurrent mint synchronously. Run and Retry reuse
// the reservation; a refused Run or Retry gives it back.
func (o *Orchestrator) Reserve(a *Attempt) error {
	if a.Request.Account == (common.Address{}) {
		return nil
	}
	return o.acquire(a.Request.Account, a.ID)
}

// Busy reports whether account has an attempt in flight.
func (o *Orchestrator) Busy(account common.Address) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inFlight[account]
	return ok
}

func (o *Orchestrator) execute(ctx context.Context, a *Attempt, obs Observer) (*Result, *failure.Error) {
	req := a.Request
	o.clearRun(a)

	o.transition(a, obs, StateValidating, "")
	if req.ChainID != o.opts.ChainID {
		return nil, failure.New(failure.WrongNetwork,
			fmt.Sprintf("wallet is on chain %d, expected %d", req.ChainID, o.opts.ChainID))
	}
	mood := strings.TrimSpace(req.Mood)
	switch {
	case req.Account == (common.Address{}):
		return nil, failure.New(failure.InvalidRequest, "account is not connected")
	case mood == "":
		return nil, failure.New(failure.InvalidRequest, "mood cannot be empty")
	case req.Image.Empty():
		return nil, failure.New(failure.InvalidRequest, "image source is required")
	}
	if s, ok := o.gw.(signerAccount); ok {
		if signer := s.Account(); signer != (common.Address{}) && signer != req.Account {
			return nil, failure.New(failure.InvalidRequest,
				fmt.Sprintf("account %s is not controlled by signer %s", req.Account.Hex(), signer.Hex()))
		}
	}

	var (
		quote   chain.FeeQuote
		balance *big.Int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		quote = o.gw.MintingFee(gctx)
		return nil
	})
	g.Go(func() error {
		var err error
		balance, err = o.gw.Balance(gctx, req.Account)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, o.classify(ctx, err)
	}

	a.mu.Lock()
	a.fee = &quote
	a.mu.Unlock()
	o.emit(a, obs, StateValidating, fmt.Sprintf("fee %s wei (%s)", quote.MintingFee, quote.Source))

	required := new(big.Int).Add(quote.MintingFee, o.opts.NetworkFeeBuffer)
	if balance.Cmp(required) < 0 {
		return nil, failure.New(failure.InsufficientBalance,
			fmt.Sprintf("balance %s wei is below required %s wei", balance, required))
	}

	if ferr := o.abandoned(ctx); ferr != nil {
		return nil, ferr
	}
	o.transition(a, obs, StateCompressing, "")
	img, err := o.codec.Compress(ctx, req.Image)
	if err != nil {
		if ferr := o.abandoned(ctx); ferr != nil {
			return nil, ferr
		}
		return nil, failure.Wrap(failure.ImageError, err)
	}
	a.mu.Lock()
	a.image = img
	a.mu.Unlock()
	o.emit(a, obs, StateCompressing, fmt.Sprintf("%d bytes at quality %.1f after %d passes", img.ByteLength, img.Quality, len(img.Passes)))

	metadataURI := o.publishMetadata(ctx, a, obs, mood)

	call := chain.MintCall{
		From:        req.Account,
		ImageData:   img.EncodedData,
		Mood:        mood,
		MetadataURI: metadataURI,
		Value:       quote.MintingFee,
	}

	if ferr := o.abandoned(ctx); ferr != nil {
		return nil, ferr
	}
	o.transition(a, obs, StateSimulating, "")
	if err := o.gw.Simulate(ctx, call); err != nil {
		return nil, o.classify(ctx, err)
	}

	o.transition(a, obs, StateEstimating, "")
	plan := o.gw.EstimateGas(ctx, call)
	a.mu.Lock()
	a.gas = &plan
	a.mu.Unlock()
	o.emit(a, obs, StateEstimating, fmt.Sprintf("gas %d applied from %d (%s)", plan.AppliedUnits, plan.EstimatedUnits, plan.Source))

	if ferr := o.abandoned(ctx); ferr != nil {
		return nil, ferr
	}
	o.transition(a, obs, StateSubmitting, "")
	hash, err := o.gw.Submit(ctx, call, plan)
	if err != nil {
		return nil, o.classify(ctx, err)
	}
	a.mu.Lock()
	a.pendingHash = hash
	a.mu.Unlock()

	// From here on the attempt cannot be cancelled, only the wait abandoned.
	o.transition(a, obs, StateConfirming, hash.Hex())
	outcome, err := o.gw.AwaitConfirmation(ctx, hash, o.opts.ConfirmTimeout)
	if err != nil {
		ferr := failure.Classify(err)
		if ferr.Kind != failure.ConfirmationTimeout && ctx.Err() != nil {
			ferr = &failure.Error{Kind: failure.ConfirmationTimeout, Reason: ferr.Reason, Err: err}
		}
		return nil, ferr
	}
	a.mu.Lock()
	a.outcome = outcome
	a.mu.Unlock()

	if outcome.Status != chain.StatusConfirmed {
		return nil, failure.New(failure.Reverted,
			fmt.Sprintf("transaction reverted in block %d (hash %s)", outcome.BlockNumber, outcome.Hash.Hex()))
	}

	return &Result{
		Outcome:     *outcome,
		Fee:         quote,
		Gas:         plan,
		Image:       *img,
		MetadataURI: metadataURI,
	}, nil
}

// publishMetadata degrades to an empty URI; the contract accepts one.
func (o *Orchestrator) publishMetadata(ctx context.Context, a *Attempt, obs Observer, mood string) string {
	if o.opts.Publisher == nil {
		return ""
	}
	doc := metadata.Generate(metadata.Input{
		Mood:        mood,
		ImageURL:    a.Request.Image.URL,
		Seed:        a.Request.Seed,
		ExternalURL: o.opts.ExternalURL,
		CreatedAt:   a.Request.CreatedAt,
	})
	uri, err := o.opts.Publisher.PublishMetadata(ctx, o.opts.Publisher.MetadataKey(a.ID), doc)
	if err != nil {
		log.Warn().Err(err).Str("attempt", a.ID).Msg("mint: metadata publish failed, minting without metadataURI")
		o.emit(a, obs, StateCompressing, "metadata publish failed")
		return ""
	}
	a.mu.Lock()
	a.metadataURI = uri
	a.mu.Unlock()
	return uri
}

// abandoned maps a cancelled context before submission to UserRejected.
func (o *Orchestrator) abandoned(ctx context.Context) *failure.Error {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return &failure.Error{Kind: failure.UserRejected, Reason: "attempt abandoned before submission", Err: err}
		}
		return failure.Wrap(failure.NetworkUnavailable, err)
	}
	return nil
}

// classify keeps boundary kinds, except that a cancelled context before a
// hash exists is the user walking away.
func (o *Orchestrator) classify(ctx context.Context, err error) *failure.Error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return o.abandoned(ctx)
	}
	return failure.Classify(err)
}

func (o *Orchestrator) clearRun(a *Attempt) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastErr = nil
	a.fee = nil
	a.gas = nil
	a.image = nil
	a.outcome = nil
	a.metadataURI = ""
}

func (o *Orchestrator) fail(a *Attempt, obs Observer, ferr *failure.Error) {
	a.mu.Lock()
	a.lastErr = ferr
	retries := a.retryCount
	a.mu.Unlock()

	log.Error().
		Str("attempt", a.ID).
		Str("account", a.Request.Account.Hex()).
		Str("kind", string(ferr.Kind)).
		Int("retryCount", retries).
		Str("reason", ferr.Reason).
		Msg("mint: failed")
	o.transition(a, obs, StateFailed, string(ferr.Kind))
}

func (o *Orchestrator) transition(a *Attempt, obs Observer, state State, detail string) {
	a.mu.Lock()
	a.state = state
	a.mu.Unlock()

	log.Info().
		Str("attempt", a.ID).
		Str("state", string(state)).
		Str("account", a.Request.Account.Hex()).
		Msg("mint: transition")
	o.emit(a, obs, state, detail)
}

func (o *Orchestrator) emit(a *Attempt, obs Observer, state State, detail string) {
	ev := Event{Attempt: a.ID, State: state, At: o.opts.Now(), Detail: detail}
	a.mu.Lock()
	a.events = append(a.events, ev)
	a.mu.Unlock()
	if obs != nil {
		obs(ev)
	}
}
