package mint

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moodart/mood-art-nft/server/internal/chain"
	"github.com/moodart/mood-art-nft/server/internal/failure"
	"github.com/moodart/mood-art-nft/server/internal/imagecodec"
)

var (
	testAccount = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	txHash      = common.HexToHash("0xabc1")
)

func ether(tenths int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(tenths), big.NewInt(100_000_000_000_000_000))
}

type fakeGateway struct {
	mu sync.Mutex

	fee         chain.FeeQuote
	balance     *big.Int
	balanceErr  error
	simulateErr error
	plan        chain.GasPlan
	submitErr   error
	awaitErr    error
	status      chain.TxStatus
	// block, when set, holds Submit until it is closed.
	block chan struct{}
	// signer is the gateway key's address; zero means unchecked.
	signer common.Address

	calls []string
	sent  []chain.MintCall
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		fee:     chain.FeeQuote{MintingFee: ether(2), Source: chain.FeeOnChain},
		balance: ether(10),
		plan:    chain.GasPlan{EstimatedUnits: 150000, AppliedUnits: 180000, Source: chain.GasFallback},
		status:  chain.StatusConfirmed,
	}
}

func (f *fakeGateway) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeGateway) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeGateway) ChainID() int64 { return chain.DefaultChainID }

func (f *fakeGateway) Account() common.Address { return f.signer }

func (f *fakeGateway) MintingFee(context.Context) chain.FeeQuote {
	f.record("fee")
	return f.fee
}

func (f *fakeGateway) Balance(context.Context, common.Address) (*big.Int, error) {
	f.record("balance")
	return f.balance, f.balanceErr
}

func (f *fakeGateway) Simulate(_ context.Context, call chain.MintCall) error {
	f.record("simulate")
	return f.simulateErr
}

func (f *fakeGateway) EstimateGas(context.Context, chain.MintCall) chain.GasPlan {
	f.record("estimate")
	return f.plan
}

func (f *fakeGateway) Submit(ctx context.Context, call chain.MintCall, plan chain.GasPlan) (common.Hash, error) {
	f.record("submit")
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.sent = append(f.sent, call)
	f.mu.Unlock()
	if f.submitErr != nil {
		return common.Hash{}, f.submitErr
	}
	return txHash, nil
}

func (f *fakeGateway) AwaitConfirmation(_ context.Context, hash common.Hash, _ time.Duration) (*chain.Outcome, error) {
	f.record("await")
	if f.awaitErr != nil {
		return nil, f.awaitErr
	}
	return &chain.Outcome{Hash: hash, Status: f.status, GasUsed: 120000, BlockNumber: 42}, nil
}

type fakeCodec struct {
	calls int
	err   error
	// during runs inside Compress, before err is returned.
	during func()
}

func (c *fakeCodec) Compress(context.Context, imagecodec.Source) (*imagecodec.Compressed, error) {
	c.calls++
	if c.during != nil {
		c.during()
	}
	if c.err != nil {
		return nil, c.err
	}
	return &imagecodec.Compressed{
		EncodedData:  "data:image/jpeg;base64,AAAA",
		ByteLength:   27,
		MimeType:     imagecodec.MimeJPEG,
		Width:        512,
		Height:       512,
		Quality:      0.6,
		Passes:       []imagecodec.Pass{{Quality: 0.6, ByteLength: 27}},
		WithinBudget: true,
	}, nil
}

type fakePublisher struct {
	docs map[string]any
	err  error
}

func (p *fakePublisher) MetadataKey(id string) string { return "metadata/" + id + ".json" }

func (p *fakePublisher) PublishMetadata(_ context.Context, key string, doc any) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.docs[key] = doc
	return "https://pub.example/" + key, nil
}

func newTestOrchestrator(gw *fakeGateway, codec *fakeCodec, opts Options) *Orchestrator {
	ids := 0
	opts.NewID = func() string {
		ids++
		return "attempt-" + string(rune('0'+ids))
	}
	opts.Now = func() time.Time { return time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC) }
	return NewOrchestrator(gw, codec, opts)
}

func validRequest() Request {
	return Request{
		Image:   imagecodec.Source{URL: "https://im.runware.ai/image/x.webp"},
		Mood:    "I feel calm and peaceful",
		ChainID: chain.DefaultChainID,
		Account: testAccount,
		Seed:    7,
	}
}

func collect(events *[]State) Observer {
	return func(ev Event) {
		if n := len(*events); n == 0 || (*events)[n-1] != ev.State {
			*events = append(*events, ev.State)
		}
	}
}

func TestRunSucceeds(t *testing.T) {
	gw := newFakeGateway()
	codec := &fakeCodec{}
	o := newTestOrchestrator(gw, codec, Options{})

	var states []State
	a := o.Start(validRequest())
	assert.Equal(t, StateIdle, a.State())

	res, err := o.Run(context.Background(), a, collect(&states))
	require.NoError(t, err)

	assert.Equal(t, StateSucceeded, a.State())
	assert.Equal(t, []State{
		StateValidating, StateCompressing, StateSimulating, StateEstimating,
		StateSubmitting, StateConfirming, StateSucceeded,
	}, states)
	assert.Equal(t, []string{"fee", "balance", "simulate", "estimate", "submit", "await"}, sortFirstTwo(gw.Calls()))

	assert.Equal(t, chain.FeeOnChain, res.Fee.Source)
	assert.Equal(t, 0, res.Fee.MintingFee.Cmp(ether(2)))
	assert.Equal(t, chain.GasFallback, res.Gas.Source)
	assert.Equal(t, uint64(180000), res.Gas.AppliedUnits)
	assert.Equal(t, chain.StatusConfirmed, res.Outcome.Status)
	assert.Equal(t, txHash, res.Outcome.Hash)
	assert.Empty(t, res.MetadataURI)

	require.Len(t, gw.sent, 1)
	assert.Equal(t, "data:image/jpeg;base64,AAAA", gw.sent[0].ImageData)
	assert.Equal(t, "I feel calm and peaceful", gw.sent[0].Mood)
	assert.Equal(t, 0, gw.sent[0].Value.Cmp(ether(2)))
	assert.False(t, a.CanRetry())
	assert.False(t, o.Busy(testAccount))
}

// sortFirstTwo orders the concurrent fee and balance reads.
func sortFirstTwo(calls []string) []string {
	if len(calls) >= 2 && calls[0] == "balance" {
		calls[0], calls[1] = calls[1], calls[0]
	}
	return calls
}

func TestRunWrongNetworkMakesNoCalls(t *testing.T) {
	gw := newFakeGateway()
	codec := &fakeCodec{}
	o := newTestOrchestrator(gw, codec, Options{})

	req := validRequest()
	req.ChainID = 1
	a := o.Start(req)
	_, err := o.Run(context.Background(), a, nil)

	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.WrongNetwork))
	assert.Empty(t, gw.Calls())
	assert.Zero(t, codec.calls)
	assert.Equal(t, StateFailed, a.State())
	assert.True(t, a.CanRetry())
}

func TestRunGuards(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"no account", func(r *Request) { r.Account = common.Address{} }},
		{"blank mood", func(r *Request) { r.Mood = "   " }},
		{"no image", func(r *Request) { r.Image = imagecodec.Source{} }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			gw := newFakeGateway()
			o := newTestOrchestrator(gw, &fakeCodec{}, Options{})
			req := validRequest()
			tc.mutate(&req)

			_, err := o.Run(context.Background(), o.Start(req), nil)
			assert.True(t, failure.Is(err, failure.InvalidRequest))
			assert.Empty(t, gw.Calls())
		})
	}
}

func TestRunInsufficientBalanceSkipsCodec(t *testing.T) {
	gw := newFakeGateway()
	// covers the fee but not the network fee buffer
	gw.balance = new(big.Int).Add(ether(2), big.NewInt(1))
	codec := &fakeCodec{}
	o := newTestOrchestrator(gw, codec, Options{})

	var states []State
	a := o.Start(validRequest())
	_, err := o.Run(context.Background(), a, collect(&states))

	assert.True(t, failure.Is(err, failure.InsufficientBalance))
	assert.Zero(t, codec.calls)
	assert.Equal(t, []State{StateValidating, StateFailed}, states)
	assert.NotContains(t, gw.Calls(), "simulate")
}

func TestRunBalanceUnavailable(t *testing.T) {
	gw := newFakeGateway()
	gw.balanceErr = failure.Wrap(failure.NetworkUnavailable, errors.New("read balance: connection refused"))
	o := newTestOrchestrator(gw, &fakeCodec{}, Options{})

	_, err := o.Run(context.Background(), o.Start(validRequest()), nil)
	assert.True(t, failure.Is(err, failure.NetworkUnavailable))
}

func TestRunFallbackFeeIsReported(t *testing.T) {
	gw := newFakeGateway()
	gw.fee = chain.FeeQuote{MintingFee: ether(2), Source: chain.FeeFallback}
	o := newTestOrchestrator(gw, &fakeCodec{}, Options{})

	a := o.Start(validRequest())
	res, err := o.Run(context.Background(), a, nil)
	require.NoError(t, err)
	assert.Equal(t, chain.FeeFallback, res.Fee.Source)

	snap := a.Snapshot()
	assert.Equal(t, chain.FeeFallback, snap.FeeSource)
	var found bool
	for _, ev := range snap.Events {
		if ev.Detail == "fee 200000000000000000 wei (fallback-default)" {
			found = true
		}
	}
	assert.True(t, found, "fee source must be observable in progress events")
}

func TestRunImageError(t *testing.T) {
	gw := newFakeGateway()
	codec := &fakeCodec{err: &imagecodec.FetchError{Source: "https://x", Err: errors.New("status 404")}}
	o := newTestOrchestrator(gw, codec, Options{})

	_, err := o.Run(context.Background(), o.Start(validRequest()), nil)
	assert.True(t, failure.Is(err, failure.ImageError))
	var fetchErr *imagecodec.FetchError
	assert.ErrorAs(t, err, &fetchErr)
	assert.NotContains(t, gw.Calls(), "simulate")
}

func TestRunCancelledDuringFetchIsAbandoned(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw := newFakeGateway()
	codec := &fakeCodec{
		err:    &imagecodec.FetchError{Source: "https://x", Err: context.Canceled},
		during: cancel,
	}
	o := newTestOrchestrator(gw, codec, Options{})

	a := o.Start(validRequest())
	_, err := o.Run(ctx, a, nil)
	assert.True(t, failure.Is(err, failure.UserRejected))
	assert.Equal(t, 1, codec.calls)
	assert.False(t, a.CanRetry())
}

func TestRunRejectsAccountNotControlledBySigner(t *testing.T) {
	gw := newFakeGateway()
	gw.signer = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	codec := &fakeCodec{}
	o := newTestOrchestrator(gw, codec, Options{})

	_, err := o.Run(context.Background(), o.Start(validRequest()), nil)
	var ferr *failure.Error
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, failure.InvalidRequest, ferr.Kind)
	assert.Contains(t, ferr.Reason, "not controlled by signer")
	assert.Empty(t, gw.Calls())
	assert.Zero(t, codec.calls)

	gw.signer = testAccount
	_, err = o.Run(context.Background(), o.Start(validRequest()), nil)
	assert.NoError(t, err)
}

func TestRunSimulationRejected(t *testing.T) {
	gw := newFakeGateway()
	gw.simulateErr = &failure.Error{Kind: failure.SimulationRejected, Reason: "execution reverted: Insufficient minting fee"}
	o := newTestOrchestrator(gw, &fakeCodec{}, Options{})

	a := o.Start(validRequest())
	_, err := o.Run(context.Background(), a, nil)

	var ferr *failure.Error
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, failure.SimulationRejected, ferr.Kind)
	assert.Equal(t, "Minting fee too low", ferr.Message())
	assert.NotContains(t, gw.Calls(), "estimate")
	assert.Equal(t, "Minting fee too low", a.Snapshot().Error.Message)
}

func TestRunReverted(t *testing.T) {
	gw := newFakeGateway()
	gw.status = chain.StatusReverted
	o := newTestOrchestrator(gw, &fakeCodec{}, Options{})

	a := o.Start(validRequest())
	_, err := o.Run(context.Background(), a, nil)
	assert.True(t, failure.Is(err, failure.Reverted))

	// no automatic resubmission
	assert.Len(t, gw.sent, 1)
	snap := a.Snapshot()
	require.NotNil(t, snap.Outcome)
	assert.Equal(t, chain.StatusReverted, snap.Outcome.Status)
}

func TestRunConfirmationTimeoutKeepsPendingHash(t *testing.T) {
	gw := newFakeGateway()
	gw.awaitErr = &failure.Error{Kind: failure.ConfirmationTimeout, Reason: "timed out waiting for receipt"}
	o := newTestOrchestrator(gw, &fakeCodec{}, Options{ConfirmTimeout: time.Second})

	a := o.Start(validRequest())
	_, err := o.Run(context.Background(), a, nil)
	assert.True(t, failure.Is(err, failure.ConfirmationTimeout))

	hash, ok := a.PendingHash()
	assert.True(t, ok)
	assert.Equal(t, txHash, hash)
	assert.Len(t, gw.sent, 1)
	assert.True(t, a.CanRetry())
}

func TestRunAbandonedBeforeSubmission(t *testing.T) {
	gw := newFakeGateway()
	o := newTestOrchestrator(gw, &fakeCodec{}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := o.Start(validRequest())
	_, err := o.Run(ctx, a, nil)

	assert.True(t, failure.Is(err, failure.UserRejected))
	assert.NotContains(t, gw.Calls(), "submit")
}

func TestRetryCap(t *testing.T) {
	gw := newFakeGateway()
	gw.simulateErr = &failure.Error{Kind: failure.SimulationRejected, Reason: "execution reverted"}
	o := newTestOrchestrator(gw, &fakeCodec{}, Options{})

	a := o.Start(validRequest())
	_, err := o.Run(context.Background(), a, nil)
	require.Error(t, err)

	for i := 1; i <= 3; i++ {
		var states []State
		_, err := o.Retry(context.Background(), a, collect(&states))
		assert.True(t, failure.Is(err, failure.SimulationRejected), "retry %d", i)
		assert.Equal(t, StateValidating, states[0])
		assert.Equal(t, i, a.RetryCount())
	}

	assert.False(t, a.CanRetry())
	_, err = o.Retry(context.Background(), a, nil)
	assert.ErrorIs(t, err, ErrRetryLimit)
	assert.Equal(t, 3, a.RetryCount())
}

func TestRetryRefusedRegardlessOfKind(t *testing.T) {
	gw := newFakeGateway()
	gw.status = chain.StatusReverted
	o := newTestOrchestrator(gw, &fakeCodec{}, Options{MaxRetries: 1})

	a := o.Start(validRequest())
	o.Run(context.Background(), a, nil)
	_, err := o.Retry(context.Background(), a, nil)
	assert.True(t, failure.Is(err, failure.Reverted))
	_, err = o.Retry(context.Background(), a, nil)
	assert.ErrorIs(t, err, ErrRetryLimit)
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	gw := newFakeGateway()
	gw.balance = big.NewInt(1)
	o := newTestOrchestrator(gw, &fakeCodec{}, Options{})

	a := o.Start(validRequest())
	_, err := o.Run(context.Background(), a, nil)
	require.True(t, failure.Is(err, failure.InsufficientBalance))

	gw.balance = ether(10)
	res, err := o.Retry(context.Background(), a, nil)
	require.NoError(t, err)
	assert.Equal(t, txHash, res.Outcome.Hash)
	assert.Nil(t, a.LastError())
	assert.Equal(t, StateSucceeded, a.State())

	_, err = o.Retry(context.Background(), a, nil)
	assert.ErrorIs(t, err, ErrAttemptFinished)
}

func TestUserRejectedDisablesRetry(t *testing.T) {
	gw := newFakeGateway()
	gw.submitErr = failure.Wrap(failure.UserRejected, chain.ErrUserRejected)
	o := newTestOrchestrator(gw, &fakeCodec{}, Options{})

	a := o.Start(validRequest())
	_, err := o.Run(context.Background(), a, nil)
	assert.True(t, failure.Is(err, failure.UserRejected))
	assert.False(t, a.CanRetry())

	_, err = o.Retry(context.Background(), a, nil)
	assert.ErrorIs(t, err, ErrRetryDisabled)

	// a fresh mint action is still allowed
	gw.submitErr = nil
	_, err = o.Run(context.Background(), o.Start(validRequest()), nil)
	assert.NoError(t, err)
}

func TestRunTwiceIsRefused(t *testing.T) {
	o := newTestOrchestrator(newFakeGateway(), &fakeCodec{}, Options{})
	a := o.Start(validRequest())
	_, err := o.Run(context.Background(), a, nil)
	require.NoError(t, err)
	_, err = o.Run(context.Background(), a, nil)
	assert.ErrorIs(t, err, ErrAttemptStarted)

	_, err = o.Retry(context.Background(), o.Start(validRequest()), nil)
	assert.ErrorIs(t, err, ErrNotFailed)
}

func TestConcurrentAttemptForAccountRejected(t *testing.T) {
	gw := newFakeGateway()
	gw.block = make(chan struct{})
	o := newTestOrchestrator(gw, &fakeCodec{}, Options{})

	first := o.Start(validRequest())
	submitting := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background(), first, func(ev Event) {
			if ev.State == StateSubmitting {
				close(submitting)
			}
		})
		done <- err
	}()

	<-submitting
	assert.True(t, o.Busy(testAccount))
	second := o.Start(validRequest())
	_, err := o.Run(context.Background(), second, nil)
	assert.ErrorIs(t, err, ErrAttemptInProgress)
	assert.Equal(t, StateIdle, second.State())

	close(gw.block)
	require.NoError(t, <-done)
	assert.False(t, o.Busy(testAccount))

	_, err = o.Run(context.Background(), second, nil)
	assert.NoError(t, err)
}

func TestReserveClaimsAccountBeforeRun(t *testing.T) {
	o := newTestOrchestrator(newFakeGateway(), &fakeCodec{}, Options{})

	first := o.Start(validRequest())
	require.NoError(t, o.Reserve(first))
	assert.True(t, o.Busy(testAccount))

	second := o.Start(validRequest())
	assert.ErrorIs(t, o.Reserve(second), ErrAttemptInProgress)

	_, err := o.Run(context.Background(), first, nil)
	require.NoError(t, err)
	assert.False(t, o.Busy(testAccount))

	// a refused retry hands the reservation back
	require.NoError(t, o.Reserve(first))
	_, err = o.Retry(context.Background(), first, nil)
	assert.ErrorIs(t, err, ErrAttemptFinished)
	assert.False(t, o.Busy(testAccount))
}

func TestRunPublishesMetadata(t *testing.T) {
	gw := newFakeGateway()
	pub := &fakePublisher{docs: map[string]any{}}
	o := newTestOrchestrator(gw, &fakeCodec{}, Options{Publisher: pub, ExternalURL: "https://moodart.example"})

	a := o.Start(validRequest())
	res, err := o.Run(context.Background(), a, nil)
	require.NoError(t, err)

	key := "metadata/" + a.ID + ".json"
	assert.Equal(t, "https://pub.example/"+key, res.MetadataURI)
	assert.Equal(t, res.MetadataURI, gw.sent[0].MetadataURI)
	assert.Contains(t, pub.docs, key)
}

func TestRunMetadataPublishFailureDegrades(t *testing.T) {
	gw := newFakeGateway()
	pub := &fakePublisher{docs: map[string]any{}, err: errors.New("access denied")}
	o := newTestOrchestrator(gw, &fakeCodec{}, Options{Publisher: pub})

	res, err := o.Run(context.Background(), o.Start(validRequest()), nil)
	require.NoError(t, err)
	assert.Empty(t, res.MetadataURI)
	assert.Empty(t, gw.sent[0].MetadataURI)
}
