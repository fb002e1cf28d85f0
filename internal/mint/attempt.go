package mint

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moodart/mood-art-nft/server/internal/chain"
	"github.com/moodart/mood-art-nft/server/internal/failure"
	"github.com/moodart/mood-art-nft/server/internal/imagecodec"
)

type State string

const (
	StateIdle        State = "idle"
	StateValidating  State = "validating"
	StateCompressing State = "compressing"
	StateSimulating  State = "simulating"
	StateEstimating  State = "estimating"
	StateSubmitting  State = "submitting"
	StateConfirming  State = "confirming"
	StateSucceeded   State = "succeeded"
	StateFailed      State = "failed"
)

// Terminal reports whether no further transition happens without user action.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Request is one user-initiated mint action.
type Request struct {
	Image   imagecodec.Source
	Mood    string
	ChainID int64
	Account common.Address
	// Seed and CreatedAt feed the metadata document when a publisher is set.
	Seed      int64
	CreatedAt time.Time
}

// Event is emitted at every state transition and at fallback observations.
type Event struct {
	Attempt string    `json:"attempt"`
	State   State     `json:"state"`
	At      time.Time `json:"at"`
	Detail  string    `json:"detail,omitempty"`
}

// Observer receives progress events synchronously, in order.
type Observer func(Event)

// Result is what a successful attempt returns.
type Result struct {
	Outcome     chain.Outcome
	Fee         chain.FeeQuote
	Gas         chain.GasPlan
	Image       imagecodec.Compressed
	MetadataURI string
}

// Attempt is the in-memory lifetime of one mint. It is owned by the
// orchestrator while running and safe to read from other goroutines.
type Attempt struct {
	ID      string
	Request Request

	mu          sync.Mutex
	state       State
	running     bool
	retryCount  int
	maxRetries  int
	lastErr     *failure.Error
	fee         *chain.FeeQuote
	gas         *chain.GasPlan
	image       *imagecodec.Compressed
	metadataURI string
	pendingHash common.Hash
	outcome     *chain.Outcome
	events      []Event
}

// Snapshot is a consistent copy of an attempt's progress.
type Snapshot struct {
	ID          string                 `json:"id"`
	State       State                  `json:"state"`
	Account     string                 `json:"account"`
	Mood        string                 `json:"mood"`
	RetryCount  int                    `json:"retryCount"`
	CanRetry    bool                   `json:"canRetry"`
	Error       *ErrorView             `json:"error,omitempty"`
	FeeWei      string                 `json:"feeWei,omitempty"`
	FeeSource   chain.FeeSource        `json:"feeSource,omitempty"`
	Gas         *chain.GasPlan         `json:"gas,omitempty"`
	Image       *imagecodec.Compressed `json:"image,omitempty"`
	MetadataURI string                 `json:"metadataUri,omitempty"`
	PendingHash string                 `json:"pendingHash,omitempty"`
	Outcome     *chain.Outcome         `json:"outcome,omitempty"`
	Events      []Event                `json:"events"`
}

type ErrorView struct {
	Kind    failure.Kind `json:"kind"`
	Message string       `json:"message"`
	Reason  string       `json:"reason,omitempty"`
}

func (a *Attempt) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Attempt) RetryCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.retryCount
}

func (a *Attempt) LastError() *failure.Error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// PendingHash is the last submitted transaction hash, if any. After a
// confirmation timeout it is the transaction that may still land.
func (a *Attempt) PendingHash() (common.Hash, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pendingHash, a.pendingHash != (common.Hash{})
}

// CanRetry reports whether Retry would be accepted right now.
func (a *Attempt) CanRetry() bool {
	return a.CheckRetry() == nil
}

// CheckRetry returns the sentinel Retry would refuse with, or nil.
func (a *Attempt) CheckRetry() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.retryRefusal()
}

// Events returns a copy of every event emitted so far.
func (a *Attempt) Events() []Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Event(nil), a.events...)
}

func (a *Attempt) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Snapshot{
		ID:          a.ID,
		State:       a.state,
		Account:     a.Request.Account.Hex(),
		Mood:        a.Request.Mood,
		RetryCount:  a.retryCount,
		CanRetry:    a.retryRefusal() == nil,
		MetadataURI: a.metadataURI,
		Events:      append([]Event(nil), a.events...),
	}
	if a.lastErr != nil {
		s.Error = &ErrorView{Kind: a.lastErr.Kind, Message: a.lastErr.Message(), Reason: a.lastErr.Reason}
	}
	if a.fee != nil {
		s.FeeWei = a.fee.MintingFee.String()
		s.FeeSource = a.fee.Source
	}
	if a.gas != nil {
		gas := *a.gas
		s.Gas = &gas
	}
	if a.image != nil {
		img := *a.image
		s.Image = &img
	}
	if a.pendingHash != (common.Hash{}) {
		s.PendingHash = a.pendingHash.Hex()
	}
	if a.outcome != nil {
		out := *a.outcome
		s.Outcome = &out
	}
	return s
}

// retryRefusal must be called with mu held.
func (a *Attempt) retryRefusal() error {
	switch {
	case a.running:
		return ErrAttemptInProgress
	case a.state == StateSucceeded:
		return ErrAttemptFinished
	case a.state != StateFailed:
		return ErrNotFailed
	case a.lastErr != nil && a.lastErr.Kind == failure.UserRejected:
		return ErrRetryDisabled
	case a.retryCount >= a.maxRetries:
		return ErrRetryLimit
	}
	return nil
}
