package app

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/moodart/mood-art-nft/server/internal/failure"
	"github.com/moodart/mood-art-nft/server/internal/imagecodec"
	"github.com/moodart/mood-art-nft/server/internal/mint"
)

const (
	subscriberBuffer = 64

	// requestOverhead covers the JSON fields around a base64 image.
	requestOverhead = 64 << 10

	defaultAttemptTTL       = 10 * time.Minute
	defaultFailedAttemptTTL = time.Hour
)

var errHashExists = errors.New("transaction already submitted; only the confirmation wait remains")

type CreateMintRequest struct {
	ImageURL  string `json:"imageUrl"`
	ImageData string `json:"imageData"`
	Mood      string `json:"mood"`
	ChainID   int64  `json:"chainId"`
	Account   string `json:"account"`
	Seed      int64  `json:"seed,omitempty"`
}

func (r CreateMintRequest) toMintRequest() (mint.Request, error) {
	req := mint.Request{
		Mood:    r.Mood,
		ChainID: r.ChainID,
		Seed:    r.Seed,
	}
	if acct := strings.TrimSpace(r.Account); acct != "" {
		if !common.IsHexAddress(acct) {
			return req, fmt.Errorf("invalid account address %q", acct)
		}
		req.Account = common.HexToAddress(acct)
	}

	data := strings.TrimSpace(r.ImageData)
	switch {
	case strings.HasPrefix(data, "data:"):
		req.Image.URL = data
	case data != "":
		raw, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return req, fmt.Errorf("imageData is not base64: %w", err)
		}
		req.Image.Data = raw
	default:
		req.Image.URL = strings.TrimSpace(r.ImageURL)
	}
	return req, nil
}

// MintView is the attempt snapshot plus the retry cap.
type MintView struct {
	mint.Snapshot
	MaxRetries int    `json:"maxRetries"`
	Refused    string `json:"refused,omitempty"`
}

// entry is one attempt plus its live progress subscribers.
type entry struct {
	attempt *mint.Attempt

	mu      sync.Mutex
	events  []mint.Event
	subs    map[chan mint.Event]struct{}
	refused error
	// cancel stops the current run; active is true while one is going.
	cancel context.CancelFunc
	active bool
	run    int
	expiry *time.Timer
}

// publish never blocks. A slow subscriber loses intermediate events, but the
// terminal event displaces the oldest buffered one so every stream ends.
func (e *entry) publish(ev mint.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	for ch := range e.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		if !ev.State.Terminal() {
			log.Warn().Str("attempt", ev.Attempt).Msg("progress subscriber is slow, dropping event")
			continue
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

// begin derives the context for one run from parent. The returned func
// ends that run and leaves a later one untouched.
func (e *entry) begin(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.expiry != nil {
		e.expiry.Stop()
		e.expiry = nil
	}
	e.run++
	run := e.run
	e.cancel = cancel
	e.active = true

	return ctx, func() {
		cancel()
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.run == run {
			e.cancel = nil
			e.active = false
		}
	}
}

func (e *entry) abandon() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// subscribe returns the backlog and a channel for what follows, atomically.
func (e *entry) subscribe() ([]mint.Event, chan mint.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan mint.Event, subscriberBuffer)
	e.subs[ch] = struct{}{}
	return append([]mint.Event(nil), e.events...), ch
}

func (e *entry) unsubscribe(ch chan mint.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subs, ch)
}

func (e *entry) setRefused(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refused = err
}

func (e *entry) refusal() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refused
}

// registry holds attempts in memory until they expire or are abandoned.
type registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*entry)}
}

func (r *registry) add(a *mint.Attempt) *entry {
	e := &entry{attempt: a, subs: make(map[chan mint.Event]struct{})}
	r.mu.Lock()
	r.entries[a.ID] = e
	r.mu.Unlock()
	return e
}

func (r *registry) get(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

func (r *registry) remove(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[e.attempt.ID] == e {
		delete(r.entries, e.attempt.ID)
	}
}

// expire drops e after ttl unless a run has started again by then.
func (r *registry) expire(e *entry, ttl time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.expiry != nil {
		e.expiry.Stop()
	}
	e.expiry = time.AfterFunc(ttl, func() {
		e.mu.Lock()
		active := e.active
		e.mu.Unlock()
		if !active {
			r.remove(e)
		}
	})
}

func (r *registry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (a *App) handleCreateMint(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxBodyBytes())
	var body CreateMintRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("payload exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}
	req, err := body.toMintRequest()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.CreatedAt = a.now()

	attempt := a.orch.Start(req)
	if err := a.orch.Reserve(attempt); err != nil {
		a.metrics.incMint("refused")
		writeError(w, http.StatusConflict, err)
		return
	}
	e := a.attempts.add(attempt)
	a.metrics.incMint("started")

	ctx, done := e.begin(a.ctx)
	go a.drive(ctx, e, done, false)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"attemptId": attempt.ID,
		"state":     attempt.State(),
	})
}

func (a *App) handleGetMint(w http.ResponseWriter, r *http.Request) {
	e, ok := a.attempts.get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("mint attempt not found"))
		return
	}
	writeJSON(w, http.StatusOK, a.view(e))
}

func (a *App) handleRetryMint(w http.ResponseWriter, r *http.Request) {
	e, ok := a.attempts.get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("mint attempt not found"))
		return
	}
	if err := e.attempt.CheckRetry(); err != nil {
		a.metrics.incRetry("refused")
		writeError(w, http.StatusConflict, err)
		return
	}
	if err := a.orch.Reserve(e.attempt); err != nil {
		a.metrics.incRetry("refused")
		writeError(w, http.StatusConflict, err)
		return
	}
	a.metrics.incRetry("accepted")

	ctx, done := e.begin(a.ctx)
	go a.drive(ctx, e, done, true)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"attemptId":  e.attempt.ID,
		"retryCount": e.attempt.RetryCount() + 1,
	})
}

// handleAbandonMint cancels an attempt that has no transaction hash yet and
// forgets it. Once a hash exists the transaction may still land, so the
// attempt is kept and 409 is returned.
func (a *App) handleAbandonMint(w http.ResponseWriter, r *http.Request) {
	e, ok := a.attempts.get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("mint attempt not found"))
		return
	}
	if e.attempt.State() == mint.StateConfirming {
		writeError(w, http.StatusConflict, errHashExists)
		return
	}
	e.abandon()
	a.attempts.remove(e)
	a.metrics.incMint("abandoned")
	writeJSON(w, http.StatusOK, map[string]any{
		"attemptId": e.attempt.ID,
		"abandoned": true,
	})
}

// drive runs the pipeline detached from the HTTP request, under the entry's
// own context so the attempt can be abandoned on its own.
func (a *App) drive(ctx context.Context, e *entry, done func(), retry bool) {
	a.metrics.inFlight.Inc()
	defer a.metrics.inFlight.Dec()
	defer a.schedule(e)
	defer done()

	observe := func(ev mint.Event) {
		a.metrics.observeTransition(ev.State)
		e.publish(ev)
	}

	var (
		res *mint.Result
		err error
	)
	if retry {
		res, err = a.orch.Retry(ctx, e.attempt, observe)
	} else {
		res, err = a.orch.Run(ctx, e.attempt, observe)
	}

	var ferr *failure.Error
	switch {
	case err == nil:
		e.setRefused(nil)
		a.metrics.observeResult(res)
	case errors.As(err, &ferr):
		e.setRefused(nil)
		a.metrics.incFailure(ferr.Kind)
	default:
		// policy refusal that raced the pre-check; the attempt did not move
		e.setRefused(err)
		log.Warn().Err(err).Str("attempt", e.attempt.ID).Msg("mint attempt refused")
	}
}

// schedule expires finished attempts quickly and keeps retryable ones
// around for a while longer.
func (a *App) schedule(e *entry) {
	ttl := a.attemptTTL
	if e.attempt.CanRetry() {
		ttl = a.failedAttemptTTL
	}
	a.attempts.expire(e, ttl)
}

func (a *App) maxBodyBytes() int64 {
	limit := a.cfg.ImageMaxSourceBytes
	if limit <= 0 {
		limit = imagecodec.DefaultMaxSourceBytes
	}
	return int64(base64.StdEncoding.EncodedLen(limit)) + requestOverhead
}

func (a *App) view(e *entry) MintView {
	v := MintView{Snapshot: e.attempt.Snapshot(), MaxRetries: a.orch.MaxRetries()}
	if err := e.refusal(); err != nil {
		v.Refused = err.Error()
	}
	return v
}

func (a *App) handleMintEvents(w http.ResponseWriter, r *http.Request) {
	e, ok := a.attempts.get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("mint attempt not found"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	backlog, ch := e.subscribe()
	defer e.unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, ev := range backlog {
		writeEvent(w, ev)
	}
	flusher.Flush()
	if n := len(backlog); n > 0 && backlog[n-1].State.Terminal() && e.attempt.State().Terminal() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			writeEvent(w, ev)
			flusher.Flush()
			if ev.State.Terminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev mint.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.State, data)
}
