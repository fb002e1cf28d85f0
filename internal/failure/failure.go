package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the closed set of user-facing failure categories a mint can end in.
type Kind string

const (
	UserRejected        Kind = "user_rejected"
	WrongNetwork        Kind = "wrong_network"
	InsufficientBalance Kind = "insufficient_balance"
	SimulationRejected  Kind = "simulation_rejected"
	SubmissionFailed    Kind = "submission_failed"
	ConfirmationTimeout Kind = "confirmation_timeout"
	Reverted            Kind = "reverted"
	ImageError          Kind = "image_error"
	NetworkUnavailable  Kind = "network_unavailable"
	InvalidRequest      Kind = "invalid_request"
	Unknown             Kind = "unknown"
)

// Kinds lists every Kind in a stable order.
var Kinds = []Kind{
	UserRejected,
	WrongNetwork,
	InsufficientBalance,
	SimulationRejected,
	SubmissionFailed,
	ConfirmationTimeout,
	Reverted,
	ImageError,
	NetworkUnavailable,
	InvalidRequest,
	Unknown,
}

var messages = map[Kind]string{
	UserRejected:        "Transaction was cancelled. Please try again when ready.",
	WrongNetwork:        "Please switch your wallet to the supported network.",
	InsufficientBalance: "Insufficient balance to cover the minting fee and network fee.",
	SimulationRejected:  "The smart contract rejected your transaction. Please check your inputs.",
	SubmissionFailed:    "The transaction could not be submitted. Please try again.",
	ConfirmationTimeout: "The transaction was submitted but not confirmed in time. It may still land later, check the explorer before retrying.",
	Reverted:            "Transaction reverted by network.",
	ImageError:          "The image could not be processed for minting.",
	NetworkUnavailable:  "Network error occurred. This might be temporary - please try again in a moment.",
	InvalidRequest:      "Image, mood and a connected account are required to mint.",
}

// Message returns the stable human-readable text for a kind.
// Unknown has no fixed text; callers display the preserved reason instead.
func Message(kind Kind) string {
	if msg, ok := messages[kind]; ok {
		return msg
	}
	return "Transaction failed. Please try again."
}

// Error carries a classified failure. Reason keeps the raw signal (revert
// reason, provider message) so it can be shown next to the stable message.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func Wrap(kind Kind, err error) *Error {
	e := &Error{Kind: kind, Err: err}
	if err != nil {
		e.Reason = err.Error()
	}
	return e
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Message is what a renderer shows. Simulation reasons get a friendlier
// mapping when one is known; Unknown falls back to the original text.
func (e *Error) Message() string {
	if e.Kind == SimulationRejected {
		if friendly := describeRevert(e.Reason); friendly != "" {
			return friendly
		}
	}
	if e.Kind == Unknown && e.Reason != "" {
		return e.Reason
	}
	return Message(e.Kind)
}

// Is reports whether err was classified as kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

type rule struct {
	kind     Kind
	keywords []string
}

// Order matters: the first matching rule wins. "insufficient minting fee"
// is a contract revert and must be tested before the generic funds check.
var rules = []rule{
	{UserRejected, []string{"user rejected", "user denied", "rejected by user", "cancelled by user", "canceled by user", "action_rejected"}},
	{WrongNetwork, []string{"wrong network", "chain id mismatch", "invalid chain id", "unsupported chain", "switch network", "switch to the correct network"}},
	{SimulationRejected, []string{"insufficient minting fee", "image data cannot be empty", "mood cannot be empty", "simulation failed", "execution reverted"}},
	{InsufficientBalance, []string{"insufficient funds", "insufficient balance"}},
	{Reverted, []string{"transaction reverted", "reverted by network", "receipt status reverted"}},
	{ConfirmationTimeout, []string{"confirmation timeout", "timed out waiting", "waiting for receipt", "receipt timeout"}},
	{SubmissionFailed, []string{"nonce too low", "nonce too high", "replacement transaction underpriced", "intrinsic gas too low", "gas limit reached", "already known", "send transaction", "submission failed"}},
	{NetworkUnavailable, []string{"connection refused", "no such host", "network is unreachable", "connection reset", "too many requests", "status 429", "status code 429", "503 service unavailable", "i/o timeout"}},
	{ImageError, []string{"fetch image", "decode image", "image: unknown format"}},
}

// ClassifySignal maps a raw failure string to exactly one Kind. Matching is
// case-insensitive substring search; anything unmatched is Unknown.
func ClassifySignal(signal string) Kind {
	lower := strings.ToLower(signal)
	if strings.TrimSpace(lower) == "" {
		return Unknown
	}
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				return r.kind
			}
		}
	}
	return Unknown
}

// Classify turns any error into a *Error. Errors that were already
// classified at a component boundary keep their kind.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{Kind: ClassifySignal(err.Error()), Reason: err.Error(), Err: err}
}

func describeRevert(reason string) string {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "insufficient minting fee"):
		return "Minting fee too low"
	case strings.Contains(lower, "image data cannot be empty"):
		return "Image data validation failed"
	case strings.Contains(lower, "mood cannot be empty"):
		return "Mood validation failed"
	case strings.Contains(lower, "insufficient funds"):
		return "Insufficient funds for transaction"
	}
	return ""
}
