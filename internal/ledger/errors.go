package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors surfaced by the adapter. Callers distinguish expected
// protocol rejections from real faults with errors.Is.
var (
	// ErrAlreadyRegistered is returned when this address already has a domain name bound.
	ErrAlreadyRegistered = errors.New("ledger: domain already registered")
	// ErrNotRegistered is returned when unregistering an address with no binding.
	ErrNotRegistered = errors.New("ledger: domain not registered")
	// ErrServiceNotOpen is returned when a bid lands after the request closed.
	ErrServiceNotOpen = errors.New("ledger: service not open")
	// ErrEventTimeout is returned when an expected event was not observed in time.
	ErrEventTimeout = errors.New("ledger: timed out waiting for event")
	// ErrTransactionFailed is returned when a mined transaction has a failure
	// status and no revert reason could be recovered.
	ErrTransactionFailed = errors.New("ledger: transaction failed")
)

// Revert reason strings emitted by the federation contract.
const (
	revertServiceNotOpen    = "Service: not open"
	revertAlreadyRegistered = "Operator: already registered"
	revertNotRegistered     = "Operator: not registered"
)

// RevertError carries a contract revert reason verbatim.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("ledger: execution reverted: %s", e.Reason)
}

// Is maps well-known revert reasons onto the adapter's sentinel errors so
// callers can filter with errors.Is without string matching.
func (e *RevertError) Is(target error) bool {
	switch target {
	case ErrServiceNotOpen:
		return e.Reason == revertServiceNotOpen
	case ErrAlreadyRegistered:
		return e.Reason == revertAlreadyRegistered
	case ErrNotRegistered:
		return e.Reason == revertNotRegistered
	}
	return false
}

// TransientError marks a node-side failure that callers may retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("ledger: transient node error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// transientMarkers are substrings of node errors that indicate a transient
// connection or decoding failure rather than a protocol rejection.
var transientMarkers = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"i/o timeout",
	"unexpected EOF",
	"EOF",
	"502 Bad Gateway",
	"503 Service Unavailable",
	"504 Gateway Timeout",
	"invalid character", // truncated JSON body
	"websocket: close",
	"too many requests",
}

// isTransient reports whether err looks like a recoverable node failure.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	msg := err.Error()
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// revertReason extracts a contract revert string from a node error, if any.
// Nodes report reverts either as a plain "execution reverted: <reason>"
// message or as ABI-encoded Error(string) return data.
func revertReason(err error) (string, bool) {
	if err == nil {
		return "", false
	}

	type dataError interface {
		ErrorData() interface{}
	}
	var de dataError
	if errors.As(err, &de) {
		if raw, ok := de.ErrorData().(string); ok {
			if reason, ok := decodeRevertData(raw); ok {
				return reason, true
			}
		}
	}

	msg := err.Error()
	const marker = "execution reverted"
	idx := strings.Index(msg, marker)
	if idx < 0 {
		return "", false
	}
	rest := msg[idx+len(marker):]
	rest = strings.TrimPrefix(rest, ":")
	return strings.TrimSpace(rest), true
}

// decodeRevertData decodes ABI-encoded Error(string) revert data
// (selector 0x08c379a0, then offset, length, and the UTF-8 reason).
func decodeRevertData(raw string) (string, bool) {
	raw = strings.TrimPrefix(raw, "0x")
	data, err := hex.DecodeString(raw)
	if err != nil {
		return "", false
	}
	if len(data) < 4+32+32 {
		return "", false
	}
	selector := [4]byte{0x08, 0xc3, 0x79, 0xa0}
	if [4]byte(data[:4]) != selector {
		return "", false
	}
	body := data[4:]
	// length word sits at offset 32
	length := int(body[32+31]) | int(body[32+30])<<8
	if 64+length > len(body) {
		return "", false
	}
	return string(body[64 : 64+length]), true
}

// Retry policy for transient node errors.
const (
	retryBase     = 200 * time.Millisecond
	retryCap      = 2 * time.Second
	retryMaxTries = 5
)

// withRetry runs fn, retrying transient failures with exponential backoff.
// Non-transient errors abort immediately.
func withRetry(ctx context.Context, fn func() error) error {
	delay := retryBase
	var err error
	for attempt := 0; attempt < retryMaxTries; attempt++ {
		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryCap {
			delay = retryCap
		}
	}
	return err
}
