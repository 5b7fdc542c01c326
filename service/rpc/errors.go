package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/assetvault/go-assetvault/service/sign"
)

// ErrorKind classifies chain interaction failures so callers can decide
// whether to retry, surface the revert reason, or give up.
type ErrorKind string

const (
	// KindUserRejected is a declined signature request. Never retried.
	KindUserRejected ErrorKind = "user_rejected"
	// KindInsufficientFunds means the account cannot cover gas. Never retried.
	KindInsufficientFunds ErrorKind = "insufficient_funds"
	// KindNetwork is a transient transport failure. Retryable.
	KindNetwork ErrorKind = "network_error"
	// KindUnpredictableGas means gas estimation failed, usually because the
	// call would revert. Not retryable as-is.
	KindUnpredictableGas ErrorKind = "unpredictable_gas"
	// KindCallException is an on-chain revert, with the reason when decodable.
	KindCallException ErrorKind = "call_exception"
	// KindDuplicateContent is a revert rejecting content already registered
	// under another token. Never retried.
	KindDuplicateContent ErrorKind = "duplicate_content"
	// KindPermissionDenied is an access-control revert. Never retried.
	KindPermissionDenied ErrorKind = "permission_denied"
	// KindNonceExpired means another transaction consumed the nonce first.
	// Retryable with a fresh nonce.
	KindNonceExpired ErrorKind = "nonce_expired"
	// KindUnknown is everything the classifier cannot place.
	KindUnknown ErrorKind = "unknown"
)

// Error wraps a chain failure with its classification.
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether retrying the same operation can succeed.
func (e Error) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindNonceExpired
}

// IsRevert reports whether the kind describes an on-chain revert.
func (k ErrorKind) IsRevert() bool {
	return k == KindCallException || k == KindDuplicateContent || k == KindPermissionDenied
}

// ClassifyError wraps err in an Error with its kind. Already classified
// errors pass through unchanged.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	var already Error
	if errors.As(err, &already) {
		return err
	}
	if errors.Is(err, sign.ErrDeclined) {
		return Error{Kind: KindUserRejected, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return Error{Kind: KindNetwork, Err: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return Error{Kind: KindInsufficientFunds, Err: err}
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "replacement transaction underpriced"),
		strings.Contains(msg, "already known"):
		return Error{Kind: KindNonceExpired, Err: err}
	case strings.Contains(msg, "execution reverted"):
		reason := revertReason(msg)
		return Error{Kind: revertKind(reason), Reason: reason, Err: err}
	case strings.Contains(msg, "gas required exceeds allowance"),
		strings.Contains(msg, "always failing transaction"),
		strings.Contains(msg, "cannot estimate gas"):
		return Error{Kind: KindUnpredictableGas, Err: err}
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "eof"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"):
		return Error{Kind: KindNetwork, Err: err}
	}
	return Error{Kind: KindUnknown, Err: err}
}

// revertReason extracts the human reason geth appends after the revert marker.
func revertReason(msg string) string {
	const marker = "execution reverted"
	idx := strings.Index(msg, marker)
	reason := strings.TrimLeft(msg[idx+len(marker):], ": ")
	return reason
}

// revertKind refines a revert by the reason the contract encoded. Duplicate
// registrations and access-control failures are terminal conditions callers
// handle differently from an arbitrary revert.
func revertKind(reason string) ErrorKind {
	switch {
	case strings.Contains(reason, "already registered"),
		strings.Contains(reason, "already exists"),
		strings.Contains(reason, "cid exists"),
		strings.Contains(reason, "duplicate"):
		return KindDuplicateContent
	case strings.Contains(reason, "accesscontrol"),
		strings.Contains(reason, "missing role"),
		strings.Contains(reason, "not authorized"),
		strings.Contains(reason, "unauthorized"):
		return KindPermissionDenied
	}
	return KindCallException
}

// IsRetryable reports whether err is a classified retryable chain error.
func IsRetryable(err error) bool {
	var chainErr Error
	return errors.As(err, &chainErr) && chainErr.Retryable()
}
