// Package tradeerr carries the machine-readable failure kinds shared by the
// parser, ledger, engine, monitor and control API.
package tradeerr

import (
	"errors"
	"fmt"

	"github.com/joehajt/tradingbotappweb/pkg/exchanges/common"
)

// Kind classifies a failure.
type Kind string

const (
	NotASignal          Kind = "NotASignal"
	RiskDenied          Kind = "RiskDenied"
	ExchangeRejected    Kind = "ExchangeRejected"
	ExchangeUnavailable Kind = "ExchangeUnavailable"
	InvariantViolation  Kind = "InvariantViolation"
	AuthTimeout         Kind = "AuthTimeout"
	NotFound            Kind = "NotFound"
	InvalidRequest      Kind = "InvalidRequest"
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an error of the given kind.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap classifies err under kind.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind carried by err, or "" when err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// FromExchange classifies a gateway error. Venue rejections become
// ExchangeRejected; everything else, including throttling, 5xx and
// transport failures, is ExchangeUnavailable.
func FromExchange(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" {
		return err
	}
	if common.IsRejected(err) {
		return Wrap(ExchangeRejected, op, err)
	}
	return Wrap(ExchangeUnavailable, op, err)
}
