package exchange

import (
	"errors"
	"fmt"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ERROR TAXONOMY - Bounded set of venue failure modes
// ═══════════════════════════════════════════════════════════════════════════════

var (
	ErrRateLimited        = errors.New("exchange: rate limited")
	ErrUnauthorized       = errors.New("exchange: unauthorized")
	ErrInsufficientMargin = errors.New("exchange: insufficient margin")
	ErrInvalidSymbol      = errors.New("exchange: invalid symbol")
	ErrTransient          = errors.New("exchange: transient error")
	ErrUnknown            = errors.New("exchange: unknown error")
)

// apiError is the JSON error body Binance returns on failure
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// classify maps an HTTP status and Binance error code onto the taxonomy.
// Unrecognized failures land on ErrUnknown so callers never see raw codes.
func classify(status int, e *apiError) error {
	detail := ""
	code := 0
	if e != nil {
		detail = e.Msg
		code = e.Code
	}

	switch {
	case status == 429 || status == 418 || code == -1003:
		return wrap(ErrRateLimited, status, code, detail)
	case status == 401 || status == 403 || code == -2014 || code == -2015:
		return wrap(ErrUnauthorized, status, code, detail)
	case code == -2019 || code == -2018:
		return wrap(ErrInsufficientMargin, status, code, detail)
	case code == -1121 || code == -1100:
		return wrap(ErrInvalidSymbol, status, code, detail)
	case status >= 500:
		return wrap(ErrTransient, status, code, detail)
	}
	return wrap(ErrUnknown, status, code, detail)
}

func wrap(sentinel error, status, code int, msg string) error {
	return fmt.Errorf("%w (http=%d code=%d msg=%q)", sentinel, status, code, msg)
}

// Retryable reports whether the gateway may retry the request
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited)
}
