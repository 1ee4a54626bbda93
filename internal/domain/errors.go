package domain

import (
	"errors"
	"fmt"
)

var (
	ErrAuth       = errors.New("auth error")
	ErrData       = errors.New("data error")
	ErrNotFound   = fmt.Errorf("%w: not found", ErrData)
	ErrValidation = errors.New("validation failed")
	ErrSideEffect = errors.New("side effect failed")
	ErrConfig     = errors.New("invalid configuration")

	// ErrUnavailable marks a remote call that may succeed when retried.
	ErrUnavailable = errors.New("service unavailable")
)
