package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotAuthenticated  = errors.New("not authenticated")
	ErrAlreadyClaimed    = errors.New("task already claimed")
	ErrCapacityExceeded  = errors.New("active claim limit reached")
	ErrInvalidTransition = errors.New("invalid claim transition")
	ErrNetwork           = errors.New("backend unreachable")
	ErrCacheCorrupt      = errors.New("cache entry corrupt")
	ErrTaskNotFound      = errors.New("task not found")
	ErrClaimNotFound     = errors.New("claim not found")
)

// ClaimError annotates one of the sentinel errors with the task it concerns
// and, optionally, the underlying cause.
type ClaimError struct {
	Kind   error
	TaskID string
	Msg    string
	Err    error
}

func (e *ClaimError) Error() string {
	msg := e.Kind.Error()
	if e.Msg != "" {
		msg = e.Msg
	}
	if e.TaskID != "" {
		msg = fmt.Sprintf("%s (task %s)", msg, e.TaskID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ClaimError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func NewError(kind error, taskID, format string, args ...any) *ClaimError {
	return &ClaimError{Kind: kind, TaskID: taskID, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind to a lower-level cause.
func Wrap(kind error, taskID string, err error) *ClaimError {
	return &ClaimError{Kind: kind, TaskID: taskID, Err: err}
}

var codes = []struct {
	err  error
	code string
}{
	{ErrNotAuthenticated, "not_authenticated"},
	{ErrAlreadyClaimed, "already_claimed"},
	{ErrCapacityExceeded, "capacity_exceeded"},
	{ErrInvalidTransition, "invalid_transition"},
	{ErrNetwork, "network"},
	{ErrCacheCorrupt, "cache_corrupt"},
	{ErrTaskNotFound, "task_not_found"},
	{ErrClaimNotFound, "claim_not_found"},
}

// Code returns the wire code of the first sentinel err matches, or
// "internal" if it matches none.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// FromCode maps a wire code back to its sentinel. Unknown codes yield nil.
func FromCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
