package common

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error code persisted on source and item
// rows so operators can diagnose failures without log archaeology.
type Code string

const (
	CodeAuthFailed        Code = "AUTH_FAILED"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeNetwork           Code = "NETWORK"
	CodeDownloadFailed    Code = "DOWNLOAD_FAILED"
	CodeUnsupportedFormat Code = "UNSUPPORTED_FORMAT"
	CodeExtractionFailed  Code = "EXTRACTION_FAILED"
	CodeEmbeddingFailed   Code = "EMBEDDING_FAILED"
	CodeSyncTimeout       Code = "SYNC_TIMEOUT"
	CodeInternal          Code = "INTERNAL"
)

// Class partitions errors by how the bus should treat the message that
// carried the failing work unit.
type Class int

const (
	// ClassTransient errors are redelivered with backoff: the next attempt
	// may succeed (timeouts, rate limits, store hiccups).
	ClassTransient Class = iota
	// ClassPermanent errors are recorded as a terminal status and the
	// message is acked: retrying will not help.
	ClassPermanent
)

// CodedError is a business error with a stable code. All CodedErrors are
// permanent unless marked transient.
type CodedError struct {
	Code      Code
	Transient bool
	Err       error
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *CodedError) Unwrap() error { return e.Err }

// Permanent wraps err as a permanent business failure with the given code.
func Permanent(code Code, err error) error {
	return &CodedError{Code: code, Err: err}
}

// Transient wraps err as a retryable failure with the given code.
func Transient(code Code, err error) error {
	return &CodedError{Code: code, Transient: true, Err: err}
}

// Classify maps err to a delivery class. Unrecognized errors are treated
// conservatively as transient so the bus retries them up to the redelivery
// cap and then dead-letters.
func Classify(err error) Class {
	var ce *CodedError
	if errors.As(err, &ce) && !ce.Transient {
		return ClassPermanent
	}
	return ClassTransient
}

// CodeOf extracts the code from err, falling back to INTERNAL.
func CodeOf(err error) Code {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}
