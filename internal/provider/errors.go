package provider

import (
	"context"
	"errors"
	"fmt"
	"net"

	"serialarr/internal/model"
)

// Failure wraps a provider error with its classification. Use the
// constructors below; callers detect the kind with KindOf.
type Failure struct {
	Kind model.FailureKind
	err  error
}

func (f *Failure) Error() string { return fmt.Sprintf("%s: %v", f.Kind, f.err) }
func (f *Failure) Unwrap() error { return f.err }

// Transient marks a failure worth retrying (network trouble, 5xx, 429).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Failure{Kind: model.FailureTransient, err: err}
}

// Structural marks a response-shape mismatch: the site changed and the
// scraper needs updating. Never retried.
func Structural(err error) error {
	if err == nil {
		return nil
	}
	return &Failure{Kind: model.FailureStructural, err: err}
}

// Auth marks expired or rejected credentials. Never retried, surfaced as an
// actionable kind distinct from Structural.
func Auth(err error) error {
	if err == nil {
		return nil
	}
	return &Failure{Kind: model.FailureAuth, err: err}
}

// Internal marks an infrastructure failure on our side (store, filesystem).
// The engine leaves such tasks unacked so the startup sweep retries them.
func Internal(err error) error {
	if err == nil {
		return nil
	}
	return &Failure{Kind: model.FailureInternal, err: err}
}

// KindOf extracts the failure kind from err. Unclassified errors default to
// Transient: an unknown failure from the network path is more likely "site
// down" than "scraper broken", and Transient failures eventually exhaust
// their retry budget anyway.
func KindOf(err error) model.FailureKind {
	if err == nil {
		return model.FailureNone
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return model.FailureTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.FailureTransient
	}
	return model.FailureTransient
}

// ClassifyStatus maps an HTTP status code onto the taxonomy:
// 401/403 -> Auth, 404/410 -> Structural (the resource the scraper expects
// is gone), 429/5xx -> Transient.
func ClassifyStatus(code int) model.FailureKind {
	switch {
	case code == 401 || code == 403:
		return model.FailureAuth
	case code == 404 || code == 410:
		return model.FailureStructural
	case code == 429:
		return model.FailureTransient
	case code >= 500:
		return model.FailureTransient
	default:
		return model.FailureTransient
	}
}

// StatusFailure builds a classified error for a non-2xx HTTP response.
func StatusFailure(code int, url string) error {
	err := fmt.Errorf("unexpected status %d from %s", code, url)
	switch ClassifyStatus(code) {
	case model.FailureAuth:
		return Auth(err)
	case model.FailureStructural:
		return Structural(err)
	default:
		return Transient(err)
	}
}
