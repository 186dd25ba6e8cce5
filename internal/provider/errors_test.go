package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"serialarr/internal/model"
)

func TestKindOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want model.FailureKind
	}{
		{name: "nil", err: nil, want: model.FailureNone},
		{name: "transient wrapper", err: Transient(errors.New("boom")), want: model.FailureTransient},
		{name: "structural wrapper", err: Structural(errors.New("layout changed")), want: model.FailureStructural},
		{name: "auth wrapper", err: Auth(errors.New("session expired")), want: model.FailureAuth},
		{name: "internal wrapper", err: Internal(errors.New("disk full")), want: model.FailureInternal},
		{name: "wrapped classification survives fmt", err: fmt.Errorf("fetching: %w", Auth(errors.New("401"))), want: model.FailureAuth},
		{name: "deadline", err: context.DeadlineExceeded, want: model.FailureTransient},
		{name: "unclassified defaults transient", err: errors.New("who knows"), want: model.FailureTransient},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Fatalf("KindOf = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code int
		want model.FailureKind
	}{
		{401, model.FailureAuth},
		{403, model.FailureAuth},
		{404, model.FailureStructural},
		{410, model.FailureStructural},
		{429, model.FailureTransient},
		{500, model.FailureTransient},
		{503, model.FailureTransient},
		{418, model.FailureTransient},
	}
	for _, tt := range tests {
		if got := ClassifyStatus(tt.code); got != tt.want {
			t.Fatalf("ClassifyStatus(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestConstructorsPassNil(t *testing.T) {
	t.Parallel()
	if Transient(nil) != nil || Structural(nil) != nil || Auth(nil) != nil || Internal(nil) != nil {
		t.Fatal("constructors must pass nil through")
	}
}

func TestStatusFailureUnwraps(t *testing.T) {
	t.Parallel()
	err := StatusFailure(403, "https://example.com/x")
	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("StatusFailure not a *Failure: %v", err)
	}
	if f.Kind != model.FailureAuth {
		t.Fatalf("kind = %s, want auth", f.Kind)
	}
}
