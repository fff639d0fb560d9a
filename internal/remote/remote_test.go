package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	base := Errorf(KindRateLimit, "throttled")
	wrapped := fmt.Errorf("submit task: %w", base)

	k, ok := KindOf(wrapped)
	if !ok {
		t.Fatal("KindOf(wrapped) ok = false, want true")
	}
	if k != KindRateLimit {
		t.Errorf("KindOf(wrapped) = %v, want %v", k, KindRateLimit)
	}

	if _, ok := KindOf(errors.New("plain")); ok {
		t.Error("KindOf(plain error) ok = true, want false")
	}
}

func TestFatal(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindAuth, true},
		{KindBalance, true},
		{KindRateLimit, false},
		{KindTimeout, false},
		{KindConnection, false},
		{KindService, false},
		{KindFormat, false},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			err := fmt.Errorf("call: %w", Errorf(tt.kind, "x"))
			if got := Fatal(err); got != tt.want {
				t.Errorf("Fatal(%v) = %v, want %v", tt.kind, got, tt.want)
			}
		})
	}

	if Fatal(errors.New("unclassified")) {
		t.Error("Fatal(unclassified) = true, want false")
	}
}

func TestErrorMessage(t *testing.T) {
	e := &Error{Kind: KindBalance, Detail: "account in arrears"}
	if got, want := e.Error(), "insufficient_balance: account in arrears"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	inner := errors.New("EOF")
	e = Wrap(KindConnection, inner)
	if !errors.Is(e, inner) {
		t.Error("errors.Is(Wrap(..., inner), inner) = false, want true")
	}
}

func TestClassifyTransport(t *testing.T) {
	if ClassifyTransport(nil) != nil {
		t.Error("ClassifyTransport(nil) != nil")
	}

	err := ClassifyTransport(context.DeadlineExceeded)
	if k, _ := KindOf(err); k != KindTimeout {
		t.Errorf("deadline exceeded classified as %v, want %v", k, KindTimeout)
	}

	err = ClassifyTransport(errors.New("dial tcp: connection refused"))
	if k, _ := KindOf(err); k != KindConnection {
		t.Errorf("dial failure classified as %v, want %v", k, KindConnection)
	}
}
