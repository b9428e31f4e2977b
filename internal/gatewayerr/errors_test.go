package gatewayerr

import (
	"errors"
	"testing"
)

func TestIsMatchesKindAcrossWrapping(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindStorage, "open store", cause)

	if !Is(err, KindStorage) {
		t.Fatal("expected Is to match KindStorage")
	}
	if Is(err, KindConfig) {
		t.Fatal("expected Is not to match a different kind")
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(KindUpstreamTransient, "dispatch", cause)

	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to see through to the wrapped cause")
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := Wrap(KindProtocol, "decode response", errors.New("unexpected EOF"))
	want := "protocol: decode response: unexpected EOF"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}

func TestNewErrorWithoutCause(t *testing.T) {
	err := New(KindNoAccount, "no eligible account")
	want := "no_account: no eligible account"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
	if err.Unwrap() != nil {
		t.Fatal("expected nil cause")
	}
}
