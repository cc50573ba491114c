package authctx

import (
	"context"
	"testing"

	"github.com/and161185/authgate/internal/model"
)

func TestWithPrincipal_And_PrincipalFrom(t *testing.T) {
	t.Parallel()

	if p, ok := PrincipalFrom(context.Background()); ok || p != (model.Principal{}) {
		t.Fatalf("expected no principal in empty ctx")
	}

	want := model.Principal{Subject: "alice@example.com", Role: model.RoleUser}
	got, ok := PrincipalFrom(WithPrincipal(context.Background(), want))
	if !ok || got != want {
		t.Fatalf("mismatch: got %+v, want %+v", got, want)
	}

	bad := context.WithValue(context.Background(), principalKey, "alice@example.com")
	if _, ok := PrincipalFrom(bad); ok {
		t.Fatalf("expected miss on wrong typed value")
	}
	if _, ok := PrincipalFrom(WithPrincipal(context.Background(), model.Principal{Role: model.RoleUser})); ok {
		t.Fatalf("expected miss on empty subject")
	}
}

func TestParseBearer(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]string{
		"Bearer abc.def.ghi":     "abc.def.ghi",
		"bearer abc.def.ghi":     "abc.def.ghi",
		"  BEARER  abc.def.ghi ": "abc.def.ghi",
	} {
		if got, ok := ParseBearer(in); !ok || got != want {
			t.Fatalf("%q: got=%q ok=%v", in, got, ok)
		}
	}
	for _, in := range []string{"", "Basic foo", "Bearer   ", "Bearerabc", "abc.def.ghi"} {
		if got, ok := ParseBearer(in); ok {
			t.Fatalf("%q: want miss, got %q", in, got)
		}
	}
}
