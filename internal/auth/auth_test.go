package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/lullaby/internal/auth"
)

func TestStaticTokens(t *testing.T) {
	t.Parallel()

	a := auth.NewStaticTokens([]string{"secret", " ", "other"})

	tests := []struct {
		name   string
		target string
		header string
		want   bool
	}{
		{"bearer header", "/ws/baby-1", "Bearer secret", true},
		{"lowercase scheme", "/ws/baby-1", "bearer other", true},
		{"query token", "/ws/baby-1?token=secret", "", true},
		{"wrong token", "/ws/baby-1", "Bearer nope", false},
		{"basic scheme", "/ws/baby-1", "Basic secret", false},
		{"header wins over query", "/ws/baby-1?token=secret", "Bearer nope", false},
		{"no credentials", "/ws/baby-1", "", false},
		{"blank entry ignored", "/ws/baby-1?token=", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			if got := a.Allow(r, "baby-1"); got != tc.want {
				t.Errorf("Allow = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestStaticTokens_EmptyAllowsAll(t *testing.T) {
	t.Parallel()
	a := auth.NewStaticTokens(nil)
	r := httptest.NewRequest(http.MethodGet, "/ws/x", nil)
	if !a.Allow(r, "x") {
		t.Error("empty token set should allow everyone")
	}
}

func TestAuthorizerFunc(t *testing.T) {
	t.Parallel()
	only := auth.AuthorizerFunc(func(_ *http.Request, subject string) bool { return subject == "baby-1" })
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if !only.Allow(r, "baby-1") || only.Allow(r, "baby-2") {
		t.Error("AuthorizerFunc did not delegate")
	}
	if !auth.AllowAll.Allow(r, "") {
		t.Error("AllowAll denied")
	}
}
