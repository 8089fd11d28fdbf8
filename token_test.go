package apigate

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": exp.Unix(),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return s
}

func TestTokenExpired(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{"valid for an hour", signedToken(t, now.Add(time.Hour)), false},
		{"already expired", signedToken(t, now.Add(-time.Minute)), true},
		{"inside the skew window", signedToken(t, now.Add(10*time.Second)), true},
		{"just outside the skew window", signedToken(t, now.Add(2*time.Minute)), false},
		{"opaque token never expires locally", "not-a-jwt", false},
		{"empty token", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tokenExpired(tt.token, now); got != tt.want {
				t.Errorf("tokenExpired = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTokenExpiredNoExpClaim(t *testing.T) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-1"})
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	if tokenExpired(s, time.Now()) {
		t.Error("token without exp claim must not expire locally")
	}
}

func TestMemoryTokenStore(t *testing.T) {
	store := NewMemoryTokenStore()

	if _, ok := store.GetAuthToken(); ok {
		t.Fatal("empty store reported a token")
	}

	store.SetToken("abc", TokenTypeBearer)
	info, ok := store.GetAuthToken()
	if !ok {
		t.Fatal("expected a stored token")
	}
	if info.Token != "abc" || info.Type != TokenTypeBearer {
		t.Errorf("got %+v, want token abc of type bearer", info)
	}

	store.ClearAllTokens()
	if _, ok := store.GetAuthToken(); ok {
		t.Error("store still reports a token after clear")
	}
}
