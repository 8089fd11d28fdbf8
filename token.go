package apigate

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenType identifies the provenance/format of an access token and decides
// how it is attached to outgoing requests.
type TokenType string

const (
	TokenTypeBearer   TokenType = "bearer"
	TokenTypeSupabase TokenType = "supabase-custom"
	TokenTypeLegacy   TokenType = "legacy"
)

// TokenInfo is the current authentication token plus its provenance.
type TokenInfo struct {
	Token  string
	Type   TokenType
	Source string
}

// TokenStore holds the active token. Implementations must replace the token
// atomically: readers never observe a torn TokenInfo.
type TokenStore interface {
	// GetAuthToken returns the active token, or ok=false when none is stored.
	GetAuthToken() (TokenInfo, bool)
	// SetToken replaces the active token.
	SetToken(token string, typ TokenType)
	// ClearAllTokens removes any stored token.
	ClearAllTokens()
}

// MemoryTokenStore is the default in-process TokenStore.
type MemoryTokenStore struct {
	mu   sync.RWMutex
	info TokenInfo
	set  bool
}

// NewMemoryTokenStore returns an empty in-memory token store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{}
}

// GetAuthToken returns the stored token, if any.
func (s *MemoryTokenStore) GetAuthToken() (TokenInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info, s.set
}

// SetToken replaces the stored token.
func (s *MemoryTokenStore) SetToken(token string, typ TokenType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = TokenInfo{Token: token, Type: typ, Source: "refresh"}
	s.set = true
}

// ClearAllTokens removes the stored token.
func (s *MemoryTokenStore) ClearAllTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = TokenInfo{}
	s.set = false
}

// tokenExpirySkew refreshes slightly before the exp claim so a token does
// not die mid-flight.
const tokenExpirySkew = 30 * time.Second

// tokenExpired reports whether a JWT access token's exp claim has passed.
// Opaque tokens (unparseable, or without an exp claim) never expire locally;
// the server's 401 is the source of truth for those.
func tokenExpired(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return now.Add(tokenExpirySkew).After(exp.Time)
}
