package httpapi

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"stockroom/internal/core"
	"stockroom/pkg/domain"
)

const (
	testIssuer = "https://auth.stockroom.test"
	testKeyID  = "test-key"
)

var testSecret = []byte("hmac-test-secret")

func hmacToken(t *testing.T, sub string, claims jwt.MapClaims) string {
	t.Helper()
	base := jwt.MapClaims{
		"sub": sub,
		"iss": testIssuer,
		"exp": jwt.NewNumericDate(time.Now().Add(time.Hour)),
		"iat": jwt.NewNumericDate(time.Now()),
	}
	for k, v := range claims {
		base[k] = v
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, base).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func newAuthAPI(t *testing.T) *testAPI {
	t.Helper()
	auth := NewHMACAuthenticator(testSecret, testIssuer, slog.New(slog.DiscardHandler))
	return newTestAPI(t, auth, core.WithAuthorizer(core.ScopeAuthorizer{}))
}

func TestAuthRequiresToken(t *testing.T) {
	api := newAuthAPI(t)
	api.expectError(http.MethodGet, "/api/v1/categories", nil, http.StatusUnauthorized, codeUnauthorized)

	api.token = "not-a-jwt"
	api.expectError(http.MethodGet, "/api/v1/categories", nil, http.StatusUnauthorized, codeUnauthorized)

	api.token = hmacToken(t, "alice", jwt.MapClaims{"exp": jwt.NewNumericDate(time.Now().Add(-time.Hour)), "scope": "inventory:read"})
	api.expectError(http.MethodGet, "/api/v1/categories", nil, http.StatusUnauthorized, codeUnauthorized)

	api.token = hmacToken(t, "alice", jwt.MapClaims{"iss": "https://elsewhere", "scope": "inventory:read"})
	api.expectError(http.MethodGet, "/api/v1/categories", nil, http.StatusUnauthorized, codeUnauthorized)

	api.token = hmacToken(t, "", jwt.MapClaims{"scope": "inventory:read"})
	api.expectError(http.MethodGet, "/api/v1/categories", nil, http.StatusUnauthorized, codeUnauthorized)

	api.token = ""
	if status := api.do(http.MethodGet, "/healthz", nil, nil); status != http.StatusOK {
		t.Fatalf("health endpoints stay public, got %d", status)
	}
}

func TestScopesGateOperations(t *testing.T) {
	api := newAuthAPI(t)
	api.token = hmacToken(t, "reader", jwt.MapClaims{"scope": "openid inventory:read"})
	if status := api.do(http.MethodGet, "/api/v1/categories", nil, nil); status != http.StatusOK {
		t.Fatalf("read scope should list categories, got %d", status)
	}
	api.expectError(http.MethodPost, "/api/v1/identities", map[string]any{"category": "location"}, http.StatusForbidden, "Forbidden")

	api.token = hmacToken(t, "clerk-7", jwt.MapClaims{"scopes": []string{"inventory:write"}})
	loc := api.register("location", nil, nil)

	var page core.HistoryPage
	if status := api.do(http.MethodGet, "/api/v1/identities/"+loc.ID+"/history", nil, &page); status != http.StatusOK {
		t.Fatalf("write scope implies read, got %d", status)
	}
	if len(page.Entries) != 1 || page.Entries[0].ActorID != "clerk-7" {
		t.Fatalf("expected history stamped with the token subject, got %+v", page.Entries)
	}
}

func TestWrongSigningMethodRejected(t *testing.T) {
	api := newAuthAPI(t)
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "mallory", "iss": testIssuer, "scope": "inventory:write",
		"exp": jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	api.token, err = token.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	api.expectError(http.MethodGet, "/api/v1/categories", nil, http.StatusUnauthorized, codeUnauthorized)
}

func jwksJSON(pub *rsa.PublicKey) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"kid": testKeyID,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
	return raw
}

func TestKeyfuncAuthenticator(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	kf, err := keyfunc.NewJWKSetJSON(jwksJSON(&key.PublicKey))
	if err != nil {
		t.Fatalf("keyfunc: %v", err)
	}
	auth := NewKeyfuncAuthenticator(kf, testIssuer, slog.New(slog.DiscardHandler))
	api := newTestAPI(t, auth, core.WithAuthorizer(core.ScopeAuthorizer{}))

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "svc-scanner", "iss": testIssuer, "scope": "inventory:write",
		"exp": jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	token.Header["kid"] = testKeyID
	api.token, err = token.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	loc := api.register("location", nil, nil)
	var got domain.Identity
	if status := api.do(http.MethodGet, "/api/v1/identities/"+loc.ID, nil, &got); status != http.StatusOK || got.Code != loc.Code {
		t.Fatalf("get identity: %d %+v", status, got)
	}

	api.token = hmacToken(t, "svc-scanner", jwt.MapClaims{"scope": "inventory:write"})
	api.expectError(http.MethodGet, "/api/v1/categories", nil, http.StatusUnauthorized, codeUnauthorized)
}

func TestBearerToken(t *testing.T) {
	cases := map[string]struct {
		header string
		token  string
		ok     bool
	}{
		"empty":      {"", "", false},
		"basic":      {"Basic abc", "", false},
		"no token":   {"Bearer ", "", false},
		"lower case": {"bearer abc", "abc", true},
		"padded":     {"Bearer  abc ", "abc", true},
	}
	for name, tc := range cases {
		token, ok := bearerToken(tc.header)
		if token != tc.token || ok != tc.ok {
			t.Fatalf("%s: expected %q %v, got %q %v", name, tc.token, tc.ok, token, ok)
		}
	}
}
