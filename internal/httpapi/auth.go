package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"stockroom/internal/core"
)

const jwksRefreshInterval = 5 * time.Minute

// tokenClaims accepts scopes either as a space separated "scope" string or
// as a "scopes" array.
type tokenClaims struct {
	jwt.RegisteredClaims
	Scope  string   `json:"scope,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
}

func (c *tokenClaims) scopes() []string {
	out := strings.Fields(c.Scope)
	for _, s := range c.Scopes {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Authenticator verifies bearer tokens and attaches the caller as a
// core.Principal to the request context.
type Authenticator struct {
	keyfunc func(ctx context.Context) jwt.Keyfunc
	methods []string
	issuer  string
	logger  *slog.Logger
}

// NewHMACAuthenticator verifies HS256 tokens signed with secret.
func NewHMACAuthenticator(secret []byte, issuer string, logger *slog.Logger) *Authenticator {
	kf := func(*jwt.Token) (any, error) { return secret, nil }
	return newAuthenticator(func(context.Context) jwt.Keyfunc { return kf }, []string{"HS256"}, issuer, logger)
}

// NewJWKSAuthenticator verifies RS256/ES256 tokens against a remote JWKS that
// is refreshed in the background until ctx is cancelled.
func NewJWKSAuthenticator(ctx context.Context, jwksURL, issuer string, logger *slog.Logger) (*Authenticator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	storage, err := jwkset.NewStorageFromHTTP(jwksURL, jwkset.HTTPClientStorageOptions{
		Ctx:                       ctx,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           jwksRefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("jwks refresh failed", "error", err, "url", jwksURL)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("jwks storage: %w", err)
	}
	k, err := keyfunc.New(keyfunc.Options{Ctx: ctx, Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("jwks keyfunc: %w", err)
	}
	return NewKeyfuncAuthenticator(k, issuer, logger), nil
}

// NewKeyfuncAuthenticator verifies asymmetric tokens with an existing keyfunc.
func NewKeyfuncAuthenticator(k keyfunc.Keyfunc, issuer string, logger *slog.Logger) *Authenticator {
	return newAuthenticator(k.KeyfuncCtx, []string{"RS256", "ES256"}, issuer, logger)
}

func newAuthenticator(kf func(context.Context) jwt.Keyfunc, methods []string, issuer string, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{keyfunc: kf, methods: methods, issuer: issuer, logger: logger.With("component", "jwt_auth")}
}

// Middleware rejects requests without a valid bearer token with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing bearer token", "sign in and retry")
			return
		}
		principal, err := a.verify(r.Context(), raw)
		if err != nil {
			a.logger.Debug("token rejected", "error", err, "remote_addr", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid or expired token", "sign in and retry")
			return
		}
		next.ServeHTTP(w, r.WithContext(core.WithPrincipal(r.Context(), principal)))
	})
}

func (a *Authenticator) verify(ctx context.Context, raw string) (core.Principal, error) {
	claims := &tokenClaims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(a.methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if _, err := jwt.ParseWithClaims(raw, claims, a.keyfunc(ctx), opts...); err != nil {
		return core.Principal{}, err
	}
	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return core.Principal{}, fmt.Errorf("token has no subject")
	}
	return core.Principal{ID: subject, Scopes: claims.scopes()}, nil
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
