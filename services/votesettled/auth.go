package votesettled

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

type contextKey string

const contextKeyVoter contextKey = "votesettle.voter"

// Voter is the authenticated caller of the public API.
type Voter struct {
	// Address is the token subject.
	Address string
	// Session identifies the client session; it falls back to the address.
	Session string
}

// VoterFromContext returns the voter attached by VoterAuthenticator.
func VoterFromContext(ctx context.Context) (Voter, bool) {
	voter, ok := ctx.Value(contextKeyVoter).(Voter)
	return voter, ok
}

// VoterAuthenticator validates HMAC-signed JWT bearer tokens.
type VoterAuthenticator struct {
	secret    []byte
	issuer    string
	audience  []string
	clockSkew time.Duration
	logger    *slog.Logger
}

// NewVoterAuthenticator constructs the voter middleware from configuration.
func NewVoterAuthenticator(cfg AuthConfig, logger *slog.Logger) (*VoterAuthenticator, error) {
	secret := strings.TrimSpace(cfg.HMACSecret)
	if secret == "" {
		return nil, fmt.Errorf("auth: hmac secret required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &VoterAuthenticator{
		secret:    []byte(secret),
		issuer:    strings.TrimSpace(cfg.Issuer),
		audience:  cfg.Audience,
		clockSkew: 2 * time.Minute,
		logger:    logger,
	}, nil
}

// Middleware rejects requests without a valid voter token.
func (a *VoterAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := parseBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		voter, err := a.parse(token)
		if err != nil {
			a.logger.Warn("voter token rejected", slog.Any("error", err))
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyVoter, voter)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type voterClaims struct {
	Session string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

func (a *VoterAuthenticator) parse(tokenString string) (Voter, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.clockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &voterClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Voter{}, err
	}
	if !token.Valid {
		return Voter{}, errors.New("token invalid")
	}
	if len(a.audience) > 0 && !slices.ContainsFunc(claims.Audience, func(aud string) bool {
		return slices.Contains(a.audience, aud)
	}) {
		return Voter{}, errors.New("audience mismatch")
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return Voter{}, errors.New("subject required")
	}
	session := strings.TrimSpace(claims.Session)
	if session == "" {
		session = subject
	}
	return Voter{Address: subject, Session: session}, nil
}

// AdminAuthenticator validates the static operator bearer token.
type AdminAuthenticator struct {
	bearerToken string
}

// NewAdminAuthenticator constructs the admin middleware.
func NewAdminAuthenticator(token string) (*AdminAuthenticator, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("admin bearer token must be configured")
	}
	return &AdminAuthenticator{bearerToken: token}, nil
}

// Middleware enforces authentication for admin handlers.
func (a *AdminAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			http.Error(w, "authentication unavailable", http.StatusInternalServerError)
			return
		}
		token := parseBearerToken(r.Header.Get("Authorization"))
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(a.bearerToken)) != 1 {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseBearerToken(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	parts := strings.SplitN(trimmed, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(strings.TrimSpace(parts[0]), "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
