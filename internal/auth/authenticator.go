// Package auth signs in to the media server and holds the resulting session.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/bryan-buckman/bookvore/internal/common"
	"github.com/bryan-buckman/bookvore/internal/endpoint"
	"github.com/bryan-buckman/bookvore/internal/logging"
	"github.com/bryan-buckman/bookvore/internal/metrics"
	"github.com/bryan-buckman/bookvore/internal/model"
)

const loginPath = "/api/Account/login"

const defaultLoginError = "could not authenticate with the Kavita server"

// Response field names accepted by different server versions, in priority
// order. The first present, non-empty value wins.
var (
	accessTokenFields  = []string{"accessToken", "access_token", "token"}
	refreshTokenFields = []string{"refreshToken", "refresh_token"}
	expiresAtFields    = []string{"expiresAt", "expires_at", "expiration", "expiry"}
	expiresInFields    = []string{"expiresIn", "expires_in"}
	apiKeyFields       = []string{"apiKey"}
	errorMessageFields = []string{"message", "error"}
)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// LoginError is a rejected sign-in. Its message is the server's own wording
// when it sent one.
type LoginError struct {
	Message string
	Status  int
}

func (e *LoginError) Error() string { return e.Message }

// Unwrap exposes the HTTP status as a common.HTTPError.
func (e *LoginError) Unwrap() error {
	return &common.HTTPError{Op: "sign in failed", Status: e.Status}
}

// Authenticator performs the username/password exchange.
type Authenticator struct {
	http   Doer
	now    func() time.Time
	logger *zap.Logger
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithHTTPClient sets the HTTP transport.
func WithHTTPClient(d Doer) Option {
	return func(a *Authenticator) { a.http = d }
}

// WithClock sets the time source for relative expiries.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Authenticator) { a.logger = l }
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(opts ...Option) *Authenticator {
	a := &Authenticator{http: http.DefaultClient, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = logging.L()
	}
	return a
}

// Login exchanges credentials for a session.
func (a *Authenticator) Login(ctx context.Context, p model.LoginPayload) (s model.Session, err error) {
	defer func() { metrics.RecordAuthAttempt(err == nil) }()

	baseURL, err := endpoint.NormalizeHost(p.Host)
	if err != nil {
		return model.Session{}, err
	}
	u, err := endpoint.CreateAPIURL(baseURL, loginPath)
	if err != nil {
		return model.Session{}, err
	}

	username := strings.TrimSpace(p.Username)
	if username == "" || p.Password == "" {
		return model.Session{}, common.ErrMissingCredentials
	}

	reqBody := map[string]string{"username": username, "password": p.Password}
	apiKey := strings.TrimSpace(p.APIKey)
	if apiKey != "" {
		reqBody["apiKey"] = apiKey
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return model.Session{}, fmt.Errorf("encode login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return model.Session{}, fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	a.logger.Debug("signing in", zap.String("url", u), zap.String("username", username))
	resp, err := a.http.Do(req)
	if err != nil {
		return model.Session{}, fmt.Errorf("sign in: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.Session{}, fmt.Errorf("read login response: %w", err)
	}
	fields, parsed := parseFields(raw)

	if !common.IsSuccess(resp.StatusCode) {
		a.logger.Warn("sign in rejected", zap.Int("status", resp.StatusCode))
		return model.Session{}, &LoginError{Message: loginErrorMessage(fields, raw), Status: resp.StatusCode}
	}
	if !parsed {
		return model.Session{}, common.ErrInvalidAuthResponse
	}

	accessToken := firstString(fields, accessTokenFields)
	if accessToken == "" {
		return model.Session{}, common.ErrMissingAccessToken
	}

	if k := firstString(fields, apiKeyFields); k != "" {
		apiKey = k
	}

	return model.Session{
		Host:         strings.TrimSpace(p.Host),
		BaseURL:      baseURL,
		AccessToken:  accessToken,
		RefreshToken: firstString(fields, refreshTokenFields),
		ExpiresAt:    a.resolveExpiresAt(fields, accessToken),
		Username:     username,
		APIKey:       apiKey,
	}, nil
}

// resolveExpiresAt prefers an absolute expiry, then a relative one, then the
// exp claim of the access token when it is a JWT.
func (a *Authenticator) resolveExpiresAt(fields map[string]json.RawMessage, accessToken string) string {
	if v := firstString(fields, expiresAtFields); v != "" {
		return v
	}
	if secs, ok := firstNumber(fields, expiresInFields); ok {
		return a.now().Add(time.Duration(secs * float64(time.Second))).UTC().Format(time.RFC3339)
	}
	return jwtExpiry(accessToken)
}

// jwtExpiry reads the exp claim without verifying the signature; the token
// is only inspected, never trusted.
func jwtExpiry(token string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return ""
	}
	return exp.UTC().Format(time.RFC3339)
}

// parseFields decodes a JSON object body. parsed is false for empty or
// non-object bodies.
func parseFields(raw []byte) (fields map[string]json.RawMessage, parsed bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, false
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, false
	}
	return fields, true
}

func firstString(fields map[string]json.RawMessage, names []string) string {
	for _, name := range names {
		v, ok := fields[name]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func firstNumber(fields map[string]json.RawMessage, names []string) (float64, bool) {
	for _, name := range names {
		v, ok := fields[name]
		if !ok {
			continue
		}
		var n float64
		if err := json.Unmarshal(v, &n); err == nil {
			return n, true
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// loginErrorMessage picks message, then error, then joined validation
// errors, then the raw body.
func loginErrorMessage(fields map[string]json.RawMessage, raw []byte) string {
	if msg := firstString(fields, errorMessageFields); msg != "" {
		return msg
	}
	if msg := validationErrors(fields); msg != "" {
		return msg
	}
	if body := strings.TrimSpace(string(raw)); body != "" {
		return body
	}
	return defaultLoginError
}

// validationErrors flattens {"errors": {"Field": ["a", "b"]}} into
// "Field: a, b" lines, sorted by field.
func validationErrors(fields map[string]json.RawMessage) string {
	v, ok := fields["errors"]
	if !ok {
		return ""
	}
	var errs map[string]json.RawMessage
	if err := json.Unmarshal(v, &errs); err != nil || len(errs) == 0 {
		return ""
	}

	names := make([]string, 0, len(errs))
	for name := range errs {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		var list []string
		if err := json.Unmarshal(errs[name], &list); err == nil {
			lines = append(lines, name+": "+strings.Join(list, ", "))
			continue
		}
		var one string
		if err := json.Unmarshal(errs[name], &one); err == nil {
			lines = append(lines, name+": "+one)
		}
	}
	return strings.Join(lines, "\n")
}
