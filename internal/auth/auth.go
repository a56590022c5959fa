package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
)

// Credentials is the user/password pair sent with every request. The storage
// service accepts an API key as the user with an empty password.
type Credentials struct {
	User     string
	Password string
}

// IsZero reports whether no credentials are set.
func (c Credentials) IsZero() bool {
	return c.User == "" && c.Password == ""
}

// Apply sets HTTP basic auth on req unless c is empty.
func (c Credentials) Apply(req *http.Request) {
	if !c.IsZero() {
		req.SetBasicAuth(c.User, c.Password)
	}
}

// String hides the secret so credentials can be logged safely.
func (c Credentials) String() string {
	if c.IsZero() {
		return "<none>"
	}
	if len(c.User) <= 4 {
		return "****"
	}
	return c.User[:4] + "****"
}

// ClientConfig holds the default authentication for outgoing requests.
type ClientConfig struct {
	// Credentials are used when a request carries no Authorization header.
	Credentials Credentials
	// BearerToken is sent instead of basic auth when set.
	BearerToken string
	// Headers is a map of custom headers to send with requests.
	Headers map[string]string
}

// ServerConfig holds authentication the fake storage server enforces.
type ServerConfig struct {
	Enabled     bool
	Credentials Credentials
}

// HTTPTransport returns an http.RoundTripper that adds the default
// authentication headers. A request that already has an Authorization header
// (per-writer credentials) is left untouched.
func HTTPTransport(cfg ClientConfig, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &authTransport{
		base: base,
		cfg:  cfg,
	}
}

type authTransport struct {
	base http.RoundTripper
	cfg  ClientConfig
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid modifying the original
	reqClone := req.Clone(req.Context())

	if reqClone.Header.Get("Authorization") == "" {
		if t.cfg.BearerToken != "" {
			reqClone.Header.Set("Authorization", "Bearer "+t.cfg.BearerToken)
		} else {
			t.cfg.Credentials.Apply(reqClone)
		}
	}

	for k, v := range t.cfg.Headers {
		reqClone.Header.Set(k, v)
	}

	return t.base.RoundTrip(reqClone)
}

// HTTPMiddleware returns an HTTP middleware enforcing basic authentication.
func HTTPMiddleware(cfg ServerConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			http.Error(w, "missing authorization header", http.StatusUnauthorized)
			return
		}
		if !strings.HasPrefix(header, "Basic ") {
			http.Error(w, "invalid authorization header format", http.StatusUnauthorized)
			return
		}

		expected := "Basic " + basicAuthEncoded(cfg.Credentials.User, cfg.Credentials.Password)
		if subtle.ConstantTimeCompare([]byte(header), []byte(expected)) != 1 {
			http.Error(w, "invalid basic auth credentials", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// basicAuthEncoded returns the base64 encoded basic auth string.
func basicAuthEncoded(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}
