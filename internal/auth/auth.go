// Package auth guards the serve-mode HTTP API. Requests from the loopback
// interface pass; anything else needs a bearer token from the config.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strings"
)

type Mode string

const (
	ModeLocalhost Mode = "localhost"
	ModeToken     Mode = "token"
)

type Info struct {
	Mode      Mode
	Name      string
	Localhost bool
}

type contextKey struct{}

func FromContext(ctx context.Context) (Info, bool) {
	v, ok := ctx.Value(contextKey{}).(Info)
	return v, ok
}

// Keyring maps bearer tokens to the operator or agent name they belong to.
type Keyring struct {
	AllowLocalhostWithoutAuth bool
	tokens                    map[string]string
}

// NewKeyring builds a keyring from name -> token pairs. Empty tokens are
// skipped.
func NewKeyring(allowLocalhost bool, nameToToken map[string]string) *Keyring {
	ring := &Keyring{AllowLocalhostWithoutAuth: allowLocalhost, tokens: make(map[string]string, len(nameToToken))}
	for name, token := range nameToToken {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		ring.tokens[token] = name
	}
	return ring
}

// NameForToken looks token up in constant time per entry.
func (k *Keyring) NameForToken(token string) (string, bool) {
	if k == nil {
		return "", false
	}
	for known, name := range k.tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return name, true
		}
	}
	return "", false
}

// Middleware rejects requests that are neither local (when the keyring
// allows that) nor carrying a known bearer token. Accepted requests carry an
// Info in their context.
func Middleware(ring *Keyring) func(http.Handler) http.Handler {
	if ring == nil {
		ring = NewKeyring(true, nil)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, ok := ring.identify(r)
			if !ok {
				writeUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, info)))
		})
	}
}

func (k *Keyring) identify(r *http.Request) (Info, bool) {
	if k.AllowLocalhostWithoutAuth && isLocalRequest(r) {
		return Info{Mode: ModeLocalhost, Localhost: true}, true
	}
	scheme, token, _ := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	token = strings.TrimSpace(token)
	if !strings.EqualFold(scheme, "Bearer") || token == "" {
		return Info{}, false
	}
	name, ok := k.NameForToken(token)
	if !ok {
		return Info{}, false
	}
	return Info{Mode: ModeToken, Name: name}, true
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
}

// isLocalRequest reports whether the peer is on the loopback interface or
// the unix socket. X-Forwarded-For can only demote: a loopback peer that
// forwards for any non-loopback client is not local, and the header never
// makes a remote peer local.
func isLocalRequest(r *http.Request) bool {
	if r.RemoteAddr == "@" || r.RemoteAddr == "" {
		// Unix socket peers have no network address.
		return true
	}
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	if !isLoopbackHost(host) {
		return false
	}
	for _, hop := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
		if hop = strings.TrimSpace(hop); hop != "" && !isLoopbackHost(hop) {
			return false
		}
	}
	return true
}

func isLoopbackHost(host string) bool {
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	parsed := net.ParseIP(host)
	return parsed != nil && parsed.IsLoopback()
}
