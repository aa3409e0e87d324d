package middleware

import (
	"crypto/subtle"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/arumes31/kumawise/internal/api"
)

// WebhookSecretHeader carries the shared secret from the monitoring tool
const WebhookSecretHeader = "X-KumaWise-Secret"

// WebhookAuth protects the inbound webhook with a shared-secret check and an
// optional source IP allow-list. Empty secret list disables the secret
// check; empty allow-list admits any source.
type WebhookAuth struct {
	secrets           []string
	trustedSources    []*net.IPNet
	trustProxyHeaders bool
}

// NewWebhookAuth creates the webhook protection middleware
func NewWebhookAuth(secrets []string, trustedSources []*net.IPNet, trustProxyHeaders bool) *WebhookAuth {
	return &WebhookAuth{
		secrets:           secrets,
		trustedSources:    trustedSources,
		trustProxyHeaders: trustProxyHeaders,
	}
}

// Wrap wraps a handler with webhook authentication
func (a *WebhookAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.sourceAllowed(r) {
			log.Printf("WebhookAuth: rejected request from untrusted source %s", a.clientIP(r))
			api.RespondErrorWithCode(w, http.StatusUnauthorized, "untrusted_source", "Source address not allowed")
			return
		}

		if !a.secretValid(r) {
			log.Printf("WebhookAuth: rejected request with invalid secret from %s", a.clientIP(r))
			api.RespondErrorWithCode(w, http.StatusUnauthorized, "invalid_secret", "Invalid or missing webhook secret")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// secretValid compares the request secret against every configured secret in
// constant time.
func (a *WebhookAuth) secretValid(r *http.Request) bool {
	if len(a.secrets) == 0 {
		return true
	}

	provided := r.Header.Get(WebhookSecretHeader)
	valid := false
	for _, secret := range a.secrets {
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) == 1 {
			valid = true
		}
	}
	return valid
}

func (a *WebhookAuth) sourceAllowed(r *http.Request) bool {
	if len(a.trustedSources) == 0 {
		return true
	}

	ip := net.ParseIP(a.clientIP(r))
	if ip == nil {
		return false
	}
	for _, ipNet := range a.trustedSources {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// clientIP resolves the caller address, honoring reverse-proxy headers only
// when proxy trust is enabled.
func (a *WebhookAuth) clientIP(r *http.Request) string {
	if a.trustProxyHeaders {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			// First hop is the original client.
			parts := strings.Split(fwd, ",")
			return strings.TrimSpace(parts[0])
		}
		if real := r.Header.Get("X-Real-IP"); real != "" {
			return strings.TrimSpace(real)
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
