package middleware

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

func mustParseCIDRs(t *testing.T, cidrs ...string) []*net.IPNet {
	t.Helper()
	var nets []*net.IPNet
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			t.Fatalf("invalid CIDR %q: %v", cidr, err)
		}
		nets = append(nets, ipNet)
	}
	return nets
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestWebhookAuth_SecretCheck(t *testing.T) {
	tests := []struct {
		name       string
		secrets    []string
		provided   string
		wantStatus int
	}{
		{"no secrets configured allows all", nil, "", http.StatusOK},
		{"valid secret", []string{"s3cret"}, "s3cret", http.StatusOK},
		{"second secret during rotation", []string{"old", "new"}, "new", http.StatusOK},
		{"wrong secret", []string{"s3cret"}, "nope", http.StatusUnauthorized},
		{"missing secret", []string{"s3cret"}, "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := NewWebhookAuth(tt.secrets, nil, false)
			handler := auth.Wrap(okHandler())

			req := httptest.NewRequest(http.MethodPost, "/webhook", nil)
			if tt.provided != "" {
				req.Header.Set(WebhookSecretHeader, tt.provided)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestWebhookAuth_SourceAllowList(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		wantStatus int
	}{
		{"inside allowed range", "10.0.1.5:39000", http.StatusOK},
		{"exact allowed host", "192.168.1.10:39000", http.StatusOK},
		{"outside allowed range", "203.0.113.9:39000", http.StatusUnauthorized},
	}

	trusted := mustParseCIDRs(t, "10.0.0.0/8", "192.168.1.10/32")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := NewWebhookAuth(nil, trusted, false)
			handler := auth.Wrap(okHandler())

			req := httptest.NewRequest(http.MethodPost, "/webhook", nil)
			req.RemoteAddr = tt.remoteAddr
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestWebhookAuth_ProxyHeaders(t *testing.T) {
	trusted := mustParseCIDRs(t, "10.0.0.0/8")

	tests := []struct {
		name       string
		trustProxy bool
		headers    map[string]string
		remoteAddr string
		wantStatus int
	}{
		{
			name:       "forwarded-for honored when proxies trusted",
			trustProxy: true,
			headers:    map[string]string{"X-Forwarded-For": "10.0.1.5, 172.16.0.1"},
			remoteAddr: "172.16.0.1:39000",
			wantStatus: http.StatusOK,
		},
		{
			name:       "real-ip honored when proxies trusted",
			trustProxy: true,
			headers:    map[string]string{"X-Real-IP": "10.0.1.5"},
			remoteAddr: "172.16.0.1:39000",
			wantStatus: http.StatusOK,
		},
		{
			name:       "forwarded-for ignored without proxy trust",
			trustProxy: false,
			headers:    map[string]string{"X-Forwarded-For": "10.0.1.5"},
			remoteAddr: "172.16.0.1:39000",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "spoofed header cannot demote a trusted source",
			trustProxy: false,
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.9"},
			remoteAddr: "10.0.1.5:39000",
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := NewWebhookAuth(nil, trusted, tt.trustProxy)
			handler := auth.Wrap(okHandler())

			req := httptest.NewRequest(http.MethodPost, "/webhook", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}
