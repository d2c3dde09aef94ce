package proxy

import (
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// forwardedHeaders are copied from the inbound request to the upstream call.
var forwardedHeaders = []string{
	"Accept",
	"Content-Type",
	"Link",
	"fiware-service",
	"fiware-servicepath",
	"X-Requested-With",
}

// Handler returns a generic CORS passthrough: the remainder of the request
// path after the prefix is the absolute target URL. It carries no domain
// logic; it only exists so browser clients can reach brokers that do not
// speak CORS themselves.
func Handler(prefix string, insecure bool, logger zerolog.Logger) http.Handler {
	transport := http.DefaultTransport
	if insecure {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	client := &http.Client{Timeout: 30 * time.Second, Transport: transport}
	proxyLogger := logger.With().Str("component", "proxy").Logger()

	passthrough := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.URL.Path, prefix)
		if r.URL.RawQuery != "" {
			raw += "?" + r.URL.RawQuery
		}
		target, err := url.Parse(raw)
		if err != nil || !target.IsAbs() {
			http.Error(w, "invalid relay target", http.StatusBadRequest)
			return
		}

		req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
		if err != nil {
			http.Error(w, "invalid relay request", http.StatusBadRequest)
			return
		}
		for _, header := range forwardedHeaders {
			if value := r.Header.Get(header); value != "" {
				req.Header.Set(header, value)
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			proxyLogger.Warn().Err(err).Str("target", target.String()).Msg("relay request failed")
			http.Error(w, "relay target unreachable", http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()

		for key, values := range resp.Header {
			for _, value := range values {
				w.Header().Add(key, value)
			}
		}
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil {
			proxyLogger.Debug().Err(err).Str("target", target.String()).Msg("relay copy interrupted")
		}
	})

	return cors.AllowAll().Handler(passthrough)
}
