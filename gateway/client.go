package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/robomo/pulse/config"
)

// Client is the subset of broker operations required by the relay.
type Client interface {
	// FetchSnapshot returns the current device list matching the use-case
	// filter, together with the distinct use-case values observed across the
	// unfiltered set (prefixed with the "All" sentinel).
	FetchSnapshot(ctx context.Context, useCaseFilter string) ([]Device, []string, error)
	// FetchSeries returns a bounded historical slice for one entity.
	FetchSeries(ctx context.Context, query SeriesQuery) (Series, error)
}

// HTTPClient talks to the NGSI-LD context broker and the QuantumLeap history
// API, optionally through the CORS relay. It holds no state beyond the
// advisory snapshot cache; retry policy is the caller's responsibility.
type HTTPClient struct {
	entitiesURL string
	historyURL  string
	relayPrefix string
	contextLink string
	service     string
	servicePath string
	http        *http.Client
	logger      zerolog.Logger
	cache       *SnapshotCache
}

// New builds an HTTPClient from the broker configuration.
func New(cfg config.BrokerConfig, cache *SnapshotCache, logger zerolog.Logger) *HTTPClient {
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := http.DefaultTransport
	if cfg.Insecure {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &HTTPClient{
		entitiesURL: cfg.EntitiesURL,
		historyURL:  strings.TrimRight(cfg.HistoryURL, "/"),
		relayPrefix: cfg.RelayPrefix,
		contextLink: cfg.ContextLink,
		service:     cfg.Service,
		servicePath: cfg.ServicePath,
		http:        &http.Client{Timeout: timeout, Transport: transport},
		logger:      logger.With().Str("component", "gateway").Logger(),
		cache:       cache,
	}
}

// FetchSnapshot implements Client.
func (c *HTTPClient) FetchSnapshot(ctx context.Context, useCaseFilter string) ([]Device, []string, error) {
	body, err := c.get(ctx, c.resolve(c.entitiesURL))
	if err != nil {
		return nil, nil, err
	}
	var devices []Device
	if err := json.Unmarshal(body, &devices); err != nil {
		return nil, nil, fmt.Errorf("decode entity snapshot: %w", err)
	}

	useCaseValues := distinctUseCases(devices)
	filtered := FilterByUseCase(devices, useCaseFilter)

	if c.cache != nil {
		c.cache.Store(ctx, filtered)
	}
	return filtered, useCaseValues, nil
}

// FetchSeries implements Client.
func (c *HTTPClient) FetchSeries(ctx context.Context, query SeriesQuery) (Series, error) {
	target := fmt.Sprintf("%s/urn:ngsi-ld:%s:%s", c.historyURL, query.DeviceType, query.DeviceID)
	params := url.Values{}
	if query.SampleCap > 0 {
		params.Set("lastN", strconv.Itoa(query.SampleCap))
	}
	if !query.Start.IsZero() {
		params.Set("fromDate", query.Start.UTC().Format(time.RFC3339))
	}
	if !query.End.IsZero() {
		params.Set("toDate", query.End.UTC().Format(time.RFC3339))
	}
	if encoded := params.Encode(); encoded != "" {
		target += "?" + encoded
	}
	body, err := c.get(ctx, c.resolve(target))
	if err != nil {
		return Series{}, err
	}
	var series Series
	if err := json.Unmarshal(body, &series); err != nil {
		return Series{}, fmt.Errorf("decode history response: %w", err)
	}
	return series, nil
}

// resolve routes the request through the CORS relay when one is configured.
func (c *HTTPClient) resolve(target string) string {
	if c.relayPrefix == "" {
		return target
	}
	return strings.TrimRight(c.relayPrefix, "/") + "/" + target
}

func (c *HTTPClient) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", target, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if c.contextLink != "" {
		req.Header.Set("Link", fmt.Sprintf(`<%s>; rel="http://www.w3.org/ns/json-ld#context"; type="application/ld+json"`, c.contextLink))
	}
	if c.service != "" {
		req.Header.Set("fiware-service", c.service)
	}
	if c.servicePath != "" {
		req.Header.Set("fiware-servicepath", c.servicePath)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("url", target).Msg("upstream request failed")
		return nil, &UpstreamError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		c.logger.Debug().Int("status", resp.StatusCode).Str("url", target).Msg("upstream returned error status")
		return nil, &UpstreamError{URL: target, Status: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UpstreamError{URL: target, Err: err}
	}
	return body, nil
}

// FilterByUseCase subsets devices by their use-case tag. The "All" sentinel
// (or an empty filter) keeps every device.
func FilterByUseCase(devices []Device, filter string) []Device {
	if filter == "" || filter == UseCaseAll {
		return devices
	}
	filtered := make([]Device, 0, len(devices))
	for _, device := range devices {
		if value, ok := device.UseCase(); ok && value == filter {
			filtered = append(filtered, device)
		}
	}
	return filtered
}

// distinctUseCases collects the distinct use-case values in first-seen order,
// prefixed with the "All" sentinel.
func distinctUseCases(devices []Device) []string {
	values := []string{UseCaseAll}
	seen := make(map[string]struct{})
	for _, device := range devices {
		value, ok := device.UseCase()
		if !ok {
			continue
		}
		if _, dup := seen[value]; dup {
			continue
		}
		seen[value] = struct{}{}
		values = append(values, value)
	}
	return values
}
