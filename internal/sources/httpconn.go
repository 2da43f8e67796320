package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/epiwatchstack/epiwatch-engine/internal/models"
)

// HTTPConnector adapts a JSON-over-HTTP surveillance provider to the
// Connector interface. Providers exposing a health endpoint get the
// HealthChecker capability through HTTPHealthConnector.
type HTTPConnector struct {
	sourceID   string
	baseURL    string
	fetchPath  string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPConnector constructs a connector targeting the configured provider.
func NewHTTPConnector(sourceID, baseURL, fetchPath, apiKey string, timeout time.Duration) *HTTPConnector {
	return &HTTPConnector{
		sourceID:  sourceID,
		baseURL:   strings.TrimRight(baseURL, "/"),
		fetchPath: fetchPath,
		apiKey:    apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Fetch queries the provider for raw observations within the timeframe.
func (c *HTTPConnector) Fetch(ctx context.Context, query FetchQuery) ([]models.RawObservation, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("source %s: %w", c.sourceID, models.ErrSourceUnavailable)
	}

	payload := map[string]interface{}{
		"diseases": query.Diseases,
		"regions":  query.Regions,
		"start":    query.Timeframe.Start.Format(time.RFC3339),
		"end":      query.Timeframe.End.Format(time.RFC3339),
	}

	var response struct {
		Readings []struct {
			DiseaseID  string    `json:"disease_id"`
			Region     string    `json:"region"`
			Timestamp  time.Time `json:"timestamp"`
			Value      float64   `json:"value"`
			Unit       string    `json:"unit"`
			Confidence float64   `json:"confidence"`
		} `json:"readings"`
	}

	if err := c.postJSON(ctx, c.resolvePath(c.fetchPath), payload, &response); err != nil {
		return nil, fmt.Errorf("source %s fetch: %w", c.sourceID, err)
	}

	observations := make([]models.RawObservation, 0, len(response.Readings))
	for _, r := range response.Readings {
		observations = append(observations, models.RawObservation{
			SourceID:   c.sourceID,
			DiseaseID:  r.DiseaseID,
			Region:     r.Region,
			Timestamp:  r.Timestamp,
			Value:      r.Value,
			Unit:       r.Unit,
			Confidence: r.Confidence,
		})
	}
	return observations, nil
}

func (c *HTTPConnector) resolvePath(p string) string {
	if c.baseURL == "" {
		return ""
	}
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (c *HTTPConnector) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	if endpoint == "" {
		return fmt.Errorf("empty endpoint: %w", models.ErrSourceUnavailable)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return fmt.Errorf("%v: %w", err, models.ErrSourceTimeout)
	}
	return fmt.Errorf("%v: %w", err, models.ErrSourceUnavailable)
}

func classifyStatus(code int) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("provider returned %d: %w", code, models.ErrSourceAuthFailure)
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return fmt.Errorf("provider returned %d: %w", code, models.ErrSourceTimeout)
	case code >= 500:
		return fmt.Errorf("provider returned %d: %w", code, models.ErrSourceUnavailable)
	default:
		return fmt.Errorf("provider returned unexpected status %d", code)
	}
}

// HTTPHealthConnector extends HTTPConnector with a health probe capability.
type HTTPHealthConnector struct {
	*HTTPConnector
	healthPath string
}

// NewHTTPHealthConnector wraps an HTTPConnector with a HealthCheck endpoint.
func NewHTTPHealthConnector(conn *HTTPConnector, healthPath string) *HTTPHealthConnector {
	return &HTTPHealthConnector{HTTPConnector: conn, healthPath: healthPath}
}

// HealthCheck probes the provider's health endpoint.
func (c *HTTPHealthConnector) HealthCheck(ctx context.Context) error {
	endpoint := c.resolvePath(c.healthPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()
	return classifyStatus(resp.StatusCode)
}

var (
	_ Connector     = (*HTTPConnector)(nil)
	_ HealthChecker = (*HTTPHealthConnector)(nil)
)
