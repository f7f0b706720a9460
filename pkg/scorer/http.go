package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/promptgate/promptgate/pkg/telemetry"
)

// HTTPScorer talks to a remote scoring service over a small JSON API.
// It implements both SafetyScorer and SimilarityScorer.
type HTTPScorer struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// HTTPConfig configures the HTTP scoring client.
type HTTPConfig struct {
	// BaseURL is the scoring service root, e.g. "http://scorer:9090".
	BaseURL string

	// Timeout bounds each scoring call. The per-evaluator deadline from
	// the scheduler still applies on top via the request context.
	Timeout time.Duration
}

// NewHTTPScorer creates a scoring client. Metrics may be nil.
func NewHTTPScorer(cfg HTTPConfig, logger zerolog.Logger, metrics *telemetry.Metrics) *HTTPScorer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &HTTPScorer{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With().Str("component", "http-scorer").Logger(),
		metrics: metrics,
	}
}

type classifyRequest struct {
	Content    string   `json:"content"`
	Categories []string `json:"categories"`
}

type classifyResponse struct {
	Scores map[string]float64 `json:"scores"`
}

// Classify implements SafetyScorer.
func (s *HTTPScorer) Classify(ctx context.Context, content string, categories []string) (map[string]float64, error) {
	var resp classifyResponse
	err := s.post(ctx, "classify", "/v1/classify", classifyRequest{Content: content, Categories: categories}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Scores == nil {
		return nil, fmt.Errorf("%w: empty classify response", ErrUnavailable)
	}
	return resp.Scores, nil
}

type similarityRequest struct {
	Content    string   `json:"content"`
	References []string `json:"references"`
}

type similarityResponse struct {
	Similarities []float64 `json:"similarities"`
}

// Similarities implements SimilarityScorer.
func (s *HTTPScorer) Similarities(ctx context.Context, content string, references []string) ([]float64, error) {
	var resp similarityResponse
	err := s.post(ctx, "similarity", "/v1/similarity", similarityRequest{Content: content, References: references}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Similarities) != len(references) {
		return nil, fmt.Errorf("%w: got %d similarities for %d references",
			ErrUnavailable, len(resp.Similarities), len(references))
	}
	return resp.Similarities, nil
}

func (s *HTTPScorer) post(ctx context.Context, op, path string, in, out any) error {
	start := time.Now()
	err := s.do(ctx, path, in, out)
	if err != nil {
		s.metrics.RecordScorerError("http", op)
		return err
	}
	s.metrics.RecordScorerCall("http", op, time.Since(start))
	return nil
}

func (s *HTTPScorer) do(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode scorer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build scorer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		// Context errors pass through so the scheduler can report a
		// timeout rather than an unavailable scorer.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: scoring service returned %s", ErrUnavailable, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return nil
}
