package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/kawacukennedy/polygot-sub000/internal/domain"
)

const clientTimeout = 5 * time.Second

// HTTPSnippetStore reads snippets from the snippet service.
type HTTPSnippetStore struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

var _ SnippetStore = (*HTTPSnippetStore)(nil)

// NewHTTPSnippetStore creates a client for the snippet service.
func NewHTTPSnippetStore(baseURL string, logger *zap.Logger) *HTTPSnippetStore {
	return &HTTPSnippetStore{
		baseURL: baseURL,
		client:  &http.Client{Timeout: clientTimeout},
		logger:  logger,
	}
}

func (s *HTTPSnippetStore) GetSnippet(ctx context.Context, id string) (*Snippet, error) {
	endpoint := fmt.Sprintf("%s/internal/snippets/%s", s.baseURL, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("snippet store: build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snippet store: fetch: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, domain.ErrSnippetNotFound
	default:
		return nil, fmt.Errorf("snippet store: unexpected status %d", resp.StatusCode)
	}

	var snippet Snippet
	if err := json.NewDecoder(resp.Body).Decode(&snippet); err != nil {
		return nil, fmt.Errorf("snippet store: decode: %w", err)
	}
	return &snippet, nil
}

// HTTPScoring posts point awards to the gamification service. Failures are
// logged, not propagated — scoring is a fire-and-forget side effect.
type HTTPScoring struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

var _ Scoring = (*HTTPScoring)(nil)

// NewHTTPScoring creates a client for the scoring service.
func NewHTTPScoring(baseURL string, logger *zap.Logger) *HTTPScoring {
	return &HTTPScoring{
		baseURL: baseURL,
		client:  &http.Client{Timeout: clientTimeout},
		logger:  logger,
	}
}

func (s *HTTPScoring) Award(ctx context.Context, userID, actionKind string) error {
	body, _ := json.Marshal(map[string]string{
		"user_id": userID,
		"action":  actionKind,
	})
	return s.post(ctx, s.baseURL+"/internal/points", body)
}

func (s *HTTPScoring) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("scoring: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("scoring: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("scoring: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// HTTPAnalytics posts execution outcome events to the analytics service.
type HTTPAnalytics struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

var _ Analytics = (*HTTPAnalytics)(nil)

// NewHTTPAnalytics creates a client for the analytics service.
func NewHTTPAnalytics(baseURL string, logger *zap.Logger) *HTTPAnalytics {
	return &HTTPAnalytics{
		baseURL: baseURL,
		client:  &http.Client{Timeout: clientTimeout},
		logger:  logger,
	}
}

func (a *HTTPAnalytics) Record(ctx context.Context, userID string, snippetID *string, language string, durationMs int, outcome string) error {
	event := map[string]interface{}{
		"event":             "snippet_run",
		"user_id":           userID,
		"language":          language,
		"execution_time_ms": durationMs,
		"status":            outcome,
		"timestamp":         time.Now().UTC(),
	}
	if snippetID != nil {
		event["snippet_id"] = *snippetID
	}

	body, _ := json.Marshal(event)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/internal/events", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("analytics: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("analytics: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("analytics: unexpected status %d", resp.StatusCode)
	}
	return nil
}
