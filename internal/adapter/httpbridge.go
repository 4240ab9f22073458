package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/safeguard/internal/model"
	"github.com/sells-group/safeguard/internal/resilience"
)

// HTTPBridge applies rules by POSTing them to a platform's bridge endpoint.
// Most production integrations run behind a bridge service that translates
// our rule schema into platform API calls; this adapter is the client side
// of that contract.
type HTTPBridge struct {
	platformID string
	endpoint   string
	token      string
	client     *http.Client
	retry      resilience.RetryConfig
	breaker    *resilience.CircuitBreaker
}

// HTTPBridgeOption customizes an HTTPBridge.
type HTTPBridgeOption func(*HTTPBridge)

// WithHTTPClient overrides the HTTP client, used by tests.
func WithHTTPClient(c *http.Client) HTTPBridgeOption {
	return func(b *HTTPBridge) { b.client = c }
}

// WithRetryConfig overrides the default retry policy.
func WithRetryConfig(cfg resilience.RetryConfig) HTTPBridgeOption {
	return func(b *HTTPBridge) { b.retry = cfg }
}

// WithBreaker substitutes a shared circuit breaker, so every bridge talking
// to the same platform pools its failure history.
func WithBreaker(cb *resilience.CircuitBreaker) HTTPBridgeOption {
	return func(b *HTTPBridge) { b.breaker = cb }
}

func NewHTTPBridge(platformID, endpoint, token string, opts ...HTTPBridgeOption) *HTTPBridge {
	b := &HTTPBridge{
		platformID: platformID,
		endpoint:   endpoint,
		token:      token,
		client:     &http.Client{Timeout: 30 * time.Second},
		retry:      resilience.DefaultRetryConfig(),
		breaker:    resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
	}
	b.retry.OnRetry = resilience.RetryLogger(platformID, "apply_rules")
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *HTTPBridge) PlatformID() string { return b.platformID }

type bridgeRequest struct {
	ChildID string       `json:"child_id"`
	Rules   []model.Rule `json:"rules"`
}

type bridgeResponse struct {
	Outcomes []Outcome `json:"outcomes"`
}

func (b *HTTPBridge) Apply(ctx context.Context, childID string, rules []model.Rule) ([]Outcome, error) {
	body, err := json.Marshal(bridgeRequest{ChildID: childID, Rules: rules})
	if err != nil {
		return nil, eris.Wrap(err, "adapter: marshal bridge request")
	}

	return resilience.ExecuteVal(ctx, b.breaker, func(ctx context.Context) ([]Outcome, error) {
		return resilience.DoVal(ctx, b.retry, func(ctx context.Context) ([]Outcome, error) {
			return b.post(ctx, body)
		})
	})
}

func (b *HTTPBridge) post(ctx context.Context, body []byte) ([]Outcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "adapter: build bridge request")
	}
	req.Header.Set("Content-Type", "application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "adapter: post to %s bridge", b.platformID)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := eris.Errorf("adapter: %s bridge returned %d: %s", b.platformID, resp.StatusCode, snippet)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			if wait := retryAfter(resp); wait > 0 {
				return nil, resilience.NewThrottledError(err, resp.StatusCode, wait)
			}
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	var out bridgeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, eris.Wrapf(err, "adapter: decode %s bridge response", b.platformID)
	}
	for _, o := range out.Outcomes {
		switch o.Status {
		case OutcomeApplied, OutcomeSkipped, OutcomeFailed:
		default:
			return nil, eris.Errorf("adapter: %s bridge returned unknown outcome status %q", b.platformID, o.Status)
		}
	}
	return out.Outcomes, nil
}

// retryAfter parses a delay-seconds Retry-After header. HTTP-date values
// and absent headers both come back as 0.
func retryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
