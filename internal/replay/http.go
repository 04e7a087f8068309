package replay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"kiaansync/internal/models"

	"golang.org/x/time/rate"
)

var verbs = map[string]string{
	models.OpCreate: http.MethodPost,
	models.OpUpdate: http.MethodPut,
	models.OpDelete: http.MethodDelete,
}

// HTTPReplayer replays operations as JSON requests: CREATE→POST,
// UPDATE→PUT, DELETE→DELETE against baseURL + endpoint. Any non-2xx
// response counts as a failed attempt.
type HTTPReplayer struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPReplayer builds the web-profile replayer. timeout bounds each
// request (it never bounds a whole drain). rps <= 0 disables rate limiting.
func NewHTTPReplayer(baseURL string, timeout time.Duration, rps float64, burst int) *HTTPReplayer {
	if timeout <= 0 {
		timeout = models.DefaultRequestTimeout
	}

	var limiter *rate.Limiter
	if rps > 0 {
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}

	return &HTTPReplayer{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
	}
}

func (r *HTTPReplayer) Replay(ctx context.Context, op models.QueuedOperation) error {
	method, ok := verbs[op.Type]
	if !ok {
		return fmt.Errorf("unknown operation type: %s", op.Type)
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	var body io.Reader
	if len(op.Payload) > 0 {
		body = bytes.NewReader(op.Payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+op.Endpoint, body)
	if err != nil {
		return fmt.Errorf("build replay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("replay %s %s: %w", method, op.Endpoint, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("replay %s %s: unexpected status %d", method, op.Endpoint, resp.StatusCode)
	}
	return nil
}
