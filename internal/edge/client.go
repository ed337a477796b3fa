package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const maxResponseBytes = 4 << 20

// apiError is a non-success answer from the provider.
type apiError struct {
	Status   int
	Messages []string
}

func (e *apiError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("edge: provider returned status %d", e.Status)
	}
	return fmt.Sprintf("edge: provider returned status %d: %s", e.Status, strings.Join(e.Messages, "; "))
}

type envelope struct {
	Success bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Result json.RawMessage `json:"result"`
}

func newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.Multiplier = 2
	return bo
}

// call performs one provider request with rate limiting, a per-attempt
// timeout and bounded retries. 429, 5xx and transport errors are retried;
// other failures are permanent. out may be nil.
func (c *Controller) call(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("edge: encode request: %w", err)
		}
	}
	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	operation := func() (json.RawMessage, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(attemptCtx, method, endpoint, reader)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		c.authorize(req)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, err
		}

		var env envelope
		decodeErr := json.Unmarshal(raw, &env)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			apiErr := providerError(resp.StatusCode, env)
			if secs, convErr := strconv.Atoi(resp.Header.Get("Retry-After")); convErr == nil && secs > 0 {
				return nil, errors.Join(apiErr, backoff.RetryAfter(secs))
			}
			return nil, apiErr
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, backoff.Permanent(providerError(resp.StatusCode, env))
		}
		if decodeErr != nil {
			return nil, backoff.Permanent(fmt.Errorf("edge: decode response: %w", decodeErr))
		}
		if !env.Success {
			return nil, backoff.Permanent(providerError(resp.StatusCode, env))
		}
		return env.Result, nil
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)),
	)
	if err != nil {
		return err
	}
	if out == nil || len(result) == 0 {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("edge: decode result: %w", err)
	}
	return nil
}

func (c *Controller) authorize(req *http.Request) {
	creds := c.cfg.Credentials
	if creds.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+creds.APIToken)
		return
	}
	req.Header.Set("X-Auth-Email", creds.Email)
	req.Header.Set("X-Auth-Key", creds.APIKey)
}

func providerError(status int, env envelope) *apiError {
	out := &apiError{Status: status}
	for _, e := range env.Errors {
		out.Messages = append(out.Messages, fmt.Sprintf("%d %s", e.Code, e.Message))
	}
	return out
}

func isNotFound(err error) bool {
	var apiErr *apiError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}
