package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	defaultRetryBase      = 250 * time.Millisecond
	maxRetryWait          = 10 * time.Second
	maxErrorBody          = 2 << 10
)

// DeliveryError is a non-2xx answer from a webhook endpoint.
type DeliveryError struct {
	Target     string
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *DeliveryError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned %d", e.Target, e.StatusCode)
	}
	return fmt.Sprintf("%s returned %d: %s", e.Target, e.StatusCode, e.Body)
}

// Temporary reports whether the request may succeed if sent again.
func (e *DeliveryError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Webhook posts JSON bodies to a single URL. Transport failures, 429 and 5xx
// answers are retried with exponential backoff; other 4xx answers are final.
type Webhook struct {
	Target  string
	URL     string
	Retries int
	Base    time.Duration
	Client  *http.Client
}

// NewWebhook fills defaults for a sink's HTTP delivery.
func NewWebhook(target, url string, retries int, timeout time.Duration, client *http.Client) *Webhook {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &Webhook{
		Target:  target,
		URL:     url,
		Retries: max(retries, 0),
		Base:    defaultRetryBase,
		Client:  client,
	}
}

// Post sends body, retrying as configured. It returns the last error seen.
func (w *Webhook) Post(ctx context.Context, body []byte) error {
	var lastErr error
	wait := w.Base
	for attempt := 0; attempt <= w.Retries; attempt++ {
		if attempt > 0 {
			delay := wait
			var de *DeliveryError
			if errors.As(lastErr, &de) && de.RetryAfter > 0 {
				delay = de.RetryAfter
			}
			if err := sleep(ctx, min(delay, maxRetryWait)); err != nil {
				return errors.Join(lastErr, err)
			}
			wait *= 2
		}

		lastErr = w.once(ctx, body)
		if lastErr == nil {
			return nil
		}
		var de *DeliveryError
		if errors.As(lastErr, &de) && !de.Temporary() {
			return lastErr
		}
	}
	return lastErr
}

func (w *Webhook) once(ctx context.Context, body []byte) (err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", w.Target, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", w.Target, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s response: %w", w.Target, cerr)
		}
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &DeliveryError{
		Target:     w.Target,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(snippet)),
		RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
	}
}

// retryAfter understands the delay-seconds form only.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Or returns fallback when value is blank.
func Or(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
