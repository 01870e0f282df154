package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/marketdesk/refresher/internal/model"
)

// Notifier receives the terminal result of every Run after the lock has been
// released.
type Notifier interface {
	Notify(ctx context.Context, result RunResult) error
}

func notifiers(cfg model.Service) ([]Notifier, error) {
	if cfg.Notify == nil {
		return nil, nil
	}
	timeout, err := model.ParseCueDuration(cfg.Notify.Timeout)
	if err != nil {
		return nil, fmt.Errorf("service.notify.timeout: %w", err)
	}
	n, err := NewWebhookNotifier(cfg.Notify.URL, timeout)
	if err != nil {
		return nil, err
	}
	return []Notifier{n}, nil
}

// WebhookNotifier POSTs the RunResult as JSON.
type WebhookNotifier struct {
	requestURL *url.URL
	client     *http.Client
}

func NewWebhookNotifier(rawURL string, timeout time.Duration) (*WebhookNotifier, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" || parsedURL.Host == "" {
		return nil, errors.New("please define the notify url with a http(s) scheme and host, e.g. `https://hooks.example.com/refresh`")
	}
	return &WebhookNotifier{
		requestURL: parsedURL,
		client:     &http.Client{Timeout: timeout},
	}, nil
}

func (n *WebhookNotifier) Notify(ctx context.Context, result RunResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding run result: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.requestURL.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notify %s: status: %d, body: %s", n.requestURL.Redacted(), resp.StatusCode, string(body))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	slog.DebugContext(ctx, "run result notified", "url", n.requestURL.Redacted(), "status", resp.StatusCode)
	return nil
}

// WriteNotifier writes the RunResult as a JSON line to w, os.Stdout when nil.
type WriteNotifier struct {
	w io.Writer
}

func NewWriteNotifier(w io.Writer) WriteNotifier {
	return WriteNotifier{w: w}
}

func (n WriteNotifier) Notify(_ context.Context, result RunResult) error {
	if n.w == nil {
		n.w = os.Stdout
	}
	enc := json.NewEncoder(n.w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
