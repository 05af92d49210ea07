package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// webhookHandler wraps another slog.Handler and also ships each record to an
// HTTP endpoint as a JSON object. Shipping happens on a goroutine so a slow
// collector never delays a request.
//
// The slog.Handler interface needs four methods: Enabled, Handle, WithAttrs
// and WithGroup. WithAttrs/WithGroup return copies that remember the extra
// attributes so the shipped entry matches what stdout shows.
type webhookHandler struct {
	underlying slog.Handler
	webhookURL string
	token      string
	client     *http.Client

	attrs  []slog.Attr // accumulated via logger.With(...)
	groups []string    // accumulated via logger.WithGroup(...)
}

// newWebhookHandler returns underlying unchanged when webhookURL is empty
func newWebhookHandler(underlying slog.Handler, webhookURL, token string) slog.Handler {
	if webhookURL == "" {
		return underlying
	}
	return &webhookHandler{
		underlying: underlying,
		webhookURL: webhookURL,
		token:      token,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

// newLogger builds the process logger: JSON to out at the configured level,
// plus the webhook when LOG_WEBHOOK_URL is set.
func newLogger(cfg Config, out io.Writer) *slog.Logger {
	base := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: cfg.LogLevel})
	return slog.New(newWebhookHandler(base, cfg.LogWebhookURL, cfg.LogWebhookToken))
}

func (w *webhookHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return w.underlying.Enabled(ctx, level)
}

func (w *webhookHandler) Handle(ctx context.Context, record slog.Record) error {
	if err := w.underlying.Handle(ctx, record); err != nil {
		return err
	}

	// Build the entry now: the record must not be retained after Handle returns
	entry := w.buildLogEntry(record)
	go w.postToWebhook(entry)
	return nil
}

func (w *webhookHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := w.clone()
	clone.underlying = w.underlying.WithAttrs(attrs)
	for _, a := range attrs {
		clone.attrs = append(clone.attrs, w.qualify(a))
	}
	return clone
}

func (w *webhookHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return w
	}
	clone := w.clone()
	clone.underlying = w.underlying.WithGroup(name)
	clone.groups = append(clone.groups, name)
	return clone
}

func (w *webhookHandler) clone() *webhookHandler {
	c := *w
	c.attrs = append([]slog.Attr(nil), w.attrs...)
	c.groups = append([]string(nil), w.groups...)
	return &c
}

// qualify prefixes an attribute key with the open groups: "request.method"
func (w *webhookHandler) qualify(a slog.Attr) slog.Attr {
	for i := len(w.groups) - 1; i >= 0; i-- {
		a.Key = w.groups[i] + "." + a.Key
	}
	return a
}

// buildLogEntry flattens a record into a JSON-ready map:
//
//	{"time": "...", "level": "INFO", "msg": "request", "status": 200, ...}
func (w *webhookHandler) buildLogEntry(record slog.Record) map[string]any {
	entry := map[string]any{
		"time":  record.Time.UTC().Format(time.RFC3339Nano),
		"level": record.Level.String(),
		"msg":   record.Message,
	}
	for _, a := range w.attrs {
		addAttr(entry, a)
	}
	record.Attrs(func(a slog.Attr) bool {
		addAttr(entry, w.qualify(a))
		return true
	})
	return entry
}

// addAttr resolves LogValuers and flattens nested groups into dotted keys
func addAttr(entry map[string]any, a slog.Attr) {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindGroup:
		for _, child := range v.Group() {
			child.Key = a.Key + "." + child.Key
			addAttr(entry, child)
		}
	case slog.KindAny:
		// errors marshal to {} otherwise
		if err, ok := v.Any().(error); ok {
			entry[a.Key] = err.Error()
			return
		}
		entry[a.Key] = v.Any()
	default:
		entry[a.Key] = v.Any()
	}
}

// postToWebhook sends one entry. Failures go to stderr; logging them through
// slog would feed straight back into this handler.
func (w *webhookHandler) postToWebhook(entry map[string]any) {
	body, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintln(os.Stderr, "webhook: failed to marshal log entry:", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, w.webhookURL, bytes.NewReader(body))
	if err != nil {
		fmt.Fprintln(os.Stderr, "webhook: failed to create request:", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "webhook: failed to send:", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		fmt.Fprintln(os.Stderr, "webhook: unexpected status:", resp.StatusCode)
	}
}
