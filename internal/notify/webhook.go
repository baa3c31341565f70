package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"briefmatch/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookNotifier POSTs notifications as JSON to configured endpoints.
type WebhookNotifier struct {
	hooks  []config.WebhookConfig
	client *http.Client
}

func NewWebhookNotifier(hooks []config.WebhookConfig) *WebhookNotifier {
	return &WebhookNotifier{
		hooks:  hooks,
		client: &http.Client{Timeout: defaultWebhookTimeout},
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	var errs []string
	for _, hook := range w.hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if !NewTypeFilter(hook.Events).Match(n.Type) {
			continue
		}
		if err := w.post(ctx, hook, n); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", hook.URL, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("webhook delivery failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (w *WebhookNotifier) post(ctx context.Context, hook config.WebhookConfig, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	client := w.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Briefmatch-Notification", n.Type)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Briefmatch-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// TypeFilter matches notification or event types against an allow list.
// An empty list matches everything.
type TypeFilter struct {
	all bool
	set map[string]struct{}
}

func NewTypeFilter(types []string) TypeFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if key := strings.TrimSpace(t); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return TypeFilter{all: true}
	}
	return TypeFilter{set: set}
}

func (f TypeFilter) Match(t string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[t]
	return ok
}
