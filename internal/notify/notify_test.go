package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"briefmatch/internal/config"
)

type recordingNotifier struct {
	mu  sync.Mutex
	got []Notification
	err error
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return r.err
}

func TestMultiDeliversToAllAndJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{}
	failing := &recordingNotifier{err: errors.New("boom")}
	m := Multi{failing, nil, ok}

	err := m.Notify(context.Background(), Notification{Type: TypeInvitationReceived, UserID: "cand-1"})
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected joined error boom, got %v", err)
	}
	if len(ok.got) != 1 || len(failing.got) != 1 {
		t.Fatalf("expected every notifier to be called, got %d and %d", len(ok.got), len(failing.got))
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var (
		mu       sync.Mutex
		received []Notification
		headers  []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var n Notification
		if err := json.Unmarshal(body, &n); err != nil {
			t.Errorf("decode body: %v", err)
		}
		mu.Lock()
		received = append(received, n)
		headers = append(headers, r.Header.Get("X-Briefmatch-Notification"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	disabled := false
	w := NewWebhookNotifier([]config.WebhookConfig{
		{URL: srv.URL, Events: []string{TypeBriefNeedsReview}},
		{URL: srv.URL + "/off", Enabled: &disabled},
	})
	ctx := context.Background()
	if err := w.Notify(ctx, Notification{Type: TypeInvitationReceived, UserID: "cand-1"}); err != nil {
		t.Fatalf("filtered notify: %v", err)
	}
	if err := w.Notify(ctx, Notification{Type: TypeBriefNeedsReview, UserID: "client-1", BriefID: "b-1"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(received))
	}
	if received[0].BriefID != "b-1" || headers[0] != TypeBriefNeedsReview {
		t.Fatalf("unexpected delivery: %+v header=%s", received[0], headers[0])
	}
}

func TestWebhookNotifierReportsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	w := NewWebhookNotifier([]config.WebhookConfig{{URL: srv.URL}})
	if err := w.Notify(context.Background(), Notification{Type: TypeBriefAllocated}); err == nil {
		t.Fatal("expected delivery error")
	}
}

func TestLogNotifier(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	n := LogNotifier{Log: zap.New(core)}
	if err := n.Notify(context.Background(), Notification{Type: TypeInvitationAccepted, UserID: "client-1", RelatedID: "inv-1"}); err != nil {
		t.Fatal(err)
	}
	entries := observed.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].ContextMap()["related_id"] != "inv-1" {
		t.Fatalf("unexpected fields: %v", entries[0].ContextMap())
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	n, closeFn, err := FromConfig(context.Background(), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()
	if _, ok := n.(Multi); !ok {
		t.Fatalf("expected Multi with log notifier, got %T", n)
	}

	cfg.Notifications.Log = false
	n, _, err = FromConfig(context.Background(), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := n.(Nop); !ok {
		t.Fatalf("expected Nop, got %T", n)
	}
}

func TestRedisNotifierNotInitialized(t *testing.T) {
	var r *RedisNotifier
	if err := r.Notify(context.Background(), Notification{}); err == nil {
		t.Fatal("expected error from nil notifier")
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close nil notifier: %v", err)
	}
}
