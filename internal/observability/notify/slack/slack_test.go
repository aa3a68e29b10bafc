package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/target/mmk-jobqueue/internal/observability/notify"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error when webhook url missing")
	}
}

func TestFormatMessageIncludesFields(t *testing.T) {
	client, err := NewClient(Config{
		WebhookURL: "https://hooks.slack.com/services/test",
		Channel:    "#alerts",
		Username:   "bot",
		Timeout:    time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	exitCode := 3
	msg := client.formatMessage(notify.JobFailurePayload{
		JobID:    "123",
		Command:  "app:import",
		Args:     []string{"--feed", "daily"},
		Queue:    "imports",
		State:    "failed",
		ExitCode: &exitCode,
		Attempts: 4,
		Error:    "boom <html>",
		Metadata: map[string]string{"worker": "w-1"},
	})

	if msg["username"] != "bot" {
		t.Fatalf("expected username to be preserved, got %v", msg["username"])
	}
	if msg["channel"] != "#alerts" {
		t.Fatalf("expected channel to be set, got %v", msg["channel"])
	}

	text, ok := msg["text"].(string)
	if !ok {
		t.Fatalf("expected text field")
	}
	want := []string{
		"*Job failed*", "`123`", "app:import", "--feed daily", "imports",
		"Exit code: 3", "Attempts: 4", "boom &lt;html&gt;", "worker: w-1",
	}
	for _, part := range want {
		if !strings.Contains(text, part) {
			t.Fatalf("message text missing %q: %s", part, text)
		}
	}
}

func TestFormatMessageSkipsEmptyFields(t *testing.T) {
	client, err := NewClient(Config{WebhookURL: "https://hooks.slack.com/services/test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := client.formatMessage(notify.JobFailurePayload{JobID: "1", State: "terminated"})
	text, _ := msg["text"].(string)
	if strings.Contains(text, "Exit code") || strings.Contains(text, "Error:") {
		t.Fatalf("expected empty fields to be omitted: %s", text)
	}
	if !strings.Contains(text, "*Job terminated*") {
		t.Fatalf("expected state in header: %s", text)
	}
	if _, ok := msg["channel"]; ok {
		t.Fatalf("expected no channel when unset")
	}
	if msg["username"] != "jobqueue" {
		t.Fatalf("expected default username, got %v", msg["username"])
	}
}

func TestSendJobFailurePostsToWebhook(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewClient(Config{WebhookURL: srv.URL, Client: srv.Client()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := client.SendJobFailure(context.Background(), notify.JobFailurePayload{JobID: "42", Command: "mail"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	text, _ := got["text"].(string)
	if !strings.Contains(text, "42") {
		t.Fatalf("expected job id in posted text: %v", got)
	}
}
