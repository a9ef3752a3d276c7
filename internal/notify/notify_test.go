package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
)

type fakeClient struct {
	channels []string
	errs     []error
}

func (f *fakeClient) PostMessage(channelID string, _ ...slackapi.MsgOption) (string, string, error) {
	f.channels = append(f.channels, channelID)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return "", "", err
	}
	return "", "", nil
}

func TestNewDisabled(t *testing.T) {
	n, err := New("", "")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if n != nil {
		t.Fatal("expected nil notifier when unconfigured")
	}
	// nil receiver must be a no-op, not a panic.
	if err := n.Post(context.Background(), "t", "b", "good"); err != nil {
		t.Errorf("nil post: %v", err)
	}
}

func TestNewPartialConfigFails(t *testing.T) {
	if _, err := New("xoxb-token", ""); err == nil {
		t.Error("expected error with token but no channel")
	}
	if _, err := New("", "#gps-sync"); err == nil {
		t.Error("expected error with channel but no token")
	}
}

func TestPost(t *testing.T) {
	client := &fakeClient{}
	n := &Notifier{client: client, channel: "C123"}

	if err := n.Post(context.Background(), "Slow sync completed", "500 vehicles", "good"); err != nil {
		t.Fatalf("post: %v", err)
	}
	if len(client.channels) != 1 || client.channels[0] != "C123" {
		t.Errorf("posted to %v, want [C123]", client.channels)
	}
}

func TestPostRetriesRateLimit(t *testing.T) {
	client := &fakeClient{errs: []error{
		&slackapi.RateLimitedError{RetryAfter: time.Millisecond},
	}}
	n := &Notifier{client: client, channel: "C123"}

	if err := n.Post(context.Background(), "t", "b", "warning"); err != nil {
		t.Fatalf("post: %v", err)
	}
	if len(client.channels) != 2 {
		t.Errorf("attempts = %d, want 2", len(client.channels))
	}
}

func TestPostGivesUpOnOtherErrors(t *testing.T) {
	client := &fakeClient{errs: []error{errors.New("channel_not_found")}}
	n := &Notifier{client: client, channel: "C123"}

	if err := n.Post(context.Background(), "t", "b", "danger"); err == nil {
		t.Fatal("expected error")
	}
	if len(client.channels) != 1 {
		t.Errorf("attempts = %d, want 1 (no retry)", len(client.channels))
	}
}
