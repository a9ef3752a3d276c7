// Package notify posts pipeline notifications to Slack. A nil *Notifier is
// a valid no-op, so callers never need to branch on whether notifications
// are configured.
package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	slackapi "github.com/slack-go/slack"
)

// maxRetries is the max number of retries for rate-limited API calls.
const maxRetries = 3

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Notifier posts messages to a fixed channel.
type Notifier struct {
	client  slackClient
	channel string
}

// New returns a Notifier, or nil when token and channel are empty.
func New(token, channel string) (*Notifier, error) {
	if token == "" && channel == "" {
		return nil, nil
	}
	if token == "" || channel == "" {
		return nil, fmt.Errorf("notify: slack token and channel must both be set")
	}
	return &Notifier{client: slackapi.New(token), channel: channel}, nil
}

// Post sends a message with an attachment colored by severity ("good",
// "warning", "danger"). Safe on a nil receiver.
func (n *Notifier) Post(ctx context.Context, title, body, color string) error {
	if n == nil {
		return nil
	}

	att := slackapi.Attachment{
		Title:    title,
		Text:     body,
		Color:    color,
		Fallback: title,
	}

	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := n.client.PostMessage(n.channel,
			slackapi.MsgOptionAttachments(att))
		return postErr
	})
	if err != nil {
		return fmt.Errorf("notify: post message: %w", err)
	}
	return nil
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit
// errors, respecting context cancellation.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}
