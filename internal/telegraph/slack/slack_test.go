package slack

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/guidepost/internal/telegraph"
)

// --- Mock Slack client ---

type mockSlackClient struct {
	mu          sync.Mutex
	posted      []postedMessage
	postErr     error
	rateLimited int
	calls       int
}

type postedMessage struct {
	channelID string
	options   []slackapi.MsgOption
}

func newMockSlackClient() *mockSlackClient {
	return &mockSlackClient{}
}

func (m *mockSlackClient) PostMessageContext(_ context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.rateLimited > 0 {
		m.rateLimited--
		return "", "", &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
	}
	if m.postErr != nil {
		return "", "", m.postErr
	}
	m.posted = append(m.posted, postedMessage{channelID: channelID, options: options})
	return channelID, "1234567890.123456", nil
}

func (m *mockSlackClient) postedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.posted)
}

func (m *mockSlackClient) lastPosted() postedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.posted) == 0 {
		return postedMessage{}
	}
	return m.posted[len(m.posted)-1]
}

func newTestAdapter(t *testing.T) (*Adapter, *mockSlackClient) {
	t.Helper()
	client := newMockSlackClient()
	a, err := New(AdapterOpts{Client: client, ChannelID: "C_DEFAULT"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, client
}

// --- New tests ---

func TestNew_RequiresBotToken(t *testing.T) {
	_, err := New(AdapterOpts{ChannelID: "C1"})
	if err == nil || !strings.Contains(err.Error(), "bot token is required") {
		t.Fatalf("err = %v, want bot token error", err)
	}
}

func TestNew_RequiresChannel(t *testing.T) {
	_, err := New(AdapterOpts{BotToken: "xoxb-test"})
	if err == nil || !strings.Contains(err.Error(), "channel is required") {
		t.Fatalf("err = %v, want channel error", err)
	}
}

func TestNew_RealClient(t *testing.T) {
	a, err := New(AdapterOpts{BotToken: "xoxb-test", ChannelID: "C1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.client == nil {
		t.Fatal("expected real slack client")
	}
	if a.Platform() != "slack" {
		t.Errorf("platform = %q, want slack", a.Platform())
	}
}

// --- Send tests ---

func TestSend_ExplicitChannel(t *testing.T) {
	a, client := newTestAdapter(t)

	err := a.Send(context.Background(), telegraph.OutboundMessage{
		ChannelID: "C1",
		Text:      "hello world",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.postedCount() != 1 {
		t.Fatalf("expected 1 posted message, got %d", client.postedCount())
	}
	if last := client.lastPosted(); last.channelID != "C1" {
		t.Errorf("channel = %q, want C1", last.channelID)
	}
}

func TestSend_DefaultChannel(t *testing.T) {
	a, client := newTestAdapter(t)

	if err := a.Send(context.Background(), telegraph.OutboundMessage{Text: "hello default"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if last := client.lastPosted(); last.channelID != "C_DEFAULT" {
		t.Errorf("channel = %q, want C_DEFAULT", last.channelID)
	}
}

func TestSend_WithEvents(t *testing.T) {
	a, client := newTestAdapter(t)

	err := a.Send(context.Background(), telegraph.OutboundMessage{
		Text: "Ana is waiting for an operator",
		Events: []telegraph.FormattedEvent{
			{
				Title:    "Ana is waiting for an operator",
				Body:     "> Is the café open?",
				Color:    telegraph.ColorWarning,
				Severity: "warning",
				Fields:   []telegraph.Field{{Name: "Guide", Value: "museum", Short: true}},
			},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if last := client.lastPosted(); len(last.options) != 2 {
		t.Errorf("options = %d, want attachments + text", len(last.options))
	}
}

func TestSend_PostError(t *testing.T) {
	a, client := newTestAdapter(t)
	client.postErr = fmt.Errorf("channel_not_found")

	err := a.Send(context.Background(), telegraph.OutboundMessage{Text: "hello"})
	if err == nil || !strings.Contains(err.Error(), "slack: post message") {
		t.Fatalf("err = %v, want wrapped post error", err)
	}
}

func TestSend_AfterClose(t *testing.T) {
	a, client := newTestAdapter(t)
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Send(context.Background(), telegraph.OutboundMessage{Text: "late"}); err == nil {
		t.Fatal("expected error after close")
	}
	if client.postedCount() != 0 {
		t.Errorf("posted %d messages after close", client.postedCount())
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close should not error: %v", err)
	}
}

func TestSend_RetriesOnRateLimit(t *testing.T) {
	a, client := newTestAdapter(t)
	client.rateLimited = 2

	if err := a.Send(context.Background(), telegraph.OutboundMessage{Text: "hello"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.calls != 3 {
		t.Errorf("expected 3 calls (2 failures + 1 success), got %d", client.calls)
	}
}

// --- buildMessageOptions tests ---

func TestBuildMessageOptions_TextOnly(t *testing.T) {
	opts := buildMessageOptions(telegraph.OutboundMessage{Text: "hello"})
	if len(opts) != 1 {
		t.Errorf("expected 1 option, got %d", len(opts))
	}
}

func TestBuildMessageOptions_EventsWithoutText(t *testing.T) {
	opts := buildMessageOptions(telegraph.OutboundMessage{
		Events: []telegraph.FormattedEvent{{Title: "Test"}},
	})
	if len(opts) != 1 {
		t.Errorf("expected attachments only, got %d options", len(opts))
	}
}

// --- eventToAttachment tests ---

func TestEventToAttachment(t *testing.T) {
	evt := telegraph.FormattedEvent{
		Title:    "Conversation with Ana closed",
		Body:     "12 messages",
		Color:    "#36a64f",
		Severity: "success",
		Fields: []telegraph.Field{
			{Name: "Guide", Value: "museum", Short: true},
			{Name: "Conversation", Value: "c-1"},
		},
	}

	att := eventToAttachment(evt)
	if att.Title != "Conversation with Ana closed" || att.Fallback != att.Title {
		t.Errorf("title/fallback = %q/%q", att.Title, att.Fallback)
	}
	if att.Text != "12 messages" {
		t.Errorf("text = %q", att.Text)
	}
	if att.Color != "#36a64f" {
		t.Errorf("color = %q", att.Color)
	}
	if len(att.Fields) != 2 {
		t.Fatalf("fields count = %d, want 2", len(att.Fields))
	}
	if att.Fields[0].Title != "Guide" || !att.Fields[0].Short {
		t.Errorf("field[0] = %+v", att.Fields[0])
	}
	if att.Fields[1].Short {
		t.Error("field[1] should not be short")
	}
}

// --- retryOnRateLimit tests ---

func TestRetryOnRateLimit_NonRateLimitError(t *testing.T) {
	calls := 0
	err := retryOnRateLimit(context.Background(), func() error {
		calls++
		return fmt.Errorf("some other error")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("should not retry non-rate-limit errors, calls = %d", calls)
	}
}

func TestRetryOnRateLimit_ExhaustsRetries(t *testing.T) {
	calls := 0
	err := retryOnRateLimit(context.Background(), func() error {
		calls++
		return &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != maxRetries+1 {
		t.Errorf("expected %d calls, got %d", maxRetries+1, calls)
	}
}

func TestRetryOnRateLimit_RespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := retryOnRateLimit(ctx, func() error {
		calls++
		return &slackapi.RateLimitedError{RetryAfter: time.Second}
	})
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call before context cancel, got %d", calls)
	}
}
