package notifier

import (
	"context"
	"errors"
	"testing"
)

type recordingChannel struct {
	events []string
}

func (c *recordingChannel) Send(ctx context.Context, eventType string, payload map[string]interface{}) error {
	c.events = append(c.events, eventType)
	return nil
}

type failingChannel struct{}

func (failingChannel) Send(ctx context.Context, eventType string, payload map[string]interface{}) error {
	return errors.New("delivery failed")
}

func TestNotifyFansOutToAllChannels(t *testing.T) {
	a, b := &recordingChannel{}, &recordingChannel{}
	n := New(a, b)

	if err := n.Notify(context.Background(), "credential_disabled", nil); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("expected both channels to receive the event, got %v %v", a.events, b.events)
	}
}

func TestNotifyOneFailingChannelDoesNotBlockOthers(t *testing.T) {
	ok := &recordingChannel{}
	n := New(failingChannel{}, ok)

	if err := n.Notify(context.Background(), "quota_exceeded", nil); err != nil {
		t.Fatalf("Notify should not propagate a channel error: %v", err)
	}
	if len(ok.events) != 1 {
		t.Errorf("expected the healthy channel to still receive the event, got %v", ok.events)
	}
}

func TestRegisterAddsChannelAtRuntime(t *testing.T) {
	n := New()
	rec := &recordingChannel{}
	n.Register(rec)

	if err := n.Notify(context.Background(), "rate_limit_exceeded", nil); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(rec.events) != 1 {
		t.Errorf("expected registered channel to receive the event, got %v", rec.events)
	}
}

func TestNewWithNoChannelsDefaultsToLogChannel(t *testing.T) {
	n := New()
	if len(n.channels) != 1 {
		t.Fatalf("expected exactly one default channel, got %d", len(n.channels))
	}
	if _, ok := n.channels[0].(LogChannel); !ok {
		t.Errorf("expected default channel to be LogChannel, got %T", n.channels[0])
	}
}
