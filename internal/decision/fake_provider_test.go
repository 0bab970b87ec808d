package decision

import (
	"context"
	"sync/atomic"
	"time"

	"optguard/internal/gateway/provider"
)

type fakeProvider struct {
	id      string
	reply   string
	err     error
	delay   time.Duration
	enabled bool
	calls   atomic.Int32
	panics  bool
}

func newFake(id, reply string, delay time.Duration) *fakeProvider {
	return &fakeProvider{id: id, reply: reply, delay: delay, enabled: true}
}

func (f *fakeProvider) ID() string    { return f.id }
func (f *fakeProvider) Enabled() bool { return f.enabled }

func (f *fakeProvider) Call(ctx context.Context, _ provider.ChatPayload) (string, error) {
	f.calls.Add(1)
	if f.panics {
		panic("boom")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func fp(f float64) *float64 { return &f }

func vote(id string, a Action, conf float64) ModelOutput {
	return ModelOutput{ProviderID: id, Vote: Vote{ProviderID: id, Action: a, Confidence: fp(conf), Reason: "r-" + id}}
}
