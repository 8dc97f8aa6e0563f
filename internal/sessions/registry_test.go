package sessions

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nextlevelbuilder/chatbridge/internal/channels"
)

type fakeCreator struct {
	calls  int
	err    error
	agents []string
}

func (f *fakeCreator) CreateSession(_ context.Context, agentName string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.calls++
	f.agents = append(f.agents, agentName)
	return fmt.Sprintf("sess-%d", f.calls), nil
}

func testConfig(strategy channels.SessionStrategy) *channels.ChannelConfig {
	return &channels.ChannelConfig{ID: "cfg1", Platform: "slack", Strategy: strategy}
}

func testMessage(userID, threadID, externalID string) *channels.NormalizedMessage {
	return &channels.NormalizedMessage{
		ExternalID: externalID,
		ConfigID:   "cfg1",
		User:       channels.PlatformUser{ID: userID, Name: "u"},
		ThreadID:   threadID,
	}
}

func TestKey(t *testing.T) {
	tests := []struct {
		name     string
		strategy channels.SessionStrategy
		msg      *channels.NormalizedMessage
		want     string
	}{
		{"single", channels.StrategySingle, testMessage("U1", "", "m1"), "cfg1"},
		{"per-user", channels.StrategyPerUser, testMessage("U1", "", "m1"), "cfg1:user:U1"},
		{"per-thread", channels.StrategyPerThread, testMessage("U1", "T9", "m1"), "cfg1:thread:T9"},
		{"per-thread falls back to user", channels.StrategyPerThread, testMessage("U1", "", "m1"), "cfg1:thread:U1"},
		{"per-message", channels.StrategyPerMessage, testMessage("U1", "", "m1"), "cfg1:msg:m1"},
		{"unknown degrades to per-user", channels.SessionStrategy("bogus"), testMessage("U1", "", "m1"), "cfg1:user:U1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Key(tt.strategy, "cfg1", tt.msg); got != tt.want {
				t.Errorf("Key = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolve_ReusesWithinTTL(t *testing.T) {
	r := NewRegistry(time.Hour)
	creator := &fakeCreator{}
	cfg := testConfig(channels.StrategyPerThread)

	first, err := r.Resolve(context.Background(), cfg, testMessage("U1", "T1", "m1"), creator)
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Resolve(context.Background(), cfg, testMessage("U1", "T1", "m2"), creator)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("same thread resolved different sessions: %q vs %q", first, second)
	}
	if creator.calls != 1 {
		t.Errorf("CreateSession called %d times, want 1", creator.calls)
	}

	other, err := r.Resolve(context.Background(), cfg, testMessage("U1", "T2", "m3"), creator)
	if err != nil {
		t.Fatal(err)
	}
	if other == first {
		t.Error("different thread should get a distinct session")
	}
}

func TestResolve_ExpiredEntryRecreates(t *testing.T) {
	r := NewRegistry(time.Hour)
	clock := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return clock }

	creator := &fakeCreator{}
	cfg := testConfig(channels.StrategyPerUser)
	msg := testMessage("U1", "", "m1")

	first, _ := r.Resolve(context.Background(), cfg, msg, creator)
	clock = clock.Add(61 * time.Minute)
	second, _ := r.Resolve(context.Background(), cfg, msg, creator)

	if first == second {
		t.Error("idle-expired entry should be recreated")
	}
	if creator.calls != 2 {
		t.Errorf("CreateSession called %d times, want 2", creator.calls)
	}
}

func TestResolve_FailedCreateCachesNothing(t *testing.T) {
	r := NewRegistry(time.Hour)
	cfg := testConfig(channels.StrategyPerUser)
	msg := testMessage("U1", "", "m1")

	failing := &fakeCreator{err: errors.New("boom")}
	if _, err := r.Resolve(context.Background(), cfg, msg, failing); err == nil {
		t.Fatal("expected error")
	}
	if r.Len() != 0 {
		t.Fatal("failed create must not cache an entry")
	}

	working := &fakeCreator{}
	if _, err := r.Resolve(context.Background(), cfg, msg, working); err != nil {
		t.Fatal(err)
	}
	if working.calls != 1 {
		t.Error("recovery create should go upstream")
	}
}

func TestResolve_AgentNamePrecedence(t *testing.T) {
	r := NewRegistry(time.Hour)
	creator := &fakeCreator{}

	cfg := testConfig(channels.StrategyPerMessage)
	cfg.AgentName = "config-agent"

	msg := testMessage("U1", "", "m1")
	r.Resolve(context.Background(), cfg, msg, creator)

	override := testMessage("U1", "", "m2")
	override.Overrides = &channels.Overrides{AgentName: "override-agent"}
	r.Resolve(context.Background(), cfg, override, creator)

	if creator.agents[0] != "config-agent" || creator.agents[1] != "override-agent" {
		t.Errorf("agent names = %v", creator.agents)
	}
}

func TestInvalidate(t *testing.T) {
	r := NewRegistry(time.Hour)
	creator := &fakeCreator{}
	cfg := testConfig(channels.StrategyPerUser)
	msg := testMessage("U1", "", "m1")

	r.Resolve(context.Background(), cfg, msg, creator)
	r.Invalidate(cfg, msg)
	r.Resolve(context.Background(), cfg, msg, creator)

	if creator.calls != 2 {
		t.Errorf("CreateSession called %d times after invalidate, want 2", creator.calls)
	}
}

func TestActiveSessionID(t *testing.T) {
	r := NewRegistry(time.Hour)
	clock := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return clock }

	creator := &fakeCreator{}
	cfg := testConfig(channels.StrategyPerUser)

	r.Resolve(context.Background(), cfg, testMessage("U1", "", "m1"), creator)
	clock = clock.Add(time.Minute)
	r.Resolve(context.Background(), cfg, testMessage("U2", "", "m2"), creator)

	if got := r.ActiveSessionID("cfg1", "U1"); got != "sess-1" {
		t.Errorf("ActiveSessionID(U1) = %q, want sess-1", got)
	}
	if got := r.ActiveSessionID("cfg1", "U2"); got != "sess-2" {
		t.Errorf("ActiveSessionID(U2) = %q, want sess-2", got)
	}
	if got := r.ActiveSessionID("cfg1", "U3"); got != "" {
		t.Errorf("ActiveSessionID(U3) = %q, want empty", got)
	}
}

func TestCleanup(t *testing.T) {
	r := NewRegistry(time.Hour)
	clock := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return clock }

	creator := &fakeCreator{}
	cfg := testConfig(channels.StrategyPerUser)
	r.Resolve(context.Background(), cfg, testMessage("U1", "", "m1"), creator)

	clock = clock.Add(2*time.Hour + time.Minute)
	r.Resolve(context.Background(), cfg, testMessage("U2", "", "m2"), creator)
	r.Cleanup()

	if r.Len() != 1 {
		t.Errorf("Len = %d after cleanup, want 1", r.Len())
	}
	if got := r.ActiveSessionID("cfg1", "U1"); got != "" {
		t.Error("stale U1 session should be swept")
	}
}
