package review

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type answer struct {
	flag    string
	approve bool
	reason  string
}

type fakeGateway struct {
	mu       sync.Mutex
	level    int
	levelErr error
	answers  []answer
}

func (g *fakeGateway) SetGroupAddRequest(_ context.Context, flag string, approve bool, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.answers = append(g.answers, answer{flag, approve, reason})
	return nil
}

func (g *fakeGateway) UserLevel(context.Context, string) (int, error) {
	return g.level, g.levelErr
}

func (g *fakeGateway) snapshot() []answer {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]answer(nil), g.answers...)
}

func TestMatchKeyword(t *testing.T) {
	tests := []struct {
		comment, keyword string
		want             bool
	}{
		{"I came from GitHub", "github", true},
		{"hello", "github", false},
		{"anything", "", false},
		{"答案是2", "2", true},
		{"x=2", "2", true},
		{"1+1=2", "2", true},
		{"2x+3=7 我不会", "2", false},
		{"just 2", "2", false},
		{"我的答案：42", "42", true},
		{"结果 -3", "-3", true},
	}
	for _, tt := range tests {
		t.Run(tt.comment+"/"+tt.keyword, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchKeyword(tt.comment, tt.keyword))
		})
	}
}

func TestDecide_Order(t *testing.T) {
	policy := Policy{
		AcceptKeywords:    []string{"github"},
		RejectKeywords:    []string{"spam"},
		RejectReason:      "no",
		LevelRestriction:  10,
		LevelRejectReason: "level too low",
	}
	ctx := context.Background()

	gw := &fakeGateway{level: 5}
	d := NewReviewer(policy, gw).Decide(ctx, Request{Comment: "github"})
	assert.Equal(t, ActionReject, d.Action)
	assert.Equal(t, "level", d.Rule)
	assert.Equal(t, "level too low", d.Reason)

	gw = &fakeGateway{level: 20}
	r := NewReviewer(policy, gw)
	d = r.Decide(ctx, Request{Comment: "github spam"})
	assert.Equal(t, ActionReject, d.Action)
	assert.Equal(t, "reject_keyword", d.Rule)
	assert.Equal(t, "spam", d.Keyword)

	d = r.Decide(ctx, Request{Comment: "from GitHub"})
	assert.Equal(t, ActionApprove, d.Action)
	assert.Equal(t, "accept_keyword", d.Rule)

	d = r.Decide(ctx, Request{Comment: "hi"})
	assert.Equal(t, ActionManual, d.Action)

	policy.AutoReject = true
	d = NewReviewer(policy, gw).Decide(ctx, Request{Comment: "hi"})
	assert.Equal(t, ActionReject, d.Action)
	assert.Equal(t, "auto_reject", d.Rule)
}

func TestDecide_LevelLookupFailureCountsAsZero(t *testing.T) {
	gw := &fakeGateway{levelErr: errors.New("boom"), level: 99}
	d := NewReviewer(Policy{LevelRestriction: 1}, gw).Decide(context.Background(), Request{})
	assert.Equal(t, ActionReject, d.Action)
	assert.Equal(t, "level", d.Rule)
}

func TestDecide_Modes(t *testing.T) {
	gw := &fakeGateway{}
	assert.Equal(t, ActionApprove, NewReviewer(Policy{Mode: ModeAcceptAll}, gw).Decide(context.Background(), Request{}).Action)
	d := NewReviewer(Policy{Mode: ModeRejectAll, RejectReason: "closed"}, gw).Decide(context.Background(), Request{})
	assert.Equal(t, ActionReject, d.Action)
	assert.Equal(t, "closed", d.Reason)
}

func TestReview_AppliesAfterDelay(t *testing.T) {
	clock := clockwork.NewFakeClock()
	gw := &fakeGateway{}
	r := NewReviewer(Policy{AcceptKeywords: []string{"ok"}, Delay: 10 * time.Second}, gw, WithClock(clock))
	defer r.Close()

	d := r.Review(context.Background(), Request{Flag: "f1", Comment: "ok"})
	require.Equal(t, ActionApprove, d.Action)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Empty(t, gw.snapshot())

	clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return len(gw.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, answer{flag: "f1", approve: true}, gw.snapshot()[0])
}

func TestReview_ManualDoesNothing(t *testing.T) {
	gw := &fakeGateway{}
	r := NewReviewer(Policy{}, gw)
	d := r.Review(context.Background(), Request{Flag: "f1", Comment: "hello"})
	r.Close()
	assert.Equal(t, ActionManual, d.Action)
	assert.Empty(t, gw.snapshot())
}

func TestClose_CancelsDelayedDecisions(t *testing.T) {
	clock := clockwork.NewFakeClock()
	gw := &fakeGateway{}
	r := NewReviewer(Policy{Mode: ModeRejectAll, Delay: time.Minute}, gw, WithClock(clock))

	r.Review(context.Background(), Request{Flag: "f1"})
	r.Close()
	clock.Advance(time.Minute)
	assert.Empty(t, gw.snapshot())
}
