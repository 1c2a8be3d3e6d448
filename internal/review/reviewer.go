// Package review screens join requests before the applicant ever reaches
// the group.
package review

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Mode selects how requests are screened.
type Mode string

const (
	// ModeKeywords applies the level gate and the keyword lists.
	ModeKeywords Mode = "keywords"
	// ModeAcceptAll approves every request.
	ModeAcceptAll Mode = "accept_all"
	// ModeRejectAll rejects every request.
	ModeRejectAll Mode = "reject_all"
)

// Policy configures a Reviewer.
type Policy struct {
	Mode              Mode
	AcceptKeywords    []string
	RejectKeywords    []string
	RejectReason      string
	AutoReject        bool
	Delay             time.Duration
	LevelRestriction  int
	LevelRejectReason string
}

// Request is a pending application to join a group.
type Request struct {
	GroupID string
	UserID  string
	Comment string
	// Flag identifies the request when answering it.
	Flag string
}

// Action is the outcome of a review.
type Action int

const (
	// ActionManual leaves the request for a human admin.
	ActionManual Action = iota
	ActionApprove
	ActionReject
)

func (a Action) String() string {
	switch a {
	case ActionApprove:
		return "approve"
	case ActionReject:
		return "reject"
	default:
		return "manual"
	}
}

// Decision is what the reviewer concluded and why.
type Decision struct {
	Action Action
	Reason string
	// Rule names what decided: mode, level, reject_keyword, accept_keyword,
	// auto_reject or none.
	Rule    string
	Keyword string
}

// Gateway answers join requests and looks up applicant levels.
type Gateway interface {
	SetGroupAddRequest(ctx context.Context, flag string, approve bool, reason string) error
	UserLevel(ctx context.Context, userID string) (int, error)
}

// Reviewer decides join requests and applies the decisions after the
// configured delay.
type Reviewer struct {
	policy  Policy
	gateway Gateway
	clock   clockwork.Clock
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes a Reviewer.
type Option func(*Reviewer)

func WithClock(c clockwork.Clock) Option {
	return func(r *Reviewer) { r.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Reviewer) { r.logger = l }
}

func NewReviewer(policy Policy, gw Gateway, opts ...Option) *Reviewer {
	if policy.Mode == "" {
		policy.Mode = ModeKeywords
	}
	r := &Reviewer{policy: policy, gateway: gw}
	for _, opt := range opts {
		opt(r)
	}
	if r.clock == nil {
		r.clock = clockwork.NewRealClock()
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	r.logger = r.logger.Named("review")
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

// Decide evaluates req: level gate, then reject keywords, then accept
// keywords, then the default.
func (r *Reviewer) Decide(ctx context.Context, req Request) Decision {
	switch r.policy.Mode {
	case ModeAcceptAll:
		return Decision{Action: ActionApprove, Rule: "mode"}
	case ModeRejectAll:
		return Decision{Action: ActionReject, Reason: r.policy.RejectReason, Rule: "mode"}
	}

	if r.policy.LevelRestriction > 0 {
		level, err := r.gateway.UserLevel(ctx, req.UserID)
		if err != nil {
			r.logger.Warn("level lookup failed, treating as level 0",
				zap.String("user_id", req.UserID), zap.Error(err))
			level = 0
		}
		if level < r.policy.LevelRestriction {
			return Decision{Action: ActionReject, Reason: r.policy.LevelRejectReason, Rule: "level"}
		}
	}

	for _, kw := range r.policy.RejectKeywords {
		if MatchKeyword(req.Comment, kw) {
			return Decision{Action: ActionReject, Reason: r.policy.RejectReason, Rule: "reject_keyword", Keyword: kw}
		}
	}
	for _, kw := range r.policy.AcceptKeywords {
		if MatchKeyword(req.Comment, kw) {
			return Decision{Action: ActionApprove, Rule: "accept_keyword", Keyword: kw}
		}
	}

	if r.policy.AutoReject {
		return Decision{Action: ActionReject, Reason: r.policy.RejectReason, Rule: "auto_reject"}
	}
	return Decision{Action: ActionManual, Rule: "none"}
}

// Review decides req and, unless it is left for manual review, answers it
// in the background once the configured delay has passed.
func (r *Reviewer) Review(ctx context.Context, req Request) Decision {
	d := r.Decide(ctx, req)
	log := r.logger.With(
		zap.String("user_id", req.UserID),
		zap.String("group_id", req.GroupID),
		zap.String("rule", d.Rule),
		zap.String("action", d.Action.String()))
	if d.Keyword != "" {
		log = log.With(zap.String("keyword", d.Keyword))
	}

	if d.Action == ActionManual {
		log.Info("join request left for manual review", zap.String("comment", req.Comment))
		return d
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if !r.wait(r.policy.Delay) {
			log.Debug("delayed join decision cancelled")
			return
		}
		r.Apply(r.ctx, req.Flag, d, log)
	}()
	return d
}

// Reject answers a request negatively right away.
func (r *Reviewer) Reject(ctx context.Context, req Request, reason string) error {
	return r.gateway.SetGroupAddRequest(ctx, req.Flag, false, reason)
}

// Apply sends decision d for the request identified by flag.
func (r *Reviewer) Apply(ctx context.Context, flag string, d Decision, log *zap.Logger) {
	if log == nil {
		log = r.logger
	}
	approve := d.Action == ActionApprove
	if err := r.gateway.SetGroupAddRequest(ctx, flag, approve, d.Reason); err != nil {
		log.Error("answering join request failed", zap.Error(err))
		return
	}
	log.Info("join request answered")
}

// Close cancels delayed decisions that have not fired and waits for the
// rest.
func (r *Reviewer) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Reviewer) wait(d time.Duration) bool {
	if d <= 0 {
		return r.ctx.Err() == nil
	}
	t := r.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-r.ctx.Done():
		return false
	case <-t.Chan():
		return true
	}
}
