package guard

import (
	"context"

	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-guard/internal/review"
	"github.com/celerix-dev/celerix-guard/pkg/engine"
)

// BanPolicy configures how blacklisted users are treated.
type BanPolicy struct {
	Enabled          bool
	IgnoreMessages   bool
	RejectInvitation bool
	RejectReason     string
}

// Dispatcher routes normalized events to the ban check, the join reviewer
// and the verification manager, in that order.
type Dispatcher struct {
	Manager   *Manager
	Reviewer  *review.Reviewer // nil disables join review
	Bans      engine.BanReader // nil disables the blacklist
	BanPolicy BanPolicy
	Logger    *zap.Logger
}

// Dispatch handles ev and reports whether it was fully handled, meaning
// later handlers in the same dispatch must not see it.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) bool {
	log := d.logger()

	switch ev.Kind {
	case KindJoinRequest:
		return d.joinRequest(ctx, ev, log)

	case KindMemberJoined:
		d.Manager.OnMemberJoined(ctx, ev.GroupID, ev.UserID)
		return false

	case KindMemberLeft:
		d.Manager.OnMemberLeft(ctx, ev.GroupID, ev.UserID)
		return false

	case KindGroupMessage:
		if d.BanPolicy.Enabled && d.BanPolicy.IgnoreMessages && d.banned(ev.UserID, log) {
			log.Debug("ignoring message from banned user", zap.String("user_id", ev.UserID))
			return true
		}
		return d.Manager.OnCandidateReply(ctx, Reply{
			GroupID:     ev.GroupID,
			UserID:      ev.UserID,
			SenderName:  ev.SenderName,
			Text:        ev.Text,
			MentionsBot: ev.MentionsUser(ev.SelfID),
		})
	}
	return false
}

func (d *Dispatcher) joinRequest(ctx context.Context, ev Event, log *zap.Logger) bool {
	if !d.Manager.InScope(ev.GroupID) {
		log.Debug("group not whitelisted, skipping join request", zap.String("group_id", ev.GroupID))
		return false
	}
	req := review.Request{GroupID: ev.GroupID, UserID: ev.UserID, Comment: ev.Comment, Flag: ev.Flag}
	log = log.With(zap.String("user_id", ev.UserID), zap.String("group_id", ev.GroupID))

	if d.BanPolicy.Enabled && d.BanPolicy.RejectInvitation && d.Reviewer != nil && d.banned(ev.UserID, log) {
		if err := d.Reviewer.Reject(ctx, req, d.BanPolicy.RejectReason); err != nil {
			log.Error("rejecting banned applicant failed", zap.Error(&DeliveryError{Op: "reject join request", Err: err}))
		} else {
			log.Info("rejected join request from banned user")
		}
		return true
	}

	if d.Reviewer == nil {
		return false
	}
	log.Info("join request received", zap.String("comment", ev.Comment))
	d.Reviewer.Review(ctx, req)
	return true
}

func (d *Dispatcher) banned(userID string, log *zap.Logger) bool {
	if d.Bans == nil {
		return false
	}
	ok, err := d.Bans.Contains(userID)
	if err != nil {
		log.Warn("ban lookup failed", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	return ok
}

func (d *Dispatcher) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}
