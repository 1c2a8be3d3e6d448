// Package guard implements the new-member verification lifecycle: it issues
// a puzzle to each joining member, races their answers against a
// warn-then-kick timer, and routes platform events to the right handler.
package guard

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-guard/internal/challenge"
	"github.com/celerix-dev/celerix-guard/internal/engine"
	"github.com/celerix-dev/celerix-guard/internal/notify"
	"github.com/celerix-dev/celerix-guard/pkg/schema"
)

// Templates are the user-facing messages. See notify for placeholders.
type Templates struct {
	NewMemberPrompt  string
	Welcome          string
	WrongAnswer      string
	CountdownWarning string
	Failure          string
	Kick             string
}

// Settings configures a Manager.
type Settings struct {
	// Timeout is the full window a member has to answer.
	Timeout time.Duration
	// WarningLead is how long before Timeout the warning goes out. Zero or
	// negative disables the warning.
	WarningLead time.Duration
	// KickDelay separates the failure message from the kick.
	KickDelay time.Duration
	// LookupTimeout bounds the member name lookup, retries included. The
	// lookup runs under the member's lock. Zero means DefaultLookupTimeout.
	LookupTimeout time.Duration
	// WhitelistGroups limits the guard to these groups. Empty means all.
	WhitelistGroups       []string
	Templates             Templates
	DisableFailureMessage bool
	DisableKickMessage    bool
}

// DefaultLookupTimeout bounds a member name lookup when Settings leaves it unset.
const DefaultLookupTimeout = 3 * time.Second

func (s Settings) lookupTimeout() time.Duration {
	if s.LookupTimeout > 0 {
		return s.LookupTimeout
	}
	return DefaultLookupTimeout
}

// Reply is a group message from a member that may answer their challenge.
type Reply struct {
	GroupID     string
	UserID      string
	SenderName  string
	Text        string
	MentionsBot bool
}

// PuzzleSource hands out challenges. *challenge.Generator implements it.
type PuzzleSource interface {
	Generate() challenge.Puzzle
}

// Manager owns every pending challenge and its timeout sequence.
type Manager struct {
	settings  Settings
	whitelist map[string]struct{}
	gateway   Gateway
	gen       PuzzleSource
	store     *engine.PendingStore
	clock     clockwork.Clock
	logger    *zap.Logger
	locks     userLocks

	lifeMu sync.RWMutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock, e.g. with a fake one in tests.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithPuzzles sets the puzzle source.
func WithPuzzles(g PuzzleSource) Option {
	return func(m *Manager) { m.gen = g }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithStore sets the pending challenge store.
func WithStore(s *engine.PendingStore) Option {
	return func(m *Manager) { m.store = s }
}

// NewManager builds a Manager delivering its side effects through gw.
func NewManager(settings Settings, gw Gateway, opts ...Option) *Manager {
	m := &Manager{
		settings:  settings,
		whitelist: make(map[string]struct{}, len(settings.WhitelistGroups)),
		gateway:   gw,
	}
	for _, id := range settings.WhitelistGroups {
		m.whitelist[id] = struct{}{}
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.gen == nil {
		m.gen = challenge.NewGenerator(nil)
	}
	if m.store == nil {
		m.store = engine.NewPendingStore()
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.logger = m.logger.Named("guard")
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// InScope reports whether the guard is active in groupID.
func (m *Manager) InScope(groupID string) bool {
	if len(m.whitelist) == 0 {
		return true
	}
	_, ok := m.whitelist[groupID]
	return ok
}

// OnMemberJoined challenges a member who just joined groupID. A member who
// already has a challenge in flight gets a fresh one.
func (m *Manager) OnMemberJoined(ctx context.Context, groupID, userID string) {
	if !m.InScope(groupID) {
		m.logger.Debug("group not whitelisted, skipping verification", zap.String("group_id", groupID))
		return
	}

	unlock := m.locks.lock(userID)
	defer unlock()

	m.start(ctx, groupID, userID, "", m.settings.Templates.NewMemberPrompt)
}

// OnCandidateReply checks a group message against the sender's challenge.
// It reports whether the message was consumed as an answer, in which case
// no other handler should see it.
func (m *Manager) OnCandidateReply(ctx context.Context, r Reply) bool {
	if !r.MentionsBot {
		return false
	}

	unlock := m.locks.lock(r.UserID)
	defer unlock()

	rec, ok := m.store.Get(r.UserID)
	if !ok {
		return false
	}
	if r.GroupID != "" && r.GroupID != rec.GroupID {
		return false
	}
	answer, ok := challenge.ExtractLastInteger(r.Text)
	if !ok {
		return false
	}

	log := m.logger.With(zap.String("user_id", rec.UserID), zap.String("group_id", rec.GroupID))
	rec.Timer.Cancel()

	if !challenge.Matches(answer, rec.Answer) {
		log.Info("wrong answer, issuing a new challenge", zap.Int("answer", answer))
		m.start(ctx, rec.GroupID, rec.UserID, rec.MemberName, m.settings.Templates.WrongAnswer)
		return true
	}

	m.store.Remove(rec.UserID)
	log.Info("member verified")

	name := r.SenderName
	if name == "" {
		name = rec.MemberName
	}
	m.send(ctx, rec.GroupID, "welcome", notify.Render(m.settings.Templates.Welcome, m.values(rec.UserID, name, "").Map()))
	return true
}

// OnMemberLeft drops the challenge of a member who left groupID. Calling
// it for a user without a challenge is a no-op.
func (m *Manager) OnMemberLeft(ctx context.Context, groupID, userID string) {
	unlock := m.locks.lock(userID)
	defer unlock()

	rec, ok := m.store.Get(userID)
	if !ok {
		return
	}
	if groupID != "" && groupID != rec.GroupID {
		return
	}
	rec.Timer.Cancel()
	m.store.Remove(userID)
	m.logger.Debug("pending member left, challenge dropped",
		zap.String("user_id", userID), zap.String("group_id", rec.GroupID))
}

// Shutdown cancels every timeout sequence and waits for all of them to
// return. The Manager ignores events afterwards.
func (m *Manager) Shutdown() {
	m.lifeMu.Lock()
	if m.closed {
		m.lifeMu.Unlock()
		return
	}
	m.closed = true
	drained := m.store.Drain()
	m.lifeMu.Unlock()

	for _, rec := range drained {
		rec.Timer.Cancel()
	}
	m.cancel()
	m.wg.Wait()
	m.logger.Info("verification manager stopped", zap.Int("cancelled", len(drained)))
}

// Pending lists the in-flight challenges without their answers.
func (m *Manager) Pending() []schema.PendingChallenge {
	snap := m.store.Snapshot()
	out := make([]schema.PendingChallenge, 0, len(snap))
	for _, rec := range snap {
		out = append(out, schema.PendingChallenge{
			UserID:     rec.UserID,
			GroupID:    rec.GroupID,
			MemberName: rec.MemberName,
			Question:   rec.Question,
			AttemptID:  rec.AttemptID,
			CreatedAt:  rec.CreatedAt,
			ExpiresAt:  rec.CreatedAt.Add(m.settings.Timeout),
		})
	}
	return out
}

// start issues a new challenge to userID, replacing any live one. The
// caller MUST hold the user's lock.
func (m *Manager) start(ctx context.Context, groupID, userID, name, template string) {
	if old, ok := m.store.Get(userID); ok {
		old.Timer.Cancel()
	}

	puzzle := m.gen.Generate()
	if name == "" {
		name = m.displayName(ctx, groupID, userID)
	}

	rec := engine.ChallengeRecord{
		UserID:     userID,
		GroupID:    groupID,
		MemberName: name,
		Question:   puzzle.Question,
		Answer:     puzzle.Answer,
		AttemptID:  uuid.NewString(),
		CreatedAt:  m.clock.Now(),
	}
	if !m.launch(rec) {
		m.store.Remove(userID)
		return
	}

	m.logger.Info("challenge issued",
		zap.String("user_id", userID),
		zap.String("group_id", groupID),
		zap.String("attempt_id", rec.AttemptID),
		zap.String("question", puzzle.Question))
	m.logger.Debug("challenge answer", zap.String("attempt_id", rec.AttemptID), zap.Int("answer", puzzle.Answer))

	m.send(ctx, groupID, "prompt", notify.Render(template, m.values(userID, name, puzzle.Question).Map()))
}

// launch stores rec and starts its timeout sequence. It reports false once
// the Manager is shut down.
func (m *Manager) launch(rec engine.ChallengeRecord) bool {
	m.lifeMu.RLock()
	defer m.lifeMu.RUnlock()

	if m.closed {
		return false
	}
	ctx, cancel := context.WithCancel(m.ctx)
	rec.Timer = engine.NewTimerHandle(cancel)
	if err := m.store.Put(rec); err != nil {
		cancel()
		return false
	}
	m.wg.Add(1)
	go m.runTimeout(ctx, rec)
	return true
}

// runTimeout is the warn, fail, kick sequence of one attempt. Every side
// effect re-checks under the user's lock that the attempt is still live.
func (m *Manager) runTimeout(ctx context.Context, rec engine.ChallengeRecord) {
	defer m.wg.Done()
	defer rec.Timer.Finish()
	defer m.store.RemoveAttempt(rec.UserID, rec.AttemptID)

	log := m.logger.With(
		zap.String("user_id", rec.UserID),
		zap.String("group_id", rec.GroupID),
		zap.String("attempt_id", rec.AttemptID))
	s := m.settings

	if wait := s.Timeout - s.WarningLead; s.WarningLead > 0 && wait > 0 {
		if !m.sleep(ctx, wait) {
			log.Debug("timeout sequence cancelled before warning")
			return
		}
		warned := m.whileLive(ctx, rec, func() {
			v := m.values(rec.UserID, rec.MemberName, "")
			v.CountdownSecs = int(s.WarningLead / time.Second)
			msg := notify.Render(s.Templates.CountdownWarning, v.Map())
			m.send(ctx, rec.GroupID, "warning", msg)
		})
		if !warned {
			return
		}
		if !m.sleep(ctx, s.WarningLead) {
			log.Debug("timeout sequence cancelled after warning")
			return
		}
	} else if !m.sleep(ctx, s.Timeout) {
		log.Debug("timeout sequence cancelled")
		return
	}

	failed := m.whileLive(ctx, rec, func() {
		log.Info("verification timed out")
		if !s.DisableFailureMessage {
			msg := notify.Render(s.Templates.Failure, m.values(rec.UserID, rec.MemberName, "").Map())
			m.send(ctx, rec.GroupID, "failure", msg)
		}
	})
	if !failed {
		return
	}
	if !m.sleep(ctx, s.KickDelay) {
		log.Debug("timeout sequence cancelled before kick")
		return
	}

	m.whileLive(ctx, rec, func() {
		// Removed before the kick so the resulting leave event finds nothing.
		m.store.RemoveAttempt(rec.UserID, rec.AttemptID)
		if err := m.gateway.KickMember(ctx, rec.GroupID, rec.UserID); err != nil {
			log.Error("kick failed", zap.Error(&DeliveryError{Op: "kick", Err: err}))
			return
		}
		log.Info("member kicked after verification timeout", zap.String("member_name", rec.MemberName))
		if !s.DisableKickMessage {
			msg := notify.Render(s.Templates.Kick, m.values(rec.UserID, rec.MemberName, "").Map())
			m.send(ctx, rec.GroupID, "kick", msg)
		}
	})
}

// whileLive runs fn under the user's lock if rec is still the live attempt
// and its sequence has not been cancelled.
func (m *Manager) whileLive(ctx context.Context, rec engine.ChallengeRecord, fn func()) bool {
	unlock := m.locks.lock(rec.UserID)
	defer unlock()

	if ctx.Err() != nil || !m.store.IsCurrent(rec.UserID, rec.AttemptID) {
		return false
	}
	fn()
	return true
}

// sleep waits for d on the manager's clock. It returns false if ctx was
// cancelled first.
func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := m.clock.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.Chan():
		return ctx.Err() == nil
	}
}

func (m *Manager) displayName(ctx context.Context, groupID, userID string) string {
	ctx, cancel := context.WithTimeout(ctx, m.settings.lookupTimeout())
	defer cancel()
	name, err := m.gateway.MemberDisplayName(ctx, groupID, userID)
	if err != nil || name == "" {
		if err != nil {
			m.logger.Warn("member name lookup failed, using id",
				zap.String("user_id", userID),
				zap.Error(&LookupError{Op: "member name", Err: err}))
		}
		return userID
	}
	return name
}

func (m *Manager) send(ctx context.Context, groupID, kind, text string) {
	if text == "" {
		m.logger.Debug("empty template, message skipped", zap.String("kind", kind))
		return
	}
	if err := m.gateway.SendGroupMessage(ctx, groupID, text); err != nil {
		m.logger.Warn("message delivery failed",
			zap.String("kind", kind),
			zap.String("group_id", groupID),
			zap.Error(&DeliveryError{Op: "send " + kind, Err: err}))
	}
}

func (m *Manager) values(userID, name, question string) notify.Values {
	return notify.Values{
		Mention:        m.gateway.Mention(userID),
		MemberName:     name,
		Question:       question,
		TimeoutMinutes: int(m.settings.Timeout / time.Minute),
		CountdownSecs:  int(m.settings.KickDelay / time.Second),
	}
}
