// Package config loads and validates the guard daemon's configuration from
// an optional YAML file and GUARD_* environment variables using Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/celerix-dev/celerix-guard/internal/guard"
	"github.com/celerix-dev/celerix-guard/internal/review"
)

// DefaultFile is read when no path is given and GUARD_CONFIG is unset.
const DefaultFile = "guard.yaml"

// Config is the full daemon configuration.
type Config struct {
	// HTTPAddr serves the OneBot webhook and the admin REST API.
	HTTPAddr string `mapstructure:"http_addr"`
	// AdminAddr is the TCP admin listener; empty disables it.
	AdminAddr string `mapstructure:"admin_addr"`
	// AdminTLS wraps the admin listener in a self-signed certificate.
	AdminTLS bool `mapstructure:"admin_tls"`
	// AdminToken, when set, is required as a bearer token on /api routes.
	AdminToken string `mapstructure:"admin_token"`
	// LogLevel is a zap level name (debug, info, warn, error).
	LogLevel string `mapstructure:"log_level"`
	// LogDevelopment switches to zap's human-readable console encoder.
	LogDevelopment bool `mapstructure:"log_development"`
	// WhitelistGroups limits the guard to these groups; empty means all.
	WhitelistGroups []string `mapstructure:"whitelist_groups"`

	// Verify sits at the top level: verification_timeout, kick_delay and
	// the message templates are not nested under a section.
	Verify `mapstructure:",squash"`

	OneBot OneBot `mapstructure:"onebot"`
	Review Review `mapstructure:"review"`
	Ban    Ban    `mapstructure:"ban"`
}

// OneBot points at the OneBot v11 implementation.
type OneBot struct {
	// APIURL is the HTTP action endpoint root.
	APIURL      string `mapstructure:"api_url"`
	AccessToken string `mapstructure:"access_token"`
	// Secret verifies X-Signature on webhook posts when set.
	Secret string `mapstructure:"secret"`
	// WSURL enables the forward websocket event feed when set.
	WSURL string `mapstructure:"ws_url"`
	// SelfID is the bot account; looked up with get_login_info when empty.
	SelfID string `mapstructure:"self_id"`
}

// Verify configures new-member verification. Durations are in seconds.
type Verify struct {
	TimeoutSeconds int `mapstructure:"verification_timeout"`
	// WarningSeconds is the lead before the timeout at which the countdown
	// warning goes out; zero disables it.
	WarningSeconds        int    `mapstructure:"kick_countdown_warning_time"`
	KickDelaySeconds      int    `mapstructure:"kick_delay"`
	NewMemberPrompt       string `mapstructure:"new_member_prompt"`
	WelcomeMessage        string `mapstructure:"welcome_message"`
	WrongAnswerPrompt     string `mapstructure:"wrong_answer_prompt"`
	CountdownWarning      string `mapstructure:"countdown_warning_prompt"`
	FailureMessage        string `mapstructure:"failure_message"`
	KickMessage           string `mapstructure:"kick_message"`
	DisableFailureMessage bool   `mapstructure:"disable_failure_message"`
	DisableKickMessage    bool   `mapstructure:"disable_kick_message"`
}

// Review configures join-request screening.
type Review struct {
	Enabled           bool     `mapstructure:"enabled"`
	Mode              string   `mapstructure:"mode"`
	AcceptKeywords    []string `mapstructure:"accept_keywords"`
	RejectKeywords    []string `mapstructure:"reject_keywords"`
	RejectReason      string   `mapstructure:"reject_reason"`
	AutoReject        bool     `mapstructure:"auto_reject"`
	DelaySeconds      int      `mapstructure:"delay_seconds"`
	LevelRestriction  int      `mapstructure:"level_restriction"`
	LevelRejectReason string   `mapstructure:"level_reject_reason"`
}

// Ban configures the blacklist.
type Ban struct {
	Enabled          bool     `mapstructure:"enabled"`
	IgnoreMessages   bool     `mapstructure:"ignore_messages"`
	RejectInvitation bool     `mapstructure:"reject_invitation"`
	RejectReason     string   `mapstructure:"reject_reason"`
	InitialList      []string `mapstructure:"initial_list"`
	// Backend is "file" (JSON under DataDir) or "sqlite".
	Backend    string `mapstructure:"backend"`
	DataDir    string `mapstructure:"data_dir"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("admin_addr", ":7001")
	v.SetDefault("admin_tls", true)
	v.SetDefault("admin_token", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_development", false)
	v.SetDefault("whitelist_groups", []string{})

	v.SetDefault("onebot.api_url", "http://127.0.0.1:5700")
	v.SetDefault("onebot.access_token", "")
	v.SetDefault("onebot.secret", "")
	v.SetDefault("onebot.ws_url", "")
	v.SetDefault("onebot.self_id", "")

	v.SetDefault("verification_timeout", 300)
	v.SetDefault("kick_countdown_warning_time", 60)
	v.SetDefault("kick_delay", 5)
	v.SetDefault("new_member_prompt", "{at_user} Welcome, {member_name}! Please @ me with the answer to {question} within {timeout} minutes.")
	v.SetDefault("welcome_message", "{at_user} Verified. Welcome aboard, {member_name}!")
	v.SetDefault("wrong_answer_prompt", "{at_user} That is not right. Try this one instead: {question}")
	v.SetDefault("countdown_warning_prompt", "{at_user} {countdown} seconds left to answer your verification question.")
	v.SetDefault("failure_message", "{at_user} Verification timed out. You will be removed in {countdown} seconds.")
	v.SetDefault("kick_message", "{member_name} did not verify in time and was removed.")
	v.SetDefault("disable_failure_message", false)
	v.SetDefault("disable_kick_message", false)

	v.SetDefault("review.enabled", false)
	v.SetDefault("review.mode", string(review.ModeKeywords))
	v.SetDefault("review.accept_keywords", []string{})
	v.SetDefault("review.reject_keywords", []string{})
	v.SetDefault("review.reject_reason", "")
	v.SetDefault("review.auto_reject", false)
	v.SetDefault("review.delay_seconds", 0)
	v.SetDefault("review.level_restriction", 0)
	v.SetDefault("review.level_reject_reason", "Account level too low")

	v.SetDefault("ban.enabled", false)
	v.SetDefault("ban.ignore_messages", true)
	v.SetDefault("ban.reject_invitation", true)
	v.SetDefault("ban.reject_reason", "")
	v.SetDefault("ban.initial_list", []string{})
	v.SetDefault("ban.backend", "file")
	v.SetDefault("ban.data_dir", "data")
	v.SetDefault("ban.sqlite_path", "data/bans.db")
}

// Load reads the YAML file at path, then applies GUARD_* environment
// overrides (GUARD_VERIFICATION_TIMEOUT for verification_timeout,
// GUARD_ONEBOT_API_URL for onebot.api_url). An empty path falls back to
// GUARD_CONFIG and then DefaultFile; only the fallback file may be missing.
// Keys the daemon does not know are rejected.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	explicit := path != ""
	if !explicit {
		path = os.Getenv("GUARD_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		path = DefaultFile
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
		if explicit || !missing {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("config: http_addr must be set")
	}
	if strings.TrimSpace(c.OneBot.APIURL) == "" {
		return errors.New("config: onebot.api_url must be set")
	}
	if c.Verify.TimeoutSeconds <= 0 {
		return errors.New("config: verification_timeout must be positive")
	}
	if c.Verify.WarningSeconds < 0 || c.Verify.KickDelaySeconds < 0 {
		return errors.New("config: kick_countdown_warning_time and kick_delay must not be negative")
	}
	switch review.Mode(c.Review.Mode) {
	case review.ModeKeywords, review.ModeAcceptAll, review.ModeRejectAll:
	default:
		return fmt.Errorf("config: review.mode %q is not one of keywords, accept_all, reject_all", c.Review.Mode)
	}
	if c.Review.DelaySeconds < 0 {
		return errors.New("config: review.delay_seconds must not be negative")
	}
	switch c.Ban.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("config: ban.backend %q is not one of file, sqlite", c.Ban.Backend)
	}
	return nil
}

// Timeout is the verification window.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Verify.TimeoutSeconds) * time.Second
}

// GuardSettings converts the verify section for guard.NewManager.
func (c *Config) GuardSettings() guard.Settings {
	return guard.Settings{
		Timeout:         c.Timeout(),
		WarningLead:     time.Duration(c.Verify.WarningSeconds) * time.Second,
		KickDelay:       time.Duration(c.Verify.KickDelaySeconds) * time.Second,
		WhitelistGroups: cleanList(c.WhitelistGroups),
		Templates: guard.Templates{
			NewMemberPrompt:  c.Verify.NewMemberPrompt,
			Welcome:          c.Verify.WelcomeMessage,
			WrongAnswer:      c.Verify.WrongAnswerPrompt,
			CountdownWarning: c.Verify.CountdownWarning,
			Failure:          c.Verify.FailureMessage,
			Kick:             c.Verify.KickMessage,
		},
		DisableFailureMessage: c.Verify.DisableFailureMessage,
		DisableKickMessage:    c.Verify.DisableKickMessage,
	}
}

// ReviewPolicy converts the review section for review.NewReviewer.
func (c *Config) ReviewPolicy() review.Policy {
	return review.Policy{
		Mode:              review.Mode(c.Review.Mode),
		AcceptKeywords:    cleanList(c.Review.AcceptKeywords),
		RejectKeywords:    cleanList(c.Review.RejectKeywords),
		RejectReason:      c.Review.RejectReason,
		AutoReject:        c.Review.AutoReject,
		Delay:             time.Duration(c.Review.DelaySeconds) * time.Second,
		LevelRestriction:  c.Review.LevelRestriction,
		LevelRejectReason: c.Review.LevelRejectReason,
	}
}

// BanPolicy converts the ban section for guard.Dispatcher.
func (c *Config) BanPolicy() guard.BanPolicy {
	return guard.BanPolicy{
		Enabled:          c.Ban.Enabled,
		IgnoreMessages:   c.Ban.IgnoreMessages,
		RejectInvitation: c.Ban.RejectInvitation,
		RejectReason:     c.Ban.RejectReason,
	}
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
