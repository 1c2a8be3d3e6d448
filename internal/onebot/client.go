// Package onebot talks to a OneBot v11 implementation: it calls HTTP
// actions on behalf of the guard and turns pushed events into guard events.
package onebot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultTimeout = 10 * time.Second
	readAttempts   = 3
)

// APIError is a non-ok action response.
type APIError struct {
	Action  string
	Status  string
	RetCode int
	Message string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Status
	}
	return fmt.Sprintf("onebot %s: retcode %d: %s", e.Action, e.RetCode, msg)
}

// Options configures a Client.
type Options struct {
	// BaseURL is the OneBot HTTP API root, e.g. http://127.0.0.1:5700.
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
	HTTPClient  *http.Client
	Logger      *zap.Logger
	// RetryBackoff is the base wait between read retries.
	RetryBackoff time.Duration
}

// Client calls OneBot actions over HTTP. It is safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
	backoff time.Duration
}

// NewClient builds a Client from opts.
func NewClient(opts Options) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		token:   opts.AccessToken,
		http:    opts.HTTPClient,
		logger:  opts.Logger,
		backoff: opts.RetryBackoff,
	}
	if c.http == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		c.http = &http.Client{Timeout: timeout}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.Named("onebot")
	if c.backoff <= 0 {
		c.backoff = 200 * time.Millisecond
	}
	return c
}

type response struct {
	Status  string          `json:"status"`
	RetCode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Wording string          `json:"wording"`
}

// SendGroupMessage posts text to a group. Text may carry CQ codes.
func (c *Client) SendGroupMessage(ctx context.Context, groupID, text string) error {
	gid, err := parseID("group_id", groupID)
	if err != nil {
		return err
	}
	return c.call(ctx, "send_group_msg", map[string]any{
		"group_id":    gid,
		"message":     text,
		"auto_escape": false,
	}, nil)
}

// MemberDisplayName returns the member's group card, or their nickname
// when no card is set.
func (c *Client) MemberDisplayName(ctx context.Context, groupID, userID string) (string, error) {
	gid, err := parseID("group_id", groupID)
	if err != nil {
		return "", err
	}
	uid, err := parseID("user_id", userID)
	if err != nil {
		return "", err
	}
	var info struct {
		Card     string `json:"card"`
		Nickname string `json:"nickname"`
	}
	if err := c.read(ctx, "get_group_member_info", map[string]any{"group_id": gid, "user_id": uid}, &info); err != nil {
		return "", err
	}
	if info.Card != "" {
		return info.Card, nil
	}
	return info.Nickname, nil
}

// KickMember removes a member without blocking them from re-applying.
func (c *Client) KickMember(ctx context.Context, groupID, userID string) error {
	gid, err := parseID("group_id", groupID)
	if err != nil {
		return err
	}
	uid, err := parseID("user_id", userID)
	if err != nil {
		return err
	}
	return c.call(ctx, "set_group_kick", map[string]any{
		"group_id":           gid,
		"user_id":            uid,
		"reject_add_request": false,
	}, nil)
}

// SetGroupAddRequest answers a join request identified by flag.
func (c *Client) SetGroupAddRequest(ctx context.Context, flag string, approve bool, reason string) error {
	params := map[string]any{
		"flag":     flag,
		"sub_type": "add",
		"approve":  approve,
	}
	if !approve && reason != "" {
		params["reason"] = reason
	}
	return c.call(ctx, "set_group_add_request", params, nil)
}

// UserLevel returns the account level reported by get_stranger_info.
func (c *Client) UserLevel(ctx context.Context, userID string) (int, error) {
	uid, err := parseID("user_id", userID)
	if err != nil {
		return 0, err
	}
	var info map[string]any
	if err := c.read(ctx, "get_stranger_info", map[string]any{"user_id": uid, "no_cache": true}, &info); err != nil {
		return 0, err
	}
	switch v := info["qqLevel"].(type) {
	case float64:
		return int(v), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("onebot get_stranger_info: bad qqLevel %q", v)
		}
		return n, nil
	default:
		return 0, errors.New("onebot get_stranger_info: qqLevel missing")
	}
}

// SelfID asks the implementation which account it is logged in as.
func (c *Client) SelfID(ctx context.Context) (string, error) {
	var info struct {
		UserID json.Number `json:"user_id"`
	}
	if err := c.read(ctx, "get_login_info", map[string]any{}, &info); err != nil {
		return "", err
	}
	return info.UserID.String(), nil
}

// Mention renders the CQ code that mentions userID.
func (c *Client) Mention(userID string) string {
	return "[CQ:at,qq=" + userID + "]"
}

// read is call for idempotent lookups. It retries transport failures with
// a growing backoff; API errors are returned at once.
func (c *Client) read(ctx context.Context, action string, params, out any) error {
	var err error
	for i := 0; i < readAttempts; i++ {
		err = c.call(ctx, action, params, out)
		var apiErr *APIError
		if err == nil || errors.As(err, &apiErr) || ctx.Err() != nil {
			return err
		}
		c.logger.Debug("action failed, retrying",
			zap.String("action", action), zap.Int("attempt", i+1), zap.Error(err))

		t := time.NewTimer(time.Duration(i+1) * c.backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return fmt.Errorf("onebot %s: failed after %d attempts: %w", action, readAttempts, err)
}

// call performs one action. Side-effecting actions go through call
// directly and are never retried.
func (c *Client) call(ctx context.Context, action string, params, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("onebot %s: encode params: %w", action, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+action, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("onebot %s: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("onebot %s: %w", action, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("onebot %s: read response: %w", action, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{Action: action, Status: resp.Status, RetCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}

	var r response
	if err := json.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("onebot %s: decode response: %w", action, err)
	}
	if r.Status != "ok" && r.Status != "async" {
		msg := r.Wording
		if msg == "" {
			msg = r.Message
		}
		return &APIError{Action: action, Status: r.Status, RetCode: r.RetCode, Message: msg}
	}
	if out != nil && len(r.Data) > 0 && string(r.Data) != "null" {
		if err := json.Unmarshal(r.Data, out); err != nil {
			return fmt.Errorf("onebot %s: decode data: %w", action, err)
		}
	}
	return nil
}

func parseID(field, id string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("onebot: invalid %s %q", field, id)
	}
	return n, nil
}
