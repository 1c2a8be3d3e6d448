package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/celerix-dev/celerix-guard/internal/guard"
)

type recorded struct {
	action string
	auth   string
	params map[string]any
}

type fakeOneBot struct {
	mu    sync.Mutex
	calls []recorded
	reply func(action string) (int, string)
}

func (f *fakeOneBot) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var params map[string]any
	_ = json.NewDecoder(r.Body).Decode(&params)
	action := strings.TrimPrefix(r.URL.Path, "/")

	f.mu.Lock()
	f.calls = append(f.calls, recorded{action: action, auth: r.Header.Get("Authorization"), params: params})
	f.mu.Unlock()

	code, body := f.reply(action)
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

func (f *fakeOneBot) recorded() []recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recorded(nil), f.calls...)
}

func newTestClient(t *testing.T, reply func(action string) (int, string)) (*Client, *fakeOneBot) {
	t.Helper()
	fake := &fakeOneBot{reply: reply}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return NewClient(Options{BaseURL: srv.URL + "/", AccessToken: "tok", RetryBackoff: time.Millisecond}), fake
}

func ok(data string) (int, string) {
	return http.StatusOK, `{"status":"ok","retcode":0,"data":` + data + `}`
}

func TestClient_SendGroupMessage(t *testing.T) {
	c, fake := newTestClient(t, func(string) (int, string) { return ok(`{"message_id":1}`) })

	require.NoError(t, c.SendGroupMessage(context.Background(), "100", "hi [CQ:at,qq=1]"))

	calls := fake.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "send_group_msg", calls[0].action)
	assert.Equal(t, "Bearer tok", calls[0].auth)
	assert.Equal(t, float64(100), calls[0].params["group_id"])
	assert.Equal(t, "hi [CQ:at,qq=1]", calls[0].params["message"])
}

func TestClient_SendIsNotRetried(t *testing.T) {
	c, fake := newTestClient(t, func(string) (int, string) { return http.StatusBadGateway, "down" })

	err := c.SendGroupMessage(context.Background(), "100", "hi")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.RetCode)
	assert.Len(t, fake.recorded(), 1)
}

func TestClient_KickMember(t *testing.T) {
	c, fake := newTestClient(t, func(string) (int, string) { return ok(`null`) })

	require.NoError(t, c.KickMember(context.Background(), "100", "42"))
	call := fake.recorded()[0]
	assert.Equal(t, "set_group_kick", call.action)
	assert.Equal(t, float64(42), call.params["user_id"])
	assert.Equal(t, false, call.params["reject_add_request"])
}

func TestClient_InvalidIDs(t *testing.T) {
	c, fake := newTestClient(t, func(string) (int, string) { return ok(`null`) })

	assert.Error(t, c.KickMember(context.Background(), "abc", "42"))
	assert.Error(t, c.SendGroupMessage(context.Background(), "", "x"))
	assert.Empty(t, fake.recorded())
}

func TestClient_MemberDisplayName(t *testing.T) {
	data := `{"card":"","nickname":"Nick"}`
	c, _ := newTestClient(t, func(string) (int, string) { return ok(data) })

	name, err := c.MemberDisplayName(context.Background(), "100", "1")
	require.NoError(t, err)
	assert.Equal(t, "Nick", name)

	data = `{"card":"Card","nickname":"Nick"}`
	name, err = c.MemberDisplayName(context.Background(), "100", "1")
	require.NoError(t, err)
	assert.Equal(t, "Card", name)
}

func TestClient_ReadRetriesTransportFailures(t *testing.T) {
	var n atomic.Int32
	c := NewClient(Options{BaseURL: "http://127.0.0.1:1", RetryBackoff: time.Millisecond,
		HTTPClient: &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			if n.Add(1) < 3 {
				return nil, errors.New("connection reset")
			}
			rec := httptest.NewRecorder()
			rec.WriteString(`{"status":"ok","retcode":0,"data":{"card":"C"}}`)
			return rec.Result(), nil
		})}})

	name, err := c.MemberDisplayName(context.Background(), "100", "1")
	require.NoError(t, err)
	assert.Equal(t, "C", name)
	assert.Equal(t, int32(3), n.Load())
}

func TestClient_ReadDoesNotRetryAPIErrors(t *testing.T) {
	c, fake := newTestClient(t, func(string) (int, string) {
		return http.StatusOK, `{"status":"failed","retcode":100,"wording":"not a member"}`
	})

	_, err := c.MemberDisplayName(context.Background(), "100", "1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 100, apiErr.RetCode)
	assert.Contains(t, err.Error(), "not a member")
	assert.Len(t, fake.recorded(), 1)
}

func TestClient_UserLevel(t *testing.T) {
	body := `{"qqLevel":12}`
	c, _ := newTestClient(t, func(string) (int, string) { return ok(body) })

	level, err := c.UserLevel(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, 12, level)

	body = `{"qqLevel":"7"}`
	level, err = c.UserLevel(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, 7, level)

	body = `{"nickname":"x"}`
	_, err = c.UserLevel(context.Background(), "1")
	assert.Error(t, err)
}

func TestClient_SetGroupAddRequest(t *testing.T) {
	c, fake := newTestClient(t, func(string) (int, string) { return ok(`null`) })

	require.NoError(t, c.SetGroupAddRequest(context.Background(), "flag-1", false, "no"))
	require.NoError(t, c.SetGroupAddRequest(context.Background(), "flag-2", true, "ignored"))

	calls := fake.recorded()
	assert.Equal(t, "set_group_add_request", calls[0].action)
	assert.Equal(t, "flag-1", calls[0].params["flag"])
	assert.Equal(t, "no", calls[0].params["reason"])
	assert.Equal(t, true, calls[1].params["approve"])
	assert.NotContains(t, calls[1].params, "reason")
}

func TestClient_SelfIDAndMention(t *testing.T) {
	c, _ := newTestClient(t, func(string) (int, string) { return ok(`{"user_id":123456,"nickname":"bot"}`) })

	self, err := c.SelfID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "123456", self)
	assert.Equal(t, "[CQ:at,qq=42]", c.Mention("42"))
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want guard.Event
	}{
		{
			name: "join request",
			raw:  `{"post_type":"request","request_type":"group","sub_type":"add","self_id":1,"group_id":100,"user_id":42,"comment":"answer: 2","flag":"f"}`,
			want: guard.Event{Kind: guard.KindJoinRequest, SelfID: "1", GroupID: "100", UserID: "42", Comment: "answer: 2", Flag: "f"},
		},
		{
			name: "invitation is not a join request",
			raw:  `{"post_type":"request","request_type":"group","sub_type":"invite","group_id":100,"user_id":42}`,
			want: guard.Event{Kind: guard.KindUnknown, SelfID: "9", GroupID: "100", UserID: "42"},
		},
		{
			name: "member joined",
			raw:  `{"post_type":"notice","notice_type":"group_increase","self_id":"1","group_id":"100","user_id":"42"}`,
			want: guard.Event{Kind: guard.KindMemberJoined, SelfID: "1", GroupID: "100", UserID: "42"},
		},
		{
			name: "member left",
			raw:  `{"post_type":"notice","notice_type":"group_decrease","sub_type":"kick","self_id":1,"group_id":100,"user_id":42}`,
			want: guard.Event{Kind: guard.KindMemberLeft, SelfID: "1", GroupID: "100", UserID: "42"},
		},
		{
			name: "segment message",
			raw: `{"post_type":"message","message_type":"group","self_id":1,"group_id":100,"user_id":42,
				"message":[{"type":"at","data":{"qq":"1"}},{"type":"text","data":{"text":" 70"}}],
				"sender":{"card":"","nickname":"Nick"}}`,
			want: guard.Event{Kind: guard.KindGroupMessage, SelfID: "1", GroupID: "100", UserID: "42",
				Text: "[CQ:at,qq=1] 70", Mentions: []string{"1"}, SenderName: "Nick"},
		},
		{
			name: "string message",
			raw:  `{"post_type":"message","message_type":"group","self_id":1,"group_id":100,"user_id":42,"message":"[CQ:at,qq=1,name=bot] 12","sender":{"card":"Card"}}`,
			want: guard.Event{Kind: guard.KindGroupMessage, SelfID: "1", GroupID: "100", UserID: "42",
				Text: "[CQ:at,qq=1,name=bot] 12", Mentions: []string{"1"}, SenderName: "Card"},
		},
		{
			name: "private message",
			raw:  `{"post_type":"message","message_type":"private","self_id":1,"user_id":42,"message":"hi"}`,
			want: guard.Event{Kind: guard.KindUnknown, SelfID: "1", UserID: "42"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEvent([]byte(tt.raw), "9")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseEvent([]byte("{"), "9")
	assert.Error(t, err)
}

func TestEventFeed_DeliversEvents(t *testing.T) {
	var auth atomic.Value
	srv := httptest.NewServer(websocket.Handler(func(conn *websocket.Conn) {
		auth.Store(conn.Request().Header.Get("Authorization"))
		_ = websocket.Message.Send(conn, `{"post_type":"meta_event","meta_event_type":"heartbeat"}`)
		_ = websocket.Message.Send(conn, `{"post_type":"notice","notice_type":"group_increase","group_id":100,"user_id":42}`)
		var discard string
		_ = websocket.Message.Receive(conn, &discard)
	}))
	t.Cleanup(srv.Close)

	events := make(chan guard.Event, 4)
	feed := &EventFeed{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		AccessToken: "tok",
		SelfID:      "1",
		Handle:      func(_ context.Context, ev guard.Event) { events <- ev },
		Backoff:     10 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()

	select {
	case ev := <-events:
		assert.Equal(t, guard.Event{Kind: guard.KindMemberJoined, SelfID: "1", GroupID: "100", UserID: "42"}, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
	assert.Equal(t, "Bearer tok", auth.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not stop")
	}
}

func TestEventFeed_RequiresURLAndHandler(t *testing.T) {
	assert.Error(t, (&EventFeed{}).Run(context.Background()))
	assert.Error(t, (&EventFeed{URL: "ws://x"}).Run(context.Background()))
}
