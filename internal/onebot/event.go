package onebot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/celerix-dev/celerix-guard/internal/guard"
	"github.com/celerix-dev/celerix-guard/internal/review"
)

var (
	_ guard.Gateway  = (*Client)(nil)
	_ review.Gateway = (*Client)(nil)
)

var atCode = regexp.MustCompile(`\[CQ:at,qq=([^,\]]+)[^\]]*\]`)

// id accepts both numeric and string IDs, which implementations mix.
type id string

func (i *id) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*i = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*i = id(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*i = id(n.String())
	return nil
}

type segment struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type rawEvent struct {
	PostType    string          `json:"post_type"`
	SelfID      id              `json:"self_id"`
	NoticeType  string          `json:"notice_type"`
	RequestType string          `json:"request_type"`
	MessageType string          `json:"message_type"`
	SubType     string          `json:"sub_type"`
	GroupID     id              `json:"group_id"`
	UserID      id              `json:"user_id"`
	Comment     string          `json:"comment"`
	Flag        string          `json:"flag"`
	Message     json.RawMessage `json:"message"`
	RawMessage  string          `json:"raw_message"`
	Sender      struct {
		Card     string `json:"card"`
		Nickname string `json:"nickname"`
	} `json:"sender"`
}

// ParseEvent normalizes a pushed OneBot v11 event. Events the guard does
// not act on come back as guard.KindUnknown. selfID fills in for events
// that omit self_id.
func ParseEvent(data []byte, selfID string) (guard.Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return guard.Event{}, fmt.Errorf("onebot: decode event: %w", err)
	}

	ev := guard.Event{
		SelfID:  string(raw.SelfID),
		GroupID: string(raw.GroupID),
		UserID:  string(raw.UserID),
	}
	if ev.SelfID == "" {
		ev.SelfID = selfID
	}

	switch raw.PostType {
	case "request":
		if raw.RequestType == "group" && raw.SubType == "add" {
			ev.Kind = guard.KindJoinRequest
			ev.Comment = raw.Comment
			ev.Flag = raw.Flag
		}
	case "notice":
		switch raw.NoticeType {
		case "group_increase":
			ev.Kind = guard.KindMemberJoined
		case "group_decrease":
			ev.Kind = guard.KindMemberLeft
		}
	case "message":
		if raw.MessageType == "group" {
			ev.Kind = guard.KindGroupMessage
			ev.Text, ev.Mentions = messageText(raw.Message, raw.RawMessage)
			ev.SenderName = raw.Sender.Card
			if ev.SenderName == "" {
				ev.SenderName = raw.Sender.Nickname
			}
		}
	}
	return ev, nil
}

// messageText flattens a message into CQ-code text and collects the IDs it
// mentions. The message may be a segment array or a CQ string.
func messageText(msg json.RawMessage, rawMessage string) (string, []string) {
	var segs []segment
	if len(msg) > 0 && json.Unmarshal(msg, &segs) == nil {
		var sb strings.Builder
		var mentions []string
		for _, seg := range segs {
			switch seg.Type {
			case "text":
				var d struct {
					Text string `json:"text"`
				}
				_ = json.Unmarshal(seg.Data, &d)
				sb.WriteString(d.Text)
			case "at":
				var d struct {
					QQ id `json:"qq"`
				}
				_ = json.Unmarshal(seg.Data, &d)
				mentions = append(mentions, string(d.QQ))
				sb.WriteString("[CQ:at,qq=" + string(d.QQ) + "]")
			}
		}
		return sb.String(), mentions
	}

	text := rawMessage
	var s string
	if len(msg) > 0 && json.Unmarshal(msg, &s) == nil {
		text = s
	}
	var mentions []string
	for _, m := range atCode.FindAllStringSubmatch(text, -1) {
		mentions = append(mentions, m[1])
	}
	return text, mentions
}
