package guard

// EventKind classifies a normalized platform event.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindJoinRequest
	KindMemberJoined
	KindMemberLeft
	KindGroupMessage
)

func (k EventKind) String() string {
	switch k {
	case KindJoinRequest:
		return "join_request"
	case KindMemberJoined:
		return "member_joined"
	case KindMemberLeft:
		return "member_left"
	case KindGroupMessage:
		return "group_message"
	default:
		return "unknown"
	}
}

// Event is a platform event after normalization at the ingestion boundary.
// Fields not relevant to Kind are empty.
type Event struct {
	Kind    EventKind
	SelfID  string
	GroupID string
	UserID  string

	// Group messages.
	Text       string
	Mentions   []string
	SenderName string

	// Join requests.
	Comment string
	Flag    string
}

// MentionsUser reports whether the message mentions userID.
func (e Event) MentionsUser(userID string) bool {
	if userID == "" {
		return false
	}
	for _, id := range e.Mentions {
		if id == userID {
			return true
		}
	}
	return false
}
