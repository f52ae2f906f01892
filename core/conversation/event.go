package conversation

// Event is an inbound chat message. It is either a TextEvent or an ImageEvent.
type Event interface {
	User() string
	kind() string
}

// TextEvent carries a text message.
type TextEvent struct {
	UserID string
	Text   string
}

// ImageEvent references an image the platform stores under ContentID.
type ImageEvent struct {
	UserID    string
	ContentID string
}

func (e TextEvent) User() string  { return e.UserID }
func (e TextEvent) kind() string  { return "text" }
func (e ImageEvent) User() string { return e.UserID }
func (e ImageEvent) kind() string { return "image" }

// Phase is the coarse state of a user's conversation.
type Phase int

const (
	NoSession Phase = iota
	Answering
	CollectingPhotos
)

func (p Phase) String() string {
	switch p {
	case Answering:
		return "answering"
	case CollectingPhotos:
		return "collecting_photos"
	default:
		return "no_session"
	}
}

// Status describes where a user is in the dialogue.
type Status struct {
	Phase     Phase
	SessionID string
	Step      int
	Images    int
}
