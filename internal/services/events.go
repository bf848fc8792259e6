package services

// EventKind discriminates the inbound event payload.
type EventKind string

const (
	EventCommand EventKind = "command"
	EventText    EventKind = "text"
	EventChoice  EventKind = "choice"
	EventMedia   EventKind = "media"
)

// InboundEvent is what the chat transport delivers for one user action. The
// transport guarantees serialized delivery per user; events for different
// users may be processed concurrently.
type InboundEvent struct {
	UserID      int64     `json:"user_id"`
	Handle      string    `json:"handle,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	Kind        EventKind `json:"kind"`
	Text        string    `json:"text,omitempty"`      // command or free text
	Choice      string    `json:"choice,omitempty"`    // structured-choice payload
	MediaRef    string    `json:"media_ref,omitempty"` // uploaded media reference
}

// Choice is one button of a closed-choice keyboard.
type Choice struct {
	Label string `json:"label"`
	Data  string `json:"data"`
}

// Prompt is one outbound message for the transport to deliver.
type Prompt struct {
	UserID   int64    `json:"user_id"`
	Text     string   `json:"text"`
	Choices  []Choice `json:"choices,omitempty"`
	MediaRef string   `json:"media_ref,omitempty"` // media to deliver before the text
}
