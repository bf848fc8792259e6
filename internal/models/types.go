package models

import "time"

// Condition is the experimental arm a participant is assigned to. It controls
// which media set the participant sees; it never varies within one run.
type Condition string

const (
	// ConditionNoCues shows the robot acting without behavioral cues.
	ConditionNoCues Condition = "nocues"
	// ConditionCues shows the robot acting with behavioral cues.
	ConditionCues Condition = "cues"
)

// Conditions lists the two recognized experimental arms.
var Conditions = []Condition{ConditionNoCues, ConditionCues}

func (c Condition) Valid() bool {
	return c == ConditionNoCues || c == ConditionCues
}

// Scenario is one of the fixed content categories; each participant sees every
// scenario exactly once, in randomized order.
type Scenario string

const (
	ScenarioPizza  Scenario = "pizza"
	ScenarioShells Scenario = "shells"
	ScenarioParts  Scenario = "parts"
	ScenarioChess  Scenario = "chess"
)

// Scenarios is the fixed scenario set in canonical order.
var Scenarios = []Scenario{ScenarioPizza, ScenarioShells, ScenarioParts, ScenarioChess}

// User is the transport identity behind a chat account. Updated on every
// inbound event, last write wins.
type User struct {
	ID          int64  `json:"user_id"`
	Handle      string `json:"handle,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// Participant is one experiment run, 1:1 with a user id. Intake fields are
// set once; Position only ever grows and is bounded by Total.
type Participant struct {
	UserID      int64     `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"` // pseudonym given during intake
	Gender      string    `json:"gender,omitempty"`
	Age         int       `json:"age,omitempty"`
	Condition   Condition `json:"condition,omitempty"`
	Position    int       `json:"position"`
	Total       int       `json:"total"`
	Completed   bool      `json:"completed"`
	CreatedAt   time.Time `json:"created_at"`
}

// ParticipantPatch carries a partial update. Nil fields leave the stored value
// untouched; intake fields additionally never overwrite an existing value.
type ParticipantPatch struct {
	DisplayName *string
	Gender      *string
	Age         *int
	Condition   *Condition
	Total       *int
}

// SequenceItem is one row of a participant's randomized video order.
type SequenceItem struct {
	UserID    int64     `json:"user_id"`
	Position  int       `json:"position"`
	Condition Condition `json:"condition"`
	Scenario  Scenario  `json:"scenario"`
	MediaRef  string    `json:"media_ref"`
}

// Answer holds the up-to-four response fields for one (participant, position)
// pair. Unset pointer fields mark where the participant left off; the row is
// created lazily on the first field write and never deleted.
type Answer struct {
	UserID      int64    `json:"user_id"`
	Position    int      `json:"position"`
	Scenario    Scenario `json:"scenario"`
	MediaRef    string   `json:"media_ref"`
	Description *string  `json:"description,omitempty"`
	AdvBehavior *string  `json:"adv_behavior,omitempty"`
	AdvChoice   *string  `json:"adv_choice,omitempty"`
	Rating      *int     `json:"rating,omitempty"`
}

// AnswerPatch carries a partial answer update; nil fields are preserved.
type AnswerPatch struct {
	Description *string
	AdvBehavior *string
	AdvChoice   *string
	Rating      *int
}

// ParticipantRow is the export projection of a participant, with the
// transport identity joined in. Progress counters are deliberately absent.
type ParticipantRow struct {
	UserID      int64
	Handle      string
	UserName    string
	DisplayName string
	Gender      string
	Age         *int
	Condition   Condition
	Completed   bool
	CreatedAt   time.Time
}

// AnswerRow is the export projection joining participants with their video
// sequence and answers. Sequence and answer fields are nullable so that
// in-progress participants still appear.
type AnswerRow struct {
	UserID      int64
	Handle      string
	UserName    string
	DisplayName string
	Gender      string
	Age         *int
	Condition   Condition
	Position    *int
	Scenario    Scenario
	Description *string
	AdvBehavior *string
	AdvChoice   *string
	Rating      *int
}

// Researcher is a staff account with access to the export surface.
type Researcher struct {
	ID        string
	Email     string
	PassHash  []byte
	CreatedAt time.Time
}
