package services

import "github.com/perceptlab/studybot/internal/models"

// Stage classifies what input the experiment expects next from a participant.
type Stage string

const (
	// StageNoParticipant means no participant record exists yet; only
	// reachable before intake starts.
	StageNoParticipant Stage = "no_participant"
	// StageFinished is terminal: the run is completed or the position cursor
	// ran past the assigned videos.
	StageFinished Stage = "finished"

	StageExpectDescription    Stage = "expect_description"
	StageExpectAdverbBehavior Stage = "expect_adv_behavior"
	StageExpectAdverbChoice   Stage = "expect_adv_choice"
	StageExpectRating         Stage = "expect_rating"

	// StageInconsistent means the answer row at the current position is fully
	// filled but the position was never advanced. That points at a missed
	// advancement, so it is surfaced instead of silently re-asking.
	StageInconsistent Stage = "inconsistent"
)

// Terminal reports whether no further participant input is expected.
func (st Stage) Terminal() bool {
	return st == StageNoParticipant || st == StageFinished || st == StageInconsistent
}

// ResolveStage derives the next required interaction stage purely from
// persisted state: the participant row and the answer row at the current
// position. It holds no cursor of its own — recomputing it after any
// disconnect yields the same stage, which is what makes resumption correct
// by construction.
//
// The answer argument must be the row at participant.Position, or nil when
// none exists yet.
func ResolveStage(p *models.Participant, answer *models.Answer) Stage {
	if p == nil {
		return StageNoParticipant
	}
	if p.Completed {
		return StageFinished
	}
	if p.Position >= p.Total {
		return StageFinished
	}
	switch {
	case answer == nil || answer.Description == nil:
		return StageExpectDescription
	case answer.AdvBehavior == nil:
		return StageExpectAdverbBehavior
	case answer.AdvChoice == nil:
		return StageExpectAdverbChoice
	case answer.Rating == nil:
		return StageExpectRating
	}
	return StageInconsistent
}
