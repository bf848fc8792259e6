package services

import (
	"bytes"
	"encoding/csv"
	"strconv"
	"time"

	"github.com/perceptlab/studybot/internal/models"
)

// CSV rendering for the two researcher-facing projections. The store returns
// rows already ordered; rendering is a straight projection with nullable
// fields emitted as empty cells.

func participantsHeader() []string {
	return []string{"user_id", "handle", "user_name", "participant_name", "gender", "age", "condition", "completed", "created_at"}
}

// ParticipantsCSV renders the participants sheet: one row per participant,
// ordered by user id. Progress counters are not part of the projection.
func ParticipantsCSV(rows []*models.ParticipantRow) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	_ = w.Write(participantsHeader())
	for _, r := range rows {
		rec := []string{
			strconv.FormatInt(r.UserID, 10),
			r.Handle,
			r.UserName,
			r.DisplayName,
			r.Gender,
			intCell(r.Age),
			string(r.Condition),
			strconv.FormatBool(r.Completed),
			timeCell(r.CreatedAt),
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func answersHeader() []string {
	return []string{
		"user_id", "handle", "user_name", "participant_name", "gender", "age", "condition",
		"video_position", "video_scenario",
		"answer_description", "answer_adv_behavior", "answer_adv_choice", "answer_rating",
	}
}

// AnswersCSV renders the answers sheet: one row per participant per assigned
// video, with empty cells for anything not yet answered. Media references
// never appear here.
func AnswersCSV(rows []*models.AnswerRow) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	_ = w.Write(answersHeader())
	for _, r := range rows {
		rec := []string{
			strconv.FormatInt(r.UserID, 10),
			r.Handle,
			r.UserName,
			r.DisplayName,
			r.Gender,
			intCell(r.Age),
			string(r.Condition),
			intCell(r.Position),
			string(r.Scenario),
			strCell(r.Description),
			strCell(r.AdvBehavior),
			strCell(r.AdvChoice),
			intCell(r.Rating),
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func intCell(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func strCell(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func timeCell(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
