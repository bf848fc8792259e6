package services

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/perceptlab/studybot/internal/models"
)

func newTestController(t *testing.T) (*InteractionService, *memStore) {
	t.Helper()
	cat := testCatalog(t)
	store := newMemStore()
	sequences := NewSequenceService(store, cat)
	sequences.rng = rand.New(rand.NewSource(11))
	svc := NewInteractionService(store, sequences, cat, "https://example.com/survey")
	svc.rng = rand.New(rand.NewSource(11))
	return svc, store
}

func command(userID int64, text string) InboundEvent {
	return InboundEvent{UserID: userID, Handle: "tester", Kind: EventCommand, Text: text}
}

func text(userID int64, s string) InboundEvent {
	return InboundEvent{UserID: userID, Handle: "tester", Kind: EventText, Text: s}
}

func choice(userID int64, data string) InboundEvent {
	return InboundEvent{UserID: userID, Handle: "tester", Kind: EventChoice, Choice: data}
}

func handle(t *testing.T, svc *InteractionService, ev InboundEvent) []Prompt {
	t.Helper()
	out, err := svc.HandleEvent(ev)
	if err != nil {
		t.Fatalf("handle %s event: %v", ev.Kind, err)
	}
	return out
}

// seedRun installs a participant past intake, with a fixed video ordering.
func seedRun(t *testing.T, svc *InteractionService, store *memStore, userID int64, position int) []models.SequenceItem {
	t.Helper()
	if err := store.UpsertUser(&models.User{ID: userID, Handle: "tester"}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	cond := models.ConditionNoCues
	items := make([]models.SequenceItem, 0, len(models.Scenarios))
	for pos, scen := range models.Scenarios {
		ref, _ := svc.cat.MediaRef(cond, scen)
		items = append(items, models.SequenceItem{UserID: userID, Position: pos, Condition: cond, Scenario: scen, MediaRef: ref})
	}
	if err := store.ReplaceSequence(userID, items); err != nil {
		t.Fatalf("seed sequence: %v", err)
	}
	store.participants[userID] = &models.Participant{
		UserID:      userID,
		DisplayName: "Alex",
		Gender:      "Female",
		Age:         29,
		Condition:   cond,
		Position:    position,
		Total:       len(items),
	}
	return items
}

func TestIntakeThroughFirstVideo(t *testing.T) {
	svc, store := newTestController(t)
	const uid = int64(100)

	out := handle(t, svc, command(uid, "/start"))
	if len(out) != 2 || out[0].Text != msgInstruction || out[1].Text != msgAskName {
		t.Fatalf("unexpected start prompts: %+v", out)
	}
	if store.participants[uid] != nil {
		t.Fatal("participant created before any intake answer")
	}

	out = handle(t, svc, text(uid, "Alex"))
	if len(out) != 1 || out[0].Text != msgAskGender || len(out[0].Choices) != 2 {
		t.Fatalf("unexpected gender prompt: %+v", out)
	}
	if p := store.participants[uid]; p == nil || p.DisplayName != "Alex" {
		t.Fatalf("name not stored: %+v", store.participants[uid])
	}

	out = handle(t, svc, choice(uid, "gender:female"))
	if len(out) != 1 || out[0].Text != fmt.Sprintf(msgGenderChosen, "Female") {
		t.Fatalf("unexpected gender ack: %+v", out)
	}
	if p := store.participants[uid]; p.Gender != "Female" {
		t.Fatalf("gender not stored: %+v", p)
	}

	out = handle(t, svc, text(uid, "29"))
	if len(out) != 3 {
		t.Fatalf("want intake-done + video + description prompts, got %+v", out)
	}
	if out[0].Text != msgIntakeDone {
		t.Fatalf("unexpected intake ack: %q", out[0].Text)
	}
	p := store.participants[uid]
	if p.Age != 29 || !p.Condition.Valid() || p.Total != 4 || p.Position != 0 || p.Completed {
		t.Fatalf("unexpected participant after intake: %+v", p)
	}

	seq := store.sequences[uid]
	if len(seq) != 4 {
		t.Fatalf("want 4 sequence rows, got %d", len(seq))
	}
	if out[1].Text != fmt.Sprintf(msgVideoCaption, 1, 4) || out[1].MediaRef != seq[0].MediaRef {
		t.Fatalf("unexpected video prompt: %+v", out[1])
	}
	if out[2].Text != msgAskDescription {
		t.Fatalf("unexpected description prompt: %q", out[2].Text)
	}
}

func TestAgeValidationLeavesStorageUntouched(t *testing.T) {
	svc, store := newTestController(t)
	const uid = int64(101)

	handle(t, svc, command(uid, "/start"))
	handle(t, svc, text(uid, "Alex"))
	handle(t, svc, choice(uid, "gender:male"))

	for _, bad := range []string{"abc", "0", "121", "-5", "29.5"} {
		out := handle(t, svc, text(uid, bad))
		if len(out) != 1 || out[0].Text != msgAgeInvalid {
			t.Fatalf("age %q: unexpected prompts %+v", bad, out)
		}
		p := store.participants[uid]
		if p.Age != 0 || p.Condition != "" {
			t.Fatalf("age %q mutated storage: %+v", bad, p)
		}
	}

	handle(t, svc, text(uid, "30"))
	if p := store.participants[uid]; p.Age != 30 || !p.Condition.Valid() {
		t.Fatalf("valid age not stored: %+v", p)
	}
}

func TestPartialIntakeResumesAtNextQuestion(t *testing.T) {
	svc, store := newTestController(t)
	const uid = int64(102)

	// Name and gender were stored before a disconnect.
	store.participants[uid] = &models.Participant{UserID: uid, DisplayName: "Ann", Gender: "Female"}

	out := handle(t, svc, command(uid, "/start"))
	if len(out) != 1 || out[0].Text != msgAskAge {
		t.Fatalf("want only the age question, got %+v", out)
	}

	out = handle(t, svc, text(uid, "31"))
	if out[0].Text != msgIntakeDone {
		t.Fatalf("unexpected intake ack: %q", out[0].Text)
	}
	p := store.participants[uid]
	if p.DisplayName != "Ann" || p.Gender != "Female" || p.Age != 31 {
		t.Fatalf("earlier intake answers overwritten: %+v", p)
	}
	if !p.Condition.Valid() || len(store.sequences[uid]) != 4 {
		t.Fatalf("assignment missing after intake completion: %+v", p)
	}
}

func TestStartRecoversMissingAssignment(t *testing.T) {
	svc, store := newTestController(t)
	const uid = int64(103)

	// Interrupted between the age write and the condition write.
	store.participants[uid] = &models.Participant{UserID: uid, DisplayName: "Ann", Gender: "Female", Age: 40}

	out := handle(t, svc, command(uid, "/start"))
	p := store.participants[uid]
	if !p.Condition.Valid() || p.Total != 4 || len(store.sequences[uid]) != 4 {
		t.Fatalf("assignment not recovered: %+v", p)
	}
	if out[0].Text != msgIntakeDone {
		t.Fatalf("unexpected prompts: %+v", out)
	}
}

func TestAnswerLadderForOneVideo(t *testing.T) {
	svc, store := newTestController(t)
	const uid = int64(104)
	items := seedRun(t, svc, store, uid, 0)

	out := handle(t, svc, text(uid, "The robot sorts pizza boxes."))
	if len(out) != 1 || out[0].Text != msgAskAdvBehavior {
		t.Fatalf("after description: %+v", out)
	}
	out = handle(t, svc, text(uid, "carefully"))
	if len(out) != 1 || out[0].Text != msgAskAdvChoice {
		t.Fatalf("after behavior adverb: %+v", out)
	}
	out = handle(t, svc, text(uid, "deliberately"))
	if len(out) != 1 || len(out[0].Choices) != 10 {
		t.Fatalf("after choice adverb, want rating keyboard: %+v", out)
	}
	a := svc.cat.AnchorsFor(items[0].Scenario)
	if !strings.Contains(out[0].Text, a.Left) || !strings.Contains(out[0].Text, a.Right) {
		t.Fatalf("rating prompt missing anchors: %q", out[0].Text)
	}

	ans := store.answers[uid][0]
	if ans == nil || ans.Scenario != items[0].Scenario || ans.MediaRef != items[0].MediaRef {
		t.Fatalf("answer row: %+v", ans)
	}
	if *ans.Description != "The robot sorts pizza boxes." || *ans.AdvBehavior != "carefully" || *ans.AdvChoice != "deliberately" {
		t.Fatalf("answer fields: %+v", ans)
	}
	if ans.Rating != nil {
		t.Fatalf("rating set prematurely: %+v", ans)
	}
}

func TestRatingAdvancesToNextVideo(t *testing.T) {
	svc, store := newTestController(t)
	const uid = int64(105)
	items := seedRun(t, svc, store, uid, 2)
	store.answers[uid] = map[int]*models.Answer{2: {
		UserID: uid, Position: 2, Scenario: items[2].Scenario, MediaRef: items[2].MediaRef,
		Description: strPtr("d"), AdvBehavior: strPtr("a"), AdvChoice: strPtr("b"),
	}}

	out := handle(t, svc, choice(uid, "rating:7"))
	if len(out) != 3 || out[0].Text != msgNextVideo {
		t.Fatalf("unexpected prompts: %+v", out)
	}
	if out[1].Text != fmt.Sprintf(msgVideoCaption, 4, 4) || out[1].MediaRef != items[3].MediaRef {
		t.Fatalf("unexpected next video prompt: %+v", out[1])
	}
	if out[2].Text != msgAskDescription {
		t.Fatalf("unexpected follow-up: %q", out[2].Text)
	}

	if r := store.answers[uid][2].Rating; r == nil || *r != 7 {
		t.Fatalf("rating not stored: %+v", store.answers[uid][2])
	}
	p := store.participants[uid]
	if p.Position != 3 || p.Completed {
		t.Fatalf("progress not advanced: %+v", p)
	}
}

func TestFinalRatingCompletesRun(t *testing.T) {
	svc, store := newTestController(t)
	const uid = int64(106)
	items := seedRun(t, svc, store, uid, 3)
	store.answers[uid] = map[int]*models.Answer{3: {
		UserID: uid, Position: 3, Scenario: items[3].Scenario, MediaRef: items[3].MediaRef,
		Description: strPtr("d"), AdvBehavior: strPtr("a"), AdvChoice: strPtr("b"),
	}}

	out := handle(t, svc, choice(uid, "rating:5"))
	if len(out) != 1 {
		t.Fatalf("unexpected prompts: %+v", out)
	}
	if !strings.Contains(out[0].Text, "https://example.com/survey") || !strings.Contains(out[0].Text, "Alex") {
		t.Fatalf("final message missing survey link or pseudonym: %q", out[0].Text)
	}
	p := store.participants[uid]
	if !p.Completed || p.Position != 4 {
		t.Fatalf("run not completed: %+v", p)
	}

	// Anything after completion replays the terminal state.
	out = handle(t, svc, command(uid, "/start"))
	if len(out) != 2 || out[0].Text != msgAlreadyDone {
		t.Fatalf("restart after completion: %+v", out)
	}
	out = handle(t, svc, text(uid, "hello"))
	if len(out) != 1 || out[0].Text != msgNoSession {
		t.Fatalf("text after completion: %+v", out)
	}
}

func TestResumeMidRunReasksOpenQuestion(t *testing.T) {
	svc, store := newTestController(t)
	const uid = int64(107)
	items := seedRun(t, svc, store, uid, 1)
	store.answers[uid] = map[int]*models.Answer{1: {
		UserID: uid, Position: 1, Scenario: items[1].Scenario, MediaRef: items[1].MediaRef,
		Description: strPtr("d"),
	}}

	out := handle(t, svc, command(uid, "/start"))
	if len(out) != 2 || out[0].Text != msgResuming || out[1].Text != msgAskAdvBehavior {
		t.Fatalf("unexpected resume prompts: %+v", out)
	}
	// Resuming must not mutate anything.
	if p := store.participants[uid]; p.Position != 1 || p.Completed {
		t.Fatalf("resume mutated progress: %+v", p)
	}
	if ans := store.answers[uid][1]; ans.AdvBehavior != nil {
		t.Fatalf("resume mutated answers: %+v", ans)
	}
}

func TestOutOfRangeRatingRejectedWithoutMutation(t *testing.T) {
	svc, store := newTestController(t)
	const uid = int64(108)
	items := seedRun(t, svc, store, uid, 0)
	store.answers[uid] = map[int]*models.Answer{0: {
		UserID: uid, Position: 0, Scenario: items[0].Scenario, MediaRef: items[0].MediaRef,
		Description: strPtr("d"), AdvBehavior: strPtr("a"), AdvChoice: strPtr("b"),
	}}

	for _, bad := range []string{"rating:0", "rating:11", "rating:x"} {
		out := handle(t, svc, choice(uid, bad))
		if len(out) != 1 || out[0].Text != msgRatingUseButtons {
			t.Fatalf("%q: unexpected prompts %+v", bad, out)
		}
	}
	if store.answers[uid][0].Rating != nil {
		t.Fatalf("rejected rating stored: %+v", store.answers[uid][0])
	}
	if p := store.participants[uid]; p.Position != 0 {
		t.Fatalf("rejected rating advanced progress: %+v", p)
	}
}

func TestRatingAtWrongStageReasksWithoutMutation(t *testing.T) {
	svc, store := newTestController(t)
	const uid = int64(109)
	items := seedRun(t, svc, store, uid, 0)

	// A stale rating button pressed while the description is still open.
	out := handle(t, svc, choice(uid, "rating:6"))
	if len(out) != 2 || out[0].MediaRef != items[0].MediaRef || out[1].Text != msgAskDescription {
		t.Fatalf("unexpected prompts: %+v", out)
	}
	if len(store.answers[uid]) != 0 {
		t.Fatalf("wrong-stage rating wrote an answer: %+v", store.answers[uid])
	}
	if p := store.participants[uid]; p.Position != 0 {
		t.Fatalf("wrong-stage rating advanced progress: %+v", p)
	}
}

func TestFreeTextDuringRatingStageRejected(t *testing.T) {
	svc, store := newTestController(t)
	const uid = int64(110)
	items := seedRun(t, svc, store, uid, 0)
	store.answers[uid] = map[int]*models.Answer{0: {
		UserID: uid, Position: 0, Scenario: items[0].Scenario, MediaRef: items[0].MediaRef,
		Description: strPtr("d"), AdvBehavior: strPtr("a"), AdvChoice: strPtr("b"),
	}}

	out := handle(t, svc, text(uid, "seven"))
	if len(out) != 1 || out[0].Text != msgRatingUseButtons {
		t.Fatalf("unexpected prompts: %+v", out)
	}
	if store.answers[uid][0].Rating != nil {
		t.Fatalf("free text stored as rating: %+v", store.answers[uid][0])
	}
}

func TestInconsistentStateSurfacedNotReasked(t *testing.T) {
	svc, store := newTestController(t)
	const uid = int64(111)
	items := seedRun(t, svc, store, uid, 0)
	// Fully answered position that was never advanced past.
	store.answers[uid] = map[int]*models.Answer{0: {
		UserID: uid, Position: 0, Scenario: items[0].Scenario, MediaRef: items[0].MediaRef,
		Description: strPtr("d"), AdvBehavior: strPtr("a"), AdvChoice: strPtr("b"), Rating: intPtr(4),
	}}

	out := handle(t, svc, text(uid, "anything"))
	if len(out) != 1 || out[0].Text != msgNoSession {
		t.Fatalf("unexpected prompts: %+v", out)
	}
	// The record is left intact for the researcher to inspect.
	if a := store.answers[uid][0]; a.Rating == nil || *a.Rating != 4 {
		t.Fatalf("inconsistent record mutated: %+v", a)
	}
}

func TestStaleGenderChoiceIgnored(t *testing.T) {
	svc, store := newTestController(t)
	const uid = int64(112)
	seedRun(t, svc, store, uid, 0)

	out := handle(t, svc, choice(uid, "gender:male"))
	if len(out) != 1 || out[0].Text != msgStartHint {
		t.Fatalf("unexpected prompts: %+v", out)
	}
	if p := store.participants[uid]; p.Gender != "Female" {
		t.Fatalf("stale gender choice overwrote intake: %+v", p)
	}
}

func TestMediaEventEchoesReference(t *testing.T) {
	svc, _ := newTestController(t)
	out := handle(t, svc, InboundEvent{UserID: 113, Kind: EventMedia, MediaRef: "file-abc"})
	if len(out) != 1 || !strings.Contains(out[0].Text, "file-abc") {
		t.Fatalf("unexpected prompts: %+v", out)
	}
}

func TestUnknownCommandHintsStart(t *testing.T) {
	svc, _ := newTestController(t)
	out := handle(t, svc, command(114, "/help"))
	if len(out) != 1 || out[0].Text != msgStartHint {
		t.Fatalf("unexpected prompts: %+v", out)
	}
}
