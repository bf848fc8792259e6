package services

import (
	"fmt"
	"log"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/perceptlab/studybot/internal/catalog"
	"github.com/perceptlab/studybot/internal/models"
)

// InteractionStore abstracts the persistence operations the controller needs.
type InteractionStore interface {
	UpsertUser(u *models.User) error
	GetParticipant(userID int64) (*models.Participant, error)
	UpsertParticipant(userID int64, patch models.ParticipantPatch) error
	GetSequenceItem(userID int64, position int) (*models.SequenceItem, error)
	GetAnswer(userID int64, position int) (*models.Answer, error)
	SetAnswer(userID int64, position int, scenario models.Scenario, mediaRef string, patch models.AnswerPatch) error
	AdvanceProgress(userID int64, position int, completed bool) error
}

type intakeStage int

const (
	intakeNone intakeStage = iota
	intakeAskName
	intakeAskGender
	intakeAskAge
)

// session is the ephemeral per-user state. The intake stage is genuinely
// session-scoped; expect is only an echo of what ResolveStage computes from
// storage and is never treated as authoritative.
type session struct {
	intake intakeStage
	expect Stage
}

// InteractionService routes inbound chat events: it runs the intake
// questions, hands off to the sequence generator once intake completes, and
// drives the per-video question loop with the progress resolver as its
// decision oracle. It holds no authoritative state of its own.
type InteractionService struct {
	store     InteractionStore
	sequences *SequenceService
	cat       *catalog.Catalog
	formURL   string

	mu       sync.Mutex
	sessions map[int64]*session
	rng      *rand.Rand
}

func NewInteractionService(store InteractionStore, sequences *SequenceService, cat *catalog.Catalog, formURL string) *InteractionService {
	return &InteractionService{
		store:     store,
		sequences: sequences,
		cat:       cat,
		formURL:   formURL,
		sessions:  map[int64]*session{},
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *InteractionService) session(userID int64) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[userID]
	if sess == nil {
		sess = &session{}
		s.sessions[userID] = sess
	}
	return sess
}

func (s *InteractionService) resetSession(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, userID)
}

func (s *InteractionService) pickCondition() models.Condition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.Conditions[s.rng.Intn(len(models.Conditions))]
}

func (s *InteractionService) prompt(userID int64, text string) Prompt {
	return Prompt{UserID: userID, Text: text}
}

// HandleEvent processes one inbound event end to end: read state, decide,
// mutate, respond. The transport serializes events per user, so no further
// locking around storage is needed.
func (s *InteractionService) HandleEvent(ev InboundEvent) ([]Prompt, error) {
	if err := s.store.UpsertUser(&models.User{ID: ev.UserID, Handle: ev.Handle, DisplayName: ev.DisplayName}); err != nil {
		return nil, err
	}

	switch ev.Kind {
	case EventCommand:
		return s.handleCommand(ev)
	case EventText:
		return s.handleText(ev)
	case EventChoice:
		return s.handleChoice(ev)
	case EventMedia:
		// Operator convenience: echo the reference so uploaded videos can be
		// copied into the catalog config.
		return []Prompt{s.prompt(ev.UserID, fmt.Sprintf("Media reference: %s", ev.MediaRef))}, nil
	}
	return nil, NewInvalidError(fmt.Sprintf("unknown event kind %q", ev.Kind))
}

func (s *InteractionService) handleCommand(ev InboundEvent) ([]Prompt, error) {
	if strings.TrimSpace(ev.Text) == "/start" {
		return s.handleStart(ev)
	}
	return []Prompt{s.prompt(ev.UserID, msgStartHint)}, nil
}

// handleStart resumes from whatever durable state exists: a completed run
// replays the final message, a half-done intake asks only the next missing
// question, a run in progress continues at the resolver's stage.
func (s *InteractionService) handleStart(ev InboundEvent) ([]Prompt, error) {
	p, err := s.store.GetParticipant(ev.UserID)
	if err != nil {
		return nil, err
	}

	if p != nil && p.Completed {
		s.resetSession(ev.UserID)
		return []Prompt{s.prompt(ev.UserID, msgAlreadyDone), s.finalPrompt(ev.UserID, p)}, nil
	}

	if p != nil {
		sess := s.session(ev.UserID)
		switch {
		case p.DisplayName == "":
			sess.intake = intakeAskName
			return []Prompt{s.prompt(ev.UserID, msgAskName)}, nil
		case p.Gender == "":
			sess.intake = intakeAskGender
			return []Prompt{s.genderPrompt(ev.UserID)}, nil
		case p.Age == 0:
			sess.intake = intakeAskAge
			return []Prompt{s.prompt(ev.UserID, msgAskAge)}, nil
		case p.Condition == "":
			// Intake answered but assignment missing (interrupted between the
			// age write and the condition write). Finish intake now.
			sess.intake = intakeNone
			return s.completeIntake(ev.UserID)
		}
		sess.intake = intakeNone
		out := []Prompt{s.prompt(ev.UserID, msgResuming)}
		more, err := s.continueExperiment(ev.UserID)
		if err != nil {
			return nil, err
		}
		return append(out, more...), nil
	}

	sess := s.session(ev.UserID)
	sess.intake = intakeAskName
	sess.expect = ""
	return []Prompt{
		s.prompt(ev.UserID, msgInstruction),
		s.prompt(ev.UserID, msgAskName),
	}, nil
}

func (s *InteractionService) handleText(ev InboundEvent) ([]Prompt, error) {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return []Prompt{s.prompt(ev.UserID, msgStartHint)}, nil
	}

	sess := s.session(ev.UserID)
	switch sess.intake {
	case intakeAskName:
		if err := s.store.UpsertParticipant(ev.UserID, models.ParticipantPatch{DisplayName: &text}); err != nil {
			return nil, err
		}
		sess.intake = intakeAskGender
		return []Prompt{s.genderPrompt(ev.UserID)}, nil

	case intakeAskGender:
		if err := s.store.UpsertParticipant(ev.UserID, models.ParticipantPatch{Gender: &text}); err != nil {
			return nil, err
		}
		sess.intake = intakeAskAge
		return []Prompt{s.prompt(ev.UserID, msgAskAge)}, nil

	case intakeAskAge:
		age, err := strconv.Atoi(text)
		if err != nil || age < 1 || age > 120 {
			// ValidationError: re-prompt, storage untouched.
			return []Prompt{s.prompt(ev.UserID, msgAgeInvalid)}, nil
		}
		if err := s.store.UpsertParticipant(ev.UserID, models.ParticipantPatch{Age: &age}); err != nil {
			return nil, err
		}
		sess.intake = intakeNone
		return s.completeIntake(ev.UserID)
	}

	return s.handleExperimentText(ev.UserID, text, sess)
}

// completeIntake assigns the condition uniformly at random, fixes the total
// video count, generates the randomized sequence and emits the first video
// prompt.
func (s *InteractionService) completeIntake(userID int64) ([]Prompt, error) {
	cond := s.pickCondition()
	total := len(s.cat.Scenarios())
	if err := s.store.UpsertParticipant(userID, models.ParticipantPatch{Condition: &cond, Total: &total}); err != nil {
		return nil, err
	}
	// Condition is write-once; reload in case an interrupted earlier run
	// already assigned one.
	p, err := s.store.GetParticipant(userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, NewInconsistentError(fmt.Sprintf("participant %d vanished during intake", userID))
	}
	if _, err := s.sequences.Assign(userID, p.Condition); err != nil {
		return nil, err
	}
	out := []Prompt{s.prompt(userID, msgIntakeDone)}
	more, err := s.continueExperiment(userID)
	if err != nil {
		return nil, err
	}
	return append(out, more...), nil
}

func (s *InteractionService) handleExperimentText(userID int64, text string, sess *session) ([]Prompt, error) {
	p, err := s.store.GetParticipant(userID)
	if err != nil {
		return nil, err
	}
	if p == nil || p.Completed {
		s.resetSession(userID)
		return []Prompt{s.prompt(userID, msgNoSession)}, nil
	}
	if p.Condition == "" {
		// Intake never finished; free text outside a session cannot be placed.
		return []Prompt{s.prompt(userID, msgStartHint)}, nil
	}

	seq, err := s.store.GetSequenceItem(userID, p.Position)
	if err != nil {
		return nil, err
	}
	if seq == nil {
		log.Printf("interaction: user %d at position %d has no sequence row", userID, p.Position)
		return []Prompt{s.prompt(userID, msgVideoMissing)}, nil
	}

	ans, err := s.store.GetAnswer(userID, p.Position)
	if err != nil {
		return nil, err
	}
	stage := ResolveStage(p, ans)
	sess.expect = stage

	var patch models.AnswerPatch
	switch stage {
	case StageExpectDescription:
		patch.Description = &text
	case StageExpectAdverbBehavior:
		patch.AdvBehavior = &text
	case StageExpectAdverbChoice:
		patch.AdvChoice = &text
	case StageExpectRating:
		// Free text is the wrong input kind here; reject without mutating.
		return []Prompt{s.prompt(userID, msgRatingUseButtons)}, nil
	case StageFinished:
		s.resetSession(userID)
		return []Prompt{s.finalPrompt(userID, p)}, nil
	default:
		log.Printf("interaction: user %d in inconsistent state at position %d", userID, p.Position)
		s.resetSession(userID)
		return []Prompt{s.prompt(userID, msgNoSession)}, nil
	}

	if err := s.store.SetAnswer(userID, p.Position, seq.Scenario, seq.MediaRef, patch); err != nil {
		return nil, err
	}
	return s.continueExperiment(userID)
}

func (s *InteractionService) handleChoice(ev InboundEvent) ([]Prompt, error) {
	data := strings.TrimSpace(ev.Choice)
	switch {
	case strings.HasPrefix(data, "gender:"):
		return s.handleGenderChoice(ev.UserID, strings.TrimPrefix(data, "gender:"))
	case strings.HasPrefix(data, "rating:"):
		return s.handleRatingChoice(ev.UserID, strings.TrimPrefix(data, "rating:"))
	}
	return []Prompt{s.prompt(ev.UserID, msgStartHint)}, nil
}

func (s *InteractionService) handleGenderChoice(userID int64, value string) ([]Prompt, error) {
	sess := s.session(userID)
	if sess.intake != intakeAskGender {
		// Stale keyboard from an earlier session; reject without mutating.
		return []Prompt{s.prompt(userID, msgStartHint)}, nil
	}
	gender := ""
	switch value {
	case "female":
		gender = "Female"
	case "male":
		gender = "Male"
	default:
		return []Prompt{s.genderPrompt(userID)}, nil
	}
	if err := s.store.UpsertParticipant(userID, models.ParticipantPatch{Gender: &gender}); err != nil {
		return nil, err
	}
	sess.intake = intakeAskAge
	return []Prompt{s.prompt(userID, fmt.Sprintf(msgGenderChosen, gender))}, nil
}

// handleRatingChoice validates the score, writes it and advances: the last
// position flips the completed flag together with the position bump, any
// other position increments and immediately emits the next video prompt.
// Advancement and next-prompt emission are one logical step.
func (s *InteractionService) handleRatingChoice(userID int64, raw string) ([]Prompt, error) {
	score, err := strconv.Atoi(raw)
	if err != nil || score < 1 || score > 10 {
		// Out-of-range rating: storage untouched, no advancement.
		return []Prompt{s.prompt(userID, msgRatingUseButtons)}, nil
	}

	p, err := s.store.GetParticipant(userID)
	if err != nil {
		return nil, err
	}
	if p == nil || p.Completed {
		s.resetSession(userID)
		return []Prompt{s.prompt(userID, msgNoSession)}, nil
	}

	seq, err := s.store.GetSequenceItem(userID, p.Position)
	if err != nil {
		return nil, err
	}
	if seq == nil {
		log.Printf("interaction: user %d at position %d has no sequence row", userID, p.Position)
		return []Prompt{s.prompt(userID, msgVideoMissing)}, nil
	}

	ans, err := s.store.GetAnswer(userID, p.Position)
	if err != nil {
		return nil, err
	}
	stage := ResolveStage(p, ans)
	if stage != StageExpectRating {
		if stage == StageInconsistent {
			log.Printf("interaction: user %d in inconsistent state at position %d", userID, p.Position)
			s.resetSession(userID)
			return []Prompt{s.prompt(userID, msgNoSession)}, nil
		}
		// A rating arrived while another field is open; re-ask the open
		// question without writing anything.
		return s.continueExperiment(userID)
	}

	if err := s.store.SetAnswer(userID, p.Position, seq.Scenario, seq.MediaRef, models.AnswerPatch{Rating: &score}); err != nil {
		return nil, err
	}

	next := p.Position + 1
	if next >= p.Total {
		if err := s.store.AdvanceProgress(userID, next, true); err != nil {
			return nil, err
		}
		p.Position = next
		p.Completed = true
		s.resetSession(userID)
		return []Prompt{s.finalPrompt(userID, p)}, nil
	}
	if err := s.store.AdvanceProgress(userID, next, false); err != nil {
		return nil, err
	}
	out := []Prompt{s.prompt(userID, msgNextVideo)}
	more, err := s.continueExperiment(userID)
	if err != nil {
		return nil, err
	}
	return append(out, more...), nil
}

// continueExperiment recomputes the stage from durable state and emits the
// matching prompt. It is called after every mutation and on every resume;
// the session's expect tag is refreshed here but never consulted.
func (s *InteractionService) continueExperiment(userID int64) ([]Prompt, error) {
	p, err := s.store.GetParticipant(userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		s.resetSession(userID)
		return []Prompt{s.prompt(userID, msgNoSession)}, nil
	}

	ans, err := s.store.GetAnswer(userID, p.Position)
	if err != nil {
		return nil, err
	}
	stage := ResolveStage(p, ans)
	sess := s.session(userID)
	sess.expect = stage

	switch stage {
	case StageFinished:
		s.resetSession(userID)
		return []Prompt{s.finalPrompt(userID, p)}, nil
	case StageInconsistent:
		log.Printf("interaction: user %d in inconsistent state at position %d", userID, p.Position)
		s.resetSession(userID)
		return []Prompt{s.prompt(userID, msgNoSession)}, nil
	}

	seq, err := s.store.GetSequenceItem(userID, p.Position)
	if err != nil {
		return nil, err
	}
	if seq == nil {
		log.Printf("interaction: user %d at position %d has no sequence row", userID, p.Position)
		return []Prompt{s.prompt(userID, msgVideoMissing)}, nil
	}

	switch stage {
	case StageExpectDescription:
		caption := fmt.Sprintf(msgVideoCaption, p.Position+1, p.Total)
		return []Prompt{
			{UserID: userID, Text: caption, MediaRef: seq.MediaRef},
			s.prompt(userID, msgAskDescription),
		}, nil
	case StageExpectAdverbBehavior:
		return []Prompt{s.prompt(userID, msgAskAdvBehavior)}, nil
	case StageExpectAdverbChoice:
		return []Prompt{s.prompt(userID, msgAskAdvChoice)}, nil
	case StageExpectRating:
		return []Prompt{s.ratingPrompt(userID, seq.Scenario)}, nil
	}
	return []Prompt{s.prompt(userID, msgNoSession)}, nil
}

func (s *InteractionService) genderPrompt(userID int64) Prompt {
	return Prompt{
		UserID: userID,
		Text:   msgAskGender,
		Choices: []Choice{
			{Label: "Female", Data: "gender:female"},
			{Label: "Male", Data: "gender:male"},
		},
	}
}

func (s *InteractionService) ratingPrompt(userID int64, scen models.Scenario) Prompt {
	a := s.cat.AnchorsFor(scen)
	choices := make([]Choice, 0, 10)
	for i := 1; i <= 10; i++ {
		n := strconv.Itoa(i)
		choices = append(choices, Choice{Label: n, Data: "rating:" + n})
	}
	return Prompt{
		UserID:  userID,
		Text:    fmt.Sprintf(msgRating, a.Left, a.Right),
		Choices: choices,
	}
}

func (s *InteractionService) finalPrompt(userID int64, p *models.Participant) Prompt {
	name := p.DisplayName
	if name == "" {
		name = "your name or pseudonym"
	}
	return s.prompt(userID, fmt.Sprintf(msgFinal, s.formURL, name))
}

const (
	msgInstruction = "Thank you for agreeing to take part in this study.\n\n" +
		"You will watch 4 short videos and answer a few questions about each of them — " +
		"this takes about 5-10 minutes. At the end you will get a link to a follow-up survey " +
		"about your psychological characteristics, attitudes towards robots, values and so on " +
		"(about 20-25 minutes).\n\n" +
		"Please use the same name or pseudonym in both questionnaires so the data can be joined. " +
		"Participation is voluntary and all data is processed anonymously.\n\n" +
		"Tip: find a quiet place or use headphones for the videos.\n\n" +
		"First, please answer 3 personal questions."

	msgAskName = "1/3 — What should we call you in this study? " +
		"Send a name or pseudonym (remember it — you will enter it again in the follow-up survey)."
	msgAskGender    = "2/3 — What is your gender?"
	msgGenderChosen = "2/3 — You chose: %s.\n\n3/3 — How old are you? Please answer with a number."
	msgAskAge       = "3/3 — How old are you? Please answer with a number."
	msgAgeInvalid   = "3/3 — Please give your age as a whole number between 1 and 120 (for example, 25)."

	msgIntakeDone = "Thank you! Your details are recorded.\n\n" +
		"Now the main part begins: you will be shown 4 videos.\n\n" +
		"For each video:\n" +
		"- watch it with sound on;\n" +
		"- describe what the robot does;\n" +
		"- insert two adverbs (how it behaves and how it makes its choice);\n" +
		"- rate which of two statements better describes what is happening.\n\n" +
		"Let's start with the first video."

	msgVideoCaption   = "Video %d of %d.\n\n1/4 Please watch this video with sound on."
	msgAskDescription = "2/4 Describe what the robot does in this video."
	msgAskAdvBehavior = "3/4 Insert an adverb in place of the blank.\nThe robot behaves ____ (how?)"
	msgAskAdvChoice   = "4/4 Insert an adverb in place of the blank.\nThe robot makes its choice ____ (how?)"

	msgRating = "Which statement do you lean towards?\n\n" +
		"1 — %s\n2 — %s\n\n" +
		"Pick a number from 1 to 10: the closer to 1, the better the first statement describes " +
		"the video; the closer to 10, the better the second one does."
	msgRatingUseButtons = "Please pick a number from 1 to 10 using the buttons under the question."

	msgNextVideo = "Thank you! Moving on to the next video."
	msgResuming  = "We are continuing your experiment from where you left off."
	msgFinal     = "Thank you! All your answers have been recorded.\n\n" +
		"Please continue with the follow-up survey about your psychological characteristics, " +
		"attitudes towards robots and values:\n\n%s\n\n" +
		"In the survey, use the same name or pseudonym you gave at the start of this chat: \"%s\"."
	msgAlreadyDone = "Thank you for participating! Your answers are already recorded."

	msgStartHint    = "Please send /start to begin or resume the experiment."
	msgNoSession    = "We could not find your experiment session. Send /start to begin again."
	msgVideoMissing = "We could not find the current video. Please send /start or contact the study organizer."
)
