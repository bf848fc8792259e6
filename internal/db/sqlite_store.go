package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/perceptlab/studybot/internal/models"
)

// SQLiteStore is the durable entity store behind the experiment: users,
// participants, video sequences, answers and researcher accounts. All
// progress-affecting writes for one participant are single statements or
// single transactions, so a crash can never leave the position advanced but
// the completion flag unset (or vice versa).
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(sqlDB *sql.DB) (*SQLiteStore, error) {
	if sqlDB == nil {
		return nil, errors.New("nil db")
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, stmt := range pragmas {
		if _, err := sqlDB.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: sqlDB}, nil
}

func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func fromNullInt(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func parseTimestamp(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// --- Users ---

// UpsertUser records the transport identity; handle and display name are
// last-write-wins, refreshed on every inbound event.
func (s *SQLiteStore) UpsertUser(u *models.User) error {
	if u == nil {
		return errors.New("nil user")
	}
	_, err := s.db.Exec(`INSERT INTO users (user_id, handle, display_name) VALUES (?, ?, ?)
      ON CONFLICT(user_id) DO UPDATE SET handle = excluded.handle, display_name = excluded.display_name`,
		u.ID, toNullString(u.Handle), toNullString(u.DisplayName))
	if err != nil {
		return fmt.Errorf("upsert user %d: %w", u.ID, err)
	}
	return nil
}

// --- Participants ---

func (s *SQLiteStore) GetParticipant(userID int64) (*models.Participant, error) {
	row := s.db.QueryRow(`SELECT user_id, display_name, gender, age, condition, position, total, completed, created_at
      FROM participants WHERE user_id = ?`, userID)
	var p models.Participant
	var name, gender, cond sql.NullString
	var age sql.NullInt64
	var completed int64
	var created string
	if err := row.Scan(&p.UserID, &name, &gender, &age, &cond, &p.Position, &p.Total, &completed, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get participant %d: %w", userID, err)
	}
	p.DisplayName = name.String
	p.Gender = gender.String
	p.Age = int(age.Int64)
	p.Condition = models.Condition(cond.String)
	p.Completed = completed != 0
	p.CreatedAt = parseTimestamp(created)
	return &p, nil
}

// UpsertParticipant creates the participant row if absent and applies the
// patch. Nil patch fields are left untouched, and intake fields
// (name, gender, age, condition) are write-once: an existing value survives
// any later write.
func (s *SQLiteStore) UpsertParticipant(userID int64, patch models.ParticipantPatch) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("upsert participant %d: begin: %w", userID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = tx.Exec(`INSERT INTO participants (user_id, created_at) VALUES (?, ?)
      ON CONFLICT(user_id) DO NOTHING`, userID, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("upsert participant %d: insert: %w", userID, err)
	}

	if patch.DisplayName != nil {
		if _, err = tx.Exec(`UPDATE participants SET display_name = ?
          WHERE user_id = ? AND (display_name IS NULL OR display_name = '')`, *patch.DisplayName, userID); err != nil {
			return fmt.Errorf("upsert participant %d: display_name: %w", userID, err)
		}
	}
	if patch.Gender != nil {
		if _, err = tx.Exec(`UPDATE participants SET gender = ?
          WHERE user_id = ? AND (gender IS NULL OR gender = '')`, *patch.Gender, userID); err != nil {
			return fmt.Errorf("upsert participant %d: gender: %w", userID, err)
		}
	}
	if patch.Age != nil {
		if _, err = tx.Exec(`UPDATE participants SET age = ?
          WHERE user_id = ? AND age IS NULL`, *patch.Age, userID); err != nil {
			return fmt.Errorf("upsert participant %d: age: %w", userID, err)
		}
	}
	if patch.Condition != nil {
		if _, err = tx.Exec(`UPDATE participants SET condition = ?
          WHERE user_id = ? AND (condition IS NULL OR condition = '')`, string(*patch.Condition), userID); err != nil {
			return fmt.Errorf("upsert participant %d: condition: %w", userID, err)
		}
	}
	if patch.Total != nil {
		if _, err = tx.Exec(`UPDATE participants SET total = ? WHERE user_id = ?`, *patch.Total, userID); err != nil {
			return fmt.Errorf("upsert participant %d: total: %w", userID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("upsert participant %d: commit: %w", userID, err)
	}
	return nil
}

// AdvanceProgress moves the position cursor and completion flag in one
// statement. The guards keep the position monotonic and freeze completed
// participants; a stale or backwards write is silently a no-op.
func (s *SQLiteStore) AdvanceProgress(userID int64, position int, completed bool) error {
	flag := 0
	if completed {
		flag = 1
	}
	_, err := s.db.Exec(`UPDATE participants SET position = ?, completed = ?
      WHERE user_id = ? AND completed = 0 AND position <= ?`, position, flag, userID, position)
	if err != nil {
		return fmt.Errorf("advance progress %d: %w", userID, err)
	}
	return nil
}

// --- Video sequence ---

// ReplaceSequence atomically swaps the participant's assignment: any prior
// rows are deleted and the new permutation inserted in one transaction.
func (s *SQLiteStore) ReplaceSequence(userID int64, items []models.SequenceItem) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("replace sequence %d: begin: %w", userID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = tx.Exec(`DELETE FROM video_sequence WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("replace sequence %d: delete: %w", userID, err)
	}
	for _, it := range items {
		if _, err = tx.Exec(`INSERT INTO video_sequence (user_id, position, condition, scenario, media_ref)
          VALUES (?, ?, ?, ?, ?)`, userID, it.Position, string(it.Condition), string(it.Scenario), it.MediaRef); err != nil {
			return fmt.Errorf("replace sequence %d: insert position %d: %w", userID, it.Position, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("replace sequence %d: commit: %w", userID, err)
	}
	return nil
}

func (s *SQLiteStore) GetSequenceItem(userID int64, position int) (*models.SequenceItem, error) {
	row := s.db.QueryRow(`SELECT condition, scenario, media_ref FROM video_sequence
      WHERE user_id = ? AND position = ?`, userID, position)
	it := models.SequenceItem{UserID: userID, Position: position}
	var cond, scen string
	if err := row.Scan(&cond, &scen, &it.MediaRef); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get sequence item %d/%d: %w", userID, position, err)
	}
	it.Condition = models.Condition(cond)
	it.Scenario = models.Scenario(scen)
	return &it, nil
}

// --- Answers ---

func (s *SQLiteStore) GetAnswer(userID int64, position int) (*models.Answer, error) {
	row := s.db.QueryRow(`SELECT scenario, media_ref, description, adv_behavior, adv_choice, rating
      FROM answers WHERE user_id = ? AND position = ?`, userID, position)
	ans := models.Answer{UserID: userID, Position: position}
	var scen string
	var desc, advB, advC sql.NullString
	var rating sql.NullInt64
	if err := row.Scan(&scen, &ans.MediaRef, &desc, &advB, &advC, &rating); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get answer %d/%d: %w", userID, position, err)
	}
	ans.Scenario = models.Scenario(scen)
	ans.Description = fromNullString(desc)
	ans.AdvBehavior = fromNullString(advB)
	ans.AdvChoice = fromNullString(advC)
	ans.Rating = fromNullInt(rating)
	return &ans, nil
}

// SetAnswer lazily creates the answer row for (userID, position) and applies
// the patch; nil patch fields preserve whatever is stored. Rows are never
// deleted — a partially filled row is the resume marker.
func (s *SQLiteStore) SetAnswer(userID int64, position int, scenario models.Scenario, mediaRef string, patch models.AnswerPatch) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("set answer %d/%d: begin: %w", userID, position, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = tx.Exec(`INSERT INTO answers (user_id, position, scenario, media_ref) VALUES (?, ?, ?, ?)
      ON CONFLICT(user_id, position) DO UPDATE SET scenario = excluded.scenario, media_ref = excluded.media_ref`,
		userID, position, string(scenario), mediaRef); err != nil {
		return fmt.Errorf("set answer %d/%d: insert: %w", userID, position, err)
	}

	set := func(column string, value any) error {
		_, err := tx.Exec(`UPDATE answers SET `+column+` = ? WHERE user_id = ? AND position = ?`, value, userID, position)
		if err != nil {
			return fmt.Errorf("set answer %d/%d: %s: %w", userID, position, column, err)
		}
		return nil
	}
	if patch.Description != nil {
		if err = set("description", *patch.Description); err != nil {
			return err
		}
	}
	if patch.AdvBehavior != nil {
		if err = set("adv_behavior", *patch.AdvBehavior); err != nil {
			return err
		}
	}
	if patch.AdvChoice != nil {
		if err = set("adv_choice", *patch.AdvChoice); err != nil {
			return err
		}
	}
	if patch.Rating != nil {
		if err = set("rating", *patch.Rating); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("set answer %d/%d: commit: %w", userID, position, err)
	}
	return nil
}

// --- Export projections ---

// ListParticipants returns the participants projection for export, joined
// with the transport identity and ordered by user id.
func (s *SQLiteStore) ListParticipants() ([]*models.ParticipantRow, error) {
	rows, err := s.db.Query(`SELECT p.user_id, u.handle, u.display_name, p.display_name, p.gender,
        p.age, p.condition, p.completed, p.created_at
      FROM participants p JOIN users u ON u.user_id = p.user_id
      ORDER BY p.user_id`)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.ParticipantRow
	for rows.Next() {
		var r models.ParticipantRow
		var handle, userName, name, gender, cond sql.NullString
		var age sql.NullInt64
		var completed int64
		var created string
		if err := rows.Scan(&r.UserID, &handle, &userName, &name, &gender, &age, &cond, &completed, &created); err != nil {
			return nil, fmt.Errorf("list participants: scan: %w", err)
		}
		r.Handle = handle.String
		r.UserName = userName.String
		r.DisplayName = name.String
		r.Gender = gender.String
		r.Age = fromNullInt(age)
		r.Condition = models.Condition(cond.String)
		r.Completed = completed != 0
		r.CreatedAt = parseTimestamp(created)
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list participants: rows: %w", err)
	}
	return out, nil
}

// ListAnswerRows returns the answers projection: one row per participant per
// assigned video, left-joined so in-progress participants still appear with
// unanswered fields empty. Media references and progress counters are
// intentionally not selected.
func (s *SQLiteStore) ListAnswerRows() ([]*models.AnswerRow, error) {
	rows, err := s.db.Query(`SELECT p.user_id, u.handle, u.display_name, p.display_name, p.gender,
        p.age, p.condition, v.position, v.scenario,
        a.description, a.adv_behavior, a.adv_choice, a.rating
      FROM participants p
      JOIN users u ON u.user_id = p.user_id
      LEFT JOIN video_sequence v ON v.user_id = p.user_id
      LEFT JOIN answers a ON a.user_id = p.user_id AND a.position = v.position
      ORDER BY p.user_id, v.position`)
	if err != nil {
		return nil, fmt.Errorf("list answer rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.AnswerRow
	for rows.Next() {
		var r models.AnswerRow
		var handle, userName, name, gender, cond, scen sql.NullString
		var age, position, rating sql.NullInt64
		var desc, advB, advC sql.NullString
		if err := rows.Scan(&r.UserID, &handle, &userName, &name, &gender, &age, &cond,
			&position, &scen, &desc, &advB, &advC, &rating); err != nil {
			return nil, fmt.Errorf("list answer rows: scan: %w", err)
		}
		r.Handle = handle.String
		r.UserName = userName.String
		r.DisplayName = name.String
		r.Gender = gender.String
		r.Age = fromNullInt(age)
		r.Condition = models.Condition(cond.String)
		r.Position = fromNullInt(position)
		r.Scenario = models.Scenario(scen.String)
		r.Description = fromNullString(desc)
		r.AdvBehavior = fromNullString(advB)
		r.AdvChoice = fromNullString(advC)
		r.Rating = fromNullInt(rating)
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list answer rows: rows: %w", err)
	}
	return out, nil
}

// --- Researchers ---

func (s *SQLiteStore) AddResearcher(r *models.Researcher) error {
	if r == nil {
		return errors.New("nil researcher")
	}
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO researchers (id, email, pass_hash, created_at) VALUES (?, ?, ?, ?)`,
		r.ID, r.Email, r.PassHash, created.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("add researcher: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindResearcherByEmail(email string) (*models.Researcher, error) {
	row := s.db.QueryRow(`SELECT id, email, pass_hash, created_at FROM researchers WHERE email = ?`, email)
	var r models.Researcher
	var created string
	if err := row.Scan(&r.ID, &r.Email, &r.PassHash, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find researcher: %w", err)
	}
	r.CreatedAt = parseTimestamp(created)
	return &r, nil
}
