// Package pattern maintains learned codebase patterns with Bayesian
// confidence, their violations, user feedback, and the auto-approval gate.
package pattern

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/mattepiu/drift/go/store"
)

// Status is a pattern's lifecycle state. Legal transitions are
// discovered→approved→ignored and discovered→ignored.
type Status string

const (
	StatusDiscovered Status = "discovered"
	StatusApproved   Status = "approved"
	StatusIgnored    Status = "ignored"
)

// Location is one place a pattern holds.
type Location struct {
	File string `json:"file"`
	Line int    `json:"line"`
}

// Pattern is a learned regularity carrying a Beta(alpha, beta) posterior
// over "is this pattern valid".
type Pattern struct {
	ID        string
	Category  string
	Name      string
	Alpha     float64
	Beta      float64
	Status    Status
	Locations []Location
}

// Confidence is the posterior mean alpha / (alpha + beta).
func (p Pattern) Confidence() float64 {
	if p.Alpha+p.Beta == 0 {
		return 0
	}
	return p.Alpha / (p.Alpha + p.Beta)
}

// Violation is one location deviating from a pattern.
type Violation struct {
	ID                    string
	PatternID             string
	File                  string
	Line                  int
	Severity              string
	ConfidenceAtDetection float64
}

// FeedbackAction is user feedback on a violation.
type FeedbackAction string

const (
	FeedbackFix     FeedbackAction = "fix"
	FeedbackDismiss FeedbackAction = "dismiss"
	FeedbackSuppress FeedbackAction = "suppress"
)

// Classification is the auto-approval verdict.
type Classification string

const (
	AutoApproved Classification = "auto_approved"
	NeedsReview  Classification = "needs_review"
	LikelyFP     Classification = "likely_fp"
)

// Store wraps pattern persistence over the shared store.
type Store struct {
	st *store.Store
}

// NewStore binds pattern state to |st|.
func NewStore(st *store.Store) *Store { return &Store{st: st} }

// Record inserts a newly discovered pattern with the uniform Beta(1, 1)
// prior, generating an id when absent.
func (s *Store) Record(ctx context.Context, p Pattern) (Pattern, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Alpha == 0 {
		p.Alpha = 1
	}
	if p.Beta == 0 {
		p.Beta = 1
	}
	if p.Status == "" {
		p.Status = StatusDiscovered
	}

	var locations, err = store.JSONColumn(p.Locations)
	if err != nil {
		return p, err
	}
	err = s.st.Writer().Submit(ctx, func(txn *sql.Tx) error {
		_, err := txn.Exec(
			`INSERT INTO patterns (id, category, name, alpha, beta, status, locations)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Category, p.Name, p.Alpha, p.Beta, string(p.Status), locations)
		return err
	})
	return p, err
}

// RecordViolation inserts a violation of a pattern, stamping the pattern's
// confidence at detection time.
func (s *Store) RecordViolation(ctx context.Context, v Violation) (Violation, error) {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	var p, err = s.Get(ctx, v.PatternID)
	if err != nil {
		return v, err
	}
	v.ConfidenceAtDetection = p.Confidence()

	err = s.st.Writer().Submit(ctx, func(txn *sql.Tx) error {
		_, err := txn.Exec(
			`INSERT INTO violations (id, pattern_id, file, line, severity, confidence_at_detection)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			v.ID, v.PatternID, v.File, v.Line, v.Severity, v.ConfidenceAtDetection)
		return err
	})
	return v, err
}

// Get loads one pattern.
func (s *Store) Get(ctx context.Context, id string) (Pattern, error) {
	var p Pattern
	var locations, status string
	var err = s.st.Read().QueryRowContext(ctx,
		`SELECT id, category, name, alpha, beta, status, locations FROM patterns WHERE id = ?`, id).
		Scan(&p.ID, &p.Category, &p.Name, &p.Alpha, &p.Beta, &status, &locations)
	if err == sql.ErrNoRows {
		return p, fmt.Errorf("pattern %q not found", id)
	} else if err != nil {
		return p, err
	}
	p.Status = Status(status)
	if err = store.ScanJSON(locations, &p.Locations); err != nil {
		return p, err
	}
	return p, nil
}

// List returns patterns, optionally filtered by status.
func (s *Store) List(ctx context.Context, status Status) ([]Pattern, error) {
	var query = `SELECT id, category, name, alpha, beta, status, locations FROM patterns`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY category, name, id`

	var out []Pattern
	var err = store.LoadRows(s.st.Read(), query, args,
		func() []interface{} {
			return []interface{}{new(string), new(string), new(string), new(float64), new(float64), new(string), new(string)}
		},
		func(l []interface{}) {
			var p = Pattern{
				ID: *l[0].(*string), Category: *l[1].(*string), Name: *l[2].(*string),
				Alpha: *l[3].(*float64), Beta: *l[4].(*float64), Status: Status(*l[5].(*string)),
			}
			store.ScanJSON(*l[6].(*string), &p.Locations)
			out = append(out, p)
		})
	return out, err
}

// ListViolations returns violations, optionally for one pattern.
func (s *Store) ListViolations(ctx context.Context, patternID string) ([]Violation, error) {
	var query = `SELECT id, pattern_id, file, line, severity, confidence_at_detection FROM violations`
	var args []interface{}
	if patternID != "" {
		query += ` WHERE pattern_id = ?`
		args = append(args, patternID)
	}
	query += ` ORDER BY file, line, id`

	var out []Violation
	var err = store.LoadRows(s.st.Read(), query, args,
		func() []interface{} {
			return []interface{}{new(string), new(string), new(string), new(int), new(string), new(float64)}
		},
		func(l []interface{}) {
			out = append(out, Violation{
				ID: *l[0].(*string), PatternID: *l[1].(*string), File: *l[2].(*string),
				Line: *l[3].(*int), Severity: *l[4].(*string), ConfidenceAtDetection: *l[5].(*float64),
			})
		})
	return out, err
}

// Feedback applies user feedback on a violation to its pattern's posterior:
// fix adds a full positive observation, dismiss a full negative, suppress a
// half-weight negative.
func (s *Store) Feedback(ctx context.Context, violationID string, action FeedbackAction) (Pattern, error) {
	var patternID string
	var err = s.st.Read().QueryRowContext(ctx,
		`SELECT pattern_id FROM violations WHERE id = ?`, violationID).Scan(&patternID)
	if err == sql.ErrNoRows {
		return Pattern{}, fmt.Errorf("violation %q not found", violationID)
	} else if err != nil {
		return Pattern{}, err
	}

	var dAlpha, dBeta float64
	switch action {
	case FeedbackFix:
		dAlpha = 1
	case FeedbackDismiss:
		dBeta = 1
	case FeedbackSuppress:
		dBeta = 0.5
	default:
		return Pattern{}, fmt.Errorf("unknown feedback action %q", action)
	}

	err = s.st.Writer().Submit(ctx, func(txn *sql.Tx) error {
		_, err := txn.Exec(
			`UPDATE patterns SET alpha = alpha + ?, beta = beta + ? WHERE id = ?`,
			dAlpha, dBeta, patternID)
		return err
	})
	if err != nil {
		return Pattern{}, err
	}
	return s.Get(ctx, patternID)
}

// Approve records an explicit user decision. User decisions are
// authoritative: they land in pattern_status and auto-approval never
// overwrites them.
func (s *Store) Approve(ctx context.Context, patternID string, target Status, actorID string) error {
	if target != StatusApproved && target != StatusIgnored {
		return fmt.Errorf("illegal target status %q", target)
	}
	var p, err = s.Get(ctx, patternID)
	if err != nil {
		return err
	}
	if p.Status == StatusIgnored && target == StatusApproved {
		return fmt.Errorf("pattern %q is ignored; ignored patterns cannot be approved", patternID)
	}

	return s.st.Writer().Submit(ctx, func(txn *sql.Tx) error {
		if _, err := txn.Exec(
			`UPDATE patterns SET status = ? WHERE id = ?`, string(target), patternID); err != nil {
			return err
		}
		_, err := txn.Exec(
			`INSERT INTO pattern_status (pattern_id, status, decided_by, decided_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (pattern_id) DO UPDATE SET status = excluded.status,
			   decided_by = excluded.decided_by, decided_at = excluded.decided_at`,
			patternID, string(target), actorID, time.Now().UTC().Format(store.TimeFormat))
		return err
	})
}

// GateInput carries the signals the auto-approval gate weighs beyond the
// posterior itself.
type GateInput struct {
	OutlierRatio     float64
	HasErrorSeverity bool
}

// Classify applies the auto-approval gate to one pattern.
func Classify(p Pattern, in GateInput) Classification {
	var confidence = p.Confidence()
	switch {
	case confidence >= 0.90 && in.OutlierRatio <= 0.50 && len(p.Locations) >= 3 && !in.HasErrorSeverity:
		return AutoApproved
	case confidence < 0.30:
		return LikelyFP
	default:
		return NeedsReview
	}
}

// AutoApprove runs the gate over every discovered pattern, persisting
// approvals additively. A status decided by a user is never overwritten; a
// second run over an approved pattern leaves it approved.
func (s *Store) AutoApprove(ctx context.Context, inputs map[string]GateInput) (map[string]Classification, error) {
	var patterns, err = s.List(ctx, "")
	if err != nil {
		return nil, err
	}

	var verdicts = map[string]Classification{}
	for _, p := range patterns {
		var verdict = Classify(p, inputs[p.ID])
		verdicts[p.ID] = verdict

		if verdict != AutoApproved || p.Status != StatusDiscovered {
			continue
		}

		// Skip patterns a user has already decided.
		var userDecided bool
		var decidedBy string
		switch err := s.st.Read().QueryRowContext(ctx,
			`SELECT decided_by FROM pattern_status WHERE pattern_id = ?`, p.ID).Scan(&decidedBy); err {
		case sql.ErrNoRows:
		case nil:
			userDecided = decidedBy != "auto"
		default:
			return nil, err
		}
		if userDecided {
			continue
		}

		if err := s.st.Writer().Submit(ctx, func(txn *sql.Tx) error {
			if _, err := txn.Exec(
				`UPDATE patterns SET status = ? WHERE id = ? AND status = ?`,
				string(StatusApproved), p.ID, string(StatusDiscovered)); err != nil {
				return err
			}
			_, err := txn.Exec(
				`INSERT INTO pattern_status (pattern_id, status, decided_by, decided_at)
				 VALUES (?, ?, 'auto', ?)
				 ON CONFLICT (pattern_id) DO NOTHING`,
				p.ID, string(StatusApproved), time.Now().UTC().Format(store.TimeFormat))
			return err
		}); err != nil {
			return nil, err
		}

		log.WithFields(log.Fields{"pattern": p.ID, "confidence": p.Confidence()}).
			Info("auto-approved pattern")
	}
	return verdicts, nil
}
