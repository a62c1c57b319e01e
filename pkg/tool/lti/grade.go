// pkg/tool/lti/grade.go
package lti

import (
	"encoding/json"
	"time"
)

// Activity progress values.
const (
	ActivityInitialized = "Initialized"
	ActivityStarted     = "Started"
	ActivityInProgress  = "InProgress"
	ActivitySubmitted   = "Submitted"
	ActivityCompleted   = "Completed"
)

// Grading progress values.
const (
	GradingFullyGraded   = "FullyGraded"
	GradingPending       = "Pending"
	GradingPendingManual = "PendingManual"
	GradingFailed        = "Failed"
	GradingNotReady      = "NotReady"
)

var (
	activityValues = map[string]bool{ActivityInitialized: true, ActivityStarted: true, ActivityInProgress: true, ActivitySubmitted: true, ActivityCompleted: true}
	gradingValues  = map[string]bool{GradingFullyGraded: true, GradingPending: true, GradingPendingManual: true, GradingFailed: true, GradingNotReady: true}
)

const gradeTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// GradeFields are the attributes of an AGS score publish.
type GradeFields struct {
	UserID           string
	ScoreGiven       *float64
	ScoreMaximum     float64
	Comment          string
	ActivityProgress string
	GradingProgress  string
	// Timestamp defaults to the time NewGrade is called.
	Timestamp time.Time
	// Extra is merged into the published JSON (vendor extensions).
	Extra map[string]any
}

// Grade is an immutable score ready to be posted to <lineitem>/scores.
type Grade struct {
	f GradeFields
}

// NewGrade validates f. Progress values default to Completed/FullyGraded.
func NewGrade(f GradeFields) (*Grade, error) {
	if f.UserID == "" {
		return nil, newErr(KindValidation, "grade userId is required")
	}
	if f.ScoreGiven != nil {
		if *f.ScoreGiven < 0 {
			return nil, newErr(KindValidation, "grade scoreGiven must be >= 0")
		}
		if f.ScoreMaximum <= 0 {
			return nil, newErr(KindValidation, "grade scoreMaximum must be > 0 when scoreGiven is set")
		}
	}
	if f.ScoreMaximum < 0 {
		return nil, newErr(KindValidation, "grade scoreMaximum must be >= 0")
	}
	if f.ActivityProgress == "" {
		f.ActivityProgress = ActivityCompleted
	}
	if f.GradingProgress == "" {
		f.GradingProgress = GradingFullyGraded
	}
	if !activityValues[f.ActivityProgress] {
		return nil, newErr(KindValidation, "unknown activityProgress %q", f.ActivityProgress)
	}
	if !gradingValues[f.GradingProgress] {
		return nil, newErr(KindValidation, "unknown gradingProgress %q", f.GradingProgress)
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}
	if len(f.Extra) > 0 {
		extra := make(map[string]any, len(f.Extra))
		for k, v := range f.Extra {
			extra[k] = v
		}
		f.Extra = extra
	}
	return &Grade{f: f}, nil
}

func (g *Grade) UserID() string           { return g.f.UserID }
func (g *Grade) ScoreMaximum() float64    { return g.f.ScoreMaximum }
func (g *Grade) Comment() string          { return g.f.Comment }
func (g *Grade) ActivityProgress() string { return g.f.ActivityProgress }
func (g *Grade) GradingProgress() string  { return g.f.GradingProgress }
func (g *Grade) Timestamp() time.Time     { return g.f.Timestamp }

// ScoreGiven reports the score and whether one was set.
func (g *Grade) ScoreGiven() (float64, bool) {
	if g.f.ScoreGiven == nil {
		return 0, false
	}
	return *g.f.ScoreGiven, true
}

func (g *Grade) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	for k, v := range g.f.Extra {
		out[k] = v
	}
	out["userId"] = g.f.UserID
	out["activityProgress"] = g.f.ActivityProgress
	out["gradingProgress"] = g.f.GradingProgress
	out["timestamp"] = g.f.Timestamp.UTC().Format(gradeTimeLayout)
	if g.f.ScoreGiven != nil {
		out["scoreGiven"] = *g.f.ScoreGiven
	}
	if g.f.ScoreMaximum > 0 {
		out["scoreMaximum"] = g.f.ScoreMaximum
	}
	if g.f.Comment != "" {
		out["comment"] = g.f.Comment
	}
	return json.Marshal(out)
}

// Result is one row of <lineitem>/results.
type Result struct {
	ID            string   `json:"id"`
	ScoreOf       string   `json:"scoreOf"`
	UserID        string   `json:"userId"`
	ResultScore   *float64 `json:"resultScore,omitempty"`
	ResultMaximum float64  `json:"resultMaximum,omitempty"`
	Comment       string   `json:"comment,omitempty"`
}
