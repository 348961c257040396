package types

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Difficulty is the seniority level an interview is pitched at.
type Difficulty string

const (
	DifficultyJunior Difficulty = "JUNIOR"
	DifficultyMedium Difficulty = "MEDIUM"
	DifficultySenior Difficulty = "SENIOR"
)

// Valid reports whether d is one of the known levels.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyJunior, DifficultyMedium, DifficultySenior:
		return true
	default:
		return false
	}
}

// Question is a single interview question. Immutable once created.
type Question struct {
	ID           string          `json:"id" yaml:"id"`
	QuestionText string          `json:"question_text" yaml:"question_text"`
	QuestionType string          `json:"question_type,omitempty" yaml:"question_type,omitempty"`
	Difficulty   Difficulty      `json:"difficulty,omitempty" yaml:"difficulty,omitempty"`
	Evaluation   *EvaluationHint `json:"evaluation,omitempty" yaml:"evaluation,omitempty"`
}

// EvaluationHint is optional grading metadata carried with a question.
type EvaluationHint struct {
	ExpectedPoints []string `json:"expected_points,omitempty" yaml:"expected_points,omitempty"`
	MaxScore       int      `json:"max_score,omitempty" yaml:"max_score,omitempty"`
}

// InterviewContext is the host application's view of the running interview.
type InterviewContext struct {
	InterviewID          string     `json:"interview_id" yaml:"interview_id"`
	JobTitle             string     `json:"job_title" yaml:"job_title"`
	CompanyName          string     `json:"company_name,omitempty" yaml:"company_name,omitempty"`
	FocusAreas           []string   `json:"focus_areas,omitempty" yaml:"focus_areas,omitempty"`
	Difficulty           Difficulty `json:"difficulty" yaml:"difficulty"`
	Questions            []Question `json:"questions" yaml:"questions"`
	CurrentQuestionIndex int        `json:"current_question_index" yaml:"current_question_index"`
}

// Validate checks the invariants the engine relies on.
func (c InterviewContext) Validate() error {
	if strings.TrimSpace(c.JobTitle) == "" {
		return fmt.Errorf("job title is required")
	}
	if !c.Difficulty.Valid() {
		return fmt.Errorf("difficulty must be JUNIOR, MEDIUM or SENIOR (got %q)", c.Difficulty)
	}
	if len(c.Questions) == 0 {
		return fmt.Errorf("at least one question is required")
	}
	if c.CurrentQuestionIndex < 0 || c.CurrentQuestionIndex >= len(c.Questions) {
		return fmt.Errorf("current question index %d out of range [0, %d)", c.CurrentQuestionIndex, len(c.Questions))
	}
	return nil
}

// CurrentQuestion returns the question at CurrentQuestionIndex.
func (c InterviewContext) CurrentQuestion() (Question, bool) {
	if c.CurrentQuestionIndex < 0 || c.CurrentQuestionIndex >= len(c.Questions) {
		return Question{}, false
	}
	return c.Questions[c.CurrentQuestionIndex], true
}

// Clone returns a deep copy so callers can keep mutating their own value.
func (c InterviewContext) Clone() InterviewContext {
	out := c
	out.FocusAreas = append([]string(nil), c.FocusAreas...)
	out.Questions = append([]Question(nil), c.Questions...)
	return out
}

// ContextUpdate is a partial InterviewContext. Nil fields are left unchanged.
type ContextUpdate struct {
	JobTitle             *string
	CompanyName          *string
	FocusAreas           []string
	Difficulty           *Difficulty
	Questions            []Question
	CurrentQuestionIndex *int
}

// Apply merges u into c and reports whether the question index changed.
func (u ContextUpdate) Apply(c InterviewContext) (InterviewContext, bool, error) {
	out := c.Clone()
	if u.JobTitle != nil {
		out.JobTitle = *u.JobTitle
	}
	if u.CompanyName != nil {
		out.CompanyName = *u.CompanyName
	}
	if u.FocusAreas != nil {
		out.FocusAreas = append([]string(nil), u.FocusAreas...)
	}
	if u.Difficulty != nil {
		out.Difficulty = *u.Difficulty
	}
	if u.Questions != nil {
		out.Questions = append([]Question(nil), u.Questions...)
	}
	if u.CurrentQuestionIndex != nil {
		out.CurrentQuestionIndex = *u.CurrentQuestionIndex
	}
	if err := out.Validate(); err != nil {
		return c, false, err
	}
	return out, out.CurrentQuestionIndex != c.CurrentQuestionIndex, nil
}

// LoadInterview reads an interview plan from a YAML file.
func LoadInterview(path string) (InterviewContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return InterviewContext{}, fmt.Errorf("reading interview plan: %w", err)
	}
	var ic InterviewContext
	if err := yaml.Unmarshal(data, &ic); err != nil {
		return InterviewContext{}, fmt.Errorf("parsing interview plan: %w", err)
	}
	ic.Difficulty = Difficulty(strings.ToUpper(strings.TrimSpace(string(ic.Difficulty))))
	for i := range ic.Questions {
		if ic.Questions[i].ID == "" {
			ic.Questions[i].ID = fmt.Sprintf("q%d", i+1)
		}
	}
	if err := ic.Validate(); err != nil {
		return InterviewContext{}, fmt.Errorf("invalid interview plan: %w", err)
	}
	return ic, nil
}
