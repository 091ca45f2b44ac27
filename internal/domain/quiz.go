package domain

import (
	"fmt"
	"strings"
	"time"
)

// Difficulty levels a quiz or question may carry.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "Easy"
	DifficultyMedium Difficulty = "Medium"
	DifficultyHard   Difficulty = "Hard"
	DifficultyExpert Difficulty = "Expert"
	DifficultyMixed  Difficulty = "Mixed"
)

// KnownDifficulty reports whether d is a recognized level.
func KnownDifficulty(d Difficulty) bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard, DifficultyExpert, DifficultyMixed:
		return true
	}
	return false
}

// QuestionType enumerates question shapes.
type QuestionType string

const (
	QuestionMultipleChoice QuestionType = "multiple-choice"
	QuestionTrueFalse      QuestionType = "true-false"
	QuestionDescriptive    QuestionType = "descriptive"
	QuestionFillInBlank    QuestionType = "fill-in-blank"
)

// QuizGenMethod stamps how a quiz came to exist.
type QuizGenMethod string

const (
	QuizManual     QuizGenMethod = "manual"
	QuizAITopic    QuizGenMethod = "ai-topic"
	QuizAIFile     QuizGenMethod = "ai-file"
	QuizAIEnhanced QuizGenMethod = "ai-enhanced"
)

// Question is one item of a quiz. Options are present iff the type is
// multiple-choice, in which case CorrectAnswer must equal one option.
type Question struct {
	Prompt           string       `json:"prompt"`
	Type             QuestionType `json:"type"`
	Options          []string     `json:"options,omitempty"`
	CorrectAnswer    string       `json:"correctAnswer"`
	Explanation      string       `json:"explanation,omitempty"`
	Points           int          `json:"points"`
	TimeLimitSeconds int          `json:"timeLimitSeconds"`
	Difficulty       Difficulty   `json:"difficulty,omitempty"`
	Tags             []string     `json:"tags,omitempty"`
	ImageURL         string       `json:"imageUrl,omitempty"`
}

// Validate checks the per-question invariants.
func (q Question) Validate() error {
	if strings.TrimSpace(q.Prompt) == "" {
		return fmt.Errorf("question prompt empty: %w", ErrInvalidArgument)
	}
	if q.Points < 1 {
		return fmt.Errorf("question points %d < 1: %w", q.Points, ErrInvalidArgument)
	}
	if q.TimeLimitSeconds < 5 {
		return fmt.Errorf("question time limit %ds < 5s: %w", q.TimeLimitSeconds, ErrInvalidArgument)
	}
	switch q.Type {
	case QuestionMultipleChoice:
		if len(q.Options) < 2 {
			return fmt.Errorf("multiple-choice needs >= 2 options, got %d: %w", len(q.Options), ErrInvalidArgument)
		}
		found := false
		for _, opt := range q.Options {
			if opt == q.CorrectAnswer {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("correct answer not among options: %w", ErrInvalidArgument)
		}
	case QuestionTrueFalse, QuestionDescriptive, QuestionFillInBlank:
		if len(q.Options) != 0 {
			return fmt.Errorf("options only valid for multiple-choice: %w", ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("unknown question type %q: %w", q.Type, ErrInvalidArgument)
	}
	return nil
}

// QuizStats are aggregate play statistics maintained by the results service.
type QuizStats struct {
	TimesTaken   int        `json:"timesTaken"`
	AverageScore float64    `json:"averageScore"`
	AverageTime  float64    `json:"averageTime"`
	LastTaken    *time.Time `json:"lastTaken,omitempty"`
}

// GenerationMeta records provenance for audit and for dedupe of
// AI-generated quizzes.
type GenerationMeta struct {
	Method      QuizGenMethod `json:"method"`
	SourceHash  string        `json:"sourceHash,omitempty"`
	ModelLabel  string        `json:"modelLabel,omitempty"`
	WasAdaptive bool          `json:"wasAdaptive"`
	ElapsedMS   int64         `json:"elapsedMs"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// Quiz is the root aggregate of the generation engine.
// TotalPoints and EstimatedMinutes are derived; call RecomputeDerived
// after any mutation of Questions.
type Quiz struct {
	ID               string         `json:"id"`
	Title            string         `json:"title"`
	Description      string         `json:"description,omitempty"`
	Questions        []Question     `json:"questions"`
	Difficulty       Difficulty     `json:"difficulty"`
	Category         string         `json:"category,omitempty"`
	Tags             []string       `json:"tags,omitempty"`
	OwnerID          string         `json:"ownerId"`
	IsPublic         bool           `json:"isPublic"`
	TotalPoints      int            `json:"totalPoints"`
	EstimatedMinutes int            `json:"estimatedMinutes"`
	Stats            QuizStats      `json:"stats"`
	Generation       GenerationMeta `json:"generationMetadata"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// RecomputeDerived refreshes TotalPoints and EstimatedMinutes from the
// question list. EstimatedMinutes rounds the summed time limits up.
func (z *Quiz) RecomputeDerived() {
	points, seconds := 0, 0
	for _, q := range z.Questions {
		points += q.Points
		seconds += q.TimeLimitSeconds
	}
	z.TotalPoints = points
	z.EstimatedMinutes = (seconds + 59) / 60
}

// Validate checks the aggregate invariants, including every question.
func (z Quiz) Validate() error {
	if strings.TrimSpace(z.Title) == "" {
		return fmt.Errorf("quiz title empty: %w", ErrInvalidArgument)
	}
	if len(z.Questions) < 1 {
		return fmt.Errorf("quiz needs >= 1 question: %w", ErrInvalidArgument)
	}
	if !KnownDifficulty(z.Difficulty) {
		return fmt.Errorf("unknown difficulty %q: %w", z.Difficulty, ErrInvalidArgument)
	}
	points, seconds := 0, 0
	for i, q := range z.Questions {
		if err := q.Validate(); err != nil {
			return fmt.Errorf("question %d: %w", i, err)
		}
		points += q.Points
		seconds += q.TimeLimitSeconds
	}
	if z.TotalPoints != points {
		return fmt.Errorf("total points %d != sum %d: %w", z.TotalPoints, points, ErrInvalidArgument)
	}
	if want := (seconds + 59) / 60; z.EstimatedMinutes != want {
		return fmt.Errorf("estimated minutes %d != %d: %w", z.EstimatedMinutes, want, ErrInvalidArgument)
	}
	return nil
}

// StudentView returns a copy safe to hand to quiz takers: correct
// answers and explanations are stripped from every question.
func (z Quiz) StudentView() Quiz {
	out := z
	out.Questions = make([]Question, len(z.Questions))
	for i, q := range z.Questions {
		q.CorrectAnswer = ""
		q.Explanation = ""
		out.Questions[i] = q
	}
	return out
}
