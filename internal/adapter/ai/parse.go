package ai

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/quizdom-app/backend/internal/domain"
)

// Models wrap answers in prose or markdown fences more often than not.
// The extraction pipeline tries, in order: the raw completion, the
// first fenced code block, the first balanced [...] slice. Anything
// that survives none of the three is a permanent schema failure.

var fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// rawQuestion is the JSON shape the prompt contracts the model to emit.
type rawQuestion struct {
	Question      string   `json:"question"`
	Type          string   `json:"type"`
	Options       []string `json:"options"`
	CorrectAnswer string   `json:"correctAnswer"`
	Explanation   string   `json:"explanation"`
	Points        int      `json:"points"`
	TimeLimit     int      `json:"timeLimit"`
}

// ExtractQuestions pulls a validated question list out of a raw model
// completion. Both failure modes wrap domain.ErrSchemaInvalid so the
// worker treats them as permanent.
func ExtractQuestions(completion string, difficulty domain.Difficulty) ([]domain.Question, error) {
	raw, ok := extractJSONArray(completion)
	if !ok {
		return nil, fmt.Errorf("could not extract valid JSON: %w", domain.ErrSchemaInvalid)
	}

	var items []rawQuestion
	if err := json.Unmarshal(raw, &items); err != nil || len(items) == 0 {
		return nil, fmt.Errorf("invalid questions array: %w", domain.ErrSchemaInvalid)
	}

	out := make([]domain.Question, 0, len(items))
	for _, it := range items {
		q := domain.Question{
			Prompt:           strings.TrimSpace(it.Question),
			Type:             normalizeQuestionType(it.Type),
			Options:          it.Options,
			CorrectAnswer:    strings.TrimSpace(it.CorrectAnswer),
			Explanation:      strings.TrimSpace(it.Explanation),
			Points:           it.Points,
			TimeLimitSeconds: it.TimeLimit,
			Difficulty:       difficulty,
		}
		if q.Points < 1 {
			q.Points = 1
		}
		if q.TimeLimitSeconds < 5 {
			q.TimeLimitSeconds = 30
		}
		if q.Type != domain.QuestionMultipleChoice {
			q.Options = nil
		}
		if err := q.Validate(); err != nil {
			return nil, fmt.Errorf("invalid questions array: %w", domain.ErrSchemaInvalid)
		}
		out = append(out, q)
	}
	return out, nil
}

// extractJSONArray returns the first candidate byte slice that parses
// as a JSON array.
func extractJSONArray(s string) ([]byte, bool) {
	s = strings.TrimSpace(s)

	if b := []byte(s); looksLikeArray(b) {
		return b, true
	}
	if m := fencedBlockRe.FindStringSubmatch(s); m != nil {
		if b := []byte(strings.TrimSpace(m[1])); looksLikeArray(b) {
			return b, true
		}
	}
	if start := strings.IndexByte(s, '['); start >= 0 {
		if end := strings.LastIndexByte(s, ']'); end > start {
			if b := []byte(s[start : end+1]); looksLikeArray(b) {
				return b, true
			}
		}
	}
	return nil, false
}

func looksLikeArray(b []byte) bool {
	var probe []json.RawMessage
	return json.Unmarshal(b, &probe) == nil && len(probe) > 0
}

func normalizeQuestionType(t string) domain.QuestionType {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "true-false", "true/false", "truefalse":
		return domain.QuestionTrueFalse
	case "descriptive", "open-ended", "short-answer":
		return domain.QuestionDescriptive
	case "fill-in-blank", "fill-in-the-blank":
		return domain.QuestionFillInBlank
	default:
		return domain.QuestionMultipleChoice
	}
}
