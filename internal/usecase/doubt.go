package usecase

import (
	"fmt"
	"strings"

	"github.com/quizdom-app/backend/internal/adapter/ai"
	"github.com/quizdom-app/backend/internal/domain"
)

// Question length bounds enforced before the upstream call.
const (
	minDoubtLen = 3
	maxDoubtLen = 2000
)

// DoubtService answers student questions synchronously. There is no
// job here: the caller waits on the upstream call, bounded by the AI
// client's hard timeout and its breaker. Doubt answers do not touch
// the generation quota.
type DoubtService struct {
	AI        domain.AIClient
	Extractor domain.TextExtractor
}

// NewDoubtService constructs a DoubtService.
func NewDoubtService(aicl domain.AIClient, ex domain.TextExtractor) DoubtService {
	return DoubtService{AI: aicl, Extractor: ex}
}

// DoubtRequest is a solve request after edge validation. Path, when
// set, points at the scratch copy of an attached document whose text
// grounds the answer. The caller owns the file's lifetime.
type DoubtRequest struct {
	UserID   string
	Question string
	Subject  string
	FileName string
	Path     string
}

// DoubtAnswer is the synchronous solver response.
type DoubtAnswer struct {
	Answer    string `json:"answer"`
	Subject   string `json:"subject,omitempty"`
	ElapsedMS int64  `json:"elapsedMs"`
}

// Solve validates the question, folds in attachment text when present,
// and asks the model. Upstream failures pass through wrapped so the
// edge can translate breaker-open and timeouts to 503.
func (s DoubtService) Solve(ctx domain.Context, req DoubtRequest) (DoubtAnswer, error) {
	if req.UserID == "" {
		return DoubtAnswer{}, fmt.Errorf("%w: user id required", domain.ErrInvalidArgument)
	}
	req.Question = strings.TrimSpace(req.Question)
	if n := len(req.Question); n < minDoubtLen || n > maxDoubtLen {
		return DoubtAnswer{}, fmt.Errorf("%w: question must be %d..%d characters", domain.ErrInvalidArgument, minDoubtLen, maxDoubtLen)
	}

	var source string
	if req.Path != "" {
		text, err := s.Extractor.ExtractPath(ctx, req.FileName, req.Path)
		if err != nil {
			return DoubtAnswer{}, err
		}
		source = strings.TrimSpace(text)
		if source == "" {
			return DoubtAnswer{}, fmt.Errorf("%w: no extractable text in %q", domain.ErrInvalidArgument, req.FileName)
		}
	}

	out, err := s.AI.GenerateContent(ctx, ai.DoubtPrompt(req.Question, req.Subject, source))
	if err != nil {
		return DoubtAnswer{}, fmt.Errorf("op=usecase.Solve: %w", err)
	}
	answer := strings.TrimSpace(out.Text)
	if answer == "" {
		return DoubtAnswer{}, fmt.Errorf("%w: model returned an empty answer", domain.ErrInternal)
	}
	return DoubtAnswer{Answer: answer, Subject: req.Subject, ElapsedMS: out.ElapsedMS}, nil
}
