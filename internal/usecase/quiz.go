package usecase

import (
	"fmt"
	"time"

	"github.com/quizdom-app/backend/internal/domain"
)

// listLimitCap bounds one page of quiz listings.
const listLimitCap = 50

// QuizService manages manually authored quizzes. AI-generated quizzes
// arrive through the worker; both kinds are read through here.
type QuizService struct {
	Quizzes domain.QuizRepository
}

// NewQuizService constructs a QuizService with the given repository.
func NewQuizService(r domain.QuizRepository) QuizService { return QuizService{Quizzes: r} }

// Pagination describes one page of a list response.
type Pagination struct {
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Pages int `json:"pages"`
}

// Create persists a manually authored quiz for the caller. Derived
// fields are recomputed before validation so clients need not send
// totals.
func (s QuizService) Create(ctx domain.Context, z domain.Quiz, ownerID string) (domain.Quiz, error) {
	if ownerID == "" {
		return domain.Quiz{}, fmt.Errorf("%w: owner required", domain.ErrInvalidArgument)
	}
	now := time.Now().UTC()
	z.ID = ""
	z.OwnerID = ownerID
	z.Stats = domain.QuizStats{}
	z.Generation = domain.GenerationMeta{Method: domain.QuizManual, CreatedAt: now}
	z.CreatedAt = now
	z.UpdatedAt = now
	z.RecomputeDerived()
	if err := z.Validate(); err != nil {
		return domain.Quiz{}, err
	}
	id, err := s.Quizzes.Create(ctx, z)
	if err != nil {
		return domain.Quiz{}, err
	}
	z.ID = id
	return z, nil
}

// Get loads one quiz. Owners and privileged roles see the full record;
// everyone else gets the student view with answers stripped. Private
// quizzes are indistinguishable from absent ones to non-owners.
func (s QuizService) Get(ctx domain.Context, id, viewerID string, role domain.Role) (domain.Quiz, error) {
	z, err := s.Quizzes.Get(ctx, id)
	if err != nil {
		return domain.Quiz{}, err
	}
	if canManageQuiz(z, viewerID, role) {
		return z, nil
	}
	if !z.IsPublic {
		return domain.Quiz{}, fmt.Errorf("%w: quiz %s", domain.ErrNotFound, id)
	}
	return z.StudentView(), nil
}

// List returns one page of quizzes. Non-privileged viewers see public
// quizzes, or their own when filtering by their own owner id.
func (s QuizService) List(ctx domain.Context, f domain.QuizFilter, viewerID string, role domain.Role) ([]domain.Quiz, Pagination, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 || f.Limit > listLimitCap {
		f.Limit = 20
	}
	if !privilegedRole(role) && f.OwnerID != viewerID {
		f.PublicOnly = true
	}
	quizzes, total, err := s.Quizzes.List(ctx, f)
	if err != nil {
		return nil, Pagination{}, err
	}
	if !privilegedRole(role) {
		for i, z := range quizzes {
			if z.OwnerID != viewerID {
				quizzes[i] = z.StudentView()
			}
		}
	}
	return quizzes, Pagination{
		Total: total,
		Page:  f.Page,
		Limit: f.Limit,
		Pages: (total + f.Limit - 1) / f.Limit,
	}, nil
}

// Update rewrites the mutable fields of an owned quiz. Provenance,
// stats and ownership survive the update; derived fields are
// recomputed from the submitted questions.
func (s QuizService) Update(ctx domain.Context, z domain.Quiz, callerID string, role domain.Role) (domain.Quiz, error) {
	cur, err := s.Quizzes.Get(ctx, z.ID)
	if err != nil {
		return domain.Quiz{}, err
	}
	if !canManageQuiz(cur, callerID, role) {
		return domain.Quiz{}, fmt.Errorf("%w: not the quiz owner", domain.ErrForbidden)
	}
	z.OwnerID = cur.OwnerID
	z.Stats = cur.Stats
	z.Generation = cur.Generation
	z.CreatedAt = cur.CreatedAt
	z.UpdatedAt = time.Now().UTC()
	z.RecomputeDerived()
	if err := z.Validate(); err != nil {
		return domain.Quiz{}, err
	}
	if err := s.Quizzes.Update(ctx, z); err != nil {
		return domain.Quiz{}, err
	}
	return z, nil
}

// Delete removes an owned quiz permanently.
func (s QuizService) Delete(ctx domain.Context, id, callerID string, role domain.Role) error {
	cur, err := s.Quizzes.Get(ctx, id)
	if err != nil {
		return err
	}
	if !canManageQuiz(cur, callerID, role) {
		return fmt.Errorf("%w: not the quiz owner", domain.ErrForbidden)
	}
	return s.Quizzes.Delete(ctx, id)
}

func canManageQuiz(z domain.Quiz, callerID string, role domain.Role) bool {
	if callerID != "" && z.OwnerID == callerID {
		return true
	}
	return privilegedRole(role)
}

func privilegedRole(role domain.Role) bool {
	return role == domain.RoleAdmin || role == domain.RoleModerator
}
