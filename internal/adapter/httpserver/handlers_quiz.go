package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quizdom-app/backend/internal/domain"
)

// QuizCreateHandler persists a manually authored quiz.
func (s *Server) QuizCreateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := requireClaims(w, r)
		if !ok {
			return
		}
		var quiz domain.Quiz
		if !decodeBody(w, r, &quiz) {
			return
		}
		created, err := s.Quizzes.Create(r.Context(), quiz, claims.UserID)
		if err != nil {
			writeDomainError(r.Context(), w, err)
			return
		}
		writeData(w, http.StatusCreated, map[string]any{"quiz": created})
	}
}

// QuizListHandler serves paginated quiz listings with search and
// filter parameters straight from the query string.
func (s *Server) QuizListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := requireClaims(w, r)
		if !ok {
			return
		}
		q := r.URL.Query()
		page, limit := pageParams(r, 20, 50)
		filter := domain.QuizFilter{
			Search:     q.Get("search"),
			Difficulty: parseDifficulty(q.Get("difficulty")),
			Category:   q.Get("category"),
			OwnerID:    q.Get("ownerId"),
			Page:       page,
			Limit:      limit,
			SortBy:     q.Get("sortBy"),
			SortOrder:  q.Get("sortOrder"),
		}
		quizzes, pagination, err := s.Quizzes.List(r.Context(), filter, claims.UserID, claims.Role)
		if err != nil {
			writeDomainError(r.Context(), w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{
			"quizzes":    quizzes,
			"pagination": pagination,
		})
	}
}

// QuizGetHandler loads one quiz, stripped to the student view unless
// the caller owns it or holds a privileged role.
func (s *Server) QuizGetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := requireClaims(w, r)
		if !ok {
			return
		}
		quiz, err := s.Quizzes.Get(r.Context(), chi.URLParam(r, "quizID"), claims.UserID, claims.Role)
		if err != nil {
			writeDomainError(r.Context(), w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"quiz": quiz})
	}
}

// QuizUpdateHandler rewrites an owned quiz.
func (s *Server) QuizUpdateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := requireClaims(w, r)
		if !ok {
			return
		}
		var quiz domain.Quiz
		if !decodeBody(w, r, &quiz) {
			return
		}
		quiz.ID = chi.URLParam(r, "quizID")
		updated, err := s.Quizzes.Update(r.Context(), quiz, claims.UserID, claims.Role)
		if err != nil {
			writeDomainError(r.Context(), w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"quiz": updated})
	}
}

// QuizDeleteHandler removes an owned quiz.
func (s *Server) QuizDeleteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := requireClaims(w, r)
		if !ok {
			return
		}
		if err := s.Quizzes.Delete(r.Context(), chi.URLParam(r, "quizID"), claims.UserID, claims.Role); err != nil {
			writeDomainError(r.Context(), w, err)
			return
		}
		writeMessage(w, http.StatusOK, "quiz deleted")
	}
}
