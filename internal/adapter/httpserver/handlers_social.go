package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quizdom-app/backend/internal/domain"
	"github.com/quizdom-app/backend/internal/usecase"
)

type createPostRequest struct {
	Content      string   `json:"content" validate:"required_without=Images,max=5000"`
	Images       []string `json:"images" validate:"omitempty,max=10,dive,url"`
	Type         string   `json:"type" validate:"omitempty,oneof=text image achievement quiz-result challenge"`
	RelatedQuiz  string   `json:"relatedQuiz"`
	RelatedAchmt string   `json:"relatedAchievement"`
	Visibility   string   `json:"visibility" validate:"omitempty,oneof=public followers private"`
	Hashtags     []string `json:"hashtags" validate:"omitempty,max=30"`
	Mentions     []string `json:"mentions" validate:"omitempty,max=30"`
	AuthorName   string   `json:"authorName" validate:"omitempty,max=100"`
	AuthorAvatar string   `json:"authorAvatar" validate:"omitempty,max=500"`
}

// PostCreateHandler publishes a post. The response carries the post as
// readers will see it; persistence and fanout complete asynchronously.
func (s *Server) PostCreateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := requireClaims(w, r)
		if !ok {
			return
		}
		var req createPostRequest
		if !decodeBody(w, r, &req) {
			return
		}
		authorName := req.AuthorName
		if authorName == "" {
			authorName = claims.UserID
		}
		post, err := s.Social.CreatePost(r.Context(), usecase.CreatePostRequest{
			AuthorID:     claims.UserID,
			AuthorName:   authorName,
			AuthorAvatar: req.AuthorAvatar,
			Content:      req.Content,
			Images:       req.Images,
			Type:         domain.PostType(req.Type),
			RelatedQuiz:  req.RelatedQuiz,
			RelatedAchmt: req.RelatedAchmt,
			Visibility:   domain.Visibility(req.Visibility),
			Hashtags:     req.Hashtags,
			Mentions:     req.Mentions,
		})
		if err != nil {
			writeDomainError(r.Context(), w, err)
			return
		}
		writeData(w, http.StatusCreated, map[string]any{"post": post})
	}
}

// FeedHandler serves one page of the caller's home timeline. Feeds are
// personal; only their owner (or a privileged role) may read them.
func (s *Server) FeedHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := requireClaims(w, r)
		if !ok {
			return
		}
		userID := chi.URLParam(r, "userID")
		if userID != claims.UserID && claims.Role != domain.RoleAdmin && claims.Role != domain.RoleModerator {
			writeFail(w, http.StatusForbidden, "cannot read another user's feed")
			return
		}
		page, limit := pageParams(r, 20, 50)
		posts, hasMore, err := s.Social.Feed(r.Context(), userID, page, limit)
		if err != nil {
			writeDomainError(r.Context(), w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{
			"posts":   posts,
			"hasMore": hasMore,
			"page":    page,
		})
	}
}

// TrendingHandler serves the platform-wide engagement ranking.
func (s *Server) TrendingHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 20, 1, 50)
		posts, err := s.Social.Trending(r.Context(), limit)
		if err != nil {
			writeDomainError(r.Context(), w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"posts": posts})
	}
}

// PostGetHandler loads one post with the caller's like state.
func (s *Server) PostGetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := requireClaims(w, r)
		if !ok {
			return
		}
		post, hasLiked, err := s.Social.GetPost(r.Context(), chi.URLParam(r, "postID"), claims.UserID)
		if err != nil {
			writeDomainError(r.Context(), w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"post": post, "hasLiked": hasLiked})
	}
}

// likeRequest optionally names the liker for the author notification.
type likeRequest struct {
	UserName string `json:"userName"`
}

// PostLikeHandler records a like. Liking twice answers 409.
func (s *Server) PostLikeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := requireClaims(w, r)
		if !ok {
			return
		}
		var req likeRequest
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&req)
		}
		if req.UserName == "" {
			req.UserName = claims.UserID
		}
		likes, err := s.Social.LikePost(r.Context(), claims.UserID, req.UserName, chi.URLParam(r, "postID"))
		if err != nil {
			writeDomainError(r.Context(), w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"likes": likes})
	}
}

// PostUnlikeHandler removes a like. Unliking something never liked
// answers 404.
func (s *Server) PostUnlikeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := requireClaims(w, r)
		if !ok {
			return
		}
		likes, err := s.Social.UnlikePost(r.Context(), claims.UserID, chi.URLParam(r, "postID"))
		if err != nil {
			writeDomainError(r.Context(), w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"likes": likes})
	}
}

// PostShareHandler counts a share.
func (s *Server) PostShareHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := requireClaims(w, r)
		if !ok {
			return
		}
		shares, err := s.Social.SharePost(r.Context(), claims.UserID, chi.URLParam(r, "postID"))
		if err != nil {
			writeDomainError(r.Context(), w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"shares": shares})
	}
}

// PostDeleteHandler soft-deletes an owned post.
func (s *Server) PostDeleteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := requireClaims(w, r)
		if !ok {
			return
		}
		if err := s.Social.DeletePost(r.Context(), chi.URLParam(r, "postID"), claims.UserID, claims.Role); err != nil {
			writeDomainError(r.Context(), w, err)
			return
		}
		writeMessage(w, http.StatusOK, "post deleted")
	}
}

type createCommentRequest struct {
	Content         string `json:"content" validate:"required,min=1,max=2000"`
	ParentCommentID string `json:"parentCommentId"`
	AuthorName      string `json:"authorName" validate:"omitempty,max=100"`
}

// CommentCreateHandler adds a comment, optionally threaded one level
// under a parent.
func (s *Server) CommentCreateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := requireClaims(w, r)
		if !ok {
			return
		}
		var req createCommentRequest
		if !decodeBody(w, r, &req) {
			return
		}
		authorName := req.AuthorName
		if authorName == "" {
			authorName = claims.UserID
		}
		comment, err := s.Social.CreateComment(r.Context(), usecase.CommentRequest{
			PostID:          chi.URLParam(r, "postID"),
			AuthorID:        claims.UserID,
			AuthorName:      authorName,
			Content:         req.Content,
			ParentCommentID: req.ParentCommentID,
		})
		if err != nil {
			writeDomainError(r.Context(), w, err)
			return
		}
		writeData(w, http.StatusCreated, map[string]any{"comment": comment})
	}
}

// CommentsListHandler serves one page of a post's comments.
func (s *Server) CommentsListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, limit := pageParams(r, 20, 100)
		comments, total, err := s.Social.CommentsPage(r.Context(), chi.URLParam(r, "postID"), page, limit)
		if err != nil {
			writeDomainError(r.Context(), w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"comments": comments, "total": total})
	}
}

type followRequest struct {
	FollowingID  string `json:"followingId" validate:"required"`
	FollowerName string `json:"followerName" validate:"omitempty,max=100"`
}

// FollowHandler creates a follow edge and notifies the target.
func (s *Server) FollowHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := requireClaims(w, r)
		if !ok {
			return
		}
		var req followRequest
		if !decodeBody(w, r, &req) {
			return
		}
		name := req.FollowerName
		if name == "" {
			name = claims.UserID
		}
		if err := s.Social.FollowUser(r.Context(), claims.UserID, name, req.FollowingID); err != nil {
			writeDomainError(r.Context(), w, err)
			return
		}
		writeMessage(w, http.StatusOK, "followed")
	}
}

// UnfollowHandler removes a follow edge.
func (s *Server) UnfollowHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := requireClaims(w, r)
		if !ok {
			return
		}
		var req followRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := s.Social.UnfollowUser(r.Context(), claims.UserID, req.FollowingID); err != nil {
			writeDomainError(r.Context(), w, err)
			return
		}
		writeMessage(w, http.StatusOK, "unfollowed")
	}
}

// FollowStatsHandler reports follower and following counts.
func (s *Server) FollowStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Social.FollowStats(r.Context(), chi.URLParam(r, "userID"))
		if err != nil {
			writeDomainError(r.Context(), w, err)
			return
		}
		writeData(w, http.StatusOK, stats)
	}
}

// FollowCheckHandler answers whether follower follows following.
func (s *Server) FollowCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		following, err := s.Social.IsFollowing(r.Context(),
			chi.URLParam(r, "followerID"), chi.URLParam(r, "followingID"))
		if err != nil {
			writeDomainError(r.Context(), w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]bool{"following": following})
	}
}
