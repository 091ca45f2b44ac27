package httpserver

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/quizdom-app/backend/internal/usecase"
)

// doubtScratchTTL delays scratch deletion on the solver path so the
// extractor's reader never races the cleanup.
const doubtScratchTTL = 5 * time.Second

type doubtRequest struct {
	Question string `json:"question" validate:"required,min=3,max=2000"`
	Subject  string `json:"subject" validate:"omitempty,max=100"`
}

// DoubtSolveHandler answers a student question in-band. Unlike the
// generation routes the caller waits on the model; breaker-open and
// upstream timeouts surface as 503. Accepts a JSON body or a multipart
// form with an optional study-material attachment.
func (s *Server) DoubtSolveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := requireClaims(w, r)
		if !ok {
			return
		}
		req := usecase.DoubtRequest{UserID: claims.UserID}

		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			if !s.readDoubtForm(w, r, &req) {
				return
			}
		} else {
			var body doubtRequest
			if !decodeBody(w, r, &body) {
				return
			}
			req.Question = body.Question
			req.Subject = body.Subject
		}

		ans, err := s.Doubt.Solve(r.Context(), req)
		if err != nil {
			writeDomainError(r.Context(), w, err)
			return
		}
		writeData(w, http.StatusOK, ans)
	}
}

// readDoubtForm pulls question, subject and the optional attachment
// out of a multipart body. The scratch copy of the attachment is
// removed on a timer rather than a defer: extraction runs within the
// request, the timer just bounds the file's lifetime.
func (s *Server) readDoubtForm(w http.ResponseWriter, r *http.Request, req *usecase.DoubtRequest) bool {
	if err := r.ParseMultipartForm(s.Cfg.MaxUploadBytes()); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeFail(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d MB", s.Cfg.MaxUploadMB))
			return false
		}
		writeFail(w, http.StatusBadRequest, "malformed multipart body")
		return false
	}
	req.Question = r.FormValue("question")
	req.Subject = r.FormValue("subject")

	file, hdr, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return true
	}
	if err != nil {
		writeFail(w, http.StatusBadRequest, "unreadable upload")
		return false
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeFail(w, http.StatusBadRequest, "unreadable upload")
		return false
	}
	ext := strings.ToLower(filepath.Ext(hdr.Filename))
	if !uploadAllowed(ext, mimetype.Detect(data)) {
		writeFail(w, http.StatusBadRequest, "only pdf and txt uploads are accepted")
		return false
	}

	scratch, err := os.CreateTemp("", "quizdom-doubt-*"+ext)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return false
	}
	scratchPath := scratch.Name()
	time.AfterFunc(doubtScratchTTL, func() { _ = os.Remove(scratchPath) })
	if _, err := scratch.Write(data); err != nil {
		scratch.Close()
		writeDomainError(r.Context(), w, err)
		return false
	}
	if err := scratch.Close(); err != nil {
		writeDomainError(r.Context(), w, err)
		return false
	}
	req.FileName = hdr.Filename
	req.Path = scratchPath
	return true
}
