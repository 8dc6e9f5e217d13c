package http

import (
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/alem-hub/progress-engine/internal/application/tracker"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/redis"
)

const (
	defaultLeaderboardLimit = 10
	maxLeaderboardLimit     = 100
)

// ──────────────────────────────────────────────────────────────────────────────
// Request / response bodies
// ──────────────────────────────────────────────────────────────────────────────

type completeLessonRequest struct {
	UnitID            string `json:"unit_id" validate:"max=128"`
	XPGained          int    `json:"xp_gained" validate:"gte=0,lte=10000"`
	QuestionsAnswered int    `json:"questions_answered" validate:"gte=0"`
	CorrectAnswers    int    `json:"correct_answers" validate:"gte=0,ltefield=QuestionsAnswered"`
	TimeSpentSeconds  int    `json:"time_spent_seconds" validate:"gte=0"`
}

type answerRequest struct {
	Answer string `json:"answer" validate:"required,max=2000"`
}

type progressResponse struct {
	UserID           string         `json:"user_id"`
	TotalXP          int            `json:"total_xp"`
	Level            int            `json:"level"`
	XPIntoLevel      int            `json:"xp_into_level"`
	XPPerLevel       int            `json:"xp_per_level"`
	Streak           int            `json:"streak"`
	LastStudyDate    string         `json:"last_study_date,omitempty"`
	CompletedLessons []string       `json:"completed_lessons"`
	UnitProgress     map[string]int `json:"unit_progress"`
	Degraded         bool           `json:"degraded,omitempty"`
}

type statsResponse struct {
	LessonsCompleted  int     `json:"lessons_completed"`
	QuestionsAnswered int     `json:"questions_answered"`
	CorrectAnswers    int     `json:"correct_answers"`
	Accuracy          float64 `json:"accuracy"`
	TimeSpentSeconds  int64   `json:"time_spent_seconds"`
	CurrentStreak     int     `json:"current_streak"`
	LongestStreak     int     `json:"longest_streak"`
	UnitsCompleted    int     `json:"units_completed"`
}

type lessonResultResponse struct {
	Duplicate       bool                   `json:"duplicate"`
	XPGained        int                    `json:"xp_gained"`
	TotalXP         int                    `json:"total_xp"`
	Level           int                    `json:"level"`
	LeveledUp       bool                   `json:"leveled_up"`
	Streak          int                    `json:"streak"`
	NewAchievements []progress.Achievement `json:"new_achievements"`
}

type answerResponse struct {
	Correct  bool   `json:"correct"`
	Strategy string `json:"strategy,omitempty"`
	Recorded bool   `json:"recorded"`
}

type leaderboardResponse struct {
	Entries []redis.LeaderboardEntry `json:"entries"`
	MyRank  int64                    `json:"my_rank,omitempty"`
}

func toProgressResponse(store *tracker.Store) progressResponse {
	snap := store.Snapshot()
	lessons := make([]string, 0, len(snap.CompletedLessons))
	for id := range snap.CompletedLessons {
		lessons = append(lessons, id)
	}
	sort.Strings(lessons)

	xp := shared.XP(snap.TotalXP)
	return progressResponse{
		UserID:           store.UserID(),
		TotalXP:          snap.TotalXP,
		Level:            xp.Level().Int(),
		XPIntoLevel:      xp.IntoLevel(),
		XPPerLevel:       shared.XPPerLevel,
		Streak:           snap.Streak,
		LastStudyDate:    snap.LastStudyDate.String(),
		CompletedLessons: lessons,
		UnitProgress:     snap.UnitProgress,
		Degraded:         store.Degraded(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Handlers
// ──────────────────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.deps.Health.Check(r.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, status)
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	store, err := s.deps.Sessions.Open(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toProgressResponse(store))
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sessions.SignOut(userIDFrom(r.Context())); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	store, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, toProgressResponse(store))
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	store, ok := s.session(w, r)
	if !ok {
		return
	}
	st := store.Stats()
	writeJSON(w, r, http.StatusOK, statsResponse{
		LessonsCompleted:  st.LessonsCompleted,
		QuestionsAnswered: st.QuestionsAnswered,
		CorrectAnswers:    st.CorrectAnswers,
		Accuracy:          st.Accuracy(),
		TimeSpentSeconds:  int64(st.TimeSpent / time.Second),
		CurrentStreak:     st.CurrentStreak,
		LongestStreak:     st.LongestStreak,
		UnitsCompleted:    st.UnitsCompleted,
	})
}

func (s *Server) handleGetAchievements(w http.ResponseWriter, r *http.Request) {
	store, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, store.Achievements())
}

func (s *Server) handleCompleteLesson(w http.ResponseWriter, r *http.Request) {
	store, ok := s.session(w, r)
	if !ok {
		return
	}
	var req completeLessonRequest
	if !s.decode(w, r, &req, true) {
		return
	}

	res, err := store.CompleteLesson(tracker.CompleteLessonInput{
		LessonID: chi.URLParam(r, "lessonID"),
		UnitID:   req.UnitID,
		XPGained: req.XPGained,
		Session: progress.SessionStats{
			QuestionsAnswered: req.QuestionsAnswered,
			CorrectAnswers:    req.CorrectAnswers,
			TimeSpent:         time.Duration(req.TimeSpentSeconds) * time.Second,
		},
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	unlocked := res.NewAchievements
	if unlocked == nil {
		unlocked = []progress.Achievement{}
	}
	writeJSON(w, r, http.StatusOK, lessonResultResponse{
		Duplicate:       res.Duplicate,
		XPGained:        res.XPGained,
		TotalXP:         res.TotalXP,
		Level:           res.Level,
		LeveledUp:       res.LeveledUp,
		Streak:          res.Streak,
		NewAchievements: unlocked,
	})
}

func (s *Server) handleLessonProgress(w http.ResponseWriter, r *http.Request) {
	store, ok := s.session(w, r)
	if !ok {
		return
	}
	lessonID := chi.URLParam(r, "lessonID")
	snap := store.Snapshot()
	writeJSON(w, r, http.StatusOK, map[string]any{
		"lesson_id":          lessonID,
		"questions_answered": store.GetLessonProgress(lessonID),
		"completed":          snap.HasCompleted(lessonID),
	})
}

func (s *Server) handleAnswerQuestion(w http.ResponseWriter, r *http.Request) {
	store, ok := s.session(w, r)
	if !ok {
		return
	}
	var req answerRequest
	if !s.decode(w, r, &req, false) {
		return
	}

	lessonID, questionID := chi.URLParam(r, "lessonID"), chi.URLParam(r, "questionID")
	question, err := s.deps.Catalog.Question(lessonID, questionID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	result := s.deps.Evaluator.Evaluate(req.Answer, question.Answer, question.Type)
	resp := answerResponse{Correct: result.Correct, Strategy: result.Strategy}
	if result.Correct {
		resp.Recorded, err = store.CompleteQuestion(lessonID, questionID)
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleCheckStreak(w http.ResponseWriter, r *http.Request) {
	store, ok := s.session(w, r)
	if !ok {
		return
	}
	res, err := store.UpdateStreak()
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"changed":          res.Changed,
		"streak":           res.Streak,
		"new_achievements": res.NewAchievements,
	})
}

func (s *Server) handleResetProgress(w http.ResponseWriter, r *http.Request) {
	store, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := store.ResetProgress(); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toProgressResponse(store))
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if s.deps.Leaderboard == nil {
		writeJSONError(w, r, http.StatusServiceUnavailable, "leaderboard_disabled", "leaderboard is not configured")
		return
	}

	limit := defaultLeaderboardLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSONError(w, r, http.StatusBadRequest, "validation_error", "limit must be a positive integer")
			return
		}
		limit = min(n, maxLeaderboardLimit)
	}

	entries, err := s.deps.Leaderboard.Top(r.Context(), limit)
	if err != nil {
		s.logger.Error("leaderboard read failed", "error", err)
		writeJSONError(w, r, http.StatusServiceUnavailable, "service_unavailable", "leaderboard is unavailable")
		return
	}

	resp := leaderboardResponse{Entries: entries}
	rank, err := s.deps.Leaderboard.Rank(r.Context(), userIDFrom(r.Context()))
	switch {
	case err == nil:
		resp.MyRank = rank
	case !errors.Is(err, redis.ErrNotRanked):
		s.logger.Warn("leaderboard rank lookup failed", "error", err)
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// ──────────────────────────────────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────────────────────────────────

// session finds the caller's open session or writes an error.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*tracker.Store, bool) {
	store, err := s.deps.Sessions.Get(userIDFrom(r.Context()))
	if err != nil {
		s.writeDomainError(w, r, err)
		return nil, false
	}
	return store, true
}

// decode reads and validates a JSON body. allowEmpty accepts a missing body.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
			return false
		}
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		msg := err.Error()
		if errors.As(err, &verrs) && len(verrs) > 0 {
			msg = verrs[0].Field() + " failed " + verrs[0].Tag() + " validation"
		}
		writeJSONError(w, r, http.StatusBadRequest, "validation_error", msg)
		return false
	}
	return true
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, shared.ErrSessionNotFound):
		status, code = http.StatusConflict, "session_not_open"
	case errors.Is(err, shared.ErrNotReady):
		status, code = http.StatusConflict, "not_ready"
	case errors.Is(err, shared.ErrValidation),
		errors.Is(err, shared.ErrInvalidID),
		errors.Is(err, shared.ErrInvalidInput),
		errors.Is(err, shared.ErrEmptyValue),
		errors.Is(err, shared.ErrNegativeValue):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, shared.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, shared.ErrTimeout),
		errors.Is(err, shared.ErrServiceUnavailable):
		status, code = http.StatusServiceUnavailable, "service_unavailable"
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err, "user_id", userIDFrom(r.Context()))
		writeJSONError(w, r, status, code, "internal error")
		return
	}
	writeJSONError(w, r, status, code, err.Error())
}
