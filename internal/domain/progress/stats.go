package progress

import "time"

// SessionStats - показатели одного прохождения урока.
type SessionStats struct {
	QuestionsAnswered int           `json:"questions_answered"`
	CorrectAnswers    int           `json:"correct_answers"`
	TimeSpent         time.Duration `json:"time_spent"`
}

// UserStats - агрегированная статистика пользователя.
// Все счётчики монотонны, кроме CurrentStreak и полного сброса.
type UserStats struct {
	LessonsCompleted  int
	QuestionsAnswered int
	CorrectAnswers    int
	TimeSpent         time.Duration
	CurrentStreak     int
	LongestStreak     int
	UnitsCompleted    int
}

// Accuracy returns the share of correct answers in percent, 0 when nothing was answered.
func (u UserStats) Accuracy() float64 {
	if u.QuestionsAnswered == 0 {
		return 0
	}
	return float64(u.CorrectAnswers) * 100 / float64(u.QuestionsAnswered)
}

func (u *UserStats) recordSession(s SessionStats) {
	if s.QuestionsAnswered > 0 {
		u.QuestionsAnswered += s.QuestionsAnswered
	}
	if s.CorrectAnswers > 0 {
		u.CorrectAnswers += s.CorrectAnswers
	}
	if s.TimeSpent > 0 {
		u.TimeSpent += s.TimeSpent
	}
}

func (u *UserStats) observeStreak(current int) {
	u.CurrentStreak = current
	if current > u.LongestStreak {
		u.LongestStreak = current
	}
}
