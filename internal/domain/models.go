package domain

// Exam describes one exam as authored by an admin. TimePerQuestion is in
// seconds; zero means the exam is untimed and questions go out in batches.
type Exam struct {
	ID              string `json:"id"`
	Category        string `json:"category"`
	AllowRetake     bool   `json:"allowRetake"`
	TimePerQuestion int    `json:"timePerQuestion"`
	QuestionCount   int    `json:"questionCount"`
}

// Question is a single-choice question. Order values within one exam always
// form the dense sequence 1..QuestionCount.
type Question struct {
	ID            string   `json:"id"`
	ExamID        string   `json:"examId"`
	Text          string   `json:"text"`
	Options       []string `json:"options"`
	CorrectOption int      `json:"correctOption"`
	Order         int      `json:"order"`
}

// SessionMode tags which shape of per-mode state a session carries.
type SessionMode string

const (
	ModeTimed   SessionMode = "timed"
	ModeUntimed SessionMode = "untimed"
)

// Session is a student's single in-progress attempt at one exam. Questions is
// an immutable snapshot taken at start; later bank edits never reach it.
//
// Timed sessions track one in-flight poll at a time: LastPollID is the only
// poll whose answer is currently accepted, and LastQuestionAt (unix ms) is
// the compare-and-swap key shared by the answer path and the timeout sweep.
// Untimed sessions keep a poll-to-question map for the whole in-flight batch
// and collect answers until the student finishes.
type Session struct {
	UserID   string      `json:"userId"`
	ChatID   string      `json:"chatId"`
	UserName string      `json:"userName"`
	ExamID   string      `json:"examId"`
	Mode     SessionMode `json:"mode"`

	Questions []Question `json:"questions"`

	// Timed state.
	CurrentIndex    int    `json:"currentIndex"`
	Score           int    `json:"score"`
	TimePerQuestion int    `json:"timePerQuestion"`
	LastQuestionAt  int64  `json:"lastQuestionAt"`
	LastPollID      string `json:"lastPollId"`
	LastMessageID   int64  `json:"lastMessageId"`

	// Untimed state.
	Answers          map[int]int    `json:"answers,omitempty"`
	PollMap          map[string]int `json:"pollMap,omitempty"`
	QuestionsSent    int            `json:"questionsSent"`
	BatchSize        int            `json:"batchSize"`
	ControlMessageID int64          `json:"controlMessageId"`
}

// Timed reports whether the session enforces a per-question deadline.
func (s Session) Timed() bool { return s.Mode == ModeTimed }

// Finished reports whether a timed session has moved past its last question.
func (s Session) Finished() bool { return s.CurrentIndex >= len(s.Questions) }

// UntimedScore computes the final score of an untimed session from the
// collected answers. Questions never dispatched or never answered count as
// wrong.
func (s Session) UntimedScore() int {
	score := 0
	for idx, selected := range s.Answers {
		if idx >= 0 && idx < len(s.Questions) && s.Questions[idx].CorrectOption == selected {
			score++
		}
	}
	return score
}

// ScoreRecord is the append-only result of one finished attempt. Records are
// never mutated or deleted once written.
type ScoreRecord struct {
	UserID         string `json:"userId"`
	UserName       string `json:"userName"`
	ExamID         string `json:"examId"`
	Score          int    `json:"score"`
	TotalQuestions int    `json:"totalQuestions"`
	Timestamp      int64  `json:"timestamp"`
}

// AnswerEvent is an inbound poll answer delivered by the chat gateway.
type AnswerEvent struct {
	PollID          string
	UserID          string
	SelectedOptions []int
}

// Selected returns the single selected option, or -1 for a retracted vote.
func (e AnswerEvent) Selected() int {
	if len(e.SelectedOptions) == 0 {
		return -1
	}
	return e.SelectedOptions[0]
}

// RankEntry is one row of a per-exam ranking.
type RankEntry struct {
	UserID string `json:"userId"`
	Score  int    `json:"score"`
}
