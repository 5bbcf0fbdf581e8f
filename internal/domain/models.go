package domain

import "time"

// BattleStatus is the lifecycle state of a battle.
type BattleStatus string

const (
	StatusWaiting    BattleStatus = "waiting"
	StatusInProgress BattleStatus = "in_progress"
	StatusCompleted  BattleStatus = "completed"
	StatusCancelled  BattleStatus = "cancelled"
)

// Active reports whether the battle still holds its join code.
func (s BattleStatus) Active() bool {
	return s == StatusWaiting || s == StatusInProgress
}

// Battle is the durable record of a multiplayer quiz battle.
type Battle struct {
	ID             string       `json:"id"`
	JoinCode       string       `json:"joinCode"`
	QuizID         string       `json:"quizId"`
	QuizTitle      string       `json:"quizTitle"`
	HostID         string       `json:"hostId"`
	Status         BattleStatus `json:"status"`
	TotalQuestions int          `json:"totalQuestions"`
	Mode           string       `json:"mode"`
	CreatedAt      time.Time    `json:"createdAt"`
	StartedAt      *time.Time   `json:"startedAt,omitempty"`
	CompletedAt    *time.Time   `json:"completedAt,omitempty"`
	Tied           bool         `json:"tied"`
	Winners        []string     `json:"winners"`
	ResultsSynced  bool         `json:"resultsSynced"`
}

// Participant is a durable per-battle player row.
type Participant struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Avatar      string    `json:"avatar,omitempty"`
	Score       int       `json:"score"`
	IsHost      bool      `json:"isHost"`
	IsWinner    bool      `json:"isWinner"`
	Forfeited   bool      `json:"forfeited"`
	Points      int       `json:"points"`
	Exp         int       `json:"exp"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// LiveBattle is the minimal battle record mirrored into the ephemeral store.
type LiveBattle struct {
	ID             string       `json:"id"`
	JoinCode       string       `json:"joinCode"`
	QuizID         string       `json:"quizId"`
	QuizTitle      string       `json:"quizTitle"`
	HostID         string       `json:"hostId"`
	Status         BattleStatus `json:"status"`
	TotalQuestions int          `json:"totalQuestions"`
	Mode           string       `json:"mode"`
	CreatedAt      time.Time    `json:"createdAt"`
	StartedAt      *time.Time   `json:"startedAt,omitempty"`
	Deadline       *time.Time   `json:"deadline,omitempty"`
}

// Presence is a participant's disposable live state. Losing it is tolerated;
// it can be rebuilt from the durable participant list.
type Presence struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Avatar      string    `json:"avatar,omitempty"`
	Ready       bool      `json:"ready"`
	JoinedAt    time.Time `json:"joinedAt"`
	Current     int       `json:"current"`
	Answered    int       `json:"answered"`
	Score       int       `json:"score"`
	Forfeited   bool      `json:"forfeited"`
}

// LiveSnapshot is the full ephemeral view of a battle delivered to subscribers.
type LiveSnapshot struct {
	Battle   LiveBattle `json:"battle"`
	Presence []Presence `json:"presence"`
	Viewers  int64      `json:"viewers"`
}

// QuestionType enumerates the supported question kinds.
type QuestionType string

const (
	TypeMultipleChoice QuestionType = "multiple_choice"
	TypeTrueFalse      QuestionType = "true_false"
	TypeFillBlank      QuestionType = "fill_blank"
	TypeMatching       QuestionType = "matching"
)

// Known reports whether t is one of the four supported types.
func (t QuestionType) Known() bool {
	switch t {
	case TypeMultipleChoice, TypeTrueFalse, TypeFillBlank, TypeMatching:
		return true
	}
	return false
}

// Difficulty grades a question.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Normalize maps absent or unrecognized difficulties to medium.
func (d Difficulty) Normalize() Difficulty {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return d
	}
	return DifficultyMedium
}

// Points is the credit a fully correct answer earns at this difficulty.
func (d Difficulty) Points() int {
	switch d.Normalize() {
	case DifficultyEasy:
		return 1
	case DifficultyHard:
		return 5
	default:
		return 3
	}
}

// MatchPair is one left/right association of a matching question.
type MatchPair struct {
	Left  string `json:"left"`
	Right string `json:"right"`
}

// Question models one quiz item. Only the answer key fields of its Type are meaningful.
type Question struct {
	ID         string       `json:"id"`
	Type       QuestionType `json:"type"`
	Prompt     string       `json:"prompt"`
	Difficulty Difficulty   `json:"difficulty,omitempty"`

	// multiple choice
	Choices       []string `json:"choices,omitempty"`
	CorrectChoice string   `json:"correctChoice,omitempty"`

	// true/false
	CorrectBool *bool `json:"correctBool,omitempty"`

	// fill in the blank
	Answer        string   `json:"answer,omitempty"`
	Alternatives  []string `json:"alternatives,omitempty"`
	CaseSensitive bool     `json:"caseSensitive,omitempty"`

	// matching
	Pairs []MatchPair `json:"pairs,omitempty"`
}

// Quiz is a collection of questions.
type Quiz struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}

// SubmittedAnswer is the raw value a player sends. Matching questions use Pairs,
// every other type uses Value.
type SubmittedAnswer struct {
	Value string      `json:"value,omitempty"`
	Pairs []MatchPair `json:"pairs,omitempty"`
}

// Grade is the outcome of grading one submission.
type Grade struct {
	IsCorrect bool    `json:"isCorrect"`
	Credit    int     `json:"credit"`
	Accuracy  float64 `json:"accuracy,omitempty"`
	Partial   bool    `json:"partial,omitempty"`
}

// Submission is the authoritative answer of one participant to one question.
type Submission struct {
	UserID        string          `json:"userId"`
	QuestionIndex int             `json:"questionIndex"`
	QuestionID    string          `json:"questionId"`
	Answer        SubmittedAnswer `json:"answer"`
	Grade         Grade           `json:"grade"`
	SubmittedAt   time.Time       `json:"submittedAt"`
}

// AnswerResult summarizes a submission for the submitting player.
type AnswerResult struct {
	QuestionIndex int   `json:"questionIndex"`
	Grade         Grade `json:"grade"`
	TotalScore    int   `json:"totalScore"`
	Finished      bool  `json:"finished"`
}

// Standing is one participant's final line in a battle result.
type Standing struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Score       int    `json:"score"`
	IsWinner    bool   `json:"isWinner"`
	Forfeited   bool   `json:"forfeited"`
	Points      int    `json:"points"`
	Exp         int    `json:"exp"`
}

// BattleResult is the outcome the synchronizer writes into the durable store.
type BattleResult struct {
	JoinCode    string     `json:"joinCode"`
	Tied        bool       `json:"tied"`
	Winners     []string   `json:"winners"`
	Standings   []Standing `json:"standings"`
	CompletedAt time.Time  `json:"completedAt"`
}

// ResultView is what the results screen renders. Degraded results come from the
// fallback path rather than the durable store.
type ResultView struct {
	Battle       Battle        `json:"battle"`
	Participants []Participant `json:"participants"`
	Degraded     bool          `json:"degraded"`
}

// Attempt is a solo quiz run.
type Attempt struct {
	QuizID         string        `json:"quizId"`
	UserID         string        `json:"userId"`
	Score          int           `json:"score"`
	TotalQuestions int           `json:"totalQuestions"`
	TimeSpent      time.Duration `json:"timeSpent"`
	Answers        []Submission  `json:"answers"`
	Reward         Reward        `json:"reward"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// Reward is the points and experience earned by a result.
type Reward struct {
	Points int `json:"pointsEarned"`
	Exp    int `json:"expEarned"`
}
