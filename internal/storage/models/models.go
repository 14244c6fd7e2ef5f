package models

import "time"

type Episode struct {
	ID          string
	Title       string
	Show        string
	Guests      []string
	SourceURL   string
	PublishedAt *time.Time
	Summary     string
	ChunkCount  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type TranscriptChunk struct {
	ID         string
	EpisodeID  string
	ChunkIndex int
	Speaker    string
	StartTime  string
	Text       string
	CreatedAt  time.Time
}

// QueryRecord is one processed query with the pipeline's decisions.
type QueryRecord struct {
	ID              string
	SessionID       string
	UserID          string
	QueryText       string
	Response        string
	Decision        string
	RejectionReason string
	Intent          string
	Complexity      string
	ClassifierPath  string
	SubQueryCount   int
	StoreCalls      int
	FailedCalls     int
	Rounds          int
	RAGResultsCount int
	KGResultsCount  int
	LatencyMS       int
	CreatedAt       time.Time
}

type QuerySource struct {
	ID         int
	QueryID    string
	SourceType string
	EpisodeID  string
	Timestamp  string
	Content    string
	FusedScore float64
	Rank       int
}

type Feedback struct {
	ID            int
	QueryID       string
	Helpful       bool
	IssueCategory string
	Comment       string
	CreatedAt     time.Time
}

type EvaluationRun struct {
	ID               string
	Dataset          string
	Total            int
	DecisionCorrect  int
	IntentCorrect    int
	RejectionRecall  float64
	AnswerRate       float64
	AverageLatencyMS float64
	CreatedAt        time.Time
}

type KGEntity struct {
	ID              string
	Name            string
	Type            string
	CanonicalName   string
	Aliases         []string
	FirstSeen       time.Time
	LastUpdated     time.Time
	OccurrenceCount int
}

type KGRelation struct {
	ID              int
	SubjectID       string
	Predicate       string
	ObjectID        string
	Confidence      float64
	SourceEpisodeID string
	CreatedAt       time.Time
}
