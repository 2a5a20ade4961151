package types

import "time"

// JobStatus is the canonical status stored on a job row.
type JobStatus string

const (
	StatusPending    JobStatus = "PENDING"
	StatusProcessing JobStatus = "PROCESSING"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one uploaded call recording moving through the pipeline.
type Job struct {
	ID       string    `gorm:"primaryKey;size:36" json:"id"`
	Filename string    `gorm:"size:512;not null" json:"filename"`
	AudioRef string    `gorm:"type:text" json:"audio_ref,omitempty"`
	Status   JobStatus `gorm:"size:16;not null;default:PENDING;index" json:"status"`

	ErrorMessage string `gorm:"type:text" json:"error_message,omitempty"`

	// Channel URLs returned by the split service.
	LeftChannelURL  string `gorm:"type:text" json:"left_channel_url,omitempty"`
	RightChannelURL string `gorm:"type:text" json:"right_channel_url,omitempty"`

	// Transcript object paths in storage.
	LeftTranscriptPath  string `gorm:"size:512" json:"left_transcript_path,omitempty"`
	RightTranscriptPath string `gorm:"size:512" json:"right_transcript_path,omitempty"`

	CompetitorsFound    StringList `gorm:"type:text" json:"competitors_found"`
	CompetitorsDetected bool       `gorm:"default:false" json:"-"`

	CurrentStep          string `gorm:"size:64" json:"current_step,omitempty"`
	ProgressPercentage   int    `gorm:"not null;default:0" json:"progress_percentage"`
	TotalCompetitors     int    `gorm:"not null;default:0" json:"total_competitors"`
	CompletedCompetitors int    `gorm:"not null;default:0" json:"completed_competitors"`

	// Queue bookkeeping. An empty WorkerID on a PROCESSING job means it is
	// orphaned and may be resumed by any worker.
	WorkerID    string     `gorm:"size:64;index" json:"-"`
	HeartbeatAt *time.Time `json:"-"`
	Attempts    int        `gorm:"not null;default:0" json:"-"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	SentimentResults  []SentimentResult  `gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE" json:"sentiment_results,omitempty"`
	SentimentFailures []SentimentFailure `gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE" json:"sentiment_failures,omitempty"`
}

// SentimentResult is the persisted outcome of one successful per-competitor
// sentiment call. Rows are never updated.
type SentimentResult struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	JobID          string    `gorm:"size:36;not null;uniqueIndex:idx_result_job_competitor" json:"job_id"`
	CompetitorName string    `gorm:"size:255;not null;uniqueIndex:idx_result_job_competitor;index" json:"competitor_name"`
	ResultJSON     Document  `gorm:"type:text;not null" json:"result_json"`
	CreatedAt      time.Time `json:"created_at"`
}

// SentimentFailure records a competitor whose analysis exhausted its retries.
// It never affects the job status.
type SentimentFailure struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	JobID          string    `gorm:"size:36;not null;uniqueIndex:idx_failure_job_competitor" json:"job_id"`
	CompetitorName string    `gorm:"size:255;not null;uniqueIndex:idx_failure_job_competitor" json:"competitor_name"`
	ErrorMessage   string    `gorm:"type:text" json:"error_message"`
	Attempts       int       `json:"attempts"`
	CreatedAt      time.Time `json:"created_at"`
}
