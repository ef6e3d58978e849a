package resilience

import (
	"time"

	"github.com/sells-group/lead-enrichment/internal/model"
)

// Error types recorded on DLQ entries.
const (
	ErrorTypeTransient = "transient"
	ErrorTypePermanent = "permanent"
)

// DLQEntry records a failed enrichment job so an operator can inspect or
// requeue it.
type DLQEntry struct {
	ID             string    `json:"id"`
	JobID          string    `json:"job_id"`
	OrganizationID string    `json:"organization_id"`
	ContactID      string    `json:"contact_id"`
	Error          string    `json:"error"`
	ErrorType      string    `json:"error_type"`
	RetryCount     int       `json:"retry_count"`
	MaxRetries     int       `json:"max_retries"`
	NextRetryAt    time.Time `json:"next_retry_at"`
	CreatedAt      time.Time `json:"created_at"`
	LastFailedAt   time.Time `json:"last_failed_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	OrganizationID string `json:"organization_id,omitempty"`
	ErrorType      string `json:"error_type,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// NewDLQEntry builds an entry for a failed job.
func NewDLQEntry(job *model.EnrichmentJob, cause error, maxRetries int, now time.Time) DLQEntry {
	msg := "unknown error"
	if job.Error != nil {
		msg = *job.Error
	}
	if cause != nil {
		msg = cause.Error()
	}
	errType := ClassifyError(cause)
	if errType == ErrorTypePermanent {
		maxRetries = 0
	}
	return DLQEntry{
		JobID:          job.ID,
		OrganizationID: job.OrganizationID,
		ContactID:      job.ContactID,
		Error:          msg,
		ErrorType:      errType,
		MaxRetries:     maxRetries,
		NextRetryAt:    now.UTC(),
		CreatedAt:      now.UTC(),
		LastFailedAt:   now.UTC(),
	}
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// ClassifyError categorizes an error as transient or permanent. A nil error
// (a job that failed on a contract violation already recorded on the job) is
// permanent.
func ClassifyError(err error) string {
	if IsTransient(err) {
		return ErrorTypeTransient
	}
	return ErrorTypePermanent
}
