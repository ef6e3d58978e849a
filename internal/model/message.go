package model

// MessageKind identifies the payload carried by a queue envelope.
type MessageKind string

const (
	MessageKindJob   MessageKind = "job"
	MessageKindBatch MessageKind = "batch"
)

// JobMessage asks a worker to execute one job.
type JobMessage struct {
	JobID          string          `json:"job_id"`
	OrganizationID string          `json:"organization_id"`
	ContactID      string          `json:"contact_id"`
	ContactData    ContactIdentity `json:"contact_data"`
}

// BatchMessage asks a worker to execute several jobs of one organization.
type BatchMessage struct {
	JobIDs         []string `json:"job_ids"`
	OrganizationID string   `json:"organization_id"`
}

// Envelope is the serialized queue payload.
type Envelope struct {
	Kind  MessageKind   `json:"kind"`
	Job   *JobMessage   `json:"job,omitempty"`
	Batch *BatchMessage `json:"batch,omitempty"`
}
