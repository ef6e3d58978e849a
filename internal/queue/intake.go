package queue

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enrichment/internal/model"
	"github.com/sells-group/lead-enrichment/internal/store"
)

// Intake creates pending jobs and publishes them for workers.
type Intake struct {
	jobs  store.JobStore
	pub   Publisher
	newID func() string
}

// NewIntake creates an intake over jobs and pub.
func NewIntake(jobs store.JobStore, pub Publisher) *Intake {
	return &Intake{
		jobs:  jobs,
		pub:   pub,
		newID: func() string { return uuid.New().String() },
	}
}

// Submit stores a pending job and publishes a message for it. The job is
// written first so a worker never receives a message for a missing job.
func (i *Intake) Submit(ctx context.Context, orgID, contactID string, fields []string, identity model.ContactIdentity) (*model.EnrichmentJob, error) {
	job, err := model.NewJob(i.newID(), orgID, contactID, fields, identity)
	if err != nil {
		return nil, eris.Wrap(err, "intake")
	}
	if err := i.jobs.CreateJob(ctx, job); err != nil {
		return nil, eris.Wrap(err, "intake: create job")
	}

	_, err = i.pub.Publish(ctx, model.Envelope{
		Kind: model.MessageKindJob,
		Job: &model.JobMessage{
			JobID:          job.ID,
			OrganizationID: orgID,
			ContactID:      contactID,
			ContactData:    identity,
		},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "intake: publish job %s", job.ID)
	}
	zap.L().Debug("intake: job submitted", zap.String("job_id", job.ID), zap.String("org_id", orgID))
	return job, nil
}

// SubmitBatch stores one pending job per request and publishes them as a
// single batch message.
func (i *Intake) SubmitBatch(ctx context.Context, orgID string, fields []string, reqs []model.EnrichmentRequest) ([]*model.EnrichmentJob, error) {
	if len(reqs) == 0 {
		return nil, eris.New("intake: empty batch")
	}
	jobs := make([]*model.EnrichmentJob, 0, len(reqs))
	ids := make([]string, 0, len(reqs))
	for _, r := range reqs {
		job, err := model.NewJob(i.newID(), orgID, r.ContactID, fields, r.Identity)
		if err != nil {
			return nil, eris.Wrapf(err, "intake: contact %s", r.ContactID)
		}
		jobs = append(jobs, job)
		ids = append(ids, job.ID)
	}
	if err := i.jobs.CreateJobs(ctx, jobs); err != nil {
		return nil, eris.Wrap(err, "intake: create jobs")
	}

	_, err := i.pub.Publish(ctx, model.Envelope{
		Kind:  model.MessageKindBatch,
		Batch: &model.BatchMessage{JobIDs: ids, OrganizationID: orgID},
	})
	if err != nil {
		return nil, eris.Wrap(err, "intake: publish batch")
	}
	zap.L().Info("intake: batch submitted", zap.String("org_id", orgID), zap.Int("jobs", len(jobs)))
	return jobs, nil
}
