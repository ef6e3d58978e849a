package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-enrichment/internal/model"
)

func TestIntake_Submit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	q := newTestQueue(t, setupTestRedis(t), "w1", nil)
	intake := NewIntake(s, q)

	identity := model.ContactIdentity{Email: "jane@acme.com", Name: "Jane Doe"}
	job, err := intake.Submit(ctx, "org-1", "contact-7", []string{"title", "phone", "title"}, identity)
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, []string{"title", "phone"}, job.FieldRequests)

	stored, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, stored.Status)
	assert.Equal(t, identity.Email, stored.Identity.Email)

	rec := &recorder{}
	_, err = q.Poll(ctx, rec.handle)
	require.NoError(t, err)
	require.Len(t, rec.seen, 1)
	msg := rec.seen[0]
	assert.Equal(t, model.MessageKindJob, msg.Kind)
	assert.Equal(t, job.ID, msg.Job.JobID)
	assert.Equal(t, "org-1", msg.Job.OrganizationID)
	assert.Equal(t, "contact-7", msg.Job.ContactID)
	assert.Equal(t, identity, msg.Job.ContactData)
}

func TestIntake_SubmitRejectsEmptyFields(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, setupTestRedis(t), "w1", nil)
	intake := NewIntake(newTestStore(t), q)

	_, err := intake.Submit(ctx, "org-1", "contact-1", nil, model.ContactIdentity{})
	assert.Error(t, err)

	rec := &recorder{}
	_, err = q.Poll(ctx, rec.handle)
	require.NoError(t, err)
	assert.Zero(t, rec.count())
}

func TestIntake_SubmitBatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	q := newTestQueue(t, setupTestRedis(t), "w1", nil)
	intake := NewIntake(s, q)

	jobs, err := intake.SubmitBatch(ctx, "org-1", []string{"email"}, []model.EnrichmentRequest{
		{ContactID: "c1", Identity: model.ContactIdentity{Email: "a@acme.com"}},
		{ContactID: "c2", Identity: model.ContactIdentity{Email: "b@acme.com"}},
	})
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	rec := &recorder{}
	_, err = q.Poll(ctx, rec.handle)
	require.NoError(t, err)
	require.Len(t, rec.seen, 1)
	assert.Equal(t, model.MessageKindBatch, rec.seen[0].Kind)
	assert.Equal(t, []string{jobs[0].ID, jobs[1].ID}, rec.seen[0].Batch.JobIDs)

	_, err = intake.SubmitBatch(ctx, "org-1", []string{"email"}, nil)
	assert.Error(t, err)
}

// Intake, queue and worker together: a submitted job ends up completed.
func TestIntake_EndToEnd(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	q := newTestQueue(t, setupTestRedis(t), "w1", nil)
	a := &stubAdapter{name: "stub"}
	w := newOrchestratedWorker(t, s, a)

	job, err := NewIntake(s, q).Submit(ctx, "org-1", "contact-1", []string{"title"},
		model.ContactIdentity{Email: "jane@acme.com"})
	require.NoError(t, err)

	acked, err := q.Poll(ctx, w.Handle)
	require.NoError(t, err)
	assert.Equal(t, 1, acked)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Equal(t, []string{"stub"}, got.ProvidersTried)
}
