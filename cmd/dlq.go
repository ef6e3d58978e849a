package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enrichment/internal/model"
	"github.com/sells-group/lead-enrichment/internal/queue"
	"github.com/sells-group/lead-enrichment/internal/resilience"
	"github.com/sells-group/lead-enrichment/internal/store"
)

// maxDLQScan bounds the entries searched by requeue.
const maxDLQScan = 10000

var (
	dlqOrg   string
	dlqLimit int
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and requeue failed jobs",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		return listDLQ(ctx, st, resilience.DLQFilter{OrganizationID: dlqOrg, Limit: dlqLimit}, cmd.OutOrStdout())
	},
}

var dlqRequeueCmd = &cobra.Command{
	Use:   "requeue <entry-id>",
	Short: "Resubmit a dead-lettered job as a new job and remove the entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		q := env.newQueue(cfg.Queue.Consumer)
		if err := q.Setup(ctx); err != nil {
			return err
		}
		job, err := requeueDLQ(ctx, env.Store, queue.NewIntake(env.Store, q), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "requeued as job %s\n", job.ID)
		return nil
	},
}

func init() {
	dlqListCmd.Flags().StringVar(&dlqOrg, "org", "", "only entries of this organization")
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 50, "maximum entries to list")
	dlqCmd.AddCommand(dlqListCmd, dlqRequeueCmd)
	rootCmd.AddCommand(dlqCmd)
}

func listDLQ(ctx context.Context, st store.DLQ, filter resilience.DLQFilter, out io.Writer) error {
	entries, err := st.ListDLQ(ctx, filter)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []resilience.DLQEntry{}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

// dlqStore is what requeue needs from the store.
type dlqStore interface {
	store.DLQ
	GetJob(ctx context.Context, id string) (*model.EnrichmentJob, error)
}

// requeueDLQ submits a fresh job with the fields and identity of the failed
// one, then removes the entry. The failed job stays as it was for audit.
func requeueDLQ(ctx context.Context, st dlqStore, intake *queue.Intake, entryID string) (*model.EnrichmentJob, error) {
	entries, err := st.ListDLQ(ctx, resilience.DLQFilter{Limit: maxDLQScan})
	if err != nil {
		return nil, err
	}
	var entry *resilience.DLQEntry
	for i := range entries {
		if entries[i].ID == entryID {
			entry = &entries[i]
			break
		}
	}
	if entry == nil {
		return nil, eris.Errorf("dlq: entry %s not found", entryID)
	}

	failed, err := st.GetJob(ctx, entry.JobID)
	if err != nil {
		return nil, eris.Wrapf(err, "dlq: load job %s", entry.JobID)
	}

	job, err := intake.Submit(ctx, failed.OrganizationID, failed.ContactID, failed.FieldRequests, failed.Identity)
	if err != nil {
		return nil, err
	}
	if err := st.RemoveDLQ(ctx, entry.ID); err != nil {
		return nil, err
	}
	zap.L().Info("dlq entry requeued",
		zap.String("entry_id", entry.ID),
		zap.String("failed_job_id", failed.ID),
		zap.String("job_id", job.ID),
	)
	return job, nil
}
