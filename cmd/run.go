package main

import (
	"context"
	"encoding/json"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enrichment/internal/model"
	"github.com/sells-group/lead-enrichment/internal/queue"
	"github.com/sells-group/lead-enrichment/internal/waterfall"
)

// runOptions describe one inline enrichment.
type runOptions struct {
	OrgID     string
	ContactID string
	Fields    []string
	Identity  model.ContactIdentity
}

var runOpts runOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Enrich one contact in-process and print the job as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, cfg, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		return runInline(ctx, env, runOpts, cmd.OutOrStdout())
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runOpts.OrgID, "org", "", "organization id (required)")
	f.StringSliceVar(&runOpts.Fields, "fields", nil, "comma-separated fields to enrich (required)")
	f.StringVar(&runOpts.ContactID, "contact-id", "", "caller's contact id")
	f.StringVar(&runOpts.Identity.Email, "email", "", "contact email")
	f.StringVar(&runOpts.Identity.Name, "name", "", "contact full name")
	f.StringVar(&runOpts.Identity.Company, "company", "", "company name")
	f.StringVar(&runOpts.Identity.Domain, "domain", "", "company domain")
	f.StringVar(&runOpts.Identity.Phone, "phone", "", "contact phone")
	f.StringVar(&runOpts.Identity.LinkedInURL, "linkedin", "", "LinkedIn profile URL")
	_ = runCmd.MarkFlagRequired("org")
	_ = runCmd.MarkFlagRequired("fields")
	rootCmd.AddCommand(runCmd)
}

// runInline creates a job, runs the waterfall on it without the queue and
// writes the final job to out.
func runInline(ctx context.Context, env *appEnv, opts runOptions, out io.Writer) error {
	if strings.TrimSpace(opts.OrgID) == "" {
		return eris.New("run: --org is required")
	}
	if opts.Identity.IsEmpty() {
		return eris.New("run: at least one identity flag is required")
	}

	job, err := model.NewJob(uuid.New().String(), opts.OrgID, opts.ContactID, opts.Fields, opts.Identity)
	if err != nil {
		return err
	}
	if err := env.Store.CreateJob(ctx, job); err != nil {
		return err
	}

	w := queue.NewWorker(env.Store, env.Store, nil, 0)
	o := env.newOrchestrator(waterfall.WithCheckpoint(w.Checkpoint))

	zap.L().Info("running inline enrichment",
		zap.String("job_id", job.ID),
		zap.String("org_id", job.OrganizationID),
		zap.Strings("fields", job.FieldRequests),
	)
	job, execErr := o.Execute(ctx, opts.OrgID, job, waterfall.Request{Identity: opts.Identity})
	if job != nil {
		if err := env.Store.SaveJob(ctx, job); err != nil {
			zap.L().Warn("run: save job", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	if execErr != nil {
		return execErr
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(job)
}
