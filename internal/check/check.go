// Package check runs the read-only database status check: the live schema is
// reconciled against the components' definitions and the outcome recorded on
// the operation.
package check

import (
	"context"
	"io/fs"
	"strings"

	"sitevault/internal/database"
	"sitevault/internal/errors"
	"sitevault/internal/operation"
	"sitevault/internal/schema"
)

// Detail keys written by a check operation
const (
	DetailReconciliation = "reconciliation"
	DetailSummary        = "summary"
)

// Source is the site being checked
type Source struct {
	DB          database.Executor
	Family      database.Family
	Prefix      string
	Definitions fs.FS
}

// Runner executes check operations
type Runner struct {
	src Source
}

// NewRunner creates a check runner
func NewRunner(src Source) *Runner {
	return &Runner{src: src}
}

// Reconcile loads definitions and the live schema and compares them
func Reconcile(ctx context.Context, src Source, structure *schema.Structure) (*schema.Reconciliation, error) {
	if src.Definitions == nil {
		return nil, errors.NewAppError(errors.ErrorTypeValidation, "no schema definitions configured", nil)
	}
	if err := structure.Load(ctx, src.Definitions); err != nil {
		return nil, errors.WrapError(err, "failed to load schema")
	}
	return structure.Reconcile(), nil
}

// Run reconciles and records the result. Differences are findings, they do
// not fail the operation.
func (r *Runner) Run(ctx context.Context, job *operation.Job) error {
	log := job.Logger
	ext, err := schema.NewExtractor(r.src.Family, r.src.DB, r.src.Prefix)
	if err != nil {
		return err
	}
	structure := schema.NewStructure(ext, schema.NewGenerator(r.src.Family, r.src.Prefix), log)

	result, err := Reconcile(ctx, r.src, structure)
	if err != nil {
		return err
	}
	if err := job.Heartbeat(ctx); err != nil {
		return err
	}
	if err := job.SetDetail(ctx, DetailReconciliation, result); err != nil {
		return err
	}

	formatter := schema.NewDisplayFormatter(true, false)
	summary := formatter.GetChangeSummary(result)
	if err := job.SetDetail(ctx, DetailSummary, summary); err != nil {
		return err
	}

	if !result.HasChanges() {
		log.Info(summary)
		return nil
	}
	for _, line := range strings.Split(strings.TrimSpace(formatter.FormatReconciliation(result)), "\n") {
		if strings.TrimSpace(line) != "" {
			log.Warn(line)
		}
	}
	log.Warn(summary)
	return nil
}
