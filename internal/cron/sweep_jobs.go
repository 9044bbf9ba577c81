package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/escrowpay-backend/pkg/logger"
)

type escrowReleaser interface {
	ReleaseDue(ctx context.Context) (int, error)
}

type planDefaulter interface {
	MarkOverdueDefaulted(ctx context.Context) (int, error)
}

// NewEscrowReleaseJob releases held escrows whose hold period has elapsed.
func NewEscrowReleaseJob(escrow escrowReleaser, logg *logger.Logger) (Job, error) {
	if escrow == nil {
		return nil, fmt.Errorf("escrow service required")
	}
	return &countingJob{name: "escrow-release", run: escrow.ReleaseDue, field: "released", logg: logg}, nil
}

// NewInstallmentDefaultJob defaults plans with an installment past its grace period.
func NewInstallmentDefaultJob(plans planDefaulter, logg *logger.Logger) (Job, error) {
	if plans == nil {
		return nil, fmt.Errorf("installment service required")
	}
	return &countingJob{name: "installment-default", run: plans.MarkOverdueDefaulted, field: "defaulted", logg: logg}, nil
}

// countingJob runs a batch sweep that reports how many rows it changed. Rows
// that fail stay eligible for the next tick.
type countingJob struct {
	name  string
	run   func(ctx context.Context) (int, error)
	field string
	logg  *logger.Logger
}

func (j *countingJob) Name() string { return j.name }

func (j *countingJob) Run(ctx context.Context) error {
	count, err := j.run(ctx)
	if count > 0 {
		j.logg.Info(j.logg.WithField(ctx, j.field, count), "sweep changed rows")
	}
	if err != nil {
		return fmt.Errorf("%s: %w", j.name, err)
	}
	return nil
}
