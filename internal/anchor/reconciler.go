package anchor

import (
	"context"
	"errors"
	"time"

	"custodyline/internal/domain"
)

const defaultReconcileInterval = 30 * time.Second

type ReconcileReport struct {
	Checked     int `json:"checked"`
	Resubmitted int `json:"resubmitted"`
	Confirmed   int `json:"confirmed"`
	Unconfirmed int `json:"unconfirmed"`
	Pending     int `json:"pending"`
	Skipped     int `json:"skipped"`
}

// Reconcile walks pending anchors once. Submitted records without a reference are
// submitted again; records with a reference are checked for confirmation.
func (d *Dispatcher) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	recs, err := d.store.ListAnchorsByStatus(ctx, domain.AnchorSubmitted, domain.AnchorUnconfirmed)
	if err != nil {
		return report, err
	}
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !d.claim(rec.SubjectID) {
			report.Skipped++
			continue
		}
		report.Checked++
		var out domain.AnchorRecord
		if rec.ExternalRef == "" {
			report.Resubmitted++
			out, err = d.submit(ctx, rec)
		} else {
			out, err = d.confirm(ctx, rec)
		}
		d.release(rec.SubjectID)
		if errors.Is(err, errSuperseded) {
			report.Skipped++
			continue
		}
		if err != nil {
			d.logger.Warn("reconcile anchor", "subject", rec.SubjectID, "err", err)
		}
		switch out.Status {
		case domain.AnchorConfirmed:
			report.Confirmed++
		case domain.AnchorUnconfirmed:
			report.Unconfirmed++
		case domain.AnchorSubmitted:
			report.Pending++
		}
	}
	return report, nil
}

// Reconciler runs Reconcile on a fixed interval.
type Reconciler struct {
	Dispatcher *Dispatcher
	Interval   time.Duration
}

func (r Reconciler) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		report, err := r.Dispatcher.Reconcile(ctx)
		if err != nil && ctx.Err() == nil {
			r.Dispatcher.logger.Error("reconcile pass failed", "err", err)
		} else if report.Checked > 0 {
			r.Dispatcher.logger.Info("reconcile pass", "checked", report.Checked, "confirmed", report.Confirmed, "unconfirmed", report.Unconfirmed, "pending", report.Pending)
		} else {
			r.Dispatcher.logger.Debug("reconcile pass: nothing pending")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
