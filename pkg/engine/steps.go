package engine

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"github.com/StricklySoft/selfheal/pkg/agent"
	"github.com/StricklySoft/selfheal/pkg/approval"
	"github.com/StricklySoft/selfheal/pkg/catalog"
	sserr "github.com/StricklySoft/selfheal/pkg/errors"
	"github.com/StricklySoft/selfheal/pkg/incident"
)

// step performs the work of the incident's current status and commits the
// resulting transition. more is false when the incident is terminal or
// waiting for an approval.
func (e *Engine) step(ctx context.Context, inc *incident.Incident, w *work) (more bool, err error) {
	switch inc.Status {
	case incident.StatusOpen:
		return true, e.commit(ctx, inc, incident.Transition{
			To:     incident.StatusDiagnosing,
			Cause:  incident.CauseEvent,
			Reason: "diagnosis started",
		})
	case incident.StatusDiagnosing:
		return e.diagnose(ctx, inc)
	case incident.StatusAwaitingApproval:
		return e.awaitApproval(ctx, inc, w)
	case incident.StatusRemediating:
		return e.remediate(ctx, inc)
	case incident.StatusVerifying:
		return e.verify(ctx, inc)
	}
	return false, sserr.Invariantf("engine: incident %s has no step for status %s", inc.ID, inc.Status)
}

func (e *Engine) diagnose(ctx context.Context, inc *incident.Incident) (bool, error) {
	if inc.AttemptCount >= e.cfg.MaxAttempts {
		return false, e.commit(ctx, inc, incident.Transition{
			To:     incident.StatusEscalated,
			Cause:  incident.CauseOutcome,
			Reason: fmt.Sprintf("attempt limit of %d reached", e.cfg.MaxAttempts),
		})
	}

	diag := e.diagnoser.Diagnose(ctx, e.request(ctx, inc))
	if err := ctx.Err(); err != nil {
		return false, sserr.FromContext(err, sserr.CodeTimeout, "engine: diagnosis interrupted")
	}
	if !diag.OK() {
		return false, e.commit(ctx, inc, incident.Transition{
			To:     incident.StatusEscalated,
			Cause:  incident.CauseDecision,
			Reason: "no usable decision: " + diag.Reason,
		})
	}

	d := diag.Decision.Clone()
	if _, _, err := e.remediator.Key(d.ActionName, d.Parameters); err != nil {
		if !unusable(err) {
			return false, err
		}
		return false, e.commit(ctx, inc, incident.Transition{
			To:       incident.StatusEscalated,
			Cause:    incident.CauseDecision,
			Decision: &d,
			Reason:   "agent proposed an unusable action: " + describe(err),
		})
	}

	if d.Confidence >= e.threshold {
		return true, e.commit(ctx, inc, incident.Transition{
			To:       incident.StatusRemediating,
			Cause:    incident.CauseDecision,
			Decision: &d,
			Reason:   fmt.Sprintf("confidence %.2f meets threshold %.2f", d.Confidence, e.threshold),
		})
	}

	err := e.commit(ctx, inc, incident.Transition{
		To:       incident.StatusAwaitingApproval,
		Cause:    incident.CauseDecision,
		Decision: &d,
		Reason:   fmt.Sprintf("confidence %.2f below threshold %.2f", d.Confidence, e.threshold),
	})
	if err != nil {
		return false, err
	}
	return false, e.requestApproval(ctx, inc, d)
}

// request builds the agent request, attaching recent job runs when a job
// controller is configured. Enrichment failures are logged and skipped.
func (e *Engine) request(ctx context.Context, inc *incident.Incident) agent.Request {
	detail := make(map[string]any, len(inc.Detail)+1)
	maps.Copy(detail, inc.Detail)
	var runs []catalog.JobRun
	if e.jobs != nil && e.cfg.RecentRuns > 0 {
		var err error
		runs, err = e.jobs.RecentRuns(ctx, inc.SourceRef, e.cfg.RecentRuns)
		switch {
		case err != nil:
			e.logger.Warn("engine: failed to load recent runs", "incident_id", inc.ID, "source_ref", inc.SourceRef, "error", err)
		case len(runs) > 0:
			detail["recent_runs"] = runs
		}
	}
	if logs := e.logContext(ctx, inc, runs); logs != "" {
		detail["log_context"] = logs
	}
	req := agent.Request{
		IncidentID:  inc.ID,
		SourceRef:   inc.SourceRef,
		ErrorDetail: detail,
		History:     inc.Attempts(e.window),
	}
	if e.actions != nil {
		req.Actions = e.actions.Describe()
	}
	return req
}

// logContext returns the error log lines of the failed run when the job
// controller keeps run logs. The run is the one named by the event, or
// else the newest recent run.
func (e *Engine) logContext(ctx context.Context, inc *incident.Incident, runs []catalog.JobRun) string {
	reader, ok := e.jobs.(catalog.RunLogReader)
	if !ok || e.cfg.LogLines <= 0 {
		return ""
	}
	runID, _ := inc.Detail["job_run_id"].(string)
	if runID == "" && len(runs) > 0 {
		runID = runs[0].ID
	}
	if runID == "" {
		return ""
	}
	lines, err := reader.RunLogs(ctx, inc.SourceRef, runID, e.cfg.LogLines)
	if err != nil {
		e.logger.Warn("engine: failed to load run logs", "incident_id", inc.ID, "run_id", runID, "error", err)
		return ""
	}
	return strings.Join(lines, "\n")
}

func (e *Engine) requestApproval(ctx context.Context, inc *incident.Incident, d incident.Decision) error {
	_, err := e.gate.Request(ctx, inc, d)
	if sserr.HasCode(err, sserr.CodeApprovalPending) {
		return nil
	}
	return err
}

// awaitApproval applies a delivered resolution. Without one it reads the
// round's request from the store: an answer recorded before the process
// stopped is applied, a pending request is left to its timer, and a
// missing request is issued again. The last case covers a stop between
// committing AWAITING_APPROVAL and recording the request.
func (e *Engine) awaitApproval(ctx context.Context, inc *incident.Incident, w *work) (bool, error) {
	res := w.resolution
	if res == nil {
		r, err := e.currentRound(ctx, inc)
		if err != nil {
			return false, err
		}
		if r != nil && r.Pending() {
			return false, nil
		}
		if stored, ok := approval.ResolutionOf(r); ok {
			e.logger.Info("engine: applying recorded approval answer", "incident_id", inc.ID,
				"request_id", stored.RequestID, "state", stored.State)
			res = &stored
			w.resolution = res
		} else {
			if inc.LastDecision == nil {
				return false, sserr.Invariantf("engine: incident %s awaits approval without a decision", inc.ID)
			}
			e.logger.Warn("engine: no approval request for this round; requesting again", "incident_id", inc.ID)
			return false, e.requestApproval(ctx, inc, *inc.LastDecision)
		}
	}

	t := incident.Transition{Cause: incident.CauseDecision, Actor: res.Actor}
	switch res.State {
	case incident.ApprovalApproved:
		if inc.AttemptCount >= e.cfg.MaxAttempts {
			t.To = incident.StatusEscalated
			t.Cause = incident.CauseOutcome
			t.Reason = fmt.Sprintf("approved by %s but attempt limit of %d reached", res.Actor, e.cfg.MaxAttempts)
			break
		}
		d := res.Decision.Clone()
		t.To = incident.StatusRemediating
		t.Decision = &d
		t.Reason = "approved by " + res.Actor
	case incident.ApprovalRejected:
		t.To = incident.StatusEscalated
		t.Reason = "rejected by " + res.Actor
	case incident.ApprovalExpired:
		t.To = incident.StatusEscalated
		t.Cause = incident.CauseTimeout
		t.Reason = "approval request timed out"
	default:
		w.resolution = nil
		return false, sserr.Invariantf("engine: approval %s resolved with state %q", res.RequestID, res.State)
	}
	if err := e.commit(ctx, inc, t); err != nil {
		return false, err
	}
	w.resolution = nil
	return t.To == incident.StatusRemediating, nil
}

// currentRound returns the latest approval request when it was made for
// the incident's current AWAITING_APPROVAL round, and nil otherwise.
// Requests from earlier rounds predate the transition that entered it.
func (e *Engine) currentRound(ctx context.Context, inc *incident.Incident) (*incident.ApprovalRequest, error) {
	r, err := e.gate.Latest(ctx, inc.ID)
	if sserr.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if entered, ok := inc.LastTransition(); ok && r.RequestedAt.Before(entered.Timestamp) {
		return nil, nil
	}
	return r, nil
}

func (e *Engine) remediate(ctx context.Context, inc *incident.Incident) (bool, error) {
	d := inc.LastDecision
	if d == nil {
		return false, sserr.Invariantf("engine: incident %s is remediating without a decision", inc.ID)
	}
	out, err := e.remediator.Execute(ctx, inc.ID, d.ActionName, d.Parameters)
	if err != nil {
		if ctx.Err() != nil || !unusable(err) {
			return false, err
		}
		out = incident.Outcome{Error: incident.NewOutcomeError(err)}
	}
	if out.Succeeded {
		return true, e.commit(ctx, inc, incident.Transition{
			To:      incident.StatusVerifying,
			Cause:   incident.CauseOutcome,
			Outcome: &out,
			Reason:  d.ActionName + " succeeded",
		})
	}
	return e.retryOrEscalate(ctx, inc, &out, d.ActionName+" failed")
}

func (e *Engine) verify(ctx context.Context, inc *incident.Incident) (bool, error) {
	d := inc.LastDecision
	if d == nil {
		return false, sserr.Invariantf("engine: incident %s is verifying without a decision", inc.ID)
	}
	out, err := e.remediator.Verify(ctx, inc.ID, d.ActionName, d.Parameters)
	if err != nil {
		if ctx.Err() != nil || !unusable(err) {
			return false, err
		}
		out = incident.Outcome{Succeeded: true, Error: incident.NewOutcomeError(err)}
	}
	if out.Verified {
		return false, e.commit(ctx, inc, incident.Transition{
			To:      incident.StatusResolved,
			Cause:   incident.CauseOutcome,
			Outcome: &out,
			Reason:  d.ActionName + " verified",
		})
	}
	return e.retryOrEscalate(ctx, inc, &out, d.ActionName+" did not verify")
}

// retryOrEscalate returns to DIAGNOSING while attempts remain and
// escalates otherwise.
func (e *Engine) retryOrEscalate(ctx context.Context, inc *incident.Incident, out *incident.Outcome, reason string) (bool, error) {
	if out.Error != nil {
		reason += ": " + out.Error.Message
	}
	t := incident.Transition{
		To:      incident.StatusDiagnosing,
		Cause:   incident.CauseOutcome,
		Outcome: out,
		Reason:  reason,
	}
	if inc.AttemptCount >= e.cfg.MaxAttempts {
		t.To = incident.StatusEscalated
		t.Reason = fmt.Sprintf("%s; attempt limit of %d reached", reason, e.cfg.MaxAttempts)
	}
	if err := e.commit(ctx, inc, t); err != nil {
		return false, err
	}
	return t.To == incident.StatusDiagnosing, nil
}

// unusable reports whether err rejects the decision itself rather than a
// failure of the engine's dependencies.
func unusable(err error) bool {
	return sserr.IsValidation(err) || sserr.HasCode(err, sserr.CodeUnknownAction)
}

func (e *Engine) onResolution(r approval.Resolution) {
	go e.enqueue(work{id: r.IncidentID, resolution: &r})
}
