package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/StricklySoft/selfheal/pkg/auth"
	sserr "github.com/StricklySoft/selfheal/pkg/errors"
	"github.com/StricklySoft/selfheal/pkg/incident"
	"github.com/StricklySoft/selfheal/pkg/intake"
	"github.com/StricklySoft/selfheal/pkg/store"
)

// approvalLinkActor is recorded when an approval link is used without an
// operator token granting approvals.
const approvalLinkActor = "approval-link"

type incidentView struct {
	*incident.Incident
	Ledger []*incident.LedgerEntry `json:"ledger"`
}

type triggerRequest struct {
	SourceRef string         `json:"source_ref" binding:"required"`
	Detail    map[string]any `json:"detail"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type approvalRequest struct {
	Decision string `json:"decision" binding:"required,oneof=approve reject"`
}

func (s *Server) ready(c *gin.Context) {
	if err := s.deps.Service.Health(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "state": s.deps.Service.Info().State})
}

func (s *Server) info(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Service.Info())
}

// listIncidents serves GET /v1/incidents?status=A,B&source_ref=x&limit=n.
func (s *Server) listIncidents(c *gin.Context) {
	var f store.Filter
	if raw := c.Query("status"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			st := incident.Status(strings.ToUpper(strings.TrimSpace(name)))
			if !st.Valid() {
				s.fail(c, sserr.Newf(sserr.CodeValidationFormat, "api: unknown status %q", name))
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	f.SourceRef = c.Query("source_ref")
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > store.DefaultListLimit {
			s.fail(c, sserr.Newf(sserr.CodeValidationRange, "api: limit must be between 1 and %d", store.DefaultListLimit))
			return
		}
		f.Limit = n
	}

	list, err := s.deps.Incidents.List(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err)
		return
	}
	if list == nil {
		list = []*incident.Incident{}
	}
	c.JSON(http.StatusOK, gin.H{"incidents": list})
}

func (s *Server) getIncident(c *gin.Context) {
	ctx := c.Request.Context()
	inc, err := s.deps.Incidents.Get(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	entries, err := s.deps.Incidents.ListEntries(ctx, inc.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if entries == nil {
		entries = []*incident.LedgerEntry{}
	}
	c.JSON(http.StatusOK, incidentView{Incident: inc, Ledger: entries})
}

// triggerIncident opens a manual incident for a source.
func (s *Server) triggerIncident(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, sserr.Wrap(err, sserr.CodeValidation, "api: invalid trigger request"))
		return
	}
	detail := req.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	detail["triggered_by"] = auth.ActorFromContext(c.Request.Context(), "operator")
	s.admit(c, incident.Event{
		SourceRef:  req.SourceRef,
		Kind:       incident.KindManual,
		Detail:     detail,
		OccurredAt: time.Now().UTC(),
	})
}

// submitEvent accepts a normalized failure event from an event bus.
func (s *Server) submitEvent(c *gin.Context) {
	var ev incident.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		s.fail(c, sserr.Wrap(err, sserr.CodeValidationFormat, "api: malformed event"))
		return
	}
	s.admit(c, ev)
}

// submitGlueEvent accepts a raw job-state-change payload. States other
// than FAILED, TIMEOUT and ERROR are acknowledged and ignored.
func (s *Server) submitGlueEvent(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.fail(c, sserr.Wrap(err, sserr.CodeValidation, "api: failed to read event"))
		return
	}
	ev, ok, err := intake.FromJobStateChange(payload)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusAccepted, gin.H{"ignored": true})
		return
	}
	s.admit(c, ev)
}

func (s *Server) admit(c *gin.Context, ev incident.Event) {
	if !s.deps.Service.Accepting() {
		s.fail(c, sserr.New(sserr.CodeUnavailable, "api: intake is paused"))
		return
	}
	inc, err := s.deps.Intake.Submit(c.Request.Context(), ev)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, inc)
}

func (s *Server) cancelIncident(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.fail(c, sserr.Wrap(err, sserr.CodeValidation, "api: invalid cancel request"))
			return
		}
	}
	ctx := c.Request.Context()
	inc, err := s.deps.Engine.Cancel(ctx, c.Param("id"), auth.ActorFromContext(ctx, "operator"), req.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inc)
}

func (s *Server) resolveApproval(c *gin.Context) {
	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, sserr.Wrap(err, sserr.CodeValidation, "api: decision must be approve or reject"))
		return
	}
	ctx := c.Request.Context()
	actor := auth.ActorFromContext(ctx, approvalLinkActor)
	r, err := s.deps.Approvals.Resolve(ctx, c.Param("token"), req.Decision == "approve", actor)
	if err != nil {
		s.fail(c, err)
		return
	}
	approvalAnswered(c, r)
}

// answerApproval serves POST /v1/incidents/:id/approval for operators
// holding approvals:resolve.
func (s *Server) answerApproval(c *gin.Context) {
	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, sserr.Wrap(err, sserr.CodeValidation, "api: decision must be approve or reject"))
		return
	}
	ctx := c.Request.Context()
	r, err := s.deps.Approvals.ResolveIncident(ctx, c.Param("id"), req.Decision == "approve",
		auth.ActorFromContext(ctx, "operator"))
	if err != nil {
		s.fail(c, err)
		return
	}
	approvalAnswered(c, r)
}

func approvalAnswered(c *gin.Context, r *incident.ApprovalRequest) {
	c.JSON(http.StatusOK, gin.H{
		"incident_id": r.IncidentID,
		"request_id":  r.ID,
		"state":       r.State,
		"actor":       r.Actor,
	})
}

func (s *Server) pauseIntake(c *gin.Context) {
	if err := s.deps.Service.Pause(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.deps.Service.Info().State})
}

func (s *Server) resumeIntake(c *gin.Context) {
	if err := s.deps.Service.Resume(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.deps.Service.Info().State})
}
