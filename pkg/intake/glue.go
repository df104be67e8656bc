package intake

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/StricklySoft/selfheal/pkg/catalog"
	sserr "github.com/StricklySoft/selfheal/pkg/errors"
	"github.com/StricklySoft/selfheal/pkg/incident"
)

// JobStateChange is an EventBridge "Glue Job State Change" notification.
type JobStateChange struct {
	Source     string    `json:"source"`
	DetailType string    `json:"detail-type"`
	Time       time.Time `json:"time"`
	Detail     struct {
		JobName  string `json:"jobName"`
		JobRunID string `json:"jobRunId"`
		State    string `json:"state"`
		Message  string `json:"message"`
	} `json:"detail"`
}

// FromJobStateChange maps a job-state-change payload to an Event. ok is
// false for states other than FAILED, TIMEOUT and ERROR, which open no
// incident.
func FromJobStateChange(payload []byte) (ev incident.Event, ok bool, err error) {
	var msg JobStateChange
	if err := json.Unmarshal(payload, &msg); err != nil {
		return incident.Event{}, false, sserr.Wrap(err, sserr.CodeValidationFormat, "intake: malformed job state change")
	}
	switch strings.ToUpper(msg.Detail.State) {
	case catalog.RunFailed, catalog.RunTimeout, catalog.RunError:
	default:
		return incident.Event{}, false, nil
	}
	if msg.Detail.JobName == "" {
		return incident.Event{}, false, sserr.New(sserr.CodeValidationRequired, "intake: job state change has no jobName")
	}

	occurred := msg.Time
	if occurred.IsZero() {
		occurred = time.Now()
	}
	message := msg.Detail.Message
	if message == "" {
		message = "No error message provided"
	}
	return incident.Event{
		SourceRef: msg.Detail.JobName,
		Kind:      incident.KindJobFailure,
		Detail: map[string]any{
			"job_name":   msg.Detail.JobName,
			"job_run_id": msg.Detail.JobRunID,
			"state":      strings.ToUpper(msg.Detail.State),
			"error":      message,
		},
		OccurredAt: occurred.UTC(),
	}, true, nil
}
