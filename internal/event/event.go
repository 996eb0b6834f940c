package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kinds of triggering events the scheduler ingests.
const (
	KindPush         = "push"
	KindIssueComment = "issue_comment"
	KindUserPrompt   = "user_prompt"
	KindSchedule     = "schedule"
)

// Event is one external occurrence that may activate workflows. Body is
// the text the trigger filters match against; Payload is the full
// kind-specific document persisted with the run.
type Event struct {
	ID           string          `json:"id"`
	RepositoryID string          `json:"repository_id"`
	Kind         string          `json:"kind"`
	Body         string          `json:"body"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
}

// PushPayload describes a push event.
type PushPayload struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

// IssueCommentPayload describes a comment on an issue or pull request.
type IssueCommentPayload struct {
	IssueID string `json:"issue_id"`
	Body    string `json:"body"`
}

// UserPromptPayload describes a direct user message to an agent session.
type UserPromptPayload struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// SchedulePayload describes a cron firing.
type SchedulePayload struct {
	CronID string `json:"cron_id"`
}

// NewPush builds a push event.
func NewPush(repoID, ref, sha string) *Event {
	return build(repoID, KindPush, ref, PushPayload{Ref: ref, SHA: sha})
}

// NewIssueComment builds an issue comment event.
func NewIssueComment(repoID, issueID, body string) *Event {
	return build(repoID, KindIssueComment, body, IssueCommentPayload{IssueID: issueID, Body: body})
}

// NewUserPrompt builds a user prompt event.
func NewUserPrompt(repoID, sessionID, text string) *Event {
	return build(repoID, KindUserPrompt, text, UserPromptPayload{SessionID: sessionID, Text: text})
}

// NewSchedule builds a schedule event.
func NewSchedule(repoID, cronID string) *Event {
	return build(repoID, KindSchedule, cronID, SchedulePayload{CronID: cronID})
}

func build(repoID, kind, body string, payload interface{}) *Event {
	data, _ := json.Marshal(payload)
	return &Event{
		ID:           uuid.New().String(),
		RepositoryID: repoID,
		Kind:         kind,
		Body:         body,
		Payload:      data,
		CreatedAt:    time.Now(),
	}
}

// Decode parses an inbound event document from the ingestion API.
func Decode(data []byte) (*Event, error) {
	var in struct {
		RepositoryID string          `json:"repository_id"`
		Kind         string          `json:"kind"`
		Payload      json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if in.RepositoryID == "" {
		return nil, fmt.Errorf("event missing repository_id")
	}

	var body string
	switch in.Kind {
	case KindPush:
		var p PushPayload
		if err := json.Unmarshal(in.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode push payload: %w", err)
		}
		body = p.Ref
	case KindIssueComment:
		var p IssueCommentPayload
		if err := json.Unmarshal(in.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode issue_comment payload: %w", err)
		}
		body = p.Body
	case KindUserPrompt:
		var p UserPromptPayload
		if err := json.Unmarshal(in.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode user_prompt payload: %w", err)
		}
		body = p.Text
	case KindSchedule:
		var p SchedulePayload
		if err := json.Unmarshal(in.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode schedule payload: %w", err)
		}
		body = p.CronID
	default:
		return nil, fmt.Errorf("unknown event kind %q", in.Kind)
	}

	return &Event{
		ID:           uuid.New().String(),
		RepositoryID: in.RepositoryID,
		Kind:         in.Kind,
		Body:         body,
		Payload:      in.Payload,
		CreatedAt:    time.Now(),
	}, nil
}
