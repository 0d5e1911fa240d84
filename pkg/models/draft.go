package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DraftStatus represents the lifecycle state of a draft.
type DraftStatus string

const (
	DraftStatusWorking   DraftStatus = "working"   // Under revision, not yet dispatched
	DraftStatusSent      DraftStatus = "sent"      // Dispatched successfully
	DraftStatusDiscarded DraftStatus = "discarded" // Abandoned without sending
)

// DraftContent is one complete version of the email under construction.
type DraftContent struct {
	To      []string `json:"to"`
	Cc      []string `json:"cc,omitempty"`
	Bcc     []string `json:"bcc,omitempty"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

// DraftRevision is one entry of the append-only revision history. Feedback
// records the user remark that produced this version; the first entry has
// the originating utterance instead.
type DraftRevision struct {
	Content   DraftContent `json:"content"`
	Feedback  string       `json:"feedback,omitempty"`
	RevisedAt time.Time    `json:"revised_at"`
}

// Draft is the email content under construction for one workflow. Content is
// never edited in place: every change appends a revision entry.
type Draft struct {
	ID              string          `json:"id"`
	Content         DraftContent    `json:"content"`
	RevisionHistory []DraftRevision `json:"revision_history"`
	Status          DraftStatus     `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NewDraft creates a working draft seeded with its first revision entry.
// Provenance records the utterance that produced the draft.
func NewDraft(content DraftContent, provenance string, now time.Time) *Draft {
	return &Draft{
		ID:      "draft-" + uuid.New().String()[:8],
		Content: content,
		RevisionHistory: []DraftRevision{
			{Content: content, Feedback: provenance, RevisedAt: now},
		},
		Status:    DraftStatusWorking,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Revise appends a new revision carrying the feedback that produced it and
// makes it the current content. Earlier entries are never touched.
func (d *Draft) Revise(content DraftContent, feedback string, now time.Time) error {
	if d.Status != DraftStatusWorking {
		return fmt.Errorf("cannot revise draft %s in status %s", d.ID, d.Status)
	}

	d.Content = content
	d.RevisionHistory = append(d.RevisionHistory, DraftRevision{
		Content:   content,
		Feedback:  feedback,
		RevisedAt: now,
	})
	d.UpdatedAt = now

	return nil
}
