package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"example.com/mileage/internal/actionlog"
	"example.com/mileage/internal/domain"
)

// NoteInput captures a note a user attaches to an activity.
type NoteInput struct {
	ActivityID string
	UserID     string
	Body       string
}

// Validate checks the input before any storage access.
func (in NoteInput) Validate() error {
	switch {
	case strings.TrimSpace(in.ActivityID) == "":
		return domain.Invalid("activity id is required")
	case strings.TrimSpace(in.UserID) == "":
		return domain.Invalid("user id is required")
	case strings.TrimSpace(in.Body) == "":
		return domain.Invalid("note body is required")
	case utf8.RuneCountInString(in.Body) > maxNoteLength:
		return domain.Invalid("note body exceeds %d characters", maxNoteLength)
	}
	return nil
}

// NoteResult reports the stored note and its undo token.
type NoteResult struct {
	NoteID    string
	ActionID  string
	ExpiresAt time.Time
}

type notePayload struct {
	NoteID     string `json:"note_id"`
	ActivityID string `json:"activity_id"`
}

// AddNote attaches a note to an activity owned by the caller and opens an undo window for it.
func (s *Service) AddNote(ctx context.Context, in NoteInput) (NoteResult, error) {
	if err := in.Validate(); err != nil {
		return NoteResult{}, err
	}

	now := s.now()
	note := domain.Note{
		ID:         uuid.NewString(),
		ActivityID: in.ActivityID,
		UserID:     in.UserID,
		Body:       strings.TrimSpace(in.Body),
		CreatedAt:  now,
	}

	var result NoteResult
	err := s.store.WithinTx(ctx, func(tx domain.Tx) error {
		view, err := tx.GetActivityView(ctx, in.ActivityID)
		if err != nil {
			return err
		}
		if view == nil || view.UserID != in.UserID {
			return fmt.Errorf("activity %s: %w", in.ActivityID, domain.ErrNotFound)
		}
		if err := tx.InsertNote(ctx, note); err != nil {
			return err
		}
		action, err := actionlog.Record(ctx, tx, in.UserID, domain.ActionTypeNote, notePayload{
			NoteID:     note.ID,
			ActivityID: note.ActivityID,
		}, now, s.undoWindow)
		if err != nil {
			return err
		}
		result = NoteResult{NoteID: note.ID, ActionID: action.ID, ExpiresAt: action.ExpiresAt}
		return nil
	})
	if err != nil {
		return NoteResult{}, err
	}
	return result, nil
}

// CompensateNote is the undo effect for note actions: it deletes the note.
func (s *Service) CompensateNote(ctx context.Context, tx domain.Tx, action domain.UserAction, _ time.Time) error {
	var payload notePayload
	if err := json.Unmarshal(action.Payload, &payload); err != nil {
		return fmt.Errorf("decode note action %s: %w", action.ID, err)
	}
	deleted, err := tx.DeleteNote(ctx, payload.NoteID)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("note %s: %w", payload.NoteID, domain.ErrNotFound)
	}
	return nil
}
