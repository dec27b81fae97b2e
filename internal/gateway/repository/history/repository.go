package history

import (
	"context"
	"errors"
	"time"
)

const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Record is one analysis outcome.
type Record struct {
	ID         string    `json:"id"`
	UploadID   string    `json:"upload_id,omitempty"`
	Filename   string    `json:"filename"`
	Outcome    string    `json:"outcome"`
	Label      string    `json:"label,omitempty"`
	Score      float64   `json:"score,omitempty"`
	Confidence string    `json:"confidence,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists analysis outcomes.
type Store interface {
	Add(ctx context.Context, rec Record) error
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
}

var ErrInvalidRecord = errors.New("history record is invalid")

func validate(rec Record) error {
	switch {
	case rec.ID == "":
		return errors.Join(ErrInvalidRecord, errors.New("id is required"))
	case rec.Outcome != OutcomeOK && rec.Outcome != OutcomeError:
		return errors.Join(ErrInvalidRecord, errors.New("outcome must be ok or error"))
	}
	return nil
}
