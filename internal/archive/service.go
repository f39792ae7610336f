package archive

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"callrelay/internal/event"
)

// Repository is the persistence contract for archived events.
//
// It MUST be append-only; no Update/Delete methods are provided. Time-based
// retention cleanup is the one exception, expressed as the optional Pruner
// capability below.

type Repository interface {
	Append(ctx context.Context, e Entry) error
	ListByCall(ctx context.Context, callID string, limit int) ([]Entry, error)
}

var ErrInvalidEntry = errors.New("archive: invalid entry")

// Service writes the long-term raw-event archive. The cache holds a call's
// events only for its retention window; the archive is what audit consumers
// query after that.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

func (s *Service) Append(ctx context.Context, e Entry) error {
	if s.repo == nil {
		return errors.New("archive: repository not configured")
	}
	if e.Token == "" || e.EventType == "" {
		return ErrInvalidEntry
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// ArchiveRecord stores one processed event under the call it was correlated
// to.
func (s *Service) ArchiveRecord(ctx context.Context, callID string, rec event.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.Append(ctx, Entry{
		Token:          rec.Token,
		CallID:         callID,
		UniqueID:       rec.UniqueID,
		BridgeUniqueID: rec.BridgeUniqueID,
		EventType:      string(rec.Type),
		Payload:        string(payload),
	})
}

// History returns a call's archived events in arrival order.
func (s *Service) History(ctx context.Context, callID string, limit int) ([]Entry, error) {
	if s.repo == nil {
		return nil, errors.New("archive: repository not configured")
	}
	if limit <= 0 {
		limit = 200
	}
	return s.repo.ListByCall(ctx, callID, limit)
}

// Pruner is implemented by repositories that support retention cleanup.
type Pruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time, batch int) (int, error)
}

const pruneBatchSize = 500

// Prune removes entries older than the retention window. Repositories
// without retention support report zero removals.
func (s *Service) Prune(ctx context.Context, retention time.Duration) (int, error) {
	p, ok := s.repo.(Pruner)
	if !ok {
		return 0, nil
	}
	return p.PruneBefore(ctx, s.clock().Add(-retention).UTC(), pruneBatchSize)
}
