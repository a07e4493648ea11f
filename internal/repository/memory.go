package repository

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/quickclean-notifier/internal/domain"
)

// MemoryRecordRepo keeps records in process memory. Values are copied on the
// way in and out so callers never share state with the store.
type MemoryRecordRepo struct {
	mu      sync.RWMutex
	records map[string]*domain.NotificationRecord
	order   []string
}

func NewMemoryRecordRepo() *MemoryRecordRepo {
	return &MemoryRecordRepo{records: make(map[string]*domain.NotificationRecord)}
}

func (s *MemoryRecordRepo) Create(_ context.Context, rec *domain.NotificationRecord) error {
	if rec == nil {
		return domain.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if _, exists := s.records[rec.ID]; exists {
		return domain.ErrConflict
	}

	stored := cloneRecord(*rec)
	s.records[rec.ID] = &stored
	s.order = append(s.order, rec.ID)
	return nil
}

func (s *MemoryRecordRepo) Update(_ context.Context, id string, patch domain.RecordPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[id]
	if !exists {
		return domain.ErrNotFound
	}

	patch.NextRetryAt = cloneTime(patch.NextRetryAt)
	patch.LastError = cloneString(patch.LastError)
	patch.Apply(rec)
	return nil
}

func (s *MemoryRecordRepo) GetByID(_ context.Context, id string) (*domain.NotificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[id]
	if !exists {
		return nil, domain.ErrNotFound
	}
	out := cloneRecord(*rec)
	return &out, nil
}

func (s *MemoryRecordRepo) FindDue(_ context.Context, now time.Time, limit int) ([]domain.NotificationRecord, error) {
	if limit < 1 {
		return nil, nil
	}

	s.mu.RLock()
	due := make([]domain.NotificationRecord, 0)
	for _, id := range s.order {
		rec := s.records[id]
		if rec.IsDue(now) {
			due = append(due, cloneRecord(*rec))
		}
	}
	s.mu.RUnlock()

	slices.SortStableFunc(due, func(a, b domain.NotificationRecord) int {
		switch {
		case a.NextRetryAt == nil && b.NextRetryAt == nil:
		case a.NextRetryAt == nil:
			return -1
		case b.NextRetryAt == nil:
			return 1
		default:
			if c := a.NextRetryAt.Compare(*b.NextRetryAt); c != 0 {
				return c
			}
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryRecordRepo) List(_ context.Context, params ListParams) ([]domain.NotificationRecord, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.NotificationRecord, 0)
	for i := len(s.order) - 1; i >= 0; i-- {
		rec := s.records[s.order[i]]
		if params.Status != nil && rec.Status != *params.Status {
			continue
		}
		if params.Kind != nil && rec.Kind != *params.Kind {
			continue
		}
		if params.Recipient != "" && !strings.EqualFold(rec.RecipientAddress, params.Recipient) {
			continue
		}
		matched = append(matched, cloneRecord(*rec))
	}

	page, pageSize := normalizePage(params.Page, params.PageSize)
	total := int64(len(matched))
	start := min((page-1)*pageSize, len(matched))
	end := min(start+pageSize, len(matched))

	return matched[start:end], total, nil
}

// All returns every stored record in insertion order.
func (s *MemoryRecordRepo) All() []domain.NotificationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.NotificationRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, cloneRecord(*s.records[id]))
	}
	return out
}

type MemoryAttemptRepo struct {
	mu       sync.RWMutex
	attempts map[string][]domain.NotificationAttempt
}

func NewMemoryAttemptRepo() *MemoryAttemptRepo {
	return &MemoryAttemptRepo{attempts: make(map[string][]domain.NotificationAttempt)}
}

func (s *MemoryAttemptRepo) Create(_ context.Context, a *domain.NotificationAttempt) error {
	if err := a.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	s.attempts[a.RecordID] = append(s.attempts[a.RecordID], *a)
	return nil
}

func (s *MemoryAttemptRepo) GetByRecordID(_ context.Context, recordID string) ([]domain.NotificationAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	attempts := slices.Clone(s.attempts[recordID])
	slices.SortStableFunc(attempts, func(a, b domain.NotificationAttempt) int {
		return a.AttemptNumber - b.AttemptNumber
	})
	return attempts, nil
}

func cloneRecord(r domain.NotificationRecord) domain.NotificationRecord {
	r.Related = domain.Related{UserID: cloneString(r.Related.UserID), BookingID: cloneString(r.Related.BookingID)}
	r.NextRetryAt = cloneTime(r.NextRetryAt)
	r.LastError = cloneString(r.LastError)
	r.PayloadSnapshot = slices.Clone(r.PayloadSnapshot)
	return r
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
