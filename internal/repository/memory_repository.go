package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rongwang/titleforge/internal/models"
	"github.com/shopspring/decimal"
)

// MemoryRepository is an in-process Repository used by tests and local runs.
// Appends are serialized per user the same way the Postgres advisory lock does,
// and updates per request the way a row lock does.
type MemoryRepository struct {
	mu        sync.RWMutex
	entries   []models.LedgerEntry
	byRequest map[int64]int // request id -> index into entries
	requests  map[int64]*models.RequestLogEntry
	nextEntry int64
	nextReq   int64

	lockMu       sync.Mutex
	userLocks    map[string]*sync.Mutex
	requestLocks map[int64]*sync.Mutex

	now func() time.Time
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byRequest:    make(map[int64]int),
		requests:     make(map[int64]*models.RequestLogEntry),
		userLocks:    make(map[string]*sync.Mutex),
		requestLocks: make(map[int64]*sync.Mutex),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the timestamp source.
func (r *MemoryRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

func (r *MemoryRepository) lockUser(userID string) *sync.Mutex {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()

	l, ok := r.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		r.userLocks[userID] = l
	}
	return l
}

func (r *MemoryRepository) lockRequest(id int64) *sync.Mutex {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()

	l, ok := r.requestLocks[id]
	if !ok {
		l = &sync.Mutex{}
		r.requestLocks[id] = l
	}
	return l
}

func (r *MemoryRepository) LatestBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.latestBalanceLocked(userID), nil
}

func (r *MemoryRepository) latestBalanceLocked(userID string) decimal.Decimal {
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].UserID == userID {
			return r.entries[i].Balance
		}
	}
	return decimal.Zero
}

func (r *MemoryRepository) AppendEntry(
	ctx context.Context,
	userID string,
	requestID *int64,
	fn AmountFunc,
) (*models.LedgerEntry, error) {
	l := r.lockUser(userID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	if requestID != nil {
		if idx, ok := r.byRequest[*requestID]; ok {
			existing := r.entries[idx]
			r.mu.RUnlock()
			return &existing, nil
		}
	}
	current := r.latestBalanceLocked(userID)
	r.mu.RUnlock()

	amount, err := fn(current)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextEntry++
	entry := models.LedgerEntry{
		ID:        r.nextEntry,
		UserID:    userID,
		Timestamp: r.now(),
		Amount:    amount,
		Balance:   current.Add(amount),
	}
	if requestID != nil {
		id := *requestID
		entry.RequestID = &id
		r.byRequest[id] = len(r.entries)
	}
	r.entries = append(r.entries, entry)

	return &entry, nil
}

func (r *MemoryRepository) EntryForRequest(ctx context.Context, requestID int64) (*models.LedgerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, ok := r.byRequest[requestID]
	if !ok {
		return nil, models.ErrNotFound
	}
	entry := r.entries[idx]
	return &entry, nil
}

func (r *MemoryRepository) ListEntries(
	ctx context.Context,
	userID string,
	from time.Time,
	to time.Time,
) ([]models.LedgerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := []models.LedgerEntry{}
	for _, e := range r.entries {
		if e.UserID == userID && !e.Timestamp.Before(from) && !e.Timestamp.After(to) {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (r *MemoryRepository) CreateRequest(ctx context.Context, entry *models.RequestLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextReq++
	entry.ID = r.nextReq
	if entry.SubmittedAt.IsZero() {
		entry.SubmittedAt = r.now()
	}
	r.requests[entry.ID] = cloneRequest(entry)
	return nil
}

func (r *MemoryRepository) GetRequest(ctx context.Context, id int64) (*models.RequestLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.requests[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneRequest(entry), nil
}

func (r *MemoryRepository) UpdateRequest(ctx context.Context, id int64, fn UpdateFunc) (*models.RequestLogEntry, error) {
	l := r.lockRequest(id)
	l.Lock()
	defer l.Unlock()

	r.mu.RLock()
	stored, ok := r.requests[id]
	var entry *models.RequestLogEntry
	if ok {
		entry = cloneRequest(stored)
	}
	r.mu.RUnlock()
	if !ok {
		return nil, models.ErrNotFound
	}

	// fn runs without r.mu so it can append to the ledger
	if err := fn(entry); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.requests[id] = cloneRequest(entry)
	r.mu.Unlock()
	return entry, nil
}

func (r *MemoryRepository) ListRequests(
	ctx context.Context,
	userID string,
	from time.Time,
	to time.Time,
) ([]models.RequestLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := []models.RequestLogEntry{}
	for _, e := range r.requests {
		if e.UserID == userID && !e.SubmittedAt.Before(from) && !e.SubmittedAt.After(to) {
			entries = append(entries, *cloneRequest(e))
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].SubmittedAt.Equal(entries[j].SubmittedAt) {
			return entries[i].SubmittedAt.After(entries[j].SubmittedAt)
		}
		return entries[i].ID > entries[j].ID
	})
	return entries, nil
}

func cloneRequest(e *models.RequestLogEntry) *models.RequestLogEntry {
	c := *e
	if e.Result != nil {
		c.Result = make(models.ResultPayload, len(e.Result))
		for k, v := range e.Result {
			c.Result[k] = v
		}
	}
	return &c
}

var _ Repository = (*MemoryRepository)(nil)
