package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/iago/jobsync/internal/http/middleware"
	"github.com/iago/jobsync/internal/progress"
	"github.com/iago/jobsync/internal/records"
	"github.com/iago/jobsync/internal/search"
	"github.com/iago/jobsync/internal/service"
	"github.com/iago/jobsync/internal/transport"
)

var errInvalidPayload = errors.New("invalid payload")

// API serves the primary device.
type API struct {
	records     *records.Store
	tracker     *progress.Tracker
	merger      *search.Merger
	sync        *service.SyncService
	transport   *transport.Transport
	idempotency *idempotencyStore
}

type APIDependencies struct {
	Records   *records.Store
	Tracker   *progress.Tracker
	Merger    *search.Merger
	Sync      *service.SyncService
	Transport *transport.Transport
}

func NewAPI(deps APIDependencies) *API {
	return &API{
		records:     deps.Records,
		tracker:     deps.Tracker,
		merger:      deps.Merger,
		sync:        deps.Sync,
		transport:   deps.Transport,
		idempotency: newIdempotencyStore(),
	}
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

func decodeJSON(r *http.Request, value any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		return errInvalidPayload
	}
	return nil
}

// pathID returns the single path segment after prefix, or "".
func pathID(path, prefix string) string {
	id := strings.TrimSpace(strings.TrimPrefix(path, prefix))
	if strings.Contains(id, "/") {
		return ""
	}
	return id
}

type idempotencyEntry struct {
	PayloadHash uint64
	RecordID    string
	CreatedAt   time.Time
	// Done is false while the first request holding the key is still running.
	Done bool
}

type reservation int

const (
	// reserved means the caller owns the key and must Complete or Release it.
	reserved reservation = iota
	replayed
	conflicted
	inProgress
)

type idempotencyStore struct {
	mu        sync.Mutex
	entries   map[string]idempotencyEntry
	ttl       time.Duration
	now       func() time.Time
	lastSweep time.Time
}

func newIdempotencyStore() *idempotencyStore {
	return &idempotencyStore{
		entries: make(map[string]idempotencyEntry),
		ttl:     24 * time.Hour,
		now:     time.Now,
	}
}

// Reserve claims key for a request whose payload hashes to payloadHash. The
// check and the claim happen under one lock so concurrent retries with the
// same key cannot both issue the write.
func (s *idempotencyStore) Reserve(key string, payloadHash uint64) (idempotencyEntry, reservation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	s.sweepLocked(now)
	entry, ok := s.entries[key]
	if ok && now.Sub(entry.CreatedAt) > s.ttl {
		delete(s.entries, key)
		ok = false
	}
	switch {
	case !ok:
		s.entries[key] = idempotencyEntry{PayloadHash: payloadHash, CreatedAt: now}
		return idempotencyEntry{}, reserved
	case entry.PayloadHash != payloadHash:
		return entry, conflicted
	case !entry.Done:
		return entry, inProgress
	default:
		return entry, replayed
	}
}

func (s *idempotencyStore) Complete(key, recordID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return
	}
	entry.RecordID = recordID
	entry.Done = true
	s.entries[key] = entry
}

// Release frees a reservation whose request failed so a retry can run.
func (s *idempotencyStore) Release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[key]; ok && !entry.Done {
		delete(s.entries, key)
	}
}

func (s *idempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// sweepLocked drops expired entries, at most once a minute.
func (s *idempotencyStore) sweepLocked(now time.Time) {
	if now.Sub(s.lastSweep) < time.Minute {
		return
	}
	s.lastSweep = now
	for key, entry := range s.entries {
		if now.Sub(entry.CreatedAt) > s.ttl {
			delete(s.entries, key)
		}
	}
}

func hashPayload(value any) uint64 {
	payload, _ := json.Marshal(value)
	return xxhash.Sum64(payload)
}
