package types

import (
	"context"
	"math"
	"time"
)

// StoreForever asks a store to keep an entry until it is evicted or deleted.
const StoreForever = time.Duration(math.MaxInt64)

// Params are the normalized parameters of an incoming request.
type Params map[string]string

// Vary records, for a stored entry, every parameter name the producer said the
// result depends on and the value that parameter had. A nil value means the
// parameter was absent from the request that produced the entry.
type Vary map[string]*string

// Entry is one stored representation of a resource.
type Entry struct {
	ID         string            `json:"id"`
	Vary       Vary              `json:"vary"`
	Content    []byte            `json:"content"`
	Date       time.Time         `json:"date"`
	InitialAge time.Duration     `json:"initial_age"`
	Validators map[string]string `json:"validators,omitempty"`
}

// BirthDate is the moment the origin generated the content, which can be
// earlier than Date when the entry was relayed by another cache.
func (e Entry) BirthDate() time.Time {
	return e.Date.Add(-e.InitialAge)
}

type StoreEntryInput struct {
	Entry       Entry
	MaxStoreFor time.Duration
}

// VariantStore persists entries keyed by resource id and variant.
//
// Get returns the stored entries whose vary values match params; an empty
// result is a cache miss, not an error. Store writes a batch, keeping only the
// newest entry per variant. Delete removes every variant of a resource. Close
// releases background work and waits for it until ctx is done.
type VariantStore interface {
	Get(ctx context.Context, id string, params Params) ([]Entry, error)
	Store(ctx context.Context, inputs []StoreEntryInput) error
	Delete(ctx context.Context, id string) error
	Close(ctx context.Context) error
}

// Sweeper is implemented by stores that can reconcile all of their derived
// data in one pass.
type Sweeper interface {
	Sweep(ctx context.Context) (SweepResult, error)
}

// Cleaner is implemented by stores that can reconcile the derived data of a
// single resource on demand.
type Cleaner interface {
	Cleanup(ctx context.Context, id string) (CleanupResult, error)
}

type SweepResult struct {
	Resources          int `json:"resources"`
	RemovedEntryKeys   int `json:"removed_entry_keys"`
	RemovedVaryKeySets int `json:"removed_vary_key_sets"`
	ExpiredEntries     int `json:"expired_entries"`
}

type CleanupResult struct {
	RemovedEntryKeys   int64 `json:"removed_entry_keys"`
	RemovedVaryKeySets int64 `json:"removed_vary_key_sets"`
	Premature          int64 `json:"premature"`
}

type VariantStoreCreator func(config *StoreConfig, logger Logger) (VariantStore, error)

func StringPtr(s string) *string {
	return &s
}
