package txstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecord(txID string, status Status) Record {
	now := time.Now().UTC()
	return Record{
		TxID:        txID,
		Status:      status,
		Kind:        "meta",
		UserAddress: "0x00000000000000000000000000000000000000aa",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// runStoreContract exercises the behavior every backend must share.
func runStoreContract(t *testing.T, store Store, prefix string) {
	ctx := context.Background()

	t.Run("missing", func(t *testing.T) {
		_, err := store.Get(ctx, prefix+"missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("lifecycle", func(t *testing.T) {
		id := prefix + "lifecycle"
		rec := newRecord(id, StatusPending)
		require.NoError(t, store.Put(ctx, id, rec))

		rec.Status = StatusSubmitted
		rec.LedgerHandle = "0xaaa"
		rec.Attempts = 1
		require.NoError(t, store.Put(ctx, id, rec))

		rec.LedgerHandle = "0xbbb"
		rec.Attempts = 2
		require.NoError(t, store.Put(ctx, id, rec), "re-priced submission replaces the handle")

		rec.Status = StatusSucceeded
		rec.BlockHeight = 1234
		rec.ExecutionCostPaid = "123456789012345678901234567890"
		require.NoError(t, store.Put(ctx, id, rec))

		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, got.Status)
		assert.Equal(t, "0xbbb", got.LedgerHandle)
		assert.Equal(t, uint64(1234), got.BlockHeight)
		assert.Equal(t, "123456789012345678901234567890", got.ExecutionCostPaid)
		assert.Equal(t, 2, got.Attempts)
		assert.Equal(t, rec, *got, "every field round-trips, nanoseconds included")
		assert.Equal(t, time.UTC, got.UpdatedAt.Location())

		again, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, got, again, "reads are idempotent")
	})

	t.Run("terminal is immutable", func(t *testing.T) {
		id := prefix + "terminal"
		rec := newRecord(id, StatusPending)
		require.NoError(t, store.Put(ctx, id, rec))
		rec.Status = StatusFailed
		rec.Reason = "UnauthorizedSubmitter"
		require.NoError(t, store.Put(ctx, id, rec))

		for _, next := range []Status{StatusPending, StatusSubmitted, StatusSucceeded, StatusFailed} {
			rec.Status = next
			assert.ErrorIs(t, store.Put(ctx, id, rec), ErrInvalidTransition, "failed -> %s", next)
		}

		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got.Status)
		assert.Equal(t, "UnauthorizedSubmitter", got.Reason)
	})

	t.Run("no backward transition", func(t *testing.T) {
		id := prefix + "backward"
		rec := newRecord(id, StatusPending)
		require.NoError(t, store.Put(ctx, id, rec))
		rec.Status = StatusSubmitted
		require.NoError(t, store.Put(ctx, id, rec))
		rec.Status = StatusPending
		assert.ErrorIs(t, store.Put(ctx, id, rec), ErrInvalidTransition)
	})

	t.Run("must start pending", func(t *testing.T) {
		id := prefix + "start"
		assert.ErrorIs(t, store.Put(ctx, id, newRecord(id, StatusSubmitted)), ErrInvalidTransition)
		_, err := store.Get(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemoryStore(), "")
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "tx.json"))
	require.NoError(t, err)
	runStoreContract(t, store, "")
}

func TestFileStorePersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "tx.json")

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	ctx := context.Background()
	rec := newRecord("tx_1", StatusPending)
	if err := store.Put(ctx, "tx_1", rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	rec.Status = StatusSubmitted
	rec.LedgerHandle = "0xabc"
	if err := store.Put(ctx, "tx_1", rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file on disk: %v", err)
	}
	leftovers, _ := filepath.Glob(filepath.Join(dir, "nested", "*.tmp"))
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}

	store2, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("re-open store: %v", err)
	}

	got, err := store2.Get(ctx, "tx_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusSubmitted || got.LedgerHandle != "0xabc" {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestFileStoreRejectsUnknownStatusOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tx.json")
	blob := `{"tx_1": {"txId": "tx_1", "status": "confirmed", "attempts": 1}}`
	require.NoError(t, os.WriteFile(path, []byte(blob), 0o600))

	_, err := NewFileStore(path)
	assert.Error(t, err)
}

func TestStatusJSON(t *testing.T) {
	var s Status
	require.NoError(t, json.Unmarshal([]byte(`"submitted"`), &s))
	assert.Equal(t, StatusSubmitted, s)

	assert.Error(t, json.Unmarshal([]byte(`"Pending"`), &s))
	assert.Error(t, json.Unmarshal([]byte(`"dropped"`), &s))
	assert.Error(t, json.Unmarshal([]byte(`3`), &s))
}

func TestMemoryStoreConcurrentWriters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "tx", newRecord("tx", StatusPending)))

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := newRecord("tx", StatusSucceeded)
			rec.Attempts = i
			if err := store.Put(ctx, "tx", rec); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded, "exactly one writer may finalize a record")
}

func TestTransitionsAreMonotonic(t *testing.T) {
	statuses := []Status{StatusPending, StatusSubmitted, StatusSucceeded, StatusFailed}
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("stored status never leaves a terminal state or moves backward", prop.ForAll(
		func(steps []int) bool {
			store := NewMemoryStore()
			ctx := context.Background()
			var last *Status
			for _, step := range steps {
				next := statuses[step]
				err := store.Put(ctx, "tx", newRecord("tx", next))
				got, getErr := store.Get(ctx, "tx")
				if getErr != nil {
					if last != nil || err == nil {
						return false
					}
					continue
				}
				if last != nil {
					if last.Terminal() && got.Status != *last {
						return false
					}
					if got.Status.rank() < last.rank() {
						return false
					}
				}
				if err == nil && got.Status != next {
					return false
				}
				s := got.Status
				last = &s
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(statuses)-1)),
	))

	properties.TestingRun(t)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	require.NoError(t, store.Ping(ctx))
	runStoreContract(t, store, "tx_pg_"+time.Now().Format("150405.000000")+"_")
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("REDIS_TEST_ADDR")
	if url == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := NewRedisStore(ctx, url)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	require.NoError(t, store.Ping(ctx))
	runStoreContract(t, store, "tx_redis_"+time.Now().Format("150405.000000")+"_")
}
