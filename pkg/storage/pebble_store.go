package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/darkpool/pkg/app/core/order"
)

// ErrNonceUsed is returned when an owner reuses a request nonce.
var ErrNonceUsed = errors.New("nonce already used")

// PebbleStore persists orders, balances, vaults and settled batch records.
// Reads see committed state only; callers serialise read-modify-write
// sequences themselves (per-market lock in the pool, ledger mutex in escrow).
type PebbleStore struct {
	db *pebble.DB

	seqMu sync.Mutex // guards the order index counter and nonce claims
}

// NewPebbleStore opens a Pebble database at the given path
func NewPebbleStore(path string) (*PebbleStore, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(64 << 20), // 64MB cache
		MemTableSize:             32 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

// NewInMemoryPebbleStore opens a store on an in-memory filesystem.
func NewInMemoryPebbleStore() (*PebbleStore, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory pebble db: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// ============================================================================
// Orders
// ============================================================================

// InsertOrder assigns the next venue-wide index to o, claims the owner's
// nonce and persists the order, all in one atomic write.
func (s *PebbleStore) InsertOrder(o *order.Order) error {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	used, err := s.has(nonceKey(o.Owner, o.Nonce))
	if err != nil {
		return err
	}
	if used {
		return fmt.Errorf("%w: owner %s nonce %d", ErrNonceUsed, o.Owner.Hex(), o.Nonce)
	}

	next, err := s.getU64(keyOrderSeq)
	if err != nil {
		return fmt.Errorf("failed to read order sequence: %w", err)
	}
	if next > uint64(^uint32(0)) {
		return fmt.Errorf("order index space exhausted")
	}
	o.Index = uint32(next)

	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(orderKey(o.Market, o.Index), data, nil); err != nil {
		return err
	}
	if err := b.Set(orderIndexKey(o.Index), []byte(o.Market), nil); err != nil {
		return err
	}
	if err := b.Set(nonceKey(o.Owner, o.Nonce), encodeU64(uint64(o.Index)), nil); err != nil {
		return err
	}
	if err := b.Set(keyOrderSeq, encodeU64(next+1), nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

// DeleteOrder removes an order together with its index entry and nonce
// claim. Used to undo a placement whose escrow failed.
func (s *PebbleStore) DeleteOrder(o *order.Order) error {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Delete(orderKey(o.Market, o.Index), nil)
	_ = b.Delete(orderIndexKey(o.Index), nil)
	_ = b.Delete(nonceKey(o.Owner, o.Nonce), nil)
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete order: %w", err)
	}
	return nil
}

// SaveOrders overwrites existing order records in one atomic write.
func (s *PebbleStore) SaveOrders(orders ...*order.Order) error {
	b := s.db.NewBatch()
	defer b.Close()
	for _, o := range orders {
		data, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("failed to marshal order %d: %w", o.Index, err)
		}
		if err := b.Set(orderKey(o.Market, o.Index), data, nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save orders: %w", err)
	}
	return nil
}

// GetOrder loads an order by venue-wide index
// Returns nil if order doesn't exist
func (s *PebbleStore) GetOrder(index uint32) (*order.Order, error) {
	market, closer, err := s.db.Get(orderIndexKey(index))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order index: %w", err)
	}
	key := orderKey(string(market), index)
	closer.Close()

	data, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	defer closer.Close()

	var o order.Order
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order %d: %w", index, err)
	}
	return &o, nil
}

// LoadMarketOrders returns every order of a market in ascending index
// order, whatever its status.
func (s *PebbleStore) LoadMarketOrders(market string) ([]order.Order, error) {
	prefix := orderPrefix(market)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var orders []order.Order
	for iter.First(); iter.Valid(); iter.Next() {
		var o order.Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			return nil, fmt.Errorf("failed to unmarshal order at %s: %w", iter.Key(), err)
		}
		orders = append(orders, o)
	}
	return orders, iter.Error()
}

// ============================================================================
// Balances and vaults
// ============================================================================

// GetBalance returns an owner's available balance of one asset (0 if unset).
func (s *PebbleStore) GetBalance(owner common.Address, asset string) (uint64, error) {
	return s.getU64(balanceKey(owner, asset))
}

// LoadBalances returns all non-empty balances of an owner keyed by asset.
func (s *PebbleStore) LoadBalances(owner common.Address) (map[string]uint64, error) {
	prefix := balancePrefix(owner)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	balances := make(map[string]uint64)
	for iter.First(); iter.Valid(); iter.Next() {
		v, err := decodeU64(iter.Value())
		if err != nil {
			return nil, err
		}
		if v > 0 {
			balances[string(iter.Key()[len(prefix):])] = v
		}
	}
	return balances, iter.Error()
}

// GetVault returns a market vault's holding of one asset (0 if unset).
func (s *PebbleStore) GetVault(market, asset string) (uint64, error) {
	return s.getU64(vaultKey(market, asset))
}

// ============================================================================
// Settled batches
// ============================================================================

// BatchRecord is the audit entry written for every settled batch.
type BatchRecord struct {
	ID          string      `json:"id"`
	Market      string      `json:"market"`
	Timestamp   int64       `json:"timestamp"`
	Digest      string      `json:"digest"`
	Fills       order.Batch `json:"fills"`
	Applied     int         `json:"applied"`
	Rejection   string      `json:"rejection,omitempty"`
	Attestation []byte      `json:"attestation"`
}

// SaveBatchRecord persists a settled batch record
func (s *PebbleStore) SaveBatchRecord(rec *BatchRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal batch record: %w", err)
	}
	if err := s.db.Set(batchKey(rec.Market, rec.Timestamp, rec.ID), data, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to save batch record: %w", err)
	}
	return nil
}

// LoadRecentBatches loads the most recent N batch records for a market,
// newest first.
func (s *PebbleStore) LoadRecentBatches(market string, limit int) ([]*BatchRecord, error) {
	prefix := batchPrefix(market)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var records []*BatchRecord
	for iter.Last(); iter.Valid() && len(records) < limit; iter.Prev() {
		var rec BatchRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue // Skip invalid entries
		}
		records = append(records, &rec)
	}
	return records, nil
}

// ============================================================================
// Batched writes
// ============================================================================

// Batch provides atomic writes of balances and vaults.
type Batch struct {
	batch *pebble.Batch
}

// NewBatch creates a new batch writer
func (s *PebbleStore) NewBatch() *Batch {
	return &Batch{batch: s.db.NewBatch()}
}

func (b *Batch) SetBalance(owner common.Address, asset string, v uint64) error {
	return b.batch.Set(balanceKey(owner, asset), encodeU64(v), nil)
}

func (b *Batch) SetVault(market, asset string, v uint64) error {
	return b.batch.Set(vaultKey(market, asset), encodeU64(v), nil)
}

// Commit writes the batch to Pebble atomically
func (b *Batch) Commit() error {
	return b.batch.Commit(pebble.Sync)
}

// Close releases the batch without committing
func (b *Batch) Close() error {
	return b.batch.Close()
}

func (s *PebbleStore) has(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

func (s *PebbleStore) getU64(key []byte) (uint64, error) {
	val, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	return decodeU64(val)
}
