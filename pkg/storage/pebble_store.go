package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"go.uber.org/atomic"

	"github.com/uhyunpark/crossbook/pkg/app/core/order"
	"github.com/uhyunpark/crossbook/pkg/app/core/orderbook"
)

// AuditRecord is a snapshot of a rejected submission. Request keeps the
// submitter's field order.
type AuditRecord struct {
	ID      uint64                              `json:"id"`
	At      time.Time                           `json:"at"`
	Reason  string                              `json:"reason"`
	Request *orderedmap.OrderedMap[string, any] `json:"request"`
}

// PebbleStore keeps orders and audit records in one pebble database.
type PebbleStore struct {
	db       *pebble.DB
	orderSeq *atomic.Uint64
	logSeq   *atomic.Uint64
	locks    scopeLocks
	closed   *atomic.Bool
}

// NewPebbleStore opens (or creates) a store at path. An empty path keeps
// everything in memory.
func NewPebbleStore(path string) (*PebbleStore, error) {
	opts := &pebble.Options{}
	if path == "" {
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}

	s := &PebbleStore{
		db:       db,
		orderSeq: atomic.NewUint64(0),
		logSeq:   atomic.NewUint64(0),
		locks:    scopeLocks{m: make(map[string]*sync.Mutex)},
		closed:   atomic.NewBool(false),
	}
	for prefix, seq := range map[string]*atomic.Uint64{prefixOrder: s.orderSeq, prefixLog: s.logSeq} {
		last, err := s.lastID([]byte(prefix))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("seed %s sequence: %w", prefix, err)
		}
		seq.Store(last)
	}
	return s, nil
}

func (s *PebbleStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *PebbleStore) lastID(prefix []byte) (uint64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	return idFromKey(iter.Key())
}

// Update runs fn inside a transaction and commits its writes atomically.
// Transactions with the same scope never overlap; different scopes run
// concurrently. If fn returns an error nothing is written.
func (s *PebbleStore) Update(ctx context.Context, scope string, fn func(tx *Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	unlock := s.locks.lock(scope)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	batch := s.db.NewIndexedBatch()
	defer batch.Close()

	tx := &Txn{store: s, batch: batch}
	if err := fn(tx); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrPersistence, err)
	}
	return nil
}

// Orders returns every order ever stored, in id order.
func (s *PebbleStore) Orders(ctx context.Context) ([]order.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte(prefixOrder)
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
		o, err := decodeOrder(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		orders = append(orders, o)
	}
	return orders, iter.Error()
}

// Order loads a single order by id.
func (s *PebbleStore) Order(ctx context.Context, id uint64) (order.Order, error) {
	if err := ctx.Err(); err != nil {
		return order.Order{}, err
	}
	return getOrder(s.db, id)
}

// AppendAudit stores a new audit record and returns it with its id assigned.
func (s *PebbleStore) AppendAudit(ctx context.Context, rec AuditRecord) (AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return AuditRecord{}, err
	}
	if s.closed.Load() {
		return AuditRecord{}, ErrClosed
	}
	if rec.Request == nil {
		rec.Request = orderedmap.New[string, any]()
	}
	rec.ID = s.logSeq.Inc()
	data, err := json.Marshal(rec)
	if err != nil {
		return AuditRecord{}, fmt.Errorf("failed to marshal audit record: %w", err)
	}
	if err := s.db.Set(logKey(rec.ID), data, pebble.Sync); err != nil {
		return AuditRecord{}, fmt.Errorf("%w: audit record: %v", ErrPersistence, err)
	}
	return rec, nil
}

// AuditRecords returns every audit record in append order.
func (s *PebbleStore) AuditRecords(ctx context.Context) ([]AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte(prefixLog)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var records []AuditRecord
	for iter.First(); iter.Valid(); iter.Next() {
		rec, err := decodeAudit(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		records = append(records, rec)
	}
	return records, iter.Error()
}

// Txn is a pending set of writes. Reads observe the transaction's own writes.
type Txn struct {
	store *PebbleStore
	batch *pebble.Batch
}

var _ orderbook.Tx = (*Txn)(nil)

// InsertOrder assigns the next id to o and stages it.
func (t *Txn) InsertOrder(o order.Order) (order.Order, error) {
	o.ID = t.store.orderSeq.Inc()
	if err := t.putOrder(o); err != nil {
		return order.Order{}, err
	}
	if o.IsOpen() {
		if err := t.batch.Set(openKey(o.SellCurrency, o.BuyCurrency, o.ID), nil, nil); err != nil {
			return order.Order{}, fmt.Errorf("%w: index order %d: %v", ErrPersistence, o.ID, err)
		}
	}
	return o, nil
}

func (t *Txn) Order(id uint64) (order.Order, error) {
	return getOrder(t.batch, id)
}

// OpenOrders returns unfilled orders selling sell and buying buy, in id order.
func (t *Txn) OpenOrders(sell, buy string) ([]order.Order, error) {
	prefix := openPrefix(sell, buy)
	iter, err := t.batch.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var orders []order.Order
	for iter.First(); iter.Valid(); iter.Next() {
		id, err := idFromKey(iter.Key())
		if err != nil {
			return nil, err
		}
		o, err := getOrder(t.batch, id)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, iter.Error()
}

// ApplyFill records a fill and drops the order from the open index.
func (t *Txn) ApplyFill(f order.Fill) (order.Order, error) {
	o, err := getOrder(t.batch, f.OrderID)
	if err != nil {
		return order.Order{}, err
	}
	filled, err := f.Apply(o)
	if err != nil {
		return order.Order{}, err
	}
	if err := t.putOrder(filled); err != nil {
		return order.Order{}, err
	}
	if err := t.batch.Delete(openKey(o.SellCurrency, o.BuyCurrency, o.ID), nil); err != nil {
		return order.Order{}, fmt.Errorf("%w: unindex order %d: %v", ErrPersistence, o.ID, err)
	}
	return filled, nil
}

func (t *Txn) putOrder(o order.Order) error {
	data, err := encodeOrder(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	if err := t.batch.Set(orderKey(o.ID), data, nil); err != nil {
		return fmt.Errorf("%w: order %d: %v", ErrPersistence, o.ID, err)
	}
	return nil
}

type reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
}

func getOrder(r reader, id uint64) (order.Order, error) {
	data, closer, err := r.Get(orderKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return order.Order{}, fmt.Errorf("order %d: %w", id, ErrOrderNotFound)
	}
	if err != nil {
		return order.Order{}, fmt.Errorf("failed to get order %d: %w", id, err)
	}
	defer closer.Close()

	o, err := decodeOrder(data)
	if err != nil {
		return order.Order{}, fmt.Errorf("failed to unmarshal order %d: %w", id, err)
	}
	return o, nil
}

// scopeLocks hands out one mutex per scope name.
type scopeLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *scopeLocks) lock(scope string) (unlock func()) {
	l.mu.Lock()
	m, ok := l.m[scope]
	if !ok {
		m = &sync.Mutex{}
		l.m[scope] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
