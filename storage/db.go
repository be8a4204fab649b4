package storage

import (
	"errors"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
)

// ErrKeyNotFound is returned by Get when no value exists for the key,
// regardless of the backend in use.
var ErrKeyNotFound = errors.New("storage: key not found")

// Batch accumulates writes that are committed together by Database.Write.
type Batch interface {
	Put(key []byte, value []byte)
	Len() int
}

// Database is a generic interface for a key-value store. Write must apply the
// whole batch atomically or not at all; the escrow engine relies on this to
// couple payouts with state commits.
type Database interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	NewBatch() Batch
	Write(batch Batch) error
	Close()
}

// --- In-Memory DB (for testing) ---

type MemDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemDB() *MemDB {
	return &MemDB{
		data: make(map[string][]byte),
	}
}

func (db *MemDB) Put(key []byte, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (db *MemDB) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	value, ok := db.data[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), value...), nil
}

func (db *MemDB) NewBatch() Batch {
	return &memBatch{}
}

// Write applies every staged put under a single lock acquisition so readers
// never observe a partially applied batch.
func (db *MemDB) Write(batch Batch) error {
	mb, ok := batch.(*memBatch)
	if !ok {
		return errors.New("storage: foreign batch type")
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, op := range mb.ops {
		db.data[op.key] = append([]byte(nil), op.value...)
	}
	return nil
}

// Close satisfies the Database interface for MemDB.
func (db *MemDB) Close() {
	// Nothing to close for an in-memory database.
}

type memBatchOp struct {
	key   string
	value []byte
}

type memBatch struct {
	ops []memBatchOp
}

func (b *memBatch) Put(key []byte, value []byte) {
	b.ops = append(b.ops, memBatchOp{key: string(key), value: append([]byte(nil), value...)})
}

func (b *memBatch) Len() int { return len(b.ops) }

// --- Persistent DB ---

// LevelDB is a persistent key-value store using LevelDB.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB creates or opens a LevelDB database at the specified path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

// Put inserts or updates a key-value pair.
func (ldb *LevelDB) Put(key []byte, value []byte) error {
	return ldb.db.Put(key, value, nil)
}

// Get retrieves a value for a given key.
func (ldb *LevelDB) Get(key []byte) ([]byte, error) {
	value, err := ldb.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	return value, err
}

func (ldb *LevelDB) NewBatch() Batch {
	return &levelBatch{batch: new(leveldb.Batch)}
}

// Write commits the batch through LevelDB's atomic batch write.
func (ldb *LevelDB) Write(batch Batch) error {
	lb, ok := batch.(*levelBatch)
	if !ok {
		return errors.New("storage: foreign batch type")
	}
	return ldb.db.Write(lb.batch, nil)
}

// Close closes the database connection.
func (ldb *LevelDB) Close() {
	ldb.db.Close()
}

type levelBatch struct {
	batch *leveldb.Batch
}

func (b *levelBatch) Put(key []byte, value []byte) {
	b.batch.Put(key, value)
}

func (b *levelBatch) Len() int { return b.batch.Len() }
