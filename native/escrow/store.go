package escrow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"escrowcore/storage"
)

var (
	escrowSeqKey     = []byte("escrow/seq")
	escrowRecordPref = []byte("escrow/record/")
)

// storedEscrow is the RLP wire form of an escrow record. RLP has no signed
// integer support, so CreatedAt travels as uint64.
type storedEscrow struct {
	ID             uint64
	Buyer          [20]byte
	Seller         [20]byte
	Arbiter        [20]byte
	Amount         *big.Int
	State          uint8
	BuyerApproved  bool
	SellerApproved bool
	CreatedAt      uint64
	Description    string
}

// Store owns the escrow record collection: id allocation, uniqueness and
// lookup. Records are RLP-encoded over a key-value backend. Ids are dense and
// strictly increasing, so the whole collection can be walked from zero to the
// current sequence value.
type Store struct {
	db storage.Database
}

// NewStore creates a store over the supplied backend.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

func recordKey(id uint64) []byte {
	key := make([]byte, len(escrowRecordPref)+8)
	copy(key, escrowRecordPref)
	binary.BigEndian.PutUint64(key[len(escrowRecordPref):], id)
	return key
}

// NextID returns the id the next successful Create will assign.
func (s *Store) NextID() (uint64, error) {
	raw, err := s.db.Get(escrowSeqKey)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("escrow store: malformed sequence value")
	}
	return binary.BigEndian.Uint64(raw), nil
}

// Create validates the record, allocates the next id and inserts the record
// under it. Validation happens before allocation so a rejected attempt does
// not consume an id. The record insert and the sequence advance commit as one
// batch.
func (s *Store) Create(esc *Escrow) (uint64, error) {
	batch := s.db.NewBatch()
	id, err := s.stageCreate(batch, esc)
	if err != nil {
		return 0, err
	}
	if err := s.db.Write(batch); err != nil {
		return 0, err
	}
	return id, nil
}

// stageCreate stages the record insert and the sequence advance into batch
// without committing. Nothing is allocated until the batch is written.
func (s *Store) stageCreate(batch storage.Batch, esc *Escrow) (uint64, error) {
	sanitized, err := Sanitize(esc)
	if err != nil {
		return 0, err
	}
	id, err := s.NextID()
	if err != nil {
		return 0, err
	}
	sanitized.ID = id
	encoded, err := encodeEscrow(sanitized)
	if err != nil {
		return 0, err
	}
	next := make([]byte, 8)
	binary.BigEndian.PutUint64(next, id+1)

	batch.Put(recordKey(id), encoded)
	batch.Put(escrowSeqKey, next)
	return id, nil
}

// Get returns a snapshot clone of the record for id.
func (s *Store) Get(id uint64) (*Escrow, error) {
	raw, err := s.db.Get(recordKey(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: escrow %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return decodeEscrow(raw)
}

// Put replaces an existing record. Creation must go through Create; Put
// refuses ids that were never allocated.
func (s *Store) Put(esc *Escrow) error {
	batch := s.db.NewBatch()
	if err := s.stagePut(batch, esc); err != nil {
		return err
	}
	return s.db.Write(batch)
}

// stagePut stages a record replacement into batch without committing, with
// the same validation as Put.
func (s *Store) stagePut(batch storage.Batch, esc *Escrow) error {
	sanitized, err := Sanitize(esc)
	if err != nil {
		return err
	}
	if _, err := s.Get(sanitized.ID); err != nil {
		return err
	}
	encoded, err := encodeEscrow(sanitized)
	if err != nil {
		return err
	}
	batch.Put(recordKey(sanitized.ID), encoded)
	return nil
}

// RequireState loads the record and fails with ErrInvalidState unless its
// current state matches expected.
func (s *Store) RequireState(id uint64, expected State) (*Escrow, error) {
	esc, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if esc.State != expected {
		return nil, fmt.Errorf("%w: escrow %d is %s, want %s", ErrInvalidState, id, esc.State, expected)
	}
	return esc, nil
}

// RequireRole loads the record and fails with ErrUnauthorized unless caller is
// the identity registered for the role.
func (s *Store) RequireRole(id uint64, role Role, caller [20]byte) (*Escrow, error) {
	esc, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if esc.Party(role) != caller {
		return nil, fmt.Errorf("%w: caller is not the %s of escrow %d", ErrUnauthorized, role, id)
	}
	return esc, nil
}

// OpenAmount sums the amounts of all non-terminal escrows: the total value the
// engine currently holds in custody. Observability aid, not a security figure.
func (s *Store) OpenAmount() (*big.Int, error) {
	seq, err := s.NextID()
	if err != nil {
		return nil, err
	}
	total := big.NewInt(0)
	for id := uint64(0); id < seq; id++ {
		esc, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		if esc.State.Terminal() {
			continue
		}
		total.Add(total, esc.Amount)
	}
	return total, nil
}

func encodeEscrow(esc *Escrow) ([]byte, error) {
	stored := &storedEscrow{
		ID:             esc.ID,
		Buyer:          esc.Buyer,
		Seller:         esc.Seller,
		Arbiter:        esc.Arbiter,
		Amount:         esc.Amount,
		State:          uint8(esc.State),
		BuyerApproved:  esc.BuyerApproved,
		SellerApproved: esc.SellerApproved,
		CreatedAt:      uint64(esc.CreatedAt),
		Description:    esc.Description,
	}
	return rlp.EncodeToBytes(stored)
}

func decodeEscrow(raw []byte) (*Escrow, error) {
	stored := new(storedEscrow)
	if err := rlp.DecodeBytes(raw, stored); err != nil {
		return nil, fmt.Errorf("escrow store: decode record: %w", err)
	}
	esc := &Escrow{
		ID:             stored.ID,
		Buyer:          stored.Buyer,
		Seller:         stored.Seller,
		Arbiter:        stored.Arbiter,
		Amount:         stored.Amount,
		State:          State(stored.State),
		BuyerApproved:  stored.BuyerApproved,
		SellerApproved: stored.SellerApproved,
		CreatedAt:      int64(stored.CreatedAt),
		Description:    stored.Description,
	}
	if esc.Amount == nil {
		esc.Amount = big.NewInt(0)
	}
	return esc, nil
}
