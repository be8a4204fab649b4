package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"escrowcore/core/types"
	"escrowcore/native/escrow"
	"escrowcore/storage"
)

// VaultAddress is the reserved account that holds all captured custody. It is
// not a real party and can never be the source of a capture.
var VaultAddress = func() [20]byte {
	var addr [20]byte
	copy(addr[:], "escrow/custody-vault")
	return addr
}()

var (
	// ErrInsufficientFunds is returned when an account cannot cover a
	// capture or the vault cannot cover a payout.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	errNilReceipt = errors.New("ledger: nil custody receipt")
)

var accountPrefix = []byte("ledger/account/")

// storedAccount is the RLP wire form of an account.
type storedAccount struct {
	Nonce   uint64
	Balance *big.Int
}

// Book is an account-balance ledger over a key-value backend. It implements
// the engine's Ledger interface: custody capture debits the payer into the
// vault, and payouts debit the vault across all legs in one atomic batch.
type Book struct {
	mu sync.Mutex
	db storage.Database
}

// NewBook creates a ledger over the supplied backend.
func NewBook(db storage.Database) *Book {
	return &Book{db: db}
}

func accountKey(addr [20]byte) []byte {
	key := make([]byte, len(accountPrefix)+len(addr))
	copy(key, accountPrefix)
	copy(key[len(accountPrefix):], addr[:])
	return key
}

func (b *Book) getAccount(addr [20]byte) (*types.Account, error) {
	raw, err := b.db.Get(accountKey(addr))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return &types.Account{Balance: big.NewInt(0)}, nil
	}
	if err != nil {
		return nil, err
	}
	stored := new(storedAccount)
	if err := rlp.DecodeBytes(raw, stored); err != nil {
		return nil, fmt.Errorf("ledger: decode account: %w", err)
	}
	acc := &types.Account{Nonce: stored.Nonce, Balance: stored.Balance}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc, nil
}

func stageAccount(batch storage.Batch, addr [20]byte, acc *types.Account) error {
	encoded, err := rlp.EncodeToBytes(&storedAccount{Nonce: acc.Nonce, Balance: acc.Balance})
	if err != nil {
		return err
	}
	batch.Put(accountKey(addr), encoded)
	return nil
}

// BalanceOf returns the committed balance of an account. Unknown accounts
// report zero.
func (b *Book) BalanceOf(addr [20]byte) (*big.Int, error) {
	acc, err := b.getAccount(addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(acc.Balance), nil
}

// VaultBalance returns the total value the ledger holds in custody.
func (b *Book) VaultBalance() (*big.Int, error) {
	return b.BalanceOf(VaultAddress)
}

// Mint credits newly issued value to an account. Used for genesis allocations
// and tests; the escrow engine itself never mints.
func (b *Book) Mint(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("ledger: mint amount must be positive")
	}
	if addr == VaultAddress {
		return fmt.Errorf("ledger: cannot mint to the vault")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	acc, err := b.getAccount(addr)
	if err != nil {
		return err
	}
	acc.Balance = new(big.Int).Add(acc.Balance, amount)
	batch := b.db.NewBatch()
	if err := stageAccount(batch, addr, acc); err != nil {
		return err
	}
	return b.db.Write(batch)
}

// CaptureCustody moves amount from the account into the vault. Fails without
// side effects when the account cannot cover the amount.
func (b *Book) CaptureCustody(from [20]byte, amount *big.Int) (*escrow.CustodyReceipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	batch := b.db.NewBatch()
	receipt, err := b.stageCapture(batch, from, amount)
	if err != nil {
		return nil, err
	}
	if err := b.db.Write(batch); err != nil {
		return nil, err
	}
	return receipt, nil
}

// StageCapture validates the capture against committed balances and stages the
// debit and vault credit into batch. The caller owns the commit; staged
// commits must be serialized, which the engine's mutex provides.
func (b *Book) StageCapture(batch storage.Batch, from [20]byte, amount *big.Int) (*escrow.CustodyReceipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stageCapture(batch, from, amount)
}

func (b *Book) stageCapture(batch storage.Batch, from [20]byte, amount *big.Int) (*escrow.CustodyReceipt, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("ledger: capture amount must be positive")
	}
	if from == VaultAddress {
		return nil, fmt.Errorf("ledger: vault cannot be the capture source")
	}
	payer, err := b.getAccount(from)
	if err != nil {
		return nil, err
	}
	if payer.Balance.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: account holds %s, need %s", ErrInsufficientFunds, payer.Balance, amount)
	}
	vault, err := b.getAccount(VaultAddress)
	if err != nil {
		return nil, err
	}
	payer.Balance = new(big.Int).Sub(payer.Balance, amount)
	vault.Balance = new(big.Int).Add(vault.Balance, amount)

	if err := stageAccount(batch, from, payer); err != nil {
		return nil, err
	}
	if err := stageAccount(batch, VaultAddress, vault); err != nil {
		return nil, err
	}
	return &escrow.CustodyReceipt{From: from, Amount: new(big.Int).Set(amount)}, nil
}

// ReleaseCustody returns a full capture from the vault to its source account.
func (b *Book) ReleaseCustody(receipt *escrow.CustodyReceipt) error {
	if receipt == nil {
		return errNilReceipt
	}
	if receipt.Amount == nil || receipt.Amount.Sign() <= 0 {
		return fmt.Errorf("ledger: release amount must be positive")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	vault, err := b.getAccount(VaultAddress)
	if err != nil {
		return err
	}
	if vault.Balance.Cmp(receipt.Amount) < 0 {
		return fmt.Errorf("%w: vault holds %s, need %s", ErrInsufficientFunds, vault.Balance, receipt.Amount)
	}
	source, err := b.getAccount(receipt.From)
	if err != nil {
		return err
	}
	vault.Balance = new(big.Int).Sub(vault.Balance, receipt.Amount)
	source.Balance = new(big.Int).Add(source.Balance, receipt.Amount)

	batch := b.db.NewBatch()
	if err := stageAccount(batch, VaultAddress, vault); err != nil {
		return err
	}
	if err := stageAccount(batch, receipt.From, source); err != nil {
		return err
	}
	return b.db.Write(batch)
}

// Payout releases captured value to the listed recipients. All legs are
// validated against the receipt and the vault before anything is written, and
// the whole set commits as one batch: either every transfer succeeds or none
// does.
func (b *Book) Payout(receipt *escrow.CustodyReceipt, legs []escrow.PayoutLeg) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	batch := b.db.NewBatch()
	if err := b.stagePayout(batch, receipt, legs); err != nil {
		return err
	}
	return b.db.Write(batch)
}

// StagePayout validates the legs against committed balances and stages them
// into batch. The caller owns the commit; staged commits must be serialized,
// which the engine's mutex provides.
func (b *Book) StagePayout(batch storage.Batch, receipt *escrow.CustodyReceipt, legs []escrow.PayoutLeg) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stagePayout(batch, receipt, legs)
}

func (b *Book) stagePayout(batch storage.Batch, receipt *escrow.CustodyReceipt, legs []escrow.PayoutLeg) error {
	if receipt == nil {
		return errNilReceipt
	}
	total := big.NewInt(0)
	for _, leg := range legs {
		if leg.Amount == nil || leg.Amount.Sign() < 0 {
			return fmt.Errorf("ledger: negative payout leg")
		}
		if leg.To == VaultAddress {
			return fmt.Errorf("ledger: vault cannot be a payout recipient")
		}
		total.Add(total, leg.Amount)
	}
	if receipt.Amount == nil || total.Cmp(receipt.Amount) > 0 {
		return fmt.Errorf("ledger: payout %s exceeds captured %s", total, receipt.Amount)
	}

	vault, err := b.getAccount(VaultAddress)
	if err != nil {
		return err
	}
	if vault.Balance.Cmp(total) < 0 {
		return fmt.Errorf("%w: vault holds %s, need %s", ErrInsufficientFunds, vault.Balance, total)
	}
	vault.Balance = new(big.Int).Sub(vault.Balance, total)

	if err := stageAccount(batch, VaultAddress, vault); err != nil {
		return err
	}
	// Merge duplicate recipients so later legs see earlier credits.
	credited := make(map[[20]byte]*types.Account, len(legs))
	order := make([][20]byte, 0, len(legs))
	for _, leg := range legs {
		if leg.Amount.Sign() == 0 {
			continue
		}
		acc, ok := credited[leg.To]
		if !ok {
			acc, err = b.getAccount(leg.To)
			if err != nil {
				return err
			}
			credited[leg.To] = acc
			order = append(order, leg.To)
		}
		acc.Balance = new(big.Int).Add(acc.Balance, leg.Amount)
	}
	for _, addr := range order {
		if err := stageAccount(batch, addr, credited[addr]); err != nil {
			return err
		}
	}
	return nil
}
