package ledger

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"escrowcore/native/escrow"
	"escrowcore/storage"
)

// faultDB fails batch commits on demand so tests can drive the backend into
// refusing a write mid-operation.
type faultDB struct {
	storage.Database
	failWrites bool
}

func (f *faultDB) Write(batch storage.Batch) error {
	if f.failWrites {
		return errors.New("simulated write fault")
	}
	return f.Database.Write(batch)
}

func newTestBook(t *testing.T) *Book {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	return NewBook(db)
}

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func TestMintAndBalance(t *testing.T) {
	book := newTestBook(t)
	addr := testAddr(0x01)

	bal, err := book.BalanceOf(addr)
	require.NoError(t, err)
	require.Zero(t, bal.Sign(), "unknown accounts report zero")

	require.NoError(t, book.Mint(addr, big.NewInt(500)))
	require.NoError(t, book.Mint(addr, big.NewInt(250)))

	bal, err = book.BalanceOf(addr)
	require.NoError(t, err)
	require.Equal(t, int64(750), bal.Int64())
}

func TestMintRejectsBadInput(t *testing.T) {
	book := newTestBook(t)
	require.Error(t, book.Mint(testAddr(0x01), big.NewInt(0)))
	require.Error(t, book.Mint(testAddr(0x01), nil))
	require.Error(t, book.Mint(VaultAddress, big.NewInt(10)))
}

func TestCaptureCustodyMovesFundsToVault(t *testing.T) {
	book := newTestBook(t)
	payer := testAddr(0x01)
	require.NoError(t, book.Mint(payer, big.NewInt(1000)))

	receipt, err := book.CaptureCustody(payer, big.NewInt(400))
	require.NoError(t, err)
	require.Equal(t, payer, receipt.From)
	require.Equal(t, int64(400), receipt.Amount.Int64())

	bal, err := book.BalanceOf(payer)
	require.NoError(t, err)
	require.Equal(t, int64(600), bal.Int64())

	vault, err := book.VaultBalance()
	require.NoError(t, err)
	require.Equal(t, int64(400), vault.Int64())
}

func TestCaptureCustodyInsufficientFunds(t *testing.T) {
	book := newTestBook(t)
	payer := testAddr(0x01)
	require.NoError(t, book.Mint(payer, big.NewInt(100)))

	_, err := book.CaptureCustody(payer, big.NewInt(101))
	require.ErrorIs(t, err, ErrInsufficientFunds)

	// No side effects on failure.
	bal, err := book.BalanceOf(payer)
	require.NoError(t, err)
	require.Equal(t, int64(100), bal.Int64())
	vault, err := book.VaultBalance()
	require.NoError(t, err)
	require.Zero(t, vault.Sign())
}

func TestPayoutIsAtomicAcrossLegs(t *testing.T) {
	book := newTestBook(t)
	payer := testAddr(0x01)
	first := testAddr(0x02)
	second := testAddr(0x03)
	require.NoError(t, book.Mint(payer, big.NewInt(1000)))

	receipt, err := book.CaptureCustody(payer, big.NewInt(1000))
	require.NoError(t, err)

	legs := []escrow.PayoutLeg{
		{To: first, Amount: big.NewInt(980)},
		{To: second, Amount: big.NewInt(20)},
	}
	require.NoError(t, book.Payout(receipt, legs))

	firstBal, err := book.BalanceOf(first)
	require.NoError(t, err)
	require.Equal(t, int64(980), firstBal.Int64())
	secondBal, err := book.BalanceOf(second)
	require.NoError(t, err)
	require.Equal(t, int64(20), secondBal.Int64())
	vault, err := book.VaultBalance()
	require.NoError(t, err)
	require.Zero(t, vault.Sign())
}

func TestPayoutRejectsOverdraw(t *testing.T) {
	book := newTestBook(t)
	payer := testAddr(0x01)
	recipient := testAddr(0x02)
	require.NoError(t, book.Mint(payer, big.NewInt(100)))

	receipt, err := book.CaptureCustody(payer, big.NewInt(100))
	require.NoError(t, err)

	err = book.Payout(receipt, []escrow.PayoutLeg{{To: recipient, Amount: big.NewInt(101)}})
	require.Error(t, err)

	// The vault still holds the full capture.
	vault, err := book.VaultBalance()
	require.NoError(t, err)
	require.Equal(t, int64(100), vault.Int64())
	bal, err := book.BalanceOf(recipient)
	require.NoError(t, err)
	require.Zero(t, bal.Sign())
}

func TestPayoutRejectsBadLegs(t *testing.T) {
	book := newTestBook(t)
	payer := testAddr(0x01)
	require.NoError(t, book.Mint(payer, big.NewInt(100)))
	receipt, err := book.CaptureCustody(payer, big.NewInt(100))
	require.NoError(t, err)

	require.Error(t, book.Payout(nil, nil))
	require.Error(t, book.Payout(receipt, []escrow.PayoutLeg{{To: testAddr(0x02), Amount: big.NewInt(-1)}}))
	require.Error(t, book.Payout(receipt, []escrow.PayoutLeg{{To: VaultAddress, Amount: big.NewInt(10)}}))
}

func TestPayoutMergesDuplicateRecipients(t *testing.T) {
	book := newTestBook(t)
	payer := testAddr(0x01)
	recipient := testAddr(0x02)
	require.NoError(t, book.Mint(payer, big.NewInt(100)))
	receipt, err := book.CaptureCustody(payer, big.NewInt(100))
	require.NoError(t, err)

	legs := []escrow.PayoutLeg{
		{To: recipient, Amount: big.NewInt(60)},
		{To: recipient, Amount: big.NewInt(40)},
	}
	require.NoError(t, book.Payout(receipt, legs))

	bal, err := book.BalanceOf(recipient)
	require.NoError(t, err)
	require.Equal(t, int64(100), bal.Int64())
}

func TestReleaseCustodyReturnsCapture(t *testing.T) {
	book := newTestBook(t)
	payer := testAddr(0x01)
	require.NoError(t, book.Mint(payer, big.NewInt(100)))
	receipt, err := book.CaptureCustody(payer, big.NewInt(100))
	require.NoError(t, err)

	require.NoError(t, book.ReleaseCustody(receipt))

	bal, err := book.BalanceOf(payer)
	require.NoError(t, err)
	require.Equal(t, int64(100), bal.Int64())
	vault, err := book.VaultBalance()
	require.NoError(t, err)
	require.Zero(t, vault.Sign())

	// A second release has nothing left to return.
	err = book.ReleaseCustody(receipt)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	require.Error(t, book.ReleaseCustody(nil))
}

func TestStagedFormsCommitOnlyWithTheBatch(t *testing.T) {
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	book := NewBook(db)
	payer := testAddr(0x01)
	recipient := testAddr(0x02)
	require.NoError(t, book.Mint(payer, big.NewInt(100)))

	batch := db.NewBatch()
	receipt, err := book.StageCapture(batch, payer, big.NewInt(100))
	require.NoError(t, err)

	// Nothing moves until the caller commits the batch.
	bal, err := book.BalanceOf(payer)
	require.NoError(t, err)
	require.Equal(t, int64(100), bal.Int64())

	require.NoError(t, db.Write(batch))
	vault, err := book.VaultBalance()
	require.NoError(t, err)
	require.Equal(t, int64(100), vault.Int64())

	payout := db.NewBatch()
	require.NoError(t, book.StagePayout(payout, receipt, []escrow.PayoutLeg{{To: recipient, Amount: big.NewInt(100)}}))
	require.NoError(t, db.Write(payout))

	bal, err = book.BalanceOf(recipient)
	require.NoError(t, err)
	require.Equal(t, int64(100), bal.Int64())
}

func TestStagePayoutValidatesBeforeStaging(t *testing.T) {
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	book := NewBook(db)
	payer := testAddr(0x01)
	require.NoError(t, book.Mint(payer, big.NewInt(100)))
	receipt, err := book.CaptureCustody(payer, big.NewInt(100))
	require.NoError(t, err)

	batch := db.NewBatch()
	err = book.StagePayout(batch, receipt, []escrow.PayoutLeg{{To: testAddr(0x02), Amount: big.NewInt(101)}})
	require.Error(t, err)
	require.Zero(t, batch.Len(), "rejected payout must stage nothing")
}

// newFaultEngine wires the engine over a Book sharing one fault-injectable
// backend, the production arrangement.
func newFaultEngine(t *testing.T) (*escrow.Engine, *Book, *faultDB) {
	t.Helper()
	db := &faultDB{Database: storage.NewMemDB()}
	t.Cleanup(db.Close)
	book := NewBook(db)
	engine := escrow.NewEngine(escrow.NewStore(db), book)
	return engine, book, db
}

func TestSettlementCommitFaultMovesNothing(t *testing.T) {
	engine, book, db := newFaultEngine(t)
	buyer, seller, arbiter := testAddr(0x01), testAddr(0x02), testAddr(0x03)
	require.NoError(t, book.Mint(buyer, big.NewInt(1000)))

	esc, err := engine.Create(buyer, seller, arbiter, big.NewInt(1000), "goods")
	require.NoError(t, err)
	require.NoError(t, engine.RaiseDispute(esc.ID, buyer))

	db.failWrites = true
	err = engine.ResolveDispute(esc.ID, arbiter, true)
	require.ErrorIs(t, err, escrow.ErrTransfer)

	// The payout and the transition share one batch: neither committed.
	snapshot, err := engine.GetEscrow(esc.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StateDisputed, snapshot.State)
	vault, err := book.VaultBalance()
	require.NoError(t, err)
	require.Equal(t, int64(1000), vault.Int64())
	arbBal, err := book.BalanceOf(arbiter)
	require.NoError(t, err)
	require.Zero(t, arbBal.Sign())
	buyerBal, err := book.BalanceOf(buyer)
	require.NoError(t, err)
	require.Zero(t, buyerBal.Sign())

	// The same resolution succeeds once the backend recovers.
	db.failWrites = false
	require.NoError(t, engine.ResolveDispute(esc.ID, arbiter, true))
	final, err := engine.GetEscrow(esc.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StateRefunded, final.State)
	arbBal, err = book.BalanceOf(arbiter)
	require.NoError(t, err)
	require.Equal(t, int64(20), arbBal.Int64())
	buyerBal, err = book.BalanceOf(buyer)
	require.NoError(t, err)
	require.Equal(t, int64(980), buyerBal.Int64())
}

func TestCreateCommitFaultMovesNothing(t *testing.T) {
	engine, book, db := newFaultEngine(t)
	buyer, seller, arbiter := testAddr(0x01), testAddr(0x02), testAddr(0x03)
	require.NoError(t, book.Mint(buyer, big.NewInt(1000)))

	db.failWrites = true
	_, err := engine.Create(buyer, seller, arbiter, big.NewInt(1000), "goods")
	require.ErrorIs(t, err, escrow.ErrTransfer)

	bal, err := book.BalanceOf(buyer)
	require.NoError(t, err)
	require.Equal(t, int64(1000), bal.Int64(), "failed create must not debit the buyer")
	vault, err := book.VaultBalance()
	require.NoError(t, err)
	require.Zero(t, vault.Sign())

	db.failWrites = false
	esc, err := engine.Create(buyer, seller, arbiter, big.NewInt(1000), "goods")
	require.NoError(t, err)
	require.Equal(t, uint64(0), esc.ID, "failed create must not consume an id")
}

func TestPartialPayoutLeavesRemainderInVault(t *testing.T) {
	book := newTestBook(t)
	payer := testAddr(0x01)
	recipient := testAddr(0x02)
	require.NoError(t, book.Mint(payer, big.NewInt(100)))
	receipt, err := book.CaptureCustody(payer, big.NewInt(100))
	require.NoError(t, err)

	require.NoError(t, book.Payout(receipt, []escrow.PayoutLeg{{To: recipient, Amount: big.NewInt(30)}}))

	vault, err := book.VaultBalance()
	require.NoError(t, err)
	require.Equal(t, int64(70), vault.Int64())
}
