package state

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodyhub/evm-sweeper/internal/config"
	"github.com/custodyhub/evm-sweeper/internal/db"
	"github.com/custodyhub/evm-sweeper/internal/types"
)

func setupState(t *testing.T) *State {
	tempDir := t.TempDir()
	t.Setenv("DB_DIR", tempDir)
	config.InitConfig()

	dbm := db.NewDatabaseManager()
	return InitializeState(dbm)
}

func seedAddress(t *testing.T, st *State, address, status string) {
	err := st.InsertAddresses([]*db.DepositAddress{{
		Address:       address,
		EncryptedKey:  []byte("sealed"),
		Status:        status,
		LastSeenBlock: 100,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}})
	require.NoError(t, err)
}

func TestRecordDepositIdempotent(t *testing.T) {
	st := setupState(t)

	deposit := &db.Deposit{
		BlockNumber:     120,
		FromAddress:     "0xaaaa",
		ToAddress:       "0xbbbb",
		CurrencyAddress: "ETH",
		CurrencyName:    "ETH",
		TxHash:          "0xdeadbeef",
		Amount:          decimal.RequireFromString("1.5"),
		AmountRaw:       "1500000000000000000",
	}
	created, err := st.RecordDeposit(deposit)
	require.NoError(t, err)
	assert.True(t, created)

	again := &db.Deposit{
		BlockNumber:     120,
		FromAddress:     "0xaaaa",
		ToAddress:       "0xbbbb",
		CurrencyAddress: "ETH",
		CurrencyName:    "ETH",
		TxHash:          "0xdeadbeef",
		Amount:          decimal.RequireFromString("1.5"),
		AmountRaw:       "1500000000000000000",
	}
	created, err = st.RecordDeposit(again)
	require.NoError(t, err)
	assert.False(t, created, "re-observed transfer must not create a second row")

	count, err := st.CountDepositsByStatus(db.DepositStatusPending)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestDepositStatusTransitions(t *testing.T) {
	st := setupState(t)

	_, err := st.RecordDeposit(&db.Deposit{
		TxHash:          "0x01",
		ToAddress:       "0xbbbb",
		CurrencyAddress: "ETH",
		CurrencyName:    "ETH",
		Amount:          decimal.NewFromInt(1),
		AmountRaw:       "1000000000000000000",
	})
	require.NoError(t, err)

	require.NoError(t, st.MarkDepositSweeping("0x01"))

	// Second attempt must hit the pending guard.
	err = st.MarkDepositSweeping("0x01")
	assert.ErrorIs(t, err, types.ErrInvariantViolation)

	require.NoError(t, st.RevertDepositToPending("0x01"))
	require.NoError(t, st.MarkDepositSweeping("0x01"))

	require.NoError(t, st.MarkDepositProcessed("0x01", "0xsweep01"))
	deposit, err := st.FindDepositByTxHash("0x01")
	require.NoError(t, err)
	assert.Equal(t, db.DepositStatusProcessed, deposit.Status)
	assert.Equal(t, "0xsweep01", deposit.ProcessTx)

	// Processed deposits stay out of the pending queue.
	pending, err := st.FindPendingDeposits("0xbbbb")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestClaimAddressLease(t *testing.T) {
	st := setupState(t)
	seedAddress(t, st, "0xcafe", db.AddressStatusUsed)

	token, ok, err := st.ClaimAddress("0xcafe", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	// A live lease blocks a second claim.
	_, ok, err = st.ClaimAddress("0xcafe", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.ReleaseAddress("0xcafe", token))

	token2, ok, err := st.ClaimAddress("0xcafe", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEqual(t, token, token2)
}

func TestClaimAddressExpiredLease(t *testing.T) {
	st := setupState(t)
	seedAddress(t, st, "0xcafe", db.AddressStatusUsed)

	stale, ok, err := st.ClaimAddress("0xcafe", -time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// The expired lease is claimable by someone else.
	fresh, ok, err := st.ClaimAddress("0xcafe", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// The stale token can no longer release the new claim.
	require.NoError(t, st.ReleaseAddress("0xcafe", stale))
	_, ok, err = st.ClaimAddress("0xcafe", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "fresh lease must survive a stale release")

	require.NoError(t, st.ReleaseAddress("0xcafe", fresh))
}

func TestClaimAddressConcurrent(t *testing.T) {
	st := setupState(t)
	seedAddress(t, st, "0xcafe", db.AddressStatusUsed)

	var wg sync.WaitGroup
	wins := make(chan string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if token, ok, err := st.ClaimAddress("0xcafe", time.Minute); err == nil && ok {
				wins <- token
			}
		}()
	}
	wg.Wait()
	close(wins)

	var tokens []string
	for token := range wins {
		tokens = append(tokens, token)
	}
	assert.Len(t, tokens, 1, "exactly one claimer must win the lease")
}

func TestClaimOldestUnused(t *testing.T) {
	st := setupState(t)

	now := time.Now()
	err := st.InsertAddresses([]*db.DepositAddress{
		{Address: "0x01", EncryptedKey: []byte("k"), Status: db.AddressStatusUnused, CreatedAt: now.Add(-2 * time.Hour), UpdatedAt: now},
		{Address: "0x02", EncryptedKey: []byte("k"), Status: db.AddressStatusUnused, CreatedAt: now.Add(-time.Hour), UpdatedAt: now},
	})
	require.NoError(t, err)

	first, err := st.ClaimOldestUnused()
	require.NoError(t, err)
	assert.Equal(t, "0x01", first.Address)
	assert.Equal(t, db.AddressStatusUsed, first.Status)

	second, err := st.ClaimOldestUnused()
	require.NoError(t, err)
	assert.Equal(t, "0x02", second.Address)

	_, err = st.ClaimOldestUnused()
	assert.ErrorIs(t, err, types.ErrAddressPoolExhausted)

	count, err := st.CountUnusedAddresses()
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestUpdateLastSeenBlock(t *testing.T) {
	st := setupState(t)
	seedAddress(t, st, "0xcafe", db.AddressStatusUsed)

	require.NoError(t, st.UpdateLastSeenBlock("0xcafe", 250))

	addr, err := st.GetAddress("0xcafe")
	require.NoError(t, err)
	assert.Equal(t, uint64(250), addr.LastSeenBlock)

	err = st.UpdateLastSeenBlock("0xmissing", 250)
	assert.Error(t, err)
}

func TestInsertSweepRejectsDuplicateDeposit(t *testing.T) {
	st := setupState(t)

	sweep := &db.Sweep{
		Address:         "0xcafe",
		Amount:          decimal.NewFromInt(1),
		AmountRaw:       "1000000000000000000",
		TxHash:          "0xsweep01",
		DepositTxHash:   "0xdep01",
		CurrencyName:    "ETH",
		CurrencyAddress: "ETH",
	}
	require.NoError(t, st.InsertSweep(sweep))

	duplicate := &db.Sweep{
		Address:         "0xcafe",
		Amount:          decimal.NewFromInt(1),
		AmountRaw:       "1000000000000000000",
		TxHash:          "0xsweep02",
		DepositTxHash:   "0xdep01",
		CurrencyName:    "ETH",
		CurrencyAddress: "ETH",
	}
	err := st.InsertSweep(duplicate)
	assert.ErrorIs(t, err, types.ErrInvariantViolation)
}

func TestSweepNotificationSelection(t *testing.T) {
	st := setupState(t)

	confirmed := &db.Sweep{Address: "0x01", TxHash: "0xs1", DepositTxHash: "0xd1", CurrencyName: "ETH", CurrencyAddress: "ETH", AmountRaw: "1"}
	unconfirmed := &db.Sweep{Address: "0x02", TxHash: "0xs2", DepositTxHash: "0xd2", CurrencyName: "ETH", CurrencyAddress: "ETH", AmountRaw: "1"}
	capped := &db.Sweep{Address: "0x03", TxHash: "0xs3", DepositTxHash: "0xd3", CurrencyName: "ETH", CurrencyAddress: "ETH", AmountRaw: "1", CoreNotifications: 5}
	require.NoError(t, st.InsertSweep(confirmed))
	require.NoError(t, st.InsertSweep(unconfirmed))
	require.NoError(t, st.InsertSweep(capped))
	require.NoError(t, st.MarkSweepProcessed(confirmed.ID))
	require.NoError(t, st.MarkSweepProcessed(capped.ID))

	due, err := st.FindSweepsForNotification(5)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "0xs1", due[0].TxHash)

	require.NoError(t, st.IncrementCoreNotifications(confirmed.ID))
	due, err = st.FindSweepsForNotification(5)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].CoreNotifications)
}

func TestFindSweepsByFundingID(t *testing.T) {
	st := setupState(t)

	sweep := &db.Sweep{Address: "0x01", TxHash: "0xs1", DepositTxHash: "0xd1", CurrencyName: "ETH", CurrencyAddress: "ETH", AmountRaw: "1"}
	require.NoError(t, st.InsertSweep(sweep))

	funding := &db.WalletFunding{
		WalletAddress: "0x01",
		AmountFunded:  decimal.RequireFromString("0.02"),
		TxHash:        "0xfund1",
	}
	require.NoError(t, st.InsertWalletFunding(funding))
	require.NoError(t, st.AttachSweepToFunding(sweep.ID, funding.ID))

	sweeps, err := st.FindSweepsByFundingID(funding.ID)
	require.NoError(t, err)
	require.Len(t, sweeps, 1)
	assert.Equal(t, "0xs1", sweeps[0].TxHash)

	// A link to a missing sweep row surfaces as an invariant violation.
	require.NoError(t, st.AttachSweepToFunding(9999, funding.ID))
	sweeps, err = st.FindSweepsByFundingID(funding.ID)
	assert.ErrorIs(t, err, types.ErrInvariantViolation)
	assert.Len(t, sweeps, 1)
}

func TestFundingRefundLifecycle(t *testing.T) {
	st := setupState(t)

	funding := &db.WalletFunding{
		WalletAddress: "0xcafe",
		AmountFunded:  decimal.RequireFromString("0.02"),
		TxHash:        "0xfund1",
	}
	require.NoError(t, st.InsertWalletFunding(funding))

	needing, err := st.FindFundingsNeedingRefund()
	require.NoError(t, err)
	require.Len(t, needing, 1)

	require.NoError(t, st.RecordRefund(funding.ID, "0xrefund1", decimal.RequireFromString("0.015")))

	needing, err = st.FindFundingsNeedingRefund()
	require.NoError(t, err)
	assert.Empty(t, needing, "broadcast refund must leave the refund queue")

	awaiting, err := st.FindFundingsAwaitingRefundConfirm()
	require.NoError(t, err)
	require.Len(t, awaiting, 1)
	assert.Equal(t, "0xrefund1", awaiting[0].RefundTxHash)

	require.NoError(t, st.MarkFundingProcessed(funding.ID))

	awaiting, err = st.FindFundingsAwaitingRefundConfirm()
	require.NoError(t, err)
	assert.Empty(t, awaiting)

	open, err := st.CountFundingsByProcessed(false)
	require.NoError(t, err)
	assert.Equal(t, int64(0), open)
}
