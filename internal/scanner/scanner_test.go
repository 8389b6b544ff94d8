package scanner

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodyhub/evm-sweeper/internal/chain/chaintest"
	"github.com/custodyhub/evm-sweeper/internal/config"
	"github.com/custodyhub/evm-sweeper/internal/db"
	"github.com/custodyhub/evm-sweeper/internal/state"
	"github.com/custodyhub/evm-sweeper/internal/types"
)

const (
	operatingKeyHex = "e9ccd0ec6bb77c263dc46c0f81962c0b378a67befe089e90ef81e96a4a4c5bc5"
	usdtContract    = "0x00000000000000000000000000000000000a11ce"
)

var custodyAddress = common.HexToAddress("0x00000000000000000000000000000000000b0b01")

func setupScanner(t *testing.T, height uint64) (*TransferScanner, *state.State, *chaintest.FakeClient) {
	t.Setenv("DB_DIR", t.TempDir())
	t.Setenv("OPERATING_PRIVATE_KEY", operatingKeyHex)
	t.Setenv("ALLOWED_TOKENS", usdtContract)
	config.InitConfig()

	st := state.InitializeState(db.NewDatabaseManager())
	require.NoError(t, st.InsertAddresses([]*db.DepositAddress{{
		Address:       strings.ToLower(custodyAddress.Hex()),
		EncryptedKey:  []byte("sealed"),
		Status:        db.AddressStatusUsed,
		LastSeenBlock: 100,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}}))

	client := chaintest.NewFakeClient(height)
	client.Tokens[common.HexToAddress(usdtContract)] = types.TokenCurrency(common.HexToAddress(usdtContract), "USDT", 6)
	return NewTransferScanner(st, client), st, client
}

func TestScanRecordsTokenAndNativeDeposits(t *testing.T) {
	scanner, st, client := setupScanner(t, 110)

	sender := common.HexToAddress("0x99")
	client.TokenEvents = []types.Transfer{{
		BlockNumber: 105,
		TxHash:      ethcrypto.Keccak256Hash([]byte("token-dep")),
		From:        sender,
		To:          custodyAddress,
		Currency:    types.Currency{Contract: common.HexToAddress(usdtContract)},
		Amount:      big.NewInt(25_000_000), // 25 USDT
	}}
	client.NativeEvents = []types.Transfer{{
		BlockNumber: 107,
		TxHash:      ethcrypto.Keccak256Hash([]byte("native-dep")),
		From:        sender,
		To:          custodyAddress,
		Currency:    types.NativeCurrency(),
		Amount:      big.NewInt(1_500_000_000_000_000_000), // 1.5 ETH
	}}

	scanner.ScanOnce(context.Background())

	pending, err := st.FindPendingDeposits(strings.ToLower(custodyAddress.Hex()))
	require.NoError(t, err)
	require.Len(t, pending, 2)

	tokenDep := pending[0]
	assert.Equal(t, strings.ToLower(usdtContract), tokenDep.CurrencyAddress)
	assert.Equal(t, "USDT", tokenDep.CurrencyName)
	assert.Equal(t, "25", tokenDep.Amount.String())
	assert.Equal(t, "25000000", tokenDep.AmountRaw)

	nativeDep := pending[1]
	assert.Equal(t, types.NativeSymbol, nativeDep.CurrencyAddress)
	assert.Equal(t, "1.5", nativeDep.Amount.String())

	// The cursor lands on the scanned height.
	addr, err := st.GetAddress(strings.ToLower(custodyAddress.Hex()))
	require.NoError(t, err)
	assert.Equal(t, uint64(110), addr.LastSeenBlock)

	// Re-scanning the same range records nothing new.
	client.Height = 111
	scanner.ScanOnce(context.Background())
	pending, err = st.FindPendingDeposits(strings.ToLower(custodyAddress.Hex()))
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestScanSkipsFilteredTransfers(t *testing.T) {
	scanner, st, client := setupScanner(t, 110)

	unlistedToken := common.HexToAddress("0xdead")
	client.TokenEvents = []types.Transfer{
		{
			// Unlisted token contract.
			BlockNumber: 105,
			TxHash:      ethcrypto.Keccak256Hash([]byte("unlisted")),
			From:        common.HexToAddress("0x99"),
			To:          custodyAddress,
			Currency:    types.Currency{Contract: unlistedToken},
			Amount:      big.NewInt(1000),
		},
		{
			// Self-transfer.
			BlockNumber: 105,
			TxHash:      ethcrypto.Keccak256Hash([]byte("self")),
			From:        custodyAddress,
			To:          custodyAddress,
			Currency:    types.Currency{Contract: common.HexToAddress(usdtContract)},
			Amount:      big.NewInt(1000),
		},
	}
	client.NativeEvents = []types.Transfer{
		{
			// Below the native deposit floor.
			BlockNumber: 106,
			TxHash:      ethcrypto.Keccak256Hash([]byte("dust")),
			From:        common.HexToAddress("0x99"),
			To:          custodyAddress,
			Currency:    types.NativeCurrency(),
			Amount:      big.NewInt(1), // 1 wei
		},
		{
			// Fee-float top-up from the operating wallet.
			BlockNumber: 106,
			TxHash:      ethcrypto.Keccak256Hash([]byte("float")),
			From:        config.AppConfig.OperatingAddress,
			To:          custodyAddress,
			Currency:    types.NativeCurrency(),
			Amount:      big.NewInt(20_000_000_000_000_000),
		},
	}

	scanner.ScanOnce(context.Background())

	pending, err := st.FindPendingDeposits(strings.ToLower(custodyAddress.Hex()))
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The cursor still advances past the filtered range.
	addr, err := st.GetAddress(strings.ToLower(custodyAddress.Hex()))
	require.NoError(t, err)
	assert.Equal(t, uint64(110), addr.LastSeenBlock)
}

func TestScanSkipsLeasedAddress(t *testing.T) {
	scanner, st, client := setupScanner(t, 110)

	_, ok, err := st.ClaimAddress(strings.ToLower(custodyAddress.Hex()), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	client.NativeEvents = []types.Transfer{{
		BlockNumber: 105,
		TxHash:      ethcrypto.Keccak256Hash([]byte("while leased")),
		From:        common.HexToAddress("0x99"),
		To:          custodyAddress,
		Currency:    types.NativeCurrency(),
		Amount:      big.NewInt(1_000_000_000_000_000_000),
	}}

	scanner.ScanOnce(context.Background())

	pending, err := st.FindPendingDeposits(strings.ToLower(custodyAddress.Hex()))
	require.NoError(t, err)
	assert.Empty(t, pending, "a leased address is another cycle's business")

	addr, err := st.GetAddress(strings.ToLower(custodyAddress.Hex()))
	require.NoError(t, err)
	assert.Equal(t, uint64(100), addr.LastSeenBlock)
}

// flakyTokenInfo fails metadata lookups a set number of times before
// recovering, standing in for a wobbly RPC endpoint.
type flakyTokenInfo struct {
	*chaintest.FakeClient
	failures int
}

func (f *flakyTokenInfo) TokenInfo(ctx context.Context, contract common.Address) (types.Currency, error) {
	if f.failures > 0 {
		f.failures--
		return types.Currency{}, &types.ChainQueryError{Op: "decimals", Err: errors.New("connection reset by peer")}
	}
	return f.FakeClient.TokenInfo(ctx, contract)
}

func TestScanHoldsCursorWhenRecordFails(t *testing.T) {
	_, st, client := setupScanner(t, 110)
	// Force a live metadata resolve by leaving the symbol unset, then fail it.
	delete(client.Tokens, common.HexToAddress(usdtContract))
	flaky := &flakyTokenInfo{FakeClient: client, failures: 1}
	scanner := NewTransferScanner(st, flaky)

	client.TokenEvents = []types.Transfer{{
		BlockNumber: 105,
		TxHash:      ethcrypto.Keccak256Hash([]byte("flaky-dep")),
		From:        common.HexToAddress("0x99"),
		To:          custodyAddress,
		Currency:    types.Currency{Contract: common.HexToAddress(usdtContract)},
		Amount:      big.NewInt(25_000_000),
	}}

	scanner.ScanOnce(context.Background())

	// The failed transfer is not a deposit yet, and the cursor stops just
	// short of its block instead of sailing past it.
	pending, err := st.FindPendingDeposits(strings.ToLower(custodyAddress.Hex()))
	require.NoError(t, err)
	assert.Empty(t, pending)
	addr, err := st.GetAddress(strings.ToLower(custodyAddress.Hex()))
	require.NoError(t, err)
	assert.Equal(t, uint64(104), addr.LastSeenBlock)

	// The next healthy cycle picks the transfer back up.
	client.Tokens[common.HexToAddress(usdtContract)] = types.TokenCurrency(common.HexToAddress(usdtContract), "USDT", 6)
	client.Height = 120
	scanner.ScanOnce(context.Background())

	pending, err = st.FindPendingDeposits(strings.ToLower(custodyAddress.Hex()))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "25", pending[0].Amount.String())

	addr, err = st.GetAddress(strings.ToLower(custodyAddress.Hex()))
	require.NoError(t, err)
	assert.Equal(t, uint64(120), addr.LastSeenBlock)
}

func TestScanRangeRecordsBehindCursor(t *testing.T) {
	scanner, st, client := setupScanner(t, 110)

	// A transfer the regular scan will never revisit: its block is already
	// behind the stored cursor.
	client.TokenEvents = []types.Transfer{{
		BlockNumber: 50,
		TxHash:      ethcrypto.Keccak256Hash([]byte("missed-dep")),
		From:        common.HexToAddress("0x99"),
		To:          custodyAddress,
		Currency:    types.Currency{Contract: common.HexToAddress(usdtContract)},
		Amount:      big.NewInt(40_000_000),
	}}

	custody := strings.ToLower(custodyAddress.Hex())
	require.NoError(t, scanner.ScanRange(context.Background(), custody, 40, 60))

	pending, err := st.FindPendingDeposits(custody)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "40", pending[0].Amount.String())

	// A range rescan leaves the regular scan cursor where it was.
	addr, err := st.GetAddress(custody)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), addr.LastSeenBlock)

	// Running the same range again records nothing new.
	require.NoError(t, scanner.ScanRange(context.Background(), custody, 40, 60))
	pending, err = st.FindPendingDeposits(custody)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestScanRangeRejectsUnknownAddress(t *testing.T) {
	scanner, _, _ := setupScanner(t, 110)
	err := scanner.ScanRange(context.Background(), "0x000000000000000000000000000000000000beef", 40, 60)
	assert.Error(t, err)
}
