package app

import (
	"context"
	"fmt"
	"testing"

	abcitypes "github.com/cometbft/cometbft/abci/types"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealdrop/node/ledger"
)

const (
	testAdmin     = "admin-addr"
	testSender    = "sender-addr"
	testRecipient = "recipient-addr"
	testNowMs     = int64(1_700_000_000_000)
)

func newTestApp(t *testing.T) (*Application, *badger.DB) {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	app, err := NewABCIApplication(db, &AppConfig{
		NodeID:    "test-node",
		Admin:     testAdmin,
		LogAllTxs: true,
	}, cmtlog.NewNopLogger(), nil)
	require.NoError(t, err)
	return app, db
}

func encodeOp(t *testing.T, op *ledger.Operation) []byte {
	t.Helper()
	raw, err := op.Encode()
	require.NoError(t, err)
	return raw
}

func initiateTx(t *testing.T, requestID string) []byte {
	ttl := uint64(1)
	return encodeOp(t, &ledger.Operation{
		Kind:        ledger.OpInitiate,
		Caller:      testSender,
		RequestID:   requestID,
		TimestampMs: testNowMs,
		Initiate: &ledger.InitiateOp{
			Recipient:           testRecipient,
			EncryptedLocator:    "bafy-encrypted-cid",
			MetadataLocator:     "bafy-metadata-cid",
			SealPublicKey:       []byte("seal-pub-key"),
			EncryptionAlgorithm: "x25519-xsalsa20-poly1305",
			FileCount:           3,
			TotalSize:           4096,
			TTLHours:            &ttl,
			GasPayment:          1000,
		},
	})
}

func finalizeAndCommit(t *testing.T, app *Application, height int64, txs ...[]byte) *abcitypes.FinalizeBlockResponse {
	t.Helper()
	resp, err := app.FinalizeBlock(context.Background(), &abcitypes.FinalizeBlockRequest{
		Height: height,
		Txs:    txs,
	})
	require.NoError(t, err)
	_, err = app.Commit(context.Background(), &abcitypes.CommitRequest{})
	require.NoError(t, err)
	return resp
}

func TestCheckTx(t *testing.T) {
	app, _ := newTestApp(t)

	resp, err := app.CheckTx(context.Background(), &abcitypes.CheckTxRequest{Tx: initiateTx(t, "req-1")})
	require.NoError(t, err)
	assert.Equal(t, CodeOK, resp.Code)

	resp, err = app.CheckTx(context.Background(), &abcitypes.CheckTxRequest{Tx: []byte("not json")})
	require.NoError(t, err)
	assert.Equal(t, CodeInvalidFormat, resp.Code)

	// Structurally broken: claim with no transfer id.
	broken := encodeOp(t, &ledger.Operation{
		Kind:      ledger.OpClaim,
		Caller:    testRecipient,
		RequestID: "req-2",
		Claim:     &ledger.ClaimOp{},
	})
	resp, err = app.CheckTx(context.Background(), &abcitypes.CheckTxRequest{Tx: broken})
	require.NoError(t, err)
	assert.Equal(t, CodeInvalidFormat, resp.Code)
}

func TestProcessProposal(t *testing.T) {
	app, _ := newTestApp(t)

	resp, err := app.ProcessProposal(context.Background(), &abcitypes.ProcessProposalRequest{
		Txs: [][]byte{initiateTx(t, "req-1")},
	})
	require.NoError(t, err)
	assert.Equal(t, abcitypes.PROCESS_PROPOSAL_STATUS_ACCEPT, resp.Status)

	resp, err = app.ProcessProposal(context.Background(), &abcitypes.ProcessProposalRequest{
		Txs: [][]byte{initiateTx(t, "req-1"), []byte("garbage")},
	})
	require.NoError(t, err)
	assert.Equal(t, abcitypes.PROCESS_PROPOSAL_STATUS_REJECT, resp.Status)
}

func TestFinalizeBlockLifecycle(t *testing.T) {
	app, _ := newTestApp(t)
	transferID := ledger.TransferIDFromRequest("req-1")

	resp := finalizeAndCommit(t, app, 1, initiateTx(t, "req-1"))
	require.Len(t, resp.TxResults, 1)
	assert.Equal(t, CodeOK, resp.TxResults[0].Code)
	assert.Equal(t, []byte(transferID), resp.TxResults[0].Data)

	eventTypes := make([]string, 0, len(resp.TxResults[0].Events))
	for _, ev := range resp.TxResults[0].Events {
		eventTypes = append(eventTypes, ev.Type)
	}
	assert.Contains(t, eventTypes, "ledger_tx")
	assert.Contains(t, eventTypes, "transfer_initiated")
	assert.Contains(t, eventTypes, "gas_fees_collected")

	// Claim by the wrong caller fails, state stays pending.
	badClaim := encodeOp(t, &ledger.Operation{
		Kind:        ledger.OpClaim,
		Caller:      "intruder",
		RequestID:   "req-2",
		TimestampMs: testNowMs + 1,
		Claim:       &ledger.ClaimOp{TransferID: transferID},
	})
	resp = finalizeAndCommit(t, app, 2, badClaim)
	assert.Equal(t, CodeUnauthorized, resp.TxResults[0].Code)
	assert.True(t, app.State().CanClaim(transferID, testRecipient, testNowMs+1))

	goodClaim := encodeOp(t, &ledger.Operation{
		Kind:        ledger.OpClaim,
		Caller:      testRecipient,
		RequestID:   "req-3",
		TimestampMs: testNowMs + 2,
		Claim:       &ledger.ClaimOp{TransferID: transferID},
	})
	resp = finalizeAndCommit(t, app, 3, goodClaim)
	assert.Equal(t, CodeOK, resp.TxResults[0].Code)

	view, err := app.State().TransferInfo(transferID, testNowMs+3)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusClaimed, view.Status)
}

func TestFinalizeBlockRejectionCodes(t *testing.T) {
	app, _ := newTestApp(t)

	claimMissing := encodeOp(t, &ledger.Operation{
		Kind:        ledger.OpClaim,
		Caller:      testRecipient,
		RequestID:   "req-1",
		TimestampMs: testNowMs,
		Claim:       &ledger.ClaimOp{TransferID: "TRF-missing"},
	})
	withdrawTooMuch := encodeOp(t, &ledger.Operation{
		Kind:      ledger.OpWithdrawFees,
		Caller:    testAdmin,
		RequestID: "req-2",
		Withdraw:  &ledger.WithdrawOp{Amount: 1},
	})
	badRate := encodeOp(t, &ledger.Operation{
		Kind:      ledger.OpSetFeeRate,
		Caller:    testAdmin,
		RequestID: "req-3",
		FeeRate:   &ledger.FeeRateOp{NewRateBps: ledger.MaxFeeRateBps + 1},
	})

	resp := finalizeAndCommit(t, app, 1, claimMissing, withdrawTooMuch, badRate, []byte("garbage"))
	require.Len(t, resp.TxResults, 4)
	assert.Equal(t, CodeNotFound, resp.TxResults[0].Code)
	assert.Equal(t, CodeInsufficientBalance, resp.TxResults[1].Code)
	assert.Equal(t, CodeRateOutOfBounds, resp.TxResults[2].Code)
	assert.Equal(t, CodeInvalidFormat, resp.TxResults[3].Code)
}

func TestInfoAndStateRestore(t *testing.T) {
	app, db := newTestApp(t)

	finalizeAndCommit(t, app, 1, initiateTx(t, "req-1"))
	finalizeAndCommit(t, app, 2, initiateTx(t, "req-2"))

	info, err := app.Info(context.Background(), &abcitypes.InfoRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.LastBlockHeight)
	assert.NotEmpty(t, info.LastBlockAppHash)

	// A fresh application over the same database picks up the committed
	// ledger state.
	restored, err := NewABCIApplication(db, &AppConfig{
		NodeID: "test-node",
		Admin:  testAdmin,
	}, cmtlog.NewNopLogger(), nil)
	require.NoError(t, err)

	stats := restored.State().Stats()
	assert.Equal(t, uint64(2), stats.TotalTransfers)
	assert.Equal(t, uint64(20), stats.CollectedFees)
	assert.Equal(t, testAdmin, stats.Admin)
	assert.True(t, restored.State().CanClaim(ledger.TransferIDFromRequest("req-1"), testRecipient, testNowMs))
}

func TestQueryVerifyTransaction(t *testing.T) {
	app, _ := newTestApp(t)

	tx := initiateTx(t, "req-1")
	finalizeAndCommit(t, app, 1, tx)

	txID := generateTxID(tx)
	resp, err := app.Query(context.Background(), &abcitypes.QueryRequest{
		Data: []byte(fmt.Sprintf("verify:%s", txID)),
	})
	require.NoError(t, err)
	assert.Equal(t, CodeOK, resp.Code)
	assert.Equal(t, "committed", resp.Log)
	assert.Equal(t, tx, resp.Value)

	resp, err = app.Query(context.Background(), &abcitypes.QueryRequest{
		Data: []byte("verify:deadbeef"),
	})
	require.NoError(t, err)
	assert.Equal(t, CodeInvalidFormat, resp.Code)
}

func TestCodeForError(t *testing.T) {
	cases := map[error]uint32{
		ledger.ErrUnauthorized:        CodeUnauthorized,
		ledger.ErrNotFound:            CodeNotFound,
		ledger.ErrInvalidRecipient:    CodeInvalidRecipient,
		ledger.ErrExpired:             CodeExpired,
		ledger.ErrInsufficientFee:     CodeInsufficientFee,
		ledger.ErrAlreadyClaimed:      CodeAlreadyClaimed,
		ledger.ErrInsufficientBalance: CodeInsufficientBalance,
		ledger.ErrRateOutOfBounds:     CodeRateOutOfBounds,
		ledger.ErrAccessDenied:        CodeAccessDenied,
	}
	for err, want := range cases {
		assert.Equal(t, want, codeForError(err), err.Error())
	}
	assert.Equal(t, CodeInvalidFormat, codeForError(fmt.Errorf("anything else")))
}

func TestHeightBytesRoundTrip(t *testing.T) {
	for _, h := range []int64{0, 1, 255, 1 << 32, 1<<62 - 1} {
		assert.Equal(t, h, bytesToInt64(int64ToBytes(h)))
	}
	assert.Equal(t, int64(0), bytesToInt64([]byte{1, 2}))
}
