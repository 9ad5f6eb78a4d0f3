package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initiateOperation(requestID string) *Operation {
	ttl := uint64(1)
	return &Operation{
		Kind:        OpInitiate,
		Caller:      testSender,
		RequestID:   requestID,
		TimestampMs: testNowMs,
		Initiate: &InitiateOp{
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
	}
}

func TestOperationCodec(t *testing.T) {
	op := initiateOperation("req-1")

	encoded, err := op.Encode()
	require.NoError(t, err)

	decoded, err := DecodeOperation(encoded)
	require.NoError(t, err)
	assert.Equal(t, op, decoded)

	_, err = DecodeOperation([]byte("not json"))
	assert.Error(t, err)
}

func TestOperationValidate(t *testing.T) {
	valid := initiateOperation("req-1")
	require.NoError(t, valid.Validate())

	noCaller := initiateOperation("req-1")
	noCaller.Caller = ""
	assert.Error(t, noCaller.Validate())

	noRequestID := initiateOperation("")
	assert.Error(t, noRequestID.Validate())

	noPayload := initiateOperation("req-1")
	noPayload.Initiate = nil
	assert.Error(t, noPayload.Validate())

	unknownKind := initiateOperation("req-1")
	unknownKind.Kind = "transmogrify"
	assert.Error(t, unknownKind.Validate())

	claimWithoutID := &Operation{
		Kind:      OpClaim,
		Caller:    testRecipient,
		RequestID: "req-2",
		Claim:     &ClaimOp{},
	}
	assert.Error(t, claimWithoutID.Validate())
}

func TestApplyInitiate(t *testing.T) {
	s := newTestState()

	result, err := s.Apply(initiateOperation("req-1"))
	require.NoError(t, err)

	assert.Equal(t, TransferIDFromRequest("req-1"), result.TransferID)
	assert.Equal(t, uint64(990), result.ChangeReturned)
	require.Len(t, result.Events, 2)
	assert.Equal(t, "transfer_initiated", result.Events[0].EventType())
	assert.Equal(t, "gas_fees_collected", result.Events[1].EventType())
}

func TestApplyClaimAndCancel(t *testing.T) {
	s := newTestState()
	initiated, err := s.Apply(initiateOperation("req-1"))
	require.NoError(t, err)

	claimed, err := s.Apply(&Operation{
		Kind:        OpClaim,
		Caller:      testRecipient,
		RequestID:   "req-2",
		TimestampMs: testNowMs + 1,
		Claim:       &ClaimOp{TransferID: initiated.TransferID},
	})
	require.NoError(t, err)
	require.Len(t, claimed.Events, 1)
	assert.Equal(t, "transfer_claimed", claimed.Events[0].EventType())

	cancelled, err := s.Apply(&Operation{
		Kind:        OpAdminCancel,
		Caller:      testAdmin,
		RequestID:   "req-3",
		TimestampMs: testNowMs + 2,
		Cancel:      &CancelOp{TransferID: initiated.TransferID},
	})
	require.NoError(t, err)
	require.Len(t, cancelled.Events, 1)
	assert.Equal(t, "transfer_cancelled", cancelled.Events[0].EventType())
}

func TestApplyAdminOperations(t *testing.T) {
	s := newTestState()
	_, err := s.Apply(initiateOperation("req-1"))
	require.NoError(t, err)

	_, err = s.Apply(&Operation{
		Kind:      OpSetFeeRate,
		Caller:    testAdmin,
		RequestID: "req-2",
		FeeRate:   &FeeRateOp{NewRateBps: 500},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(500), s.Stats().FeeRateBps)

	withdrawn, err := s.Apply(&Operation{
		Kind:      OpWithdrawFees,
		Caller:    testAdmin,
		RequestID: "req-3",
		Withdraw:  &WithdrawOp{Amount: 10},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(10), withdrawn.Withdrawn)
	assert.Equal(t, uint64(0), s.Stats().CollectedFees)
}

func TestApplyRejectionLeavesStateUntouched(t *testing.T) {
	s := newTestState()
	initiated, err := s.Apply(initiateOperation("req-1"))
	require.NoError(t, err)
	before := s.Stats()

	_, err = s.Apply(&Operation{
		Kind:        OpClaim,
		Caller:      "intruder",
		RequestID:   "req-2",
		TimestampMs: testNowMs,
		Claim:       &ClaimOp{TransferID: initiated.TransferID},
	})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = s.Apply(&Operation{
		Kind:      OpWithdrawFees,
		Caller:    testAdmin,
		RequestID: "req-3",
		Withdraw:  &WithdrawOp{Amount: 1_000_000},
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	assert.Equal(t, before, s.Stats())
	assert.True(t, s.CanClaim(initiated.TransferID, testRecipient, testNowMs))
}
