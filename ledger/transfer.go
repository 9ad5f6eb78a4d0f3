package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Status is the lifecycle state of a transfer record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// MillisPerHour converts TTL hours to the millisecond timestamps the ledger
// runs on.
const MillisPerHour int64 = 3_600_000

// AccessCondition is an optional extra gate on claim eligibility, attached
// at initiation and evaluated through the state's ConditionEvaluator.
type AccessCondition struct {
	ConditionType  string `json:"condition_type"`
	TokenAddress   string `json:"token_address,omitempty"`
	MinimumAmount  uint64 `json:"minimum_amount,omitempty"`
	AdditionalData []byte `json:"additional_data,omitempty"`
}

// FileTransfer is one on-ledger transfer record. It is created by an
// initiation and mutated only by claim and admin-cancel; terminal states
// persist and records are never deleted.
type FileTransfer struct {
	ID                  string           `json:"id"`
	EncryptedLocator    string           `json:"encrypted_locator"`
	MetadataLocator     string           `json:"metadata_locator"`
	Sender              string           `json:"sender"`
	Recipient           string           `json:"recipient"`
	CreatedAt           int64            `json:"created_at"`
	ExpiresAt           *int64           `json:"expires_at,omitempty"`
	SealPublicKey       []byte           `json:"seal_public_key"`
	EncryptionAlgorithm string           `json:"encryption_algorithm"`
	Message             string           `json:"message,omitempty"`
	FileCount           uint32           `json:"file_count"`
	TotalSize           uint64           `json:"total_size"`
	Status              Status           `json:"status"`
	Access              *AccessCondition `json:"access_condition,omitempty"`
	GasFeePaid          uint64           `json:"gas_fee_paid"`
}

// expiredAt reports whether the record's deadline has passed. Records
// without a deadline never expire.
func (t *FileTransfer) expiredAt(nowMs int64) bool {
	return t.ExpiresAt != nil && nowMs > *t.ExpiresAt
}

// EffectiveStatus derives the externally visible status at the given time.
// Expired is never written back to the record; it is computed on read so the
// stored state cannot drift from the clock.
func (t *FileTransfer) EffectiveStatus(nowMs int64) Status {
	if t.Status == StatusPending && t.expiredAt(nowMs) {
		return StatusExpired
	}
	return t.Status
}

// TransferIDFromRequest derives the deterministic record ID every replica
// computes from the gateway-assigned request ID.
func TransferIDFromRequest(requestID string) string {
	hash := sha256.Sum256([]byte(requestID))
	return fmt.Sprintf("TRF-%s", hex.EncodeToString(hash[:])[:16])
}
