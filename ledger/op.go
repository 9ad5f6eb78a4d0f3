package ledger

import (
	"encoding/json"
	"fmt"
)

// OpKind discriminates the mutating operations carried in consensus
// transactions.
type OpKind string

const (
	OpInitiate     OpKind = "initiate_transfer"
	OpClaim        OpKind = "claim_transfer"
	OpAdminCancel  OpKind = "admin_cancel"
	OpSetFeeRate   OpKind = "set_fee_rate"
	OpWithdrawFees OpKind = "withdraw_fees"
)

// Operation is the wire form of one mutating ledger operation. The gateway
// stamps the caller identity, a unique request ID and the submission time;
// every replica executes with the stamped values, which keeps block
// execution deterministic.
type Operation struct {
	Kind        OpKind `json:"kind"`
	Caller      string `json:"caller"`
	RequestID   string `json:"request_id"`
	TimestampMs int64  `json:"timestamp_ms"`

	Initiate *InitiateOp `json:"initiate,omitempty"`
	Claim    *ClaimOp    `json:"claim,omitempty"`
	Cancel   *CancelOp   `json:"cancel,omitempty"`
	FeeRate  *FeeRateOp  `json:"fee_rate,omitempty"`
	Withdraw *WithdrawOp `json:"withdraw,omitempty"`
}

// InitiateOp carries the initiation payload. GasPayment is the gross fee
// charged to the sender.
type InitiateOp struct {
	Recipient           string           `json:"recipient"`
	EncryptedLocator    string           `json:"encrypted_locator"`
	MetadataLocator     string           `json:"metadata_locator"`
	SealPublicKey       []byte           `json:"seal_public_key"`
	EncryptionAlgorithm string           `json:"encryption_algorithm"`
	Message             string           `json:"message,omitempty"`
	FileCount           uint32           `json:"file_count"`
	TotalSize           uint64           `json:"total_size"`
	TTLHours            *uint64          `json:"ttl_hours,omitempty"`
	Access              *AccessCondition `json:"access_condition,omitempty"`
	GasPayment          uint64           `json:"gas_payment"`
}

type ClaimOp struct {
	TransferID string `json:"transfer_id"`
}

type CancelOp struct {
	TransferID string `json:"transfer_id"`
}

type FeeRateOp struct {
	NewRateBps uint64 `json:"new_rate_bps"`
}

type WithdrawOp struct {
	Amount uint64 `json:"amount"`
}

// DecodeOperation parses a consensus transaction.
func DecodeOperation(tx []byte) (*Operation, error) {
	var op Operation
	if err := json.Unmarshal(tx, &op); err != nil {
		return nil, fmt.Errorf("decoding operation: %w", err)
	}
	return &op, nil
}

// Encode serializes the operation for broadcast.
func (op *Operation) Encode() ([]byte, error) {
	return json.Marshal(op)
}

// Validate performs the structural checks CheckTx runs before a transaction
// enters the mempool. State-dependent preconditions stay in Apply.
func (op *Operation) Validate() error {
	if op.Caller == "" {
		return fmt.Errorf("operation has no caller")
	}
	if op.RequestID == "" {
		return fmt.Errorf("operation has no request id")
	}
	switch op.Kind {
	case OpInitiate:
		if op.Initiate == nil {
			return fmt.Errorf("initiate operation has no payload")
		}
	case OpClaim:
		if op.Claim == nil || op.Claim.TransferID == "" {
			return fmt.Errorf("claim operation has no transfer id")
		}
	case OpAdminCancel:
		if op.Cancel == nil || op.Cancel.TransferID == "" {
			return fmt.Errorf("cancel operation has no transfer id")
		}
	case OpSetFeeRate:
		if op.FeeRate == nil {
			return fmt.Errorf("fee rate operation has no payload")
		}
	case OpWithdrawFees:
		if op.Withdraw == nil {
			return fmt.Errorf("withdraw operation has no payload")
		}
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
	return nil
}

// ApplyResult reports what a successful operation did; the consensus layer
// turns it into the transaction result and block events.
type ApplyResult struct {
	TransferID     string
	Events         []Event
	ChangeReturned uint64
	Withdrawn      uint64
}

// Apply executes the operation against the state. A returned error means
// the state is untouched.
func (s *State) Apply(op *Operation) (*ApplyResult, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}

	switch op.Kind {
	case OpInitiate:
		p := op.Initiate
		record, change, events, err := s.Initiate(InitiateParams{
			RequestID:           op.RequestID,
			Sender:              op.Caller,
			Recipient:           p.Recipient,
			EncryptedLocator:    p.EncryptedLocator,
			MetadataLocator:     p.MetadataLocator,
			SealPublicKey:       p.SealPublicKey,
			EncryptionAlgorithm: p.EncryptionAlgorithm,
			Message:             p.Message,
			FileCount:           p.FileCount,
			TotalSize:           p.TotalSize,
			TTLHours:            p.TTLHours,
			Access:              p.Access,
			Payment:             NewCoin(p.GasPayment),
			NowMs:               op.TimestampMs,
		})
		if err != nil {
			return nil, err
		}
		return &ApplyResult{
			TransferID:     record.ID,
			Events:         events,
			ChangeReturned: change.Value(),
		}, nil

	case OpClaim:
		events, err := s.Claim(op.Claim.TransferID, op.Caller, op.TimestampMs)
		if err != nil {
			return nil, err
		}
		return &ApplyResult{TransferID: op.Claim.TransferID, Events: events}, nil

	case OpAdminCancel:
		events, err := s.AdminCancel(op.Cancel.TransferID, op.Caller, op.TimestampMs)
		if err != nil {
			return nil, err
		}
		return &ApplyResult{TransferID: op.Cancel.TransferID, Events: events}, nil

	case OpSetFeeRate:
		if err := s.SetFeeRate(op.Caller, op.FeeRate.NewRateBps); err != nil {
			return nil, err
		}
		return &ApplyResult{}, nil

	case OpWithdrawFees:
		coin, err := s.WithdrawFees(op.Caller, op.Withdraw.Amount)
		if err != nil {
			return nil, err
		}
		return &ApplyResult{Withdrawn: coin.Value()}, nil
	}

	return nil, fmt.Errorf("unknown operation kind %q", op.Kind)
}
