package ledger

// Event is a lifecycle event surfaced by a successful operation. Events are
// the system's only externally observable, ordered log; the ABCI layer
// translates them into block events.
type Event interface {
	EventType() string
}

// TransferInitiated carries the public fields of a freshly created record.
// The seal key and locator secrets are deliberately absent.
type TransferInitiated struct {
	TransferID   string `json:"transfer_id"`
	Sender       string `json:"sender"`
	Recipient    string `json:"recipient"`
	EncryptedCID string `json:"encrypted_cid"`
	FileCount    uint32 `json:"file_count"`
	TotalSize    uint64 `json:"total_size"`
	ExpiresAt    *int64 `json:"expires_at,omitempty"`
	GasFee       uint64 `json:"gas_fee"`
	Timestamp    int64  `json:"timestamp"`
}

func (TransferInitiated) EventType() string { return "transfer_initiated" }

// TransferClaimed marks a successful claim.
type TransferClaimed struct {
	TransferID string `json:"transfer_id"`
	Recipient  string `json:"recipient"`
	ClaimedAt  int64  `json:"claimed_at"`
}

func (TransferClaimed) EventType() string { return "transfer_claimed" }

// TransferCancelled marks an administrative cancellation.
type TransferCancelled struct {
	TransferID  string `json:"transfer_id"`
	Sender      string `json:"sender"`
	CancelledAt int64  `json:"cancelled_at"`
}

func (TransferCancelled) EventType() string { return "transfer_cancelled" }

// GasFeesCollected records the fee split performed at initiation: the gross
// amount charged to the sender and the protocol cut moved into escrow.
type GasFeesCollected struct {
	TransferID  string `json:"transfer_id"`
	FeeAmount   uint64 `json:"fee_amount"`
	ProtocolFee uint64 `json:"protocol_fee"`
	Timestamp   int64  `json:"timestamp"`
}

func (GasFeesCollected) EventType() string { return "gas_fees_collected" }
