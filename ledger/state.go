// Package ledger implements the transfer lifecycle state machine and the
// escrowed gas-fee accounting it feeds. The package is deliberately pure:
// no I/O, no clock reads, no consensus types. Every operation takes a
// caller-supplied millisecond timestamp and either fully commits or returns
// an error having touched nothing, so the surrounding host can serialize
// operations however it likes (this node runs them inside ABCI block
// finalization).
package ledger

import (
	"encoding/json"
	"fmt"
	"sync"
)

// State owns the transfer records, the fee ledger and the activity log. All
// access goes through its mutex; the consensus layer calls one operation at
// a time, so the lock is an exclusive-access discipline rather than a
// throughput concern.
type State struct {
	mu          sync.Mutex
	stats       *ProtocolStats
	records     map[string]*FileTransfer
	order       []string
	activityLog []UserActivity
	evaluator   ConditionEvaluator
}

// NewState bootstraps a deployment: zeroed counters, the default fee rate,
// and a fixed admin identity. Running it exactly once per deployment is the
// deployer's responsibility.
func NewState(admin string) *State {
	return &State{
		stats:     bootstrapStats(admin),
		records:   make(map[string]*FileTransfer),
		evaluator: AllowAllConditions{},
	}
}

// SetConditionEvaluator installs the access-condition gate. The default
// evaluator passes everything.
func (s *State) SetConditionEvaluator(e ConditionEvaluator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evaluator = e
}

// InitiateParams carries everything an initiation needs. Payment is the
// gross gas fee charged to the sender; the protocol cut is split out of it
// and the remainder comes back as change.
type InitiateParams struct {
	RequestID           string
	Sender              string
	Recipient           string
	EncryptedLocator    string
	MetadataLocator     string
	SealPublicKey       []byte
	EncryptionAlgorithm string
	Message             string
	FileCount           uint32
	TotalSize           uint64
	TTLHours            *uint64
	Access              *AccessCondition
	Payment             Coin
	NowMs               int64
}

// Initiate creates a transfer record, extracts the protocol fee into escrow
// and logs sender activity. It returns a copy of the record, the change
// returned to the sender, and the emitted events.
func (s *State) Initiate(p InitiateParams) (FileTransfer, Coin, []Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Recipient == "" {
		return FileTransfer{}, p.Payment, nil, ErrInvalidRecipient
	}
	if p.Payment.IsZero() {
		return FileTransfer{}, p.Payment, nil, ErrInsufficientFee
	}

	id := TransferIDFromRequest(p.RequestID)
	if _, exists := s.records[id]; exists {
		return FileTransfer{}, p.Payment, nil, fmt.Errorf("transfer %s already exists", id)
	}

	gross := p.Payment.Value()
	fee, err := p.Payment.Split(s.stats.protocolFee(gross))
	if err != nil {
		return FileTransfer{}, p.Payment, nil, err
	}

	var expiresAt *int64
	if p.TTLHours != nil {
		deadline := p.NowMs + int64(*p.TTLHours)*MillisPerHour
		expiresAt = &deadline
	}

	record := &FileTransfer{
		ID:                  id,
		EncryptedLocator:    p.EncryptedLocator,
		MetadataLocator:     p.MetadataLocator,
		Sender:              p.Sender,
		Recipient:           p.Recipient,
		CreatedAt:           p.NowMs,
		ExpiresAt:           expiresAt,
		SealPublicKey:       p.SealPublicKey,
		EncryptionAlgorithm: p.EncryptionAlgorithm,
		Message:             p.Message,
		FileCount:           p.FileCount,
		TotalSize:           p.TotalSize,
		Status:              StatusPending,
		Access:              p.Access,
		GasFeePaid:          gross,
	}

	feeAmount := fee.Value()
	s.stats.accumulate(fee)
	s.stats.TotalTransfers++
	s.stats.TotalDataTransferred += p.TotalSize

	s.records[id] = record
	s.order = append(s.order, id)
	s.activityLog = append(s.activityLog, sendDelta(p.Sender, p.TotalSize, p.NowMs))

	events := []Event{
		TransferInitiated{
			TransferID:   id,
			Sender:       p.Sender,
			Recipient:    p.Recipient,
			EncryptedCID: p.EncryptedLocator,
			FileCount:    p.FileCount,
			TotalSize:    p.TotalSize,
			ExpiresAt:    expiresAt,
			GasFee:       gross,
			Timestamp:    p.NowMs,
		},
		GasFeesCollected{
			TransferID:  id,
			FeeAmount:   gross,
			ProtocolFee: feeAmount,
			Timestamp:   p.NowMs,
		},
	}

	return *record, p.Payment, events, nil
}

// Claim marks a pending record as claimed by its designated recipient and
// logs recipient activity. Expiry is evaluated lazily against nowMs; an
// expired record stays Pending in storage and simply refuses the claim.
func (s *State) Claim(transferID, caller string, nowMs int64) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[transferID]
	if !ok {
		return nil, ErrNotFound
	}
	if caller != record.Recipient {
		return nil, ErrUnauthorized
	}
	if record.Status != StatusPending {
		return nil, ErrAlreadyClaimed
	}
	if record.expiredAt(nowMs) {
		return nil, ErrExpired
	}
	if record.Access != nil && !s.evaluator.Evaluate(record.Access, caller) {
		return nil, ErrAccessDenied
	}

	record.Status = StatusClaimed
	s.activityLog = append(s.activityLog, receiveDelta(caller, record.TotalSize, nowMs))

	return []Event{TransferClaimed{
		TransferID: transferID,
		Recipient:  caller,
		ClaimedAt:  nowMs,
	}}, nil
}

// AdminCancel unconditionally cancels a record, whatever its current
// status. This is an emergency override: it keeps no status guard and does
// NOT refund the sender's escrowed fee. Only the fee-ledger admin may call
// it.
func (s *State) AdminCancel(transferID, caller string, nowMs int64) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[transferID]
	if !ok {
		return nil, ErrNotFound
	}
	if caller != s.stats.Admin {
		return nil, ErrUnauthorized
	}

	record.Status = StatusCancelled

	return []Event{TransferCancelled{
		TransferID:  transferID,
		Sender:      record.Sender,
		CancelledAt: nowMs,
	}}, nil
}

// SetFeeRate replaces the protocol fee rate. Admin only, capped at
// MaxFeeRateBps.
func (s *State) SetFeeRate(caller string, bps uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.setFeeRate(caller, bps)
}

// WithdrawFees drains amount from the escrowed fee balance. Admin only; the
// returned coin is handed to the host for transfer to the admin's account.
func (s *State) WithdrawFees(caller string, amount uint64) (Coin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.withdraw(caller, amount)
}

// CanClaim mirrors Claim's authorization, status and expiry checks as a
// pure predicate. It deliberately skips the access-condition check, so a
// true result means the claim would reach condition evaluation.
func (s *State) CanClaim(transferID, user string, nowMs int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[transferID]
	if !ok {
		return false
	}
	return user == record.Recipient &&
		record.Status == StatusPending &&
		!record.expiredAt(nowMs)
}

// TransferInfo returns the public view of a record with its status derived
// at nowMs. The seal public key is withheld; SealInfo serves it to the
// transfer's parties.
func (s *State) TransferInfo(transferID string, nowMs int64) (FileTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[transferID]
	if !ok {
		return FileTransfer{}, ErrNotFound
	}
	view := *record
	view.SealPublicKey = nil
	view.Status = record.EffectiveStatus(nowMs)
	return view, nil
}

// SealInfo is the decryption metadata a party needs to fetch and open the
// payload.
type SealInfo struct {
	TransferID          string `json:"transfer_id"`
	EncryptedLocator    string `json:"encrypted_locator"`
	MetadataLocator     string `json:"metadata_locator"`
	SealPublicKey       []byte `json:"seal_public_key"`
	EncryptionAlgorithm string `json:"encryption_algorithm"`
}

// SealInfo returns the seal metadata of a record. Only the sender and the
// designated recipient may read it.
func (s *State) SealInfo(transferID, caller string) (SealInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[transferID]
	if !ok {
		return SealInfo{}, ErrNotFound
	}
	if caller != record.Sender && caller != record.Recipient {
		return SealInfo{}, ErrUnauthorized
	}
	return SealInfo{
		TransferID:          record.ID,
		EncryptedLocator:    record.EncryptedLocator,
		MetadataLocator:     record.MetadataLocator,
		SealPublicKey:       record.SealPublicKey,
		EncryptionAlgorithm: record.EncryptionAlgorithm,
	}, nil
}

// Stats returns the current fee-ledger projection.
func (s *State) Stats() StatsView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.view()
}

// ActivityOf returns the user's delta log in append order.
func (s *State) ActivityOf(user string) []UserActivity {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deltas []UserActivity
	for _, d := range s.activityLog {
		if d.User == user {
			deltas = append(deltas, d)
		}
	}
	return deltas
}

// ActivitySummary folds the user's delta log into totals.
func (s *State) ActivitySummary(user string) ActivitySummary {
	return SummarizeActivity(user, s.ActivityOf(user))
}

// snapshotModel is the JSON form the app layer persists on every commit.
// Records are stored in creation order so the restored state iterates
// identically on every node.
type snapshotModel struct {
	Admin                string         `json:"admin"`
	FeeRateBps           uint64         `json:"fee_rate_bps"`
	TotalTransfers       uint64         `json:"total_transfers"`
	TotalDataTransferred uint64         `json:"total_data_transferred"`
	CollectedFees        uint64         `json:"collected_fees"`
	Records              []FileTransfer `json:"records"`
	Activity             []UserActivity `json:"activity"`
}

// Snapshot serializes the full ledger state.
func (s *State) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	model := snapshotModel{
		Admin:                s.stats.Admin,
		FeeRateBps:           s.stats.FeeRateBps,
		TotalTransfers:       s.stats.TotalTransfers,
		TotalDataTransferred: s.stats.TotalDataTransferred,
		CollectedFees:        s.stats.CollectedFees.Value(),
		Records:              make([]FileTransfer, 0, len(s.order)),
		Activity:             s.activityLog,
	}
	for _, id := range s.order {
		model.Records = append(model.Records, *s.records[id])
	}
	return json.Marshal(model)
}

// RestoreState rebuilds a State from a snapshot produced by Snapshot.
func RestoreState(data []byte) (*State, error) {
	var model snapshotModel
	if err := json.Unmarshal(data, &model); err != nil {
		return nil, fmt.Errorf("decoding ledger snapshot: %w", err)
	}

	state := NewState(model.Admin)
	state.stats.FeeRateBps = model.FeeRateBps
	state.stats.TotalTransfers = model.TotalTransfers
	state.stats.TotalDataTransferred = model.TotalDataTransferred
	state.stats.CollectedFees = NewCoin(model.CollectedFees)
	state.activityLog = model.Activity
	for i := range model.Records {
		record := model.Records[i]
		state.records[record.ID] = &record
		state.order = append(state.order, record.ID)
	}
	return state, nil
}
