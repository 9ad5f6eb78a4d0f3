package ledger

const (
	// DefaultFeeRateBps is the protocol fee rate set at bootstrap, in basis
	// points (100 = 1%).
	DefaultFeeRateBps uint64 = 100

	// MaxFeeRateBps caps the fee rate at 10%.
	MaxFeeRateBps uint64 = 1000

	// feeRateDenominator converts basis points to a fraction.
	feeRateDenominator uint64 = 10_000
)

// ProtocolStats is the fee ledger: running transfer totals, the escrowed
// fee balance, the current fee rate and the admin identity. One instance
// exists per deployment, owned exclusively by State.
type ProtocolStats struct {
	TotalTransfers       uint64 `json:"total_transfers"`
	TotalDataTransferred uint64 `json:"total_data_transferred"`
	CollectedFees        Coin   `json:"-"`
	FeeRateBps           uint64 `json:"fee_rate_bps"`
	Admin                string `json:"admin"`
}

// bootstrapStats initializes the fee ledger. Counters start at zero and the
// rate at DefaultFeeRateBps; the admin identity is fixed for the lifetime of
// the deployment.
func bootstrapStats(admin string) *ProtocolStats {
	return &ProtocolStats{
		FeeRateBps: DefaultFeeRateBps,
		Admin:      admin,
	}
}

// protocolFee computes the protocol cut of a gross gas payment at the
// current rate, rounded down.
func (s *ProtocolStats) protocolFee(gross uint64) uint64 {
	return gross * s.FeeRateBps / feeRateDenominator
}

// accumulate moves an extracted fee into escrow. The caller guarantees the
// coin was split out of a payment, so no validation happens here.
func (s *ProtocolStats) accumulate(fee Coin) {
	s.CollectedFees.Join(fee)
}

// setFeeRate replaces the fee rate. Admin only; rates above MaxFeeRateBps
// are rejected and leave the current rate in place.
func (s *ProtocolStats) setFeeRate(caller string, bps uint64) error {
	if caller != s.Admin {
		return ErrUnauthorized
	}
	if bps > MaxFeeRateBps {
		return ErrRateOutOfBounds
	}
	s.FeeRateBps = bps
	return nil
}

// withdraw drains amount from escrow and returns it for transfer to the
// admin's external account. Admin only; the escrow never goes below zero.
func (s *ProtocolStats) withdraw(caller string, amount uint64) (Coin, error) {
	if caller != s.Admin {
		return Coin{}, ErrUnauthorized
	}
	return s.CollectedFees.Take(amount)
}

// StatsView is the read-only projection served to queries.
type StatsView struct {
	TotalTransfers       uint64 `json:"total_transfers"`
	TotalDataTransferred uint64 `json:"total_data_transferred"`
	CollectedFees        uint64 `json:"collected_fees"`
	FeeRateBps           uint64 `json:"fee_rate_bps"`
	Admin                string `json:"admin"`
}

func (s *ProtocolStats) view() StatsView {
	return StatsView{
		TotalTransfers:       s.TotalTransfers,
		TotalDataTransferred: s.TotalDataTransferred,
		CollectedFees:        s.CollectedFees.Value(),
		FeeRateBps:           s.FeeRateBps,
		Admin:                s.Admin,
	}
}
