package models

// StatsSnapshot is the per-block projection of the fee ledger. One row per
// committed block; the latest row is the current protocol state.
type StatsSnapshot struct {
	BlockHeight          int64  `gorm:"column:block_height;primaryKey"`
	TotalTransfers       uint64 `gorm:"column:total_transfers;not null"`
	TotalDataTransferred uint64 `gorm:"column:total_data_transferred;not null"`
	CollectedFees        uint64 `gorm:"column:collected_fees;not null"`
	FeeRateBps           uint64 `gorm:"column:fee_rate_bps;not null"`
	Admin                string `gorm:"column:admin;type:varchar(100);not null"`
}
