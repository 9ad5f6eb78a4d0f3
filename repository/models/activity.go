package models

// ActivityDelta is one append-only activity record for a user. The ledger
// never merges these; readers aggregate over all rows for a user.
type ActivityDelta struct {
	ID                uint64 `gorm:"column:activity_id;primaryKey;autoIncrement"`
	User              string `gorm:"column:user_address;type:varchar(100);index;not null"`
	TransfersSent     uint32 `gorm:"column:transfers_sent;not null"`
	TransfersReceived uint32 `gorm:"column:transfers_received;not null"`
	TotalDataSent     uint64 `gorm:"column:total_data_sent;not null"`
	TotalDataReceived uint64 `gorm:"column:total_data_received;not null"`
	ActivityAt        int64  `gorm:"column:activity_at;not null"`
}
