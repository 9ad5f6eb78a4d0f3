package models

// TransferRecord mirrors one committed on-ledger transfer into the
// relational read model. Timestamps are Unix milliseconds, matching the
// ledger.
type TransferRecord struct {
	ID                  string `gorm:"column:transfer_id;primaryKey;type:varchar(50)"`
	EncryptedLocator    string `gorm:"column:encrypted_locator;type:text;not null"`
	MetadataLocator     string `gorm:"column:metadata_locator;type:text"`
	Sender              string `gorm:"column:sender;type:varchar(100);index;not null"`
	Recipient           string `gorm:"column:recipient;type:varchar(100);index;not null"`
	CreatedAt           int64  `gorm:"column:created_at;not null"`
	ExpiresAt           *int64 `gorm:"column:expires_at"`
	EncryptionAlgorithm string `gorm:"column:encryption_algorithm;type:varchar(50)"`
	Message             string `gorm:"column:message;type:text"`
	FileCount           uint32 `gorm:"column:file_count;not null"`
	TotalSize           uint64 `gorm:"column:total_size;not null"`
	Status              string `gorm:"column:status;type:varchar(20);default:'pending'"`
	GasFeePaid          uint64 `gorm:"column:gas_fee_paid;not null"`
	BlockHeight         int64  `gorm:"column:block_height;not null"`
	UpdatedAt           int64  `gorm:"column:updated_at"`
}
