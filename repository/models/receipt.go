package models

// TxReceipt records the consensus receipt of a gateway-submitted operation.
type TxReceipt struct {
	TxHash      string `gorm:"column:tx_hash;primaryKey;type:varchar(66)"`
	RequestID   string `gorm:"column:request_id;type:varchar(50);uniqueIndex;not null"`
	Kind        string `gorm:"column:kind;type:varchar(30);not null"`
	Caller      string `gorm:"column:caller;type:varchar(100);index"`
	TransferID  string `gorm:"column:transfer_id;type:varchar(50);index"`
	BlockHeight int64  `gorm:"column:block_height;not null"`
	Code        uint32 `gorm:"column:code;not null"`
	Timestamp   int64  `gorm:"column:timestamp;not null"`
}
