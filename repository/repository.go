package repository

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	cmtrpc "github.com/cometbft/cometbft/rpc/client/local"
	cmtrpctypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/sealdrop/node/ledger"
	"github.com/sealdrop/node/repository/models"
)

// PostgreSQL error codes as constants
const (
	// Class 23 — Integrity Constraint Violation
	PgErrForeignKeyViolation = "23503" // foreign_key_violation
	PgErrUniqueViolation     = "23505" // unique_violation
	PgErrCheckViolation      = "23514" // check_violation
	PgErrNotNullViolation    = "23502" // not_null_violation

	// Class 22 — Data Exception
	PgErrDataException          = "22000" // data_exception
	PgErrNumericValueOutOfRange = "22003" // numeric_value_out_of_range

	// Class 40 — Transaction Rollback
	PgErrTransactionRollback = "40000" // transaction_rollback

	// Class 08 — Connection Exception
	PgErrConnectionException = "08000" // connection_exception
	PgErrConnectionFailure   = "08006" // connection_failure
)

// ConsensusResult contains the result of broadcasting an operation through
// the ledger.
type ConsensusResult struct {
	TxHash      string
	BlockHeight int64
	Code        uint32
	Log         string
}

// RepositoryError represents an error in the repository layer (db/rpc).
type RepositoryError struct {
	Code    string
	Message string
	Detail  string
}

// Repository owns the relational read model and the RPC path into the
// consensus engine.
type Repository struct {
	db        *gorm.DB
	rpcClient *cmtrpc.Local
}

func NewRepository() *Repository {
	return &Repository{}
}

// ConnectDB connects to Postgres, retrying while the database container
// comes up.
func (r *Repository) ConnectDB(dsn string) error {
	var lastErr error
	for i := range 10 {
		log.Printf("Connection attempt %d...\n", i+1)
		db, err := gorm.Open(postgres.Open(dsn))
		if err != nil {
			lastErr = err
			log.Printf("Connection attempt %d, failed: %v\n", i+1, err)
			time.Sleep(2 * time.Second)
			continue
		}
		r.db = db
		log.Println("Connected to Postgres")
		return nil
	}
	return fmt.Errorf("connecting to postgres: %w", lastErr)
}

// Migrate creates or updates the read-model tables.
func (r *Repository) Migrate() {
	r.db.AutoMigrate(
		&models.TransferRecord{},
		&models.ActivityDelta{},
		&models.StatsSnapshot{},
		&models.TxReceipt{},
	)

	log.Println("Database migration completed successfully")
}

func (r *Repository) SetupRpcClient(rpcClient *cmtrpc.Local) {
	r.rpcClient = rpcClient
}

// repositoryError wraps a database error, surfacing the Postgres error code
// when there is one.
func repositoryError(err error) *RepositoryError {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &RepositoryError{
			Code:    pgErr.Code,
			Message: pgErr.Message,
			Detail:  pgErr.Detail,
		}
	}
	return &RepositoryError{
		Code:    "DATABASE_ERROR",
		Message: "Database error occurred",
		Detail:  err.Error(),
	}
}

// Read-model writes. These mirror committed ledger state; the ledger stays
// authoritative and never reads back from here.

// SaveTransfer inserts a freshly committed transfer record.
func (r *Repository) SaveTransfer(record models.TransferRecord) *RepositoryError {
	record.UpdatedAt = record.CreatedAt
	if err := r.db.Create(&record).Error; err != nil {
		return repositoryError(err)
	}
	return nil
}

// UpdateTransferStatus moves a mirrored record to its new lifecycle status.
func (r *Repository) UpdateTransferStatus(transferID, status string, atMs int64) *RepositoryError {
	result := r.db.Model(&models.TransferRecord{}).
		Where("transfer_id = ?", transferID).
		Updates(map[string]interface{}{"status": status, "updated_at": atMs})
	if result.Error != nil {
		return repositoryError(result.Error)
	}
	if result.RowsAffected == 0 {
		return &RepositoryError{
			Code:    "ENTITY_NOT_FOUND",
			Message: "Transfer does not exist",
			Detail:  fmt.Sprintf("Transfer with id %s does not exist", transferID),
		}
	}
	return nil
}

// AppendActivity adds one activity delta row. Rows are never updated.
func (r *Repository) AppendActivity(delta models.ActivityDelta) *RepositoryError {
	if err := r.db.Create(&delta).Error; err != nil {
		return repositoryError(err)
	}
	return nil
}

// SaveStatsSnapshot upserts the fee-ledger projection for a block height.
func (r *Repository) SaveStatsSnapshot(snap models.StatsSnapshot) *RepositoryError {
	if err := r.db.Save(&snap).Error; err != nil {
		return repositoryError(err)
	}
	return nil
}

// SaveReceipt stores the consensus receipt of a submitted operation.
func (r *Repository) SaveReceipt(receipt models.TxReceipt) *RepositoryError {
	if err := r.db.Create(&receipt).Error; err != nil {
		return repositoryError(err)
	}
	return nil
}

// Read-model queries.

// GetTransfer looks up one mirrored transfer record.
func (r *Repository) GetTransfer(transferID string) (*models.TransferRecord, *RepositoryError) {
	var record models.TransferRecord
	err := r.db.Where("transfer_id = ?", transferID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &RepositoryError{
				Code:    "ENTITY_NOT_FOUND",
				Message: "Transfer does not exist",
				Detail:  fmt.Sprintf("Transfer with id %s does not exist", transferID),
			}
		}
		return nil, repositoryError(err)
	}
	return &record, nil
}

// ListTransfersFor returns every mirrored record a user participates in,
// newest first.
func (r *Repository) ListTransfersFor(user string) ([]models.TransferRecord, *RepositoryError) {
	var records []models.TransferRecord
	err := r.db.
		Where("sender = ? OR recipient = ?", user, user).
		Order("created_at DESC").
		Find(&records).Error
	if err != nil {
		return nil, repositoryError(err)
	}
	return records, nil
}

// ActivityTotals is the SQL-side reduction over a user's delta log.
type ActivityTotals struct {
	User              string `gorm:"column:user_address"`
	TransfersSent     uint64 `gorm:"column:transfers_sent"`
	TransfersReceived uint64 `gorm:"column:transfers_received"`
	TotalDataSent     uint64 `gorm:"column:total_data_sent"`
	TotalDataReceived uint64 `gorm:"column:total_data_received"`
	LastActivity      int64  `gorm:"column:last_activity"`
}

// ActivitySummary folds a user's activity rows into totals in the database.
func (r *Repository) ActivitySummary(user string) (*ActivityTotals, *RepositoryError) {
	if r.db == nil {
		return nil, &RepositoryError{
			Code:    "DATABASE_ERROR",
			Message: "No database connection",
			Detail:  "read model is not attached",
		}
	}
	var totals ActivityTotals
	err := r.db.Model(&models.ActivityDelta{}).
		Select("user_address, "+
			"COALESCE(SUM(transfers_sent), 0) AS transfers_sent, "+
			"COALESCE(SUM(transfers_received), 0) AS transfers_received, "+
			"COALESCE(SUM(total_data_sent), 0) AS total_data_sent, "+
			"COALESCE(SUM(total_data_received), 0) AS total_data_received, "+
			"COALESCE(MAX(activity_at), 0) AS last_activity").
		Where("user_address = ?", user).
		Group("user_address").
		Scan(&totals).Error
	if err != nil {
		return nil, repositoryError(err)
	}
	if totals.User == "" {
		totals.User = user
	}
	return &totals, nil
}

// LatestStatsSnapshot returns the fee-ledger projection of the newest
// committed block.
func (r *Repository) LatestStatsSnapshot() (*models.StatsSnapshot, *RepositoryError) {
	var snap models.StatsSnapshot
	err := r.db.Order("block_height DESC").First(&snap).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &RepositoryError{
				Code:    "ENTITY_NOT_FOUND",
				Message: "No stats snapshot yet",
				Detail:  "no block has been committed",
			}
		}
		return nil, repositoryError(err)
	}
	return &snap, nil
}

// RunConsensus broadcasts a ledger operation and waits for it to be
// committed in a block.
func (r *Repository) RunConsensus(ctx context.Context, op *ledger.Operation) (*ConsensusResult, *RepositoryError) {
	payloadBytes, err := op.Encode()
	if err != nil {
		return nil, &RepositoryError{
			Code:    "SERIALIZATION_ERROR",
			Message: "Failed to serialize consensus payload",
			Detail:  err.Error(),
		}
	}

	consensusTx := cmttypes.Tx(payloadBytes)

	// Use a channel to detect both context deadline and RPC completion
	done := make(chan struct {
		result *cmtrpctypes.ResultBroadcastTxCommit
		err    error
	}, 1)

	go func() {
		result, err := r.rpcClient.BroadcastTxCommit(ctx, consensusTx)
		done <- struct {
			result *cmtrpctypes.ResultBroadcastTxCommit
			err    error
		}{result, err}
	}()

	select {
	case <-ctx.Done():
		return nil, &RepositoryError{
			Code:    "CONSENSUS_TIMEOUT",
			Message: "Consensus operation timed out",
			Detail:  ctx.Err().Error(),
		}
	case result := <-done:
		if result.err != nil {
			return nil, &RepositoryError{
				Code:    "CONSENSUS_ERROR",
				Message: "Failed to commit to blockchain",
				Detail:  result.err.Error(),
			}
		}

		if result.result.CheckTx.Code != 0 {
			return nil, &RepositoryError{
				Code:    "CONSENSUS_ERROR",
				Message: "Blockchain rejected transaction",
				Detail:  fmt.Sprintf("CheckTx code: %d", result.result.CheckTx.Code),
			}
		}

		// The operation reached a block; its result code carries the
		// ledger-level outcome, success or precondition failure.
		return &ConsensusResult{
			TxHash:      hex.EncodeToString(result.result.Hash),
			BlockHeight: result.result.Height,
			Code:        result.result.TxResult.Code,
			Log:         result.result.TxResult.Log,
		}, nil
	}
}

// RecordReceipt persists the consensus receipt of an operation, ignoring
// duplicate submissions.
func (r *Repository) RecordReceipt(op *ledger.Operation, res *ConsensusResult, transferID string) {
	if r.db == nil {
		return
	}
	receipt := models.TxReceipt{
		TxHash:      res.TxHash,
		RequestID:   op.RequestID,
		Kind:        string(op.Kind),
		Caller:      op.Caller,
		TransferID:  transferID,
		BlockHeight: res.BlockHeight,
		Code:        res.Code,
		Timestamp:   op.TimestampMs,
	}
	if repoErr := r.SaveReceipt(receipt); repoErr != nil && repoErr.Code != PgErrUniqueViolation {
		detail, _ := json.Marshal(repoErr)
		log.Printf("Recording tx receipt: %s", detail)
	}
}
