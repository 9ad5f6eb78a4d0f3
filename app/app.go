package app

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"

	abcitypes "github.com/cometbft/cometbft/abci/types"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/dgraph-io/badger/v4"

	"github.com/sealdrop/node/ledger"
	"github.com/sealdrop/node/repository"
	"github.com/sealdrop/node/repository/models"
)

// Result codes for ledger transactions. Zero is success; everything else
// maps one error of the core taxonomy so gateways can translate consensus
// results back into meaningful responses.
const (
	CodeOK                  uint32 = 0
	CodeInvalidFormat       uint32 = 1
	CodeUnauthorized        uint32 = 10
	CodeNotFound            uint32 = 11
	CodeInvalidRecipient    uint32 = 12
	CodeExpired             uint32 = 13
	CodeInsufficientFee     uint32 = 14
	CodeAlreadyClaimed      uint32 = 15
	CodeInsufficientBalance uint32 = 16
	CodeRateOutOfBounds     uint32 = 17
	CodeAccessDenied        uint32 = 18
)

// Badger keys for app-local block state.
var (
	keyLastBlockHeight  = []byte("last_block_height")
	keyLastBlockAppHash = []byte("last_block_app_hash")
	keyAppState         = []byte("app_state")
	txKeyPrefix         = []byte("tx:")
	statusKeyPrefix     = []byte("status:")
)

// Application implements the ABCI interface for the node. Ledger operations
// arrive as block transactions and are applied to the in-memory state one at
// a time inside FinalizeBlock; Badger keeps the raw transaction archive and
// the committed state snapshot, and the repository mirrors committed data
// into the relational read model.
type Application struct {
	badgerDB     *badger.DB
	onGoingBlock *badger.Txn
	state        *ledger.State
	nodeID       string
	mu           sync.Mutex
	config       *AppConfig
	logger       cmtlog.Logger
	repository   *repository.Repository
}

// AppConfig contains configuration for the application.
type AppConfig struct {
	NodeID    string
	Admin     string // fee-ledger admin identity, fixed at bootstrap
	LogAllTxs bool   // whether to log failed transactions too
}

// NewABCIApplication creates the application, restoring the ledger state
// from the last committed snapshot when one exists.
func NewABCIApplication(badgerDB *badger.DB, config *AppConfig, logger cmtlog.Logger, repo *repository.Repository) (*Application, error) {
	state, err := loadState(badgerDB, config.Admin)
	if err != nil {
		return nil, err
	}
	return &Application{
		badgerDB:   badgerDB,
		state:      state,
		config:     config,
		logger:     logger,
		repository: repo,
	}, nil
}

func loadState(db *badger.DB, admin string) (*ledger.State, error) {
	var snapshot []byte
	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyAppState)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			snapshot = append([]byte{}, val...)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading ledger snapshot: %w", err)
	}
	if snapshot == nil {
		return ledger.NewState(admin), nil
	}
	return ledger.RestoreState(snapshot)
}

// State exposes the authoritative ledger state for read-only queries.
func (app *Application) State() *ledger.State {
	return app.state
}

func (app *Application) SetNodeID(id string) {
	app.nodeID = id
}

// Info implements the ABCI Info method.
func (app *Application) Info(_ context.Context, info *abcitypes.InfoRequest) (*abcitypes.InfoResponse, error) {
	lastBlockHeight := int64(0)
	var lastBlockAppHash []byte

	err := app.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyLastBlockHeight)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}

		err = item.Value(func(val []byte) error {
			lastBlockHeight = bytesToInt64(val)
			return nil
		})
		if err != nil {
			return err
		}

		item, err = txn.Get(keyLastBlockAppHash)
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err == nil {
			err = item.Value(func(val []byte) error {
				lastBlockAppHash = append([]byte{}, val...)
				return nil
			})
			if err != nil {
				return err
			}
		}

		return nil
	})

	if err != nil {
		log.Printf("Error getting last block info: %v", err)
	}

	return &abcitypes.InfoResponse{
		LastBlockHeight:  lastBlockHeight,
		LastBlockAppHash: lastBlockAppHash,
	}, nil
}

// Query implements the ABCI Query method. It answers raw key lookups
// against the Badger archive and transaction receipt lookups through the
// "verify:" prefix.
func (app *Application) Query(_ context.Context, req *abcitypes.QueryRequest) (*abcitypes.QueryResponse, error) {
	if len(req.Data) == 0 {
		return &abcitypes.QueryResponse{
			Code: CodeInvalidFormat,
			Log:  "Empty query data",
		}, nil
	}

	if bytes.HasPrefix(req.Data, []byte("verify:")) {
		txID := req.Data[7:]
		return app.verifyTransaction(txID)
	}

	resp := abcitypes.QueryResponse{Key: req.Data}

	dbErr := app.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(req.Data)
		if err != nil {
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			resp.Log = "key doesn't exist"
			return nil
		}

		return item.Value(func(val []byte) error {
			resp.Log = "exists"
			resp.Value = val
			return nil
		})
	})

	if dbErr != nil {
		log.Printf("Error reading database, unable to execute query: %v", dbErr)
		return &abcitypes.QueryResponse{
			Code: 2,
			Log:  fmt.Sprintf("Database error: %v", dbErr),
		}, nil
	}

	return &resp, nil
}

// verifyTransaction looks up an archived transaction and its result status.
func (app *Application) verifyTransaction(txID []byte) (*abcitypes.QueryResponse, error) {
	var resp abcitypes.QueryResponse

	err := app.badgerDB.View(func(txn *badger.Txn) error {
		txKey := append([]byte{}, txKeyPrefix...)
		txKey = append(txKey, txID...)
		item, err := txn.Get(txKey)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				resp.Log = "Transaction not found"
				resp.Code = CodeInvalidFormat
				return nil
			}
			return err
		}

		var txData []byte
		err = item.Value(func(val []byte) error {
			txData = append([]byte{}, val...)
			return nil
		})
		if err != nil {
			return err
		}

		statusKey := append([]byte{}, statusKeyPrefix...)
		statusKey = append(statusKey, txID...)
		item, err = txn.Get(statusKey)
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		status := "unknown"
		if err == nil {
			err = item.Value(func(val []byte) error {
				status = string(val)
				return nil
			})
			if err != nil {
				return err
			}
		}

		resp.Value = txData
		resp.Log = status
		resp.Code = CodeOK
		return nil
	})

	if err != nil {
		resp.Code = 2
		resp.Log = fmt.Sprintf("Database error: %v", err)
	}

	return &resp, nil
}

// CheckTx implements the ABCI CheckTx method. Only structural validation
// happens here; state-dependent preconditions wait for FinalizeBlock so
// every replica judges them against the same state.
func (app *Application) CheckTx(_ context.Context, check *abcitypes.CheckTxRequest) (*abcitypes.CheckTxResponse, error) {
	op, err := ledger.DecodeOperation(check.Tx)
	if err != nil {
		return &abcitypes.CheckTxResponse{
			Code: CodeInvalidFormat,
			Log:  fmt.Sprintf("failed to parse tx on CheckTx: %v", err),
		}, nil
	}
	if err := op.Validate(); err != nil {
		return &abcitypes.CheckTxResponse{
			Code: CodeInvalidFormat,
			Log:  err.Error(),
		}, nil
	}
	return &abcitypes.CheckTxResponse{Code: CodeOK}, nil
}

// InitChain implements the ABCI InitChain method.
func (app *Application) InitChain(_ context.Context, chain *abcitypes.InitChainRequest) (*abcitypes.InitChainResponse, error) {
	return &abcitypes.InitChainResponse{}, nil
}

// PrepareProposal implements the ABCI PrepareProposal method.
func (app *Application) PrepareProposal(_ context.Context, proposal *abcitypes.PrepareProposalRequest) (*abcitypes.PrepareProposalResponse, error) {
	return &abcitypes.PrepareProposalResponse{Txs: proposal.Txs}, nil
}

// ProcessProposal implements the ABCI ProcessProposal method. Blocks
// containing structurally invalid operations are rejected outright.
func (app *Application) ProcessProposal(_ context.Context, proposal *abcitypes.ProcessProposalRequest) (*abcitypes.ProcessProposalResponse, error) {
	for _, txBytes := range proposal.Txs {
		op, err := ledger.DecodeOperation(txBytes)
		if err != nil {
			return &abcitypes.ProcessProposalResponse{
				Status: abcitypes.PROCESS_PROPOSAL_STATUS_REJECT,
			}, nil
		}
		if err := op.Validate(); err != nil {
			return &abcitypes.ProcessProposalResponse{
				Status: abcitypes.PROCESS_PROPOSAL_STATUS_REJECT,
			}, nil
		}
	}
	return &abcitypes.ProcessProposalResponse{
		Status: abcitypes.PROCESS_PROPOSAL_STATUS_ACCEPT,
	}, nil
}

// FinalizeBlock implements the ABCI FinalizeBlock method. Operations are
// applied in block order against the ledger state; a failed precondition
// yields a non-zero result code and leaves the state untouched.
func (app *Application) FinalizeBlock(_ context.Context, req *abcitypes.FinalizeBlockRequest) (*abcitypes.FinalizeBlockResponse, error) {
	var txResults = make([]*abcitypes.ExecTxResult, len(req.Txs))

	app.mu.Lock()
	defer app.mu.Unlock()

	app.onGoingBlock = app.badgerDB.NewTransaction(true)

	for i, txBytes := range req.Txs {
		txResults[i] = app.executeTx(txBytes, req.Height)
	}

	appHash := calculateAppHash(txResults)

	if err := app.onGoingBlock.Set(keyLastBlockHeight, int64ToBytes(req.Height)); err != nil {
		log.Printf("Error storing block height: %v", err)
	}
	if err := app.onGoingBlock.Set(keyLastBlockAppHash, appHash); err != nil {
		log.Printf("Error storing app hash: %v", err)
	}

	snapshot, err := app.state.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshotting ledger state: %w", err)
	}
	if err := app.onGoingBlock.Set(keyAppState, snapshot); err != nil {
		log.Printf("Error storing ledger snapshot: %v", err)
	}

	app.mirrorStats(req.Height)

	return &abcitypes.FinalizeBlockResponse{
		TxResults: txResults,
		AppHash:   appHash,
	}, nil
}

// executeTx applies one transaction and archives it alongside its result.
func (app *Application) executeTx(txBytes []byte, height int64) *abcitypes.ExecTxResult {
	op, err := ledger.DecodeOperation(txBytes)
	if err != nil {
		return &abcitypes.ExecTxResult{
			Code: CodeInvalidFormat,
			Log:  "Invalid transaction format",
		}
	}

	txID := generateTxID(txBytes)

	result, applyErr := app.state.Apply(op)
	if applyErr != nil {
		if app.config.LogAllTxs {
			app.logger.Info("Rejected ledger operation",
				"kind", op.Kind, "caller", op.Caller, "err", applyErr)
		}
		app.archiveTx(txID, txBytes, "rejected: "+applyErr.Error())
		return &abcitypes.ExecTxResult{
			Code: codeForError(applyErr),
			Log:  applyErr.Error(),
		}
	}

	app.archiveTx(txID, txBytes, "committed")
	app.mirrorOperation(op, result, height)

	return &abcitypes.ExecTxResult{
		Code:   CodeOK,
		Data:   []byte(result.TransferID),
		Log:    "committed",
		Events: abciEvents(op, result),
	}
}

// archiveTx stores the raw transaction and its status in the block's write
// batch.
func (app *Application) archiveTx(txID string, rawTx []byte, status string) {
	txKey := append([]byte{}, txKeyPrefix...)
	txKey = append(txKey, []byte(txID)...)
	if err := app.onGoingBlock.Set(txKey, rawTx); err != nil {
		log.Printf("Error storing transaction: %v", err)
	}

	statusKey := append([]byte{}, statusKeyPrefix...)
	statusKey = append(statusKey, []byte(txID)...)
	if err := app.onGoingBlock.Set(statusKey, []byte(status)); err != nil {
		log.Printf("Error storing transaction status: %v", err)
	}
}

// mirrorOperation pushes a committed operation into the relational read
// model. The read model is a cache; mirror failures are logged, never
// propagated into consensus.
func (app *Application) mirrorOperation(op *ledger.Operation, result *ledger.ApplyResult, height int64) {
	if app.repository == nil {
		return
	}

	switch op.Kind {
	case ledger.OpInitiate:
		record, err := app.state.TransferInfo(result.TransferID, op.TimestampMs)
		if err != nil {
			app.logger.Error("Mirroring initiated transfer", "err", err)
			return
		}
		if repoErr := app.repository.SaveTransfer(transferModel(record, height)); repoErr != nil {
			app.logger.Error("Mirroring initiated transfer", "err", repoErr.Detail)
		}
		delta := models.ActivityDelta{
			User:          op.Caller,
			TransfersSent: 1,
			TotalDataSent: op.Initiate.TotalSize,
			ActivityAt:    op.TimestampMs,
		}
		if repoErr := app.repository.AppendActivity(delta); repoErr != nil {
			app.logger.Error("Mirroring sender activity", "err", repoErr.Detail)
		}

	case ledger.OpClaim:
		if repoErr := app.repository.UpdateTransferStatus(op.Claim.TransferID, string(ledger.StatusClaimed), op.TimestampMs); repoErr != nil {
			app.logger.Error("Mirroring claim", "err", repoErr.Detail)
		}
		record, err := app.state.TransferInfo(op.Claim.TransferID, op.TimestampMs)
		if err != nil {
			app.logger.Error("Mirroring claim activity", "err", err)
			return
		}
		delta := models.ActivityDelta{
			User:              op.Caller,
			TransfersReceived: 1,
			TotalDataReceived: record.TotalSize,
			ActivityAt:        op.TimestampMs,
		}
		if repoErr := app.repository.AppendActivity(delta); repoErr != nil {
			app.logger.Error("Mirroring recipient activity", "err", repoErr.Detail)
		}

	case ledger.OpAdminCancel:
		if repoErr := app.repository.UpdateTransferStatus(op.Cancel.TransferID, string(ledger.StatusCancelled), op.TimestampMs); repoErr != nil {
			app.logger.Error("Mirroring cancel", "err", repoErr.Detail)
		}
	}
}

// mirrorStats writes the per-block fee-ledger snapshot into the read model.
func (app *Application) mirrorStats(height int64) {
	if app.repository == nil {
		return
	}
	view := app.state.Stats()
	snap := models.StatsSnapshot{
		BlockHeight:          height,
		TotalTransfers:       view.TotalTransfers,
		TotalDataTransferred: view.TotalDataTransferred,
		CollectedFees:        view.CollectedFees,
		FeeRateBps:           view.FeeRateBps,
		Admin:                view.Admin,
	}
	if repoErr := app.repository.SaveStatsSnapshot(snap); repoErr != nil {
		app.logger.Error("Mirroring stats snapshot", "err", repoErr.Detail)
	}
}

func transferModel(record ledger.FileTransfer, height int64) models.TransferRecord {
	return models.TransferRecord{
		ID:                  record.ID,
		EncryptedLocator:    record.EncryptedLocator,
		MetadataLocator:     record.MetadataLocator,
		Sender:              record.Sender,
		Recipient:           record.Recipient,
		CreatedAt:           record.CreatedAt,
		ExpiresAt:           record.ExpiresAt,
		EncryptionAlgorithm: record.EncryptionAlgorithm,
		Message:             record.Message,
		FileCount:           record.FileCount,
		TotalSize:           record.TotalSize,
		Status:              string(record.Status),
		GasFeePaid:          record.GasFeePaid,
		BlockHeight:         height,
	}
}

// Commit implements the ABCI Commit method.
func (app *Application) Commit(_ context.Context, commit *abcitypes.CommitRequest) (*abcitypes.CommitResponse, error) {
	err := app.onGoingBlock.Commit()
	if err != nil {
		log.Printf("Error committing block: %v", err)
	}

	return &abcitypes.CommitResponse{}, nil
}

// ListSnapshots implements the ABCI ListSnapshots method.
func (app *Application) ListSnapshots(_ context.Context, snapshots *abcitypes.ListSnapshotsRequest) (*abcitypes.ListSnapshotsResponse, error) {
	return &abcitypes.ListSnapshotsResponse{}, nil
}

// OfferSnapshot implements the ABCI OfferSnapshot method.
func (app *Application) OfferSnapshot(_ context.Context, snapshot *abcitypes.OfferSnapshotRequest) (*abcitypes.OfferSnapshotResponse, error) {
	return &abcitypes.OfferSnapshotResponse{}, nil
}

// LoadSnapshotChunk implements the ABCI LoadSnapshotChunk method.
func (app *Application) LoadSnapshotChunk(_ context.Context, chunk *abcitypes.LoadSnapshotChunkRequest) (*abcitypes.LoadSnapshotChunkResponse, error) {
	return &abcitypes.LoadSnapshotChunkResponse{}, nil
}

// ApplySnapshotChunk implements the ABCI ApplySnapshotChunk method.
func (app *Application) ApplySnapshotChunk(_ context.Context, chunk *abcitypes.ApplySnapshotChunkRequest) (*abcitypes.ApplySnapshotChunkResponse, error) {
	return &abcitypes.ApplySnapshotChunkResponse{
		Result: abcitypes.APPLY_SNAPSHOT_CHUNK_RESULT_ACCEPT,
	}, nil
}

// ExtendVote implements the ABCI ExtendVote method.
func (app *Application) ExtendVote(_ context.Context, extend *abcitypes.ExtendVoteRequest) (*abcitypes.ExtendVoteResponse, error) {
	return &abcitypes.ExtendVoteResponse{}, nil
}

// VerifyVoteExtension implements the ABCI VerifyVoteExtension method.
func (app *Application) VerifyVoteExtension(_ context.Context, verify *abcitypes.VerifyVoteExtensionRequest) (*abcitypes.VerifyVoteExtensionResponse, error) {
	return &abcitypes.VerifyVoteExtensionResponse{}, nil
}

// Helper Functions

// codeForError translates a core error into its transaction result code.
func codeForError(err error) uint32 {
	switch {
	case errors.Is(err, ledger.ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ledger.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ledger.ErrInvalidRecipient):
		return CodeInvalidRecipient
	case errors.Is(err, ledger.ErrExpired):
		return CodeExpired
	case errors.Is(err, ledger.ErrInsufficientFee):
		return CodeInsufficientFee
	case errors.Is(err, ledger.ErrAlreadyClaimed):
		return CodeAlreadyClaimed
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return CodeInsufficientBalance
	case errors.Is(err, ledger.ErrRateOutOfBounds):
		return CodeRateOutOfBounds
	case errors.Is(err, ledger.ErrAccessDenied):
		return CodeAccessDenied
	default:
		return CodeInvalidFormat
	}
}

// abciEvents translates the core events of a committed operation into block
// events.
func abciEvents(op *ledger.Operation, result *ledger.ApplyResult) []abcitypes.Event {
	events := []abcitypes.Event{
		{
			Type: "ledger_tx",
			Attributes: []abcitypes.EventAttribute{
				{Key: "request_id", Value: op.RequestID, Index: true},
				{Key: "kind", Value: string(op.Kind), Index: true},
				{Key: "caller", Value: op.Caller, Index: true},
			},
		},
	}

	for _, ev := range result.Events {
		switch e := ev.(type) {
		case ledger.TransferInitiated:
			attrs := []abcitypes.EventAttribute{
				{Key: "transfer_id", Value: e.TransferID, Index: true},
				{Key: "sender", Value: e.Sender, Index: true},
				{Key: "recipient", Value: e.Recipient, Index: true},
				{Key: "encrypted_cid", Value: e.EncryptedCID, Index: false},
				{Key: "file_count", Value: strconv.FormatUint(uint64(e.FileCount), 10), Index: false},
				{Key: "total_size", Value: strconv.FormatUint(e.TotalSize, 10), Index: false},
				{Key: "gas_fee", Value: strconv.FormatUint(e.GasFee, 10), Index: false},
				{Key: "timestamp", Value: strconv.FormatInt(e.Timestamp, 10), Index: false},
			}
			if e.ExpiresAt != nil {
				attrs = append(attrs, abcitypes.EventAttribute{
					Key: "expires_at", Value: strconv.FormatInt(*e.ExpiresAt, 10), Index: false,
				})
			}
			events = append(events, abcitypes.Event{Type: e.EventType(), Attributes: attrs})

		case ledger.TransferClaimed:
			events = append(events, abcitypes.Event{
				Type: e.EventType(),
				Attributes: []abcitypes.EventAttribute{
					{Key: "transfer_id", Value: e.TransferID, Index: true},
					{Key: "recipient", Value: e.Recipient, Index: true},
					{Key: "claimed_at", Value: strconv.FormatInt(e.ClaimedAt, 10), Index: false},
				},
			})

		case ledger.TransferCancelled:
			events = append(events, abcitypes.Event{
				Type: e.EventType(),
				Attributes: []abcitypes.EventAttribute{
					{Key: "transfer_id", Value: e.TransferID, Index: true},
					{Key: "sender", Value: e.Sender, Index: true},
					{Key: "cancelled_at", Value: strconv.FormatInt(e.CancelledAt, 10), Index: false},
				},
			})

		case ledger.GasFeesCollected:
			events = append(events, abcitypes.Event{
				Type: e.EventType(),
				Attributes: []abcitypes.EventAttribute{
					{Key: "transfer_id", Value: e.TransferID, Index: true},
					{Key: "fee_amount", Value: strconv.FormatUint(e.FeeAmount, 10), Index: false},
					{Key: "protocol_fee", Value: strconv.FormatUint(e.ProtocolFee, 10), Index: false},
					{Key: "timestamp", Value: strconv.FormatInt(e.Timestamp, 10), Index: false},
				},
			})
		}
	}

	return events
}

// generateTxID derives the archive key for a raw transaction.
func generateTxID(txBytes []byte) string {
	hash := sha256.Sum256(txBytes)
	return hex.EncodeToString(hash[:])
}

// calculateAppHash hashes the concatenated result data for the block.
func calculateAppHash(txResults []*abcitypes.ExecTxResult) []byte {
	allData := make([]byte, 0)

	for _, result := range txResults {
		allData = append(allData, result.Data...)
	}

	hash := sha256.Sum256(allData)
	return hash[:]
}

// int64ToBytes converts an int64 to bytes.
func int64ToBytes(i int64) []byte {
	buf := make([]byte, 8)

	buf[0] = byte(i >> 56)
	buf[1] = byte(i >> 48)
	buf[2] = byte(i >> 40)
	buf[3] = byte(i >> 32)
	buf[4] = byte(i >> 24)
	buf[5] = byte(i >> 16)
	buf[6] = byte(i >> 8)
	buf[7] = byte(i)

	return buf
}

// bytesToInt64 converts bytes to an int64.
func bytesToInt64(buf []byte) int64 {
	if len(buf) < 8 {
		return 0
	}

	return int64(buf[0])<<56 |
		int64(buf[1])<<48 |
		int64(buf[2])<<40 |
		int64(buf[3])<<32 |
		int64(buf[4])<<24 |
		int64(buf[5])<<16 |
		int64(buf[6])<<8 |
		int64(buf[7])
}
