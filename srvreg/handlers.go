package srvreg

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sealdrop/node/app"
	"github.com/sealdrop/node/ledger"
	"github.com/sealdrop/node/repository"
)

var defaultHeaders = map[string]string{"Content-Type": "application/json"}

// statusForCode maps a ledger result code to an HTTP status.
func statusForCode(code uint32) int {
	switch code {
	case app.CodeOK:
		return http.StatusOK
	case app.CodeUnauthorized, app.CodeAccessDenied:
		return http.StatusForbidden
	case app.CodeNotFound:
		return http.StatusNotFound
	case app.CodeExpired, app.CodeAlreadyClaimed:
		return http.StatusConflict
	case app.CodeInvalidFormat, app.CodeInvalidRecipient, app.CodeInsufficientFee, app.CodeRateOutOfBounds:
		return http.StatusBadRequest
	case app.CodeInsufficientBalance:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

func consensusErrorResponse(dbErr *repository.RepositoryError) (*Response, error) {
	switch dbErr.Code {
	case "CONSENSUS_TIMEOUT":
		return &Response{
			StatusCode: http.StatusGatewayTimeout,
			Headers:    defaultHeaders,
			Body:       fmt.Sprintf(`{"error":"%s"}`, dbErr.Message),
		}, fmt.Errorf("consensus timeout: %s", dbErr.Detail)
	default:
		return &Response{
			StatusCode: http.StatusInternalServerError,
			Headers:    defaultHeaders,
			Body:       fmt.Sprintf(`{"error":"%s"}`, dbErr.Message),
		}, fmt.Errorf("consensus error: %s", dbErr.Detail)
	}
}

type initiateTransferHandlerBody struct {
	Sender              string                  `json:"sender"`
	Recipient           string                  `json:"recipient"`
	EncryptedLocator    string                  `json:"encrypted_locator"`
	MetadataLocator     string                  `json:"metadata_locator"`
	SealPublicKey       []byte                  `json:"seal_public_key"`
	EncryptionAlgorithm string                  `json:"encryption_algorithm"`
	Message             string                  `json:"message"`
	FileCount           uint32                  `json:"file_count"`
	TotalSize           uint64                  `json:"total_size"`
	TTLHours            *uint64                 `json:"ttl_hours"`
	Access              *ledger.AccessCondition `json:"access_condition"`
	GasPayment          uint64                  `json:"gas_payment"`
}

// InitiateTransferHandler records a new pending transfer through consensus.
func (sr *ServiceRegistry) InitiateTransferHandler(req *Request) (*Response, error) {
	var body initiateTransferHandlerBody
	err := json.Unmarshal([]byte(req.Body), &body)
	if err != nil {
		sr.logger.Info("Failed to parse body", "error", err.Error())
		return &Response{
			StatusCode: http.StatusUnprocessableEntity,
			Headers:    defaultHeaders,
			Body:       fmt.Sprintf(`{"error":"Invalid body format: %s"}`, err.Error()),
		}, fmt.Errorf("invalid body format")
	}

	if body.Sender == "" {
		return &Response{
			StatusCode: http.StatusBadRequest,
			Headers:    defaultHeaders,
			Body:       `{"error":"sender is required"}`,
		}, fmt.Errorf("sender is required")
	}
	if body.Recipient == "" {
		return &Response{
			StatusCode: http.StatusBadRequest,
			Headers:    defaultHeaders,
			Body:       `{"error":"recipient is required"}`,
		}, fmt.Errorf("recipient is required")
	}

	op := &ledger.Operation{
		Kind:        ledger.OpInitiate,
		Caller:      body.Sender,
		RequestID:   req.RequestID,
		TimestampMs: req.Timestamp.UnixMilli(),
		Initiate: &ledger.InitiateOp{
			Recipient:           body.Recipient,
			EncryptedLocator:    body.EncryptedLocator,
			MetadataLocator:     body.MetadataLocator,
			SealPublicKey:       body.SealPublicKey,
			EncryptionAlgorithm: body.EncryptionAlgorithm,
			Message:             body.Message,
			FileCount:           body.FileCount,
			TotalSize:           body.TotalSize,
			TTLHours:            body.TTLHours,
			Access:              body.Access,
			GasPayment:          body.GasPayment,
		},
	}

	result, dbErr := sr.repository.RunConsensus(context.Background(), op)
	if dbErr != nil {
		return consensusErrorResponse(dbErr)
	}

	transferID := ledger.TransferIDFromRequest(req.RequestID)
	sr.repository.RecordReceipt(op, result, transferID)

	if result.Code != app.CodeOK {
		return &Response{
			StatusCode: statusForCode(result.Code),
			Headers:    defaultHeaders,
			Body:       fmt.Sprintf(`{"error":"%s"}`, result.Log),
		}, fmt.Errorf("transfer initiation rejected: %s", result.Log)
	}

	return &Response{
		StatusCode: http.StatusCreated,
		Headers:    defaultHeaders,
		Body: fmt.Sprintf(`{"message":"Transfer initiated","transfer_id":"%s","tx_hash":"%s","block_height":%d}`,
			transferID, result.TxHash, result.BlockHeight),
	}, nil
}

type claimTransferHandlerBody struct {
	Recipient string `json:"recipient"`
}

// ClaimTransferHandler marks a pending transfer claimed by its recipient.
func (sr *ServiceRegistry) ClaimTransferHandler(req *Request) (*Response, error) {
	pathParts := strings.Split(req.Path, "/")
	if len(pathParts) != 4 {
		return &Response{
			StatusCode: http.StatusBadRequest,
			Headers:    defaultHeaders,
			Body:       `{"error":"Invalid path format"}`,
		}, fmt.Errorf("invalid path format")
	}
	transferID := pathParts[2]

	var body claimTransferHandlerBody
	err := json.Unmarshal([]byte(req.Body), &body)
	if err != nil {
		sr.logger.Info("Failed to parse body", "error", err.Error())
		return &Response{
			StatusCode: http.StatusUnprocessableEntity,
			Headers:    defaultHeaders,
			Body:       fmt.Sprintf(`{"error":"Invalid body format: %s"}`, err.Error()),
		}, fmt.Errorf("invalid body format")
	}
	if body.Recipient == "" {
		return &Response{
			StatusCode: http.StatusBadRequest,
			Headers:    defaultHeaders,
			Body:       `{"error":"recipient is required"}`,
		}, fmt.Errorf("recipient is required")
	}

	op := &ledger.Operation{
		Kind:        ledger.OpClaim,
		Caller:      body.Recipient,
		RequestID:   req.RequestID,
		TimestampMs: req.Timestamp.UnixMilli(),
		Claim:       &ledger.ClaimOp{TransferID: transferID},
	}

	result, dbErr := sr.repository.RunConsensus(context.Background(), op)
	if dbErr != nil {
		return consensusErrorResponse(dbErr)
	}
	sr.repository.RecordReceipt(op, result, transferID)

	if result.Code != app.CodeOK {
		return &Response{
			StatusCode: statusForCode(result.Code),
			Headers:    defaultHeaders,
			Body:       fmt.Sprintf(`{"error":"%s"}`, result.Log),
		}, fmt.Errorf("claim rejected: %s", result.Log)
	}

	return &Response{
		StatusCode: http.StatusOK,
		Headers:    defaultHeaders,
		Body: fmt.Sprintf(`{"message":"Transfer claimed","transfer_id":"%s","tx_hash":"%s","block_height":%d}`,
			transferID, result.TxHash, result.BlockHeight),
	}, nil
}

type cancelTransferHandlerBody struct {
	Admin string `json:"admin"`
}

// CancelTransferHandler voids a transfer record. Admin only; the gas fee
// stays collected.
func (sr *ServiceRegistry) CancelTransferHandler(req *Request) (*Response, error) {
	pathParts := strings.Split(req.Path, "/")
	if len(pathParts) != 4 {
		return &Response{
			StatusCode: http.StatusBadRequest,
			Headers:    defaultHeaders,
			Body:       `{"error":"Invalid path format"}`,
		}, fmt.Errorf("invalid path format")
	}
	transferID := pathParts[2]

	var body cancelTransferHandlerBody
	err := json.Unmarshal([]byte(req.Body), &body)
	if err != nil {
		sr.logger.Info("Failed to parse body", "error", err.Error())
		return &Response{
			StatusCode: http.StatusUnprocessableEntity,
			Headers:    defaultHeaders,
			Body:       fmt.Sprintf(`{"error":"Invalid body format: %s"}`, err.Error()),
		}, fmt.Errorf("invalid body format")
	}
	if body.Admin == "" {
		return &Response{
			StatusCode: http.StatusBadRequest,
			Headers:    defaultHeaders,
			Body:       `{"error":"admin is required"}`,
		}, fmt.Errorf("admin is required")
	}

	op := &ledger.Operation{
		Kind:        ledger.OpAdminCancel,
		Caller:      body.Admin,
		RequestID:   req.RequestID,
		TimestampMs: req.Timestamp.UnixMilli(),
		Cancel:      &ledger.CancelOp{TransferID: transferID},
	}

	result, dbErr := sr.repository.RunConsensus(context.Background(), op)
	if dbErr != nil {
		return consensusErrorResponse(dbErr)
	}
	sr.repository.RecordReceipt(op, result, transferID)

	if result.Code != app.CodeOK {
		return &Response{
			StatusCode: statusForCode(result.Code),
			Headers:    defaultHeaders,
			Body:       fmt.Sprintf(`{"error":"%s"}`, result.Log),
		}, fmt.Errorf("cancel rejected: %s", result.Log)
	}

	return &Response{
		StatusCode: http.StatusOK,
		Headers:    defaultHeaders,
		Body: fmt.Sprintf(`{"message":"Transfer cancelled","transfer_id":"%s","tx_hash":"%s","block_height":%d}`,
			transferID, result.TxHash, result.BlockHeight),
	}, nil
}

type setFeeRateHandlerBody struct {
	Admin      string `json:"admin"`
	NewRateBps uint64 `json:"new_rate_bps"`
}

// SetFeeRateHandler updates the protocol fee rate in basis points.
func (sr *ServiceRegistry) SetFeeRateHandler(req *Request) (*Response, error) {
	var body setFeeRateHandlerBody
	err := json.Unmarshal([]byte(req.Body), &body)
	if err != nil {
		sr.logger.Info("Failed to parse body", "error", err.Error())
		return &Response{
			StatusCode: http.StatusUnprocessableEntity,
			Headers:    defaultHeaders,
			Body:       fmt.Sprintf(`{"error":"Invalid body format: %s"}`, err.Error()),
		}, fmt.Errorf("invalid body format")
	}
	if body.Admin == "" {
		return &Response{
			StatusCode: http.StatusBadRequest,
			Headers:    defaultHeaders,
			Body:       `{"error":"admin is required"}`,
		}, fmt.Errorf("admin is required")
	}

	op := &ledger.Operation{
		Kind:        ledger.OpSetFeeRate,
		Caller:      body.Admin,
		RequestID:   req.RequestID,
		TimestampMs: req.Timestamp.UnixMilli(),
		FeeRate:     &ledger.FeeRateOp{NewRateBps: body.NewRateBps},
	}

	result, dbErr := sr.repository.RunConsensus(context.Background(), op)
	if dbErr != nil {
		return consensusErrorResponse(dbErr)
	}
	sr.repository.RecordReceipt(op, result, "")

	if result.Code != app.CodeOK {
		return &Response{
			StatusCode: statusForCode(result.Code),
			Headers:    defaultHeaders,
			Body:       fmt.Sprintf(`{"error":"%s"}`, result.Log),
		}, fmt.Errorf("fee rate update rejected: %s", result.Log)
	}

	return &Response{
		StatusCode: http.StatusOK,
		Headers:    defaultHeaders,
		Body:       fmt.Sprintf(`{"message":"Fee rate updated","new_rate_bps":%d,"tx_hash":"%s"}`, body.NewRateBps, result.TxHash),
	}, nil
}

type withdrawFeesHandlerBody struct {
	Admin  string `json:"admin"`
	Amount uint64 `json:"amount"`
}

// WithdrawFeesHandler moves collected fees out of the protocol escrow.
func (sr *ServiceRegistry) WithdrawFeesHandler(req *Request) (*Response, error) {
	var body withdrawFeesHandlerBody
	err := json.Unmarshal([]byte(req.Body), &body)
	if err != nil {
		sr.logger.Info("Failed to parse body", "error", err.Error())
		return &Response{
			StatusCode: http.StatusUnprocessableEntity,
			Headers:    defaultHeaders,
			Body:       fmt.Sprintf(`{"error":"Invalid body format: %s"}`, err.Error()),
		}, fmt.Errorf("invalid body format")
	}
	if body.Admin == "" {
		return &Response{
			StatusCode: http.StatusBadRequest,
			Headers:    defaultHeaders,
			Body:       `{"error":"admin is required"}`,
		}, fmt.Errorf("admin is required")
	}
	if body.Amount == 0 {
		return &Response{
			StatusCode: http.StatusBadRequest,
			Headers:    defaultHeaders,
			Body:       `{"error":"amount must be greater than zero"}`,
		}, fmt.Errorf("amount must be greater than zero")
	}

	op := &ledger.Operation{
		Kind:        ledger.OpWithdrawFees,
		Caller:      body.Admin,
		RequestID:   req.RequestID,
		TimestampMs: req.Timestamp.UnixMilli(),
		Withdraw:    &ledger.WithdrawOp{Amount: body.Amount},
	}

	result, dbErr := sr.repository.RunConsensus(context.Background(), op)
	if dbErr != nil {
		return consensusErrorResponse(dbErr)
	}
	sr.repository.RecordReceipt(op, result, "")

	if result.Code != app.CodeOK {
		return &Response{
			StatusCode: statusForCode(result.Code),
			Headers:    defaultHeaders,
			Body:       fmt.Sprintf(`{"error":"%s"}`, result.Log),
		}, fmt.Errorf("withdrawal rejected: %s", result.Log)
	}

	return &Response{
		StatusCode: http.StatusOK,
		Headers:    defaultHeaders,
		Body:       fmt.Sprintf(`{"message":"Fees withdrawn","amount":%d,"tx_hash":"%s"}`, body.Amount, result.TxHash),
	}, nil
}

// TransferInfoHandler returns the public view of a transfer record. The
// status it reports reflects expiry even before a block touches the record.
func (sr *ServiceRegistry) TransferInfoHandler(req *Request) (*Response, error) {
	pathParts := strings.Split(req.Path, "/")
	if len(pathParts) != 3 {
		return &Response{
			StatusCode: http.StatusBadRequest,
			Headers:    defaultHeaders,
			Body:       `{"error":"Invalid path format"}`,
		}, fmt.Errorf("invalid path format")
	}
	transferID := pathParts[2]

	record, err := sr.state.TransferInfo(transferID, time.Now().UnixMilli())
	if err != nil {
		return &Response{
			StatusCode: http.StatusNotFound,
			Headers:    defaultHeaders,
			Body:       fmt.Sprintf(`{"error":"transfer %s not found"}`, transferID),
		}, err
	}

	recordJSON, err := json.Marshal(record)
	if err != nil {
		return &Response{
			StatusCode: http.StatusInternalServerError,
			Headers:    defaultHeaders,
			Body:       `{"error":"Failed to serialize transfer"}`,
		}, err
	}

	return &Response{
		StatusCode: http.StatusOK,
		Headers:    defaultHeaders,
		Body:       string(recordJSON),
	}, nil
}

// SealInfoHandler returns the decryption metadata of a transfer. Only the
// sender and the recipient may read it; the caller identity comes from the
// "caller" query parameter.
func (sr *ServiceRegistry) SealInfoHandler(req *Request) (*Response, error) {
	pathParts := strings.Split(req.Path, "/")
	if len(pathParts) != 4 {
		return &Response{
			StatusCode: http.StatusBadRequest,
			Headers:    defaultHeaders,
			Body:       `{"error":"Invalid path format"}`,
		}, fmt.Errorf("invalid path format")
	}
	transferID := pathParts[2]

	caller := req.Query["caller"]
	if caller == "" {
		return &Response{
			StatusCode: http.StatusBadRequest,
			Headers:    defaultHeaders,
			Body:       `{"error":"caller query parameter is required"}`,
		}, fmt.Errorf("caller query parameter is required")
	}

	seal, err := sr.state.SealInfo(transferID, caller)
	if err != nil {
		if err == ledger.ErrUnauthorized {
			return &Response{
				StatusCode: http.StatusForbidden,
				Headers:    defaultHeaders,
				Body:       `{"error":"caller is not a party to this transfer"}`,
			}, err
		}
		return &Response{
			StatusCode: http.StatusNotFound,
			Headers:    defaultHeaders,
			Body:       fmt.Sprintf(`{"error":"transfer %s not found"}`, transferID),
		}, err
	}

	sealJSON, err := json.Marshal(seal)
	if err != nil {
		return &Response{
			StatusCode: http.StatusInternalServerError,
			Headers:    defaultHeaders,
			Body:       `{"error":"Failed to serialize seal info"}`,
		}, err
	}

	return &Response{
		StatusCode: http.StatusOK,
		Headers:    defaultHeaders,
		Body:       string(sealJSON),
	}, nil
}

// CanClaimHandler reports whether a user could claim a transfer right now.
// An optional "now" query parameter (Unix milliseconds) overrides the clock.
func (sr *ServiceRegistry) CanClaimHandler(req *Request) (*Response, error) {
	pathParts := strings.Split(req.Path, "/")
	if len(pathParts) != 4 {
		return &Response{
			StatusCode: http.StatusBadRequest,
			Headers:    defaultHeaders,
			Body:       `{"error":"Invalid path format"}`,
		}, fmt.Errorf("invalid path format")
	}
	transferID := pathParts[2]

	user := req.Query["user"]
	if user == "" {
		return &Response{
			StatusCode: http.StatusBadRequest,
			Headers:    defaultHeaders,
			Body:       `{"error":"user query parameter is required"}`,
		}, fmt.Errorf("user query parameter is required")
	}

	nowMs := time.Now().UnixMilli()
	if rawNow := req.Query["now"]; rawNow != "" {
		parsed, err := strconv.ParseInt(rawNow, 10, 64)
		if err != nil {
			return &Response{
				StatusCode: http.StatusBadRequest,
				Headers:    defaultHeaders,
				Body:       `{"error":"now must be a Unix millisecond timestamp"}`,
			}, fmt.Errorf("invalid now parameter")
		}
		nowMs = parsed
	}

	claimable := sr.state.CanClaim(transferID, user, nowMs)
	return &Response{
		StatusCode: http.StatusOK,
		Headers:    defaultHeaders,
		Body:       fmt.Sprintf(`{"transfer_id":"%s","user":"%s","can_claim":%t}`, transferID, user, claimable),
	}, nil
}

// ProtocolStatsHandler returns the fee-ledger projection.
func (sr *ServiceRegistry) ProtocolStatsHandler(req *Request) (*Response, error) {
	stats := sr.state.Stats()
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return &Response{
			StatusCode: http.StatusInternalServerError,
			Headers:    defaultHeaders,
			Body:       `{"error":"Failed to serialize stats"}`,
		}, err
	}

	return &Response{
		StatusCode: http.StatusOK,
		Headers:    defaultHeaders,
		Body:       string(statsJSON),
	}, nil
}

// UserActivityHandler returns a user's aggregated transfer activity from
// the read model, falling back to the in-memory log when the database is
// unavailable.
func (sr *ServiceRegistry) UserActivityHandler(req *Request) (*Response, error) {
	pathParts := strings.Split(req.Path, "/")
	if len(pathParts) != 3 {
		return &Response{
			StatusCode: http.StatusBadRequest,
			Headers:    defaultHeaders,
			Body:       `{"error":"Invalid path format"}`,
		}, fmt.Errorf("invalid path format")
	}
	user := pathParts[2]

	totals, dbErr := sr.repository.ActivitySummary(user)
	if dbErr != nil {
		sr.logger.Info("Activity read model unavailable", "error", dbErr.Detail)
		summary := sr.state.ActivitySummary(user)
		summaryJSON, err := json.Marshal(summary)
		if err != nil {
			return &Response{
				StatusCode: http.StatusInternalServerError,
				Headers:    defaultHeaders,
				Body:       `{"error":"Failed to serialize activity"}`,
			}, err
		}
		return &Response{
			StatusCode: http.StatusOK,
			Headers:    defaultHeaders,
			Body:       string(summaryJSON),
		}, nil
	}

	summary := ledger.ActivitySummary{
		User:              totals.User,
		TransfersSent:     totals.TransfersSent,
		TransfersReceived: totals.TransfersReceived,
		TotalDataSent:     totals.TotalDataSent,
		TotalDataReceived: totals.TotalDataReceived,
		LastActivity:      totals.LastActivity,
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return &Response{
			StatusCode: http.StatusInternalServerError,
			Headers:    defaultHeaders,
			Body:       `{"error":"Failed to serialize activity"}`,
		}, err
	}

	return &Response{
		StatusCode: http.StatusOK,
		Headers:    defaultHeaders,
		Body:       string(summaryJSON),
	}, nil
}
