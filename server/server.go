package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sealdrop/node/app"
	"github.com/sealdrop/node/ledger"
	"github.com/sealdrop/node/repository"
	service_registry "github.com/sealdrop/node/srvreg"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	nm "github.com/cometbft/cometbft/node"
	"github.com/cometbft/cometbft/rpc/client"
	cmthttp "github.com/cometbft/cometbft/rpc/client/http"
	cmtrpc "github.com/cometbft/cometbft/rpc/client/local"
	"github.com/google/uuid"
)

// WebServer handles HTTP requests
type WebServer struct {
	app                *app.Application
	httpAddr           string
	server             *http.Server
	logger             cmtlog.Logger
	node               *nm.Node
	startTime          time.Time
	serviceRegistry    *service_registry.ServiceRegistry
	cometBftHttpClient client.Client
	cometBftRpcClient  *cmtrpc.Local
	repository         *repository.Repository
}

// TransactionStatus represents the consensus status of a transaction
type TransactionStatus struct {
	TxID        string         `json:"tx_id"`
	RequestID   string         `json:"request_id"`
	Status      string         `json:"status"`
	Code        uint32         `json:"code"`
	Log         string         `json:"log,omitempty"`
	BlockHeight int64          `json:"block_height"`
	BlockHash   string         `json:"block_hash,omitempty"`
	ConfirmTime time.Time      `json:"confirm_time"`
	BlockTxs    BlockTxsDetail `json:"block_txs"`
}

// BlockTxsDetail contains the operations within a block
type BlockTxsDetail struct {
	BlockOperations    []ledger.Operation `json:"block_operations"`
	BlockOperationsB64 []string           `json:"block_operations_b64"`
}

// NewWebServer creates a new web server
func NewWebServer(app *app.Application, httpPort string, logger cmtlog.Logger, node *nm.Node, serviceRegistry *service_registry.ServiceRegistry, repository *repository.Repository) (*WebServer, error) {
	mux := http.NewServeMux()

	rpcAddr := fmt.Sprintf("http://localhost:%s", extractPortFromAddress(node.Config().RPC.ListenAddress))
	logger.Info("Connecting to CometBFT RPC", "address", rpcAddr)

	// Create HTTP client without WebSocket
	cometBftHttpClient, err := cmthttp.NewWithClient(
		rpcAddr,
		&http.Client{
			Timeout: 10 * time.Second,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CometBFT client: %w", err)
	}
	err = cometBftHttpClient.Start()
	if err != nil {
		return nil, fmt.Errorf("failed to start CometBFT client: %w", err)
	}

	server := &WebServer{
		app:      app,
		httpAddr: ":" + httpPort,
		server: &http.Server{
			Addr:    ":" + httpPort,
			Handler: mux,
		},
		logger:             logger,
		node:               node,
		startTime:          time.Now(),
		serviceRegistry:    serviceRegistry,
		cometBftHttpClient: cometBftHttpClient,
		cometBftRpcClient:  cmtrpc.New(node),
		repository:         repository,
	}

	// Register routes
	mux.HandleFunc("/", server.handleRoot)
	mux.HandleFunc("/debug", server.handleDebug)
	mux.HandleFunc("/status/", server.handleTransactionStatus)
	mux.HandleFunc("/block/", server.handleBlockInfo)
	// Ledger endpoints
	mux.HandleFunc("/transfer/", server.handleLedgerAPI)
	mux.HandleFunc("/admin/", server.handleLedgerAPI)
	mux.HandleFunc("/stats", server.handleLedgerAPI)
	mux.HandleFunc("/activity/", server.handleLedgerAPI)

	return server, nil
}

// Start starts the web server
func (ws *WebServer) Start() error {
	ws.logger.Info("Starting web server", "addr", ws.httpAddr)
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logger.Error("web server error: ", "err", err)
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the web server
func (ws *WebServer) Shutdown(ctx context.Context) error {
	ws.logger.Info("Shutting down web server")
	return ws.server.Shutdown(ctx)
}

// handleRoot handles the root endpoint which shows node status
func (ws *WebServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/html")

	w.Write([]byte("<h1>Sealdrop Transfer Ledger Node</h1>"))
	w.Write([]byte("<p>Node ID: " + string(ws.node.NodeInfo().ID()) + "</p>"))
	rpcPort := extractPortFromAddress(ws.node.Config().RPC.ListenAddress)
	rpcAddrHtml := fmt.Sprintf("<p>RPC Address: <a href=\"http://localhost:%s\">http://localhost:%s</a>", rpcPort, rpcPort)
	w.Write([]byte(rpcAddrHtml))
}

// handleDebug provides debugging information
func (ws *WebServer) handleDebug(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Collect debug information
	nodeStatus := "online"
	if ws.node.ConsensusReactor().WaitSync() {
		nodeStatus = "syncing"
	}
	if !ws.node.IsListening() {
		nodeStatus = "offline"
	}

	debugInfo := map[string]interface{}{
		"node_id":     string(ws.node.NodeInfo().ID()),
		"node_status": nodeStatus,
		"p2p_address": ws.node.Config().P2P.ListenAddress,
		"rpc_address": ws.node.Config().RPC.ListenAddress,
		"uptime":      time.Since(ws.startTime).String(),
	}

	// Get CometBFT status
	status, err := ws.cometBftRpcClient.Status(context.Background())
	outboundPeers, inboundPeers, dialingPeers := ws.node.Switch().NumPeers()
	debugInfo["num_peers_out"] = outboundPeers
	debugInfo["num_peers_in"] = inboundPeers
	debugInfo["num_peers_dialing"] = dialingPeers
	if err != nil {
		debugInfo["cometbft_error"] = err.Error()
	} else {
		debugInfo["node_status"] = "online"
		debugInfo["latest_block_height"] = status.SyncInfo.LatestBlockHeight
		debugInfo["latest_block_time"] = status.SyncInfo.LatestBlockTime
		debugInfo["catching_up"] = status.SyncInfo.CatchingUp
	}

	// Add ABCI info
	abciInfo, err := ws.cometBftRpcClient.ABCIInfo(context.Background())
	if err != nil {
		debugInfo["abci_error"] = err.Error()
	} else {
		debugInfo["abci_version"] = abciInfo.Response.Version
		debugInfo["app_version"] = abciInfo.Response.AppVersion
		debugInfo["last_block_height"] = abciInfo.Response.LastBlockHeight
		debugInfo["last_block_app_hash"] = fmt.Sprintf("%X", abciInfo.Response.LastBlockAppHash)
	}

	// Return as JSON
	w.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(debugInfo); err != nil {
		JSONError(w, "Error encoding response: "+err.Error(), http.StatusInternalServerError)
		return
	}
}

// handleTransactionStatus returns the status of a transaction
func (ws *WebServer) handleTransactionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Extract transaction ID from URL
	pathParts := strings.Split(r.URL.Path, "/")
	if len(pathParts) != 3 || pathParts[1] != "status" {
		JSONError(w, "Invalid transaction ID", http.StatusBadRequest)
		return
	}

	txID := pathParts[2]

	// Check transaction status
	status, err := ws.checkTransactionStatus(txID)
	if err != nil {
		JSONError(w, "Error checking transaction status: "+err.Error(), http.StatusInternalServerError)
		return
	}

	if status == nil {
		JSONError(w, "Transaction not found", http.StatusNotFound)
		return
	}

	// Return status as JSON
	w.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	err = encoder.Encode(status)
	if err != nil {
		JSONError(w, "Error encoding response: "+err.Error(), http.StatusInternalServerError)
		return
	}
}

// handleLedgerAPI routes transfer ledger requests through the service
// registry. Each request gets a unique ID; for mutating operations that ID
// also seeds the deterministic transfer ID.
func (ws *WebServer) handleLedgerAPI(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()

	request, err := service_registry.ConvertHttpRequestToConsensusRequest(r, requestID)
	if err != nil {
		JSONError(w, "Failed to convert request: "+err.Error(), http.StatusUnprocessableEntity)
		ws.logger.Error("Failed to convert HTTP request", "err", err)
		return
	}

	response, err := request.GenerateResponse(ws.serviceRegistry)
	if response == nil {
		JSONError(w, "Failed to generate response: "+err.Error(), http.StatusInternalServerError)
		ws.logger.Error("Failed to generate response", "err", err)
		return
	}
	if err != nil {
		ws.logger.Info("Request rejected", "path", request.Path, "err", err.Error())
	}

	for key, value := range response.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(response.StatusCode)
	w.Write([]byte(response.Body))

	ws.logger.Info("=== Req-Res Pair Result ===",
		"path", request.Path,
		"method", request.Method,
		"request_id", requestID,
		"status", response.StatusCode,
	)
}

// checkTransactionStatus checks the status of a transaction in the blockchain
func (ws *WebServer) checkTransactionStatus(txID string) (*TransactionStatus, error) {
	// Query the blockchain for the transaction
	query := fmt.Sprintf("tx.hash='%s'", txID)
	res, err := ws.cometBftRpcClient.TxSearch(context.Background(), query, false, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("error searching for transaction: %w", err)
	}

	if len(res.Txs) == 0 {
		return nil, nil // Transaction not found
	}

	tx := res.Txs[0]

	// Parse the transaction
	op, err := ledger.DecodeOperation(tx.Tx)
	if err != nil {
		return nil, fmt.Errorf("error parsing transaction: %w", err)
	}

	status := "committed"
	if tx.TxResult.Code != app.CodeOK {
		status = "rejected"
	}

	block, err := ws.cometBftRpcClient.Block(context.Background(), &tx.Height)
	if err != nil {
		return nil, fmt.Errorf("error getting block: %w", err)
	}

	var blockOperationsB64 []string
	var blockOperations []ledger.Operation
	for _, blockTx := range block.Block.Txs {
		b64Tx := base64.StdEncoding.EncodeToString(blockTx)
		blockOperationsB64 = append(blockOperationsB64, b64Tx)

		parsedOp, err := ledger.DecodeOperation(blockTx)
		if err != nil {
			ws.logger.Error("Failed to parse transaction", "err", err)
			continue
		}
		blockOperations = append(blockOperations, *parsedOp)
	}

	// Create transaction status
	txStatus := &TransactionStatus{
		TxID:        txID,
		RequestID:   op.RequestID,
		Status:      status,
		Code:        tx.TxResult.Code,
		Log:         tx.TxResult.Log,
		BlockHeight: tx.Height,
		BlockHash:   fmt.Sprintf("%X", block.BlockID.Hash),
		ConfirmTime: block.Block.Time,
		BlockTxs: BlockTxsDetail{
			BlockOperations:    blockOperations,
			BlockOperationsB64: blockOperationsB64,
		},
	}

	return txStatus, nil
}

// handleBlockInfo returns block information for a given height
func (ws *WebServer) handleBlockInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Extract block height from URL
	pathParts := strings.Split(r.URL.Path, "/")
	if len(pathParts) != 3 || pathParts[1] != "block" {
		JSONError(w, "Invalid block height", http.StatusBadRequest)
		return
	}

	heightStr := pathParts[2]
	height, err := strconv.ParseInt(heightStr, 10, 64)
	if err != nil {
		JSONError(w, "Invalid block height format", http.StatusBadRequest)
		return
	}

	// Get block info from the blockchain
	block, err := ws.cometBftRpcClient.Block(context.Background(), &height)
	if err != nil {
		JSONError(w, "Error fetching block: "+err.Error(), http.StatusInternalServerError)
		return
	}

	if block.Block == nil {
		JSONError(w, "Block not found", http.StatusNotFound)
		return
	}

	// Parse operations in the block
	var operations []ledger.Operation
	var operationsB64 []string
	for _, tx := range block.Block.Txs {
		// Add base64 version
		b64Tx := base64.StdEncoding.EncodeToString(tx)
		operationsB64 = append(operationsB64, b64Tx)

		// Parse and add structured version if possible
		parsedOp, err := ledger.DecodeOperation(tx)
		if err == nil {
			operations = append(operations, *parsedOp)
		}
	}

	// Create block info response
	blockInfo := struct {
		Height          int64              `json:"height"`
		Hash            string             `json:"hash"`
		Time            time.Time          `json:"time"`
		NumTxs          int                `json:"num_txs"`
		Operations      []ledger.Operation `json:"operations"`
		OperationsB64   []string           `json:"operations_b64"`
		ProposerAddress string             `json:"proposer_address"`
	}{
		Height:          block.Block.Height,
		Hash:            fmt.Sprintf("%X", block.BlockID.Hash),
		Time:            block.Block.Time,
		NumTxs:          len(block.Block.Txs),
		Operations:      operations,
		OperationsB64:   operationsB64,
		ProposerAddress: fmt.Sprintf("%X", block.Block.ProposerAddress),
	}

	// Return as JSON
	w.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(blockInfo); err != nil {
		JSONError(w, "Error encoding response: "+err.Error(), http.StatusInternalServerError)
		return
	}
}

// extractPortFromAddress extracts the port from an address string
func extractPortFromAddress(address string) string {
	for i := len(address) - 1; i >= 0; i-- {
		if address[i] == ':' {
			return address[i+1:]
		}
	}
	return ""
}

// JSONError sends a JSON formatted error response with the given status code and message
func JSONError(w http.ResponseWriter, message string, statusCode int) {
	errorResponse := struct {
		Error string `json:"error"`
	}{
		Error: message,
	}
	jsonBytes, err := json.Marshal(errorResponse)
	if err != nil {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal server error"))
		return
	}

	// Set content type and status code
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	// Write JSON response
	w.Write(jsonBytes)
}
