package srvreg

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealdrop/node/app"
	"github.com/sealdrop/node/ledger"
)

func TestMatchPath(t *testing.T) {
	assert.True(t, matchPath("/transfer/:id", "/transfer/TRF-123"))
	assert.True(t, matchPath("/transfer/:id/claim", "/transfer/TRF-123/claim"))
	assert.True(t, matchPath("/activity/:user", "/activity/alice"))
	assert.False(t, matchPath("/transfer/:id", "/transfer/TRF-123/claim"))
	assert.False(t, matchPath("/transfer/:id/claim", "/transfer/TRF-123/cancel"))
	assert.False(t, matchPath("/transfer/:id/claim", "/other/TRF-123/claim"))
}

func TestGetHandlerForPath(t *testing.T) {
	sr := NewServiceRegistry(nil, ledger.NewState("admin"), cmtlog.NewNopLogger())
	var hit string
	sr.RegisterHandler("POST", "/transfer/initiate", true, func(*Request) (*Response, error) {
		hit = "initiate"
		return &Response{StatusCode: http.StatusOK}, nil
	})
	sr.RegisterHandler("POST", "/transfer/:id/claim", false, func(*Request) (*Response, error) {
		hit = "claim"
		return &Response{StatusCode: http.StatusOK}, nil
	})

	handler, found := sr.GetHandlerForPath("POST", "/transfer/initiate")
	require.True(t, found)
	handler(&Request{})
	assert.Equal(t, "initiate", hit)

	handler, found = sr.GetHandlerForPath("post", "/transfer/TRF-abc/claim")
	require.True(t, found)
	handler(&Request{})
	assert.Equal(t, "claim", hit)

	_, found = sr.GetHandlerForPath("GET", "/transfer/initiate")
	assert.False(t, found)
	_, found = sr.GetHandlerForPath("POST", "/nothing/here")
	assert.False(t, found)
}

func TestConvertHttpRequestToConsensusRequest(t *testing.T) {
	httpReq := httptest.NewRequest(
		http.MethodPost,
		"/transfer/TRF-abc/can-claim?user=alice&now=42",
		strings.NewReader("{\n  \"recipient\": \"alice\"\n}"),
	)
	httpReq.Header.Set("Content-Type", "application/json")

	req, err := ConvertHttpRequestToConsensusRequest(httpReq, "req-id-1")
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/transfer/TRF-abc/can-claim", req.Path)
	assert.Equal(t, "req-id-1", req.RequestID)
	assert.Equal(t, "alice", req.Query["user"])
	assert.Equal(t, "42", req.Query["now"])
	assert.Equal(t, "application/json", req.Headers["Content-Type"])
	// JSON bodies are compacted before entering consensus.
	assert.Equal(t, `{"recipient":"alice"}`, req.Body)
}

func TestStatusForCode(t *testing.T) {
	cases := map[uint32]int{
		app.CodeOK:                  http.StatusOK,
		app.CodeUnauthorized:        http.StatusForbidden,
		app.CodeAccessDenied:        http.StatusForbidden,
		app.CodeNotFound:            http.StatusNotFound,
		app.CodeExpired:             http.StatusConflict,
		app.CodeAlreadyClaimed:      http.StatusConflict,
		app.CodeInvalidFormat:       http.StatusBadRequest,
		app.CodeInvalidRecipient:    http.StatusBadRequest,
		app.CodeInsufficientFee:     http.StatusBadRequest,
		app.CodeRateOutOfBounds:     http.StatusBadRequest,
		app.CodeInsufficientBalance: http.StatusPaymentRequired,
	}
	for code, want := range cases {
		assert.Equal(t, want, statusForCode(code))
	}
	assert.Equal(t, http.StatusInternalServerError, statusForCode(99))
}

func TestResponseParseBody(t *testing.T) {
	obj := (&Response{Body: `{"transfer_id":"TRF-abc"}`}).ParseBody()
	parsed, ok := obj.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "TRF-abc", parsed["transfer_id"])

	arr := (&Response{Body: `[1,2,3]`}).ParseBody()
	assert.Len(t, arr, 3)

	assert.Nil(t, (&Response{Body: ""}).ParseBody())
	assert.Nil(t, (&Response{Body: "plain text"}).ParseBody())
}
