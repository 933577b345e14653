package mpesaclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, tokenCalls *int32, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(tokenCalls, 1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok", "expires_in": "3599"})
	})
	mux.HandleFunc("/", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestInitiateSTKPushSendsDarajaPayload(t *testing.T) {
	var tokenCalls int32
	var got STKPushRequest
	srv := newTestServer(t, &tokenCalls, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/mpesa/stkpush/v1/processrequest", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(STKPushResponse{
			MerchantRequestID: "29115-34620561-1",
			CheckoutRequestID: "ws_CO_191220191020363925",
			ResponseCode:      "0",
		})
	})

	c := NewClient(srv.URL, "key", "secret", "174379", "passkey", "https://example.com/webhooks/mpesa")
	c.now = func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }

	resp, err := c.InitiateSTKPush(context.Background(), "0712345678", 100, "ABCDEF123456", "Donation")
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_191220191020363925", resp.CheckoutRequestID)

	assert.Equal(t, "20240301120000", got.Timestamp)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("174379passkey20240301120000")), got.Password)
	assert.Equal(t, "254712345678", got.PartyA)
	assert.Equal(t, "254712345678", got.PhoneNumber)
	assert.Equal(t, int64(100), got.Amount)
	assert.Equal(t, "CustomerPayBillOnline", got.TransactionType)

	_, err = c.InitiateSTKPush(context.Background(), "0712345678", 100, "ABCDEF123456", "Donation")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokenCalls), "token should be cached")
}

func TestInitiateSTKPushSurfacesAPIErrors(t *testing.T) {
	var tokenCalls int32
	srv := newTestServer(t, &tokenCalls, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"requestId":"1","errorCode":"400.002.02","errorMessage":"Bad Request - Invalid PhoneNumber"}`))
	})

	c := NewClient(srv.URL, "key", "secret", "174379", "passkey", "https://example.com/cb")
	_, err := c.InitiateSTKPush(context.Background(), "12", 10, "REF", "Donation")
	require.Error(t, err)

	var apiErr *ErrorResponse
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "400.002.02", apiErr.ErrorCode)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestQuerySTKPushInProgress(t *testing.T) {
	var tokenCalls int32
	srv := newTestServer(t, &tokenCalls, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"requestId":"1","errorCode":"500.001.1001","errorMessage":"The transaction is being processed"}`))
	})

	c := NewClient(srv.URL, "key", "secret", "174379", "passkey", "https://example.com/cb")
	_, err := c.QuerySTKPush(context.Background(), "ws_CO_1")
	assert.ErrorIs(t, err, ErrTransactionInProgress)
}

func TestParseCallbackSuccess(t *testing.T) {
	raw := []byte(`{"Body":{"stkCallback":{"MerchantRequestID":"29115-34620561-1","CheckoutRequestID":"ws_CO_191220191020363925","ResultCode":0,"ResultDesc":"The service request is processed successfully.","CallbackMetadata":{"Item":[{"Name":"Amount","Value":1.00},{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"},{"Name":"TransactionDate","Value":20191219102115},{"Name":"PhoneNumber","Value":254708374149}]}}}}`)

	cb, err := ParseCallback(raw)
	require.NoError(t, err)
	assert.Equal(t, 0, cb.ResultCode)
	assert.Equal(t, "NLJ7RT61SV", cb.Metadata("MpesaReceiptNumber"))
	assert.Equal(t, "20191219102115", cb.Metadata("TransactionDate"))
	assert.Equal(t, "254708374149", cb.Metadata("PhoneNumber"))
	assert.Equal(t, "", cb.Metadata("Balance"))
}

func TestParseCallbackRejectsMissingCheckoutID(t *testing.T) {
	_, err := ParseCallback([]byte(`{"Body":{"stkCallback":{"ResultCode":1032}}}`))
	assert.Error(t, err)
}

func TestAccountReferenceAndPhone(t *testing.T) {
	assert.Equal(t, "3F2504E04F89", AccountReference("3f2504e0-4f89-11d3-9a0c-0305e82c3301"))
	assert.Equal(t, "254712345678", NormalizePhone("+254 712 345 678"))
	assert.Equal(t, "254712345678", NormalizePhone("712345678"))
}
