/**
 * @description
 * This package provides a client for the Safaricom Daraja (M-Pesa) API. It covers
 * the pieces the donation-service needs: OAuth client-credentials tokens, the
 * Lipa Na M-Pesa Online STK push, and the STK push status query.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 *
 * @notes
 * - Daraja does not sign callbacks. Callers correlate results by CheckoutRequestID.
 * - Tokens are cached until shortly before they expire.
 */
package mpesaclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrTransactionInProgress is returned by QuerySTKPush while the payer has
// not yet answered the prompt.
var ErrTransactionInProgress = errors.New("mpesa transaction is still being processed")

const inProgressErrorCode = "500.001.1001"

// Daraja expects timestamps in East Africa Time.
var eat = time.FixedZone("EAT", 3*60*60)

// Client is a client for the Daraja API.
type Client struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string
	CallbackURL    string
	HTTPClient     *http.Client

	now         func() time.Time
	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates a new Daraja API client.
func NewClient(baseURL, consumerKey, consumerSecret, shortcode, passkey, callbackURL string) *Client {
	return &Client{
		BaseURL:        strings.TrimRight(baseURL, "/"),
		ConsumerKey:    consumerKey,
		ConsumerSecret: consumerSecret,
		Shortcode:      shortcode,
		Passkey:        passkey,
		CallbackURL:    callbackURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		now: time.Now,
	}
}

// STKPushRequest is the payload for `/mpesa/stkpush/v1/processrequest`.
type STKPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// STKPushResponse is Daraja's synchronous acknowledgment of an STK push.
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// STKQueryResponse reports the final result of an STK push.
type STKQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

// ErrorResponse represents an error from the Daraja API.
type ErrorResponse struct {
	StatusCode   int    `json:"-"`
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (e *ErrorResponse) Error() string {
	if e.ErrorCode != "" || e.ErrorMessage != "" {
		return fmt.Sprintf("mpesa api error: %s - %s", e.ErrorCode, e.ErrorMessage)
	}
	return fmt.Sprintf("mpesa api error: status %d", e.StatusCode)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// NormalizePhone converts local formats (07XXXXXXXX, +2547XXXXXXXX) to the
// 2547XXXXXXXX form Daraja requires.
func NormalizePhone(phone string) string {
	p := strings.TrimSpace(phone)
	p = strings.TrimPrefix(p, "+")
	p = strings.ReplaceAll(p, " ", "")
	if strings.HasPrefix(p, "0") && len(p) == 10 {
		return "254" + p[1:]
	}
	if (strings.HasPrefix(p, "7") || strings.HasPrefix(p, "1")) && len(p) == 9 {
		return "254" + p
	}
	return p
}

// AccountReference derives the short reference shown on the payer's phone.
// Daraja truncates anything past 12 characters.
func AccountReference(donationID string) string {
	ref := strings.ToUpper(strings.ReplaceAll(donationID, "-", ""))
	if len(ref) > 12 {
		ref = ref[:12]
	}
	return ref
}

func (c *Client) password(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.Shortcode + c.Passkey + timestamp))
}

func (c *Client) timestamp() string {
	return c.now().In(eat).Format("20060102150405")
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && c.now().Before(c.tokenExpiry) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.SetBasicAuth(c.ConsumerKey, c.ConsumerSecret)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute token request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("level=warn component=mpesa_client op=token status=%d", resp.StatusCode)
		return "", decodeError(resp.StatusCode, bodyBytes)
	}

	var tok tokenResponse
	if err := json.Unmarshal(bodyBytes, &tok); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("mpesa token response missing access_token")
	}

	expiresIn, err := strconv.Atoi(strings.TrimSpace(tok.ExpiresIn))
	if err != nil || expiresIn <= 0 {
		expiresIn = 3599
	}
	// Refresh a minute early so an in-flight request never carries a dead token.
	lifetime := time.Duration(expiresIn)*time.Second - time.Minute
	if lifetime < 0 {
		lifetime = 0
	}

	c.mu.Lock()
	c.token = tok.AccessToken
	c.tokenExpiry = c.now().Add(lifetime)
	c.mu.Unlock()
	return tok.AccessToken, nil
}

// InitiateSTKPush prompts the payer's phone to authorize amount (whole KES).
func (c *Client) InitiateSTKPush(ctx context.Context, phone string, amount int64, accountReference, description string) (*STKPushResponse, error) {
	ts := c.timestamp()
	payer := NormalizePhone(phone)
	payload := STKPushRequest{
		BusinessShortCode: c.Shortcode,
		Password:          c.password(ts),
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount,
		PartyA:            payer,
		PartyB:            c.Shortcode,
		PhoneNumber:       payer,
		CallBackURL:       c.CallbackURL,
		AccountReference:  accountReference,
		TransactionDesc:   description,
	}

	var out STKPushResponse
	if err := c.post(ctx, "stk_push", "/mpesa/stkpush/v1/processrequest", payload, &out); err != nil {
		return nil, err
	}
	if out.ResponseCode != "0" || out.CheckoutRequestID == "" {
		return nil, &ErrorResponse{StatusCode: http.StatusOK, ErrorCode: out.ResponseCode, ErrorMessage: out.ResponseDescription}
	}
	return &out, nil
}

// QuerySTKPush asks Daraja for the result of a previous push.
func (c *Client) QuerySTKPush(ctx context.Context, checkoutRequestID string) (*STKQueryResponse, error) {
	ts := c.timestamp()
	payload := map[string]string{
		"BusinessShortCode": c.Shortcode,
		"Password":          c.password(ts),
		"Timestamp":         ts,
		"CheckoutRequestID": checkoutRequestID,
	}

	var out STKQueryResponse
	if err := c.post(ctx, "stk_query", "/mpesa/stkpushquery/v1/query", payload, &out); err != nil {
		var apiErr *ErrorResponse
		if errors.As(err, &apiErr) && apiErr.ErrorCode == inProgressErrorCode {
			return nil, ErrTransactionInProgress
		}
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, op, path string, payload interface{}, out interface{}) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := decodeError(resp.StatusCode, bodyBytes)
		if resp.StatusCode == http.StatusUnauthorized {
			c.mu.Lock()
			c.token = ""
			c.mu.Unlock()
		}
		log.Printf("level=warn component=mpesa_client op=%s status=%d error_code=%q error_message=%q", op, resp.StatusCode, apiErr.ErrorCode, apiErr.ErrorMessage)
		return apiErr
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

func decodeError(status int, body []byte) *ErrorResponse {
	errResp := &ErrorResponse{}
	if err := json.Unmarshal(body, errResp); err != nil {
		errResp = &ErrorResponse{}
	}
	errResp.StatusCode = status
	return errResp
}
