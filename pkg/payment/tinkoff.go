package payment

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

const tinkoffBaseURL = "https://securepay.tinkoff.ru/v2"

// ErrInvalidSignature marks a notification whose token does not match.
var ErrInvalidSignature = errors.New("payment notification signature mismatch")

// TinkoffClient initiates payments and verifies callbacks against the
// Tinkoff acquiring API.
type TinkoffClient struct {
	terminalKey string
	secretKey   string
	baseURL     string
	httpClient  *http.Client
}

// InitResult is the outcome of creating a payment session.
type InitResult struct {
	PaymentURL string
	PaymentID  string
}

// NewTinkoffClient creates a client for one terminal.
func NewTinkoffClient(terminalKey, secretKey string) (*TinkoffClient, error) {
	if terminalKey == "" || secretKey == "" {
		return nil, errors.New("tinkoff terminal key and secret key are required")
	}
	return &TinkoffClient{
		terminalKey: terminalKey,
		secretKey:   secretKey,
		baseURL:     tinkoffBaseURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// WithBaseURL overrides the API endpoint. Used in tests.
func (c *TinkoffClient) WithBaseURL(baseURL string) *TinkoffClient {
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// Init creates a payment session. Amount is in rubles; the API takes kopecks.
func (c *TinkoffClient) Init(ctx context.Context, orderID string, amountRub int, description string) (*InitResult, error) {
	params := map[string]any{
		"TerminalKey": c.terminalKey,
		"Amount":      amountRub * 100,
		"OrderId":     orderID,
		"Description": description,
	}
	params["Token"] = c.signParams(params)

	var resp struct {
		Success    bool   `json:"Success"`
		PaymentURL string `json:"PaymentURL"`
		PaymentID  string `json:"PaymentId"`
		ErrorCode  string `json:"ErrorCode"`
		Message    string `json:"Message"`
		Details    string `json:"Details"`
	}
	if err := c.doJSON(ctx, "/Init", params, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("tinkoff init failed: code=%s %s %s", resp.ErrorCode, resp.Message, resp.Details)
	}
	return &InitResult{PaymentURL: resp.PaymentURL, PaymentID: resp.PaymentID}, nil
}

// GetState polls the current status of a payment. Returned statuses include
// NEW, CONFIRMED, REJECTED, CANCELED.
func (c *TinkoffClient) GetState(ctx context.Context, paymentID string) (string, error) {
	params := map[string]any{
		"TerminalKey": c.terminalKey,
		"PaymentId":   paymentID,
	}
	params["Token"] = c.signParams(params)

	var resp struct {
		Success   bool   `json:"Success"`
		Status    string `json:"Status"`
		ErrorCode string `json:"ErrorCode"`
		Message   string `json:"Message"`
	}
	if err := c.doJSON(ctx, "/GetState", params, &resp); err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("tinkoff get state failed: code=%s %s", resp.ErrorCode, resp.Message)
	}
	return resp.Status, nil
}

// Notification is a decoded webhook callback.
type Notification struct {
	OrderID string
	Status  string
	Success bool
	Raw     map[string]any
}

// DecodeNotification parses and verifies a webhook payload. A payload with a
// bad token returns ErrInvalidSignature; the caller must not touch balances.
func (c *TinkoffClient) DecodeNotification(body []byte) (*Notification, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	token, _ := raw["Token"].(string)
	want := c.notificationToken(raw)
	if token == "" || subtle.ConstantTimeCompare([]byte(strings.ToLower(token)), []byte(want)) != 1 {
		return nil, ErrInvalidSignature
	}
	n := &Notification{Raw: raw}
	n.OrderID, _ = raw["OrderId"].(string)
	n.Status, _ = raw["Status"].(string)
	n.Success, _ = raw["Success"].(bool)
	return n, nil
}

// signParams builds the request token: parameter values sorted by key with
// the terminal password mixed in, SHA-256 over the concatenation. Receipt
// and DATA never participate.
func (c *TinkoffClient) signParams(params map[string]any) string {
	values := map[string]string{"Password": c.secretKey}
	for k, v := range params {
		if k == "Token" || k == "Receipt" || k == "DATA" {
			continue
		}
		values[k] = scalarString(v)
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(values[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func (c *TinkoffClient) notificationToken(raw map[string]any) string {
	params := make(map[string]any, len(raw))
	for k, v := range raw {
		params[k] = v
	}
	return c.signParams(params)
}

// scalarString renders a parameter the way Tinkoff hashes it: booleans
// lowercase, numbers without an exponent or trailing zeros.
func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

func (c *TinkoffClient) doJSON(ctx context.Context, path string, payload any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tinkoff request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("tinkoff request: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
