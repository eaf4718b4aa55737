package webhook

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"defectmaster/internal/app"
	"defectmaster/pkg/domain"
	"defectmaster/pkg/payment"
	"defectmaster/pkg/store"
)

const (
	testTerminal = "terminal-1"
	testSecret   = "secret-1"
)

func signedNotification(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	values := map[string]string{"Password": testSecret}
	for k, v := range fields {
		switch x := v.(type) {
		case string:
			values[k] = x
		case bool:
			if x {
				values[k] = "true"
			} else {
				values[k] = "false"
			}
		default:
			t.Fatalf("unsupported notification field type %T", v)
		}
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
	fields["Token"] = hex.EncodeToString(sum[:])
	body, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("marshal notification: %v", err)
	}
	return body
}

func newTestServer(t *testing.T) (*httptest.Server, *store.MemoryStore, *[]int64) {
	t.Helper()
	st := store.NewMemoryStore()
	if _, _, err := st.EnsureUser(42, "buyer", 0, 5); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if err := st.CreatePayment(domain.PaymentIntent{
		OrderID: "order-1", UserID: 42, Amount: 200, Credits: 20, Status: domain.PaymentPending,
	}); err != nil {
		t.Fatalf("create payment: %v", err)
	}
	gateway, err := payment.NewTinkoffClient(testTerminal, testSecret)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	application := app.New(st, nil, nil, nil, nil, gateway, nil, logger, app.Config{})

	var notified []int64
	srv := New(application, "admin-secret", func(userID int64, _, _ int) {
		notified = append(notified, userID)
	}, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, st, &notified
}

func TestNotifyConfirmsAndIsIdempotent(t *testing.T) {
	ts, st, notified := newTestServer(t)

	body := signedNotification(t, map[string]any{
		"TerminalKey": testTerminal,
		"OrderId":     "order-1",
		"Status":      "CONFIRMED",
		"Success":     true,
	})

	resp, err := http.Post(ts.URL+"/payments/tinkoff/notify", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post notify: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	out, _ := io.ReadAll(resp.Body)
	if string(out) != "OK" {
		t.Fatalf("gateway requires literal OK, got %q", out)
	}
	user, _, _ := st.GetUser(42)
	if user.Balance != 25 {
		t.Fatalf("expected 5+20 credits, got %d", user.Balance)
	}
	if len(*notified) != 1 || (*notified)[0] != 42 {
		t.Fatalf("buyer not notified: %v", *notified)
	}

	// Replay: still OK, nothing credited, no second notification.
	resp2, err := http.Post(ts.URL+"/payments/tinkoff/notify", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("replay notify: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("replay must be acknowledged, got %d", resp2.StatusCode)
	}
	user, _, _ = st.GetUser(42)
	if user.Balance != 25 {
		t.Fatalf("replay credited again, balance=%d", user.Balance)
	}
	if len(*notified) != 1 {
		t.Fatalf("replay re-notified the buyer: %v", *notified)
	}
}

func TestNotifyRejectsBadSignature(t *testing.T) {
	ts, st, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]any{
		"TerminalKey": testTerminal,
		"OrderId":     "order-1",
		"Status":      "CONFIRMED",
		"Success":     true,
		"Token":       "forged",
	})
	resp, err := http.Post(ts.URL+"/payments/tinkoff/notify", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post notify: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 on forged token, got %d", resp.StatusCode)
	}
	user, _, _ := st.GetUser(42)
	if user.Balance != 5 {
		t.Fatalf("forged notification changed the balance: %d", user.Balance)
	}
}

func TestAdminStatsRequiresToken(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/admin/stats")
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	token, err := IssueAdminToken("admin-secret", "ops", time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get stats with token: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", resp.StatusCode)
	}
	var stats store.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Users != 1 {
		t.Fatalf("expected 1 user in stats, got %d", stats.Users)
	}

	bad, _ := http.NewRequest(http.MethodGet, ts.URL+"/admin/stats", nil)
	bad.Header.Set("Authorization", "Bearer not-a-jwt")
	resp, err = http.DefaultClient.Do(bad)
	if err != nil {
		t.Fatalf("get stats with bad token: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
