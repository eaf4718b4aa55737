package app

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"defectmaster/pkg/ai"
	"defectmaster/pkg/domain"
	"defectmaster/pkg/payment"
	"defectmaster/pkg/store"
)

type fakeAnalyzer struct {
	mu     sync.Mutex
	calls  int
	result domain.AnalysisResult
	err    error
}

func (f *fakeAnalyzer) Analyze(_ context.Context, _ []byte, _ string) (domain.AnalysisResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return domain.AnalysisResult{}, f.err
	}
	return f.result, nil
}

func (f *fakeAnalyzer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeArchive struct {
	mu      sync.Mutex
	err     error
	keys    []string
	deleted []string
}

func (f *fakeArchive) Archive(_ context.Context, key string, _ []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	f.keys = append(f.keys, key)
	f.mu.Unlock()
	return "https://archive/" + key, nil
}

func (f *fakeArchive) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, key)
	f.mu.Unlock()
	return nil
}

type fakeSink struct {
	mu        sync.Mutex
	appendErr error
	rows      int
	sheetID   string
}

func (f *fakeSink) EnsureReport(_ context.Context, user *domain.User) (string, error) {
	if user.SpreadsheetID != "" {
		return user.SpreadsheetID, nil
	}
	if f.sheetID == "" {
		f.sheetID = "sheet-1"
	}
	return f.sheetID, nil
}

func (f *fakeSink) AppendFindings(_ context.Context, _, _, _ string, result *domain.AnalysisResult, _ time.Time) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.mu.Lock()
	f.rows += len(result.Findings)
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) rowCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows
}

type fakeDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (f *fakeDedup) FirstSeen(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

type fakeGateway struct {
	initErr error
	state   string
}

func (f *fakeGateway) Init(_ context.Context, orderID string, _ int, _ string) (*payment.InitResult, error) {
	if f.initErr != nil {
		return nil, f.initErr
	}
	return &payment.InitResult{PaymentURL: "https://pay/" + orderID, PaymentID: "pay-1"}, nil
}

func (f *fakeGateway) GetState(_ context.Context, _ string) (string, error) {
	return f.state, nil
}

func (f *fakeGateway) DecodeNotification(_ []byte) (*payment.Notification, error) {
	return nil, payment.ErrInvalidSignature
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func defectsResult() domain.AnalysisResult {
	return domain.AnalysisResult{
		Verdict: domain.VerdictDefects,
		Findings: []domain.Finding{
			{Defect: "Трещина", Location: "стена", Criticality: domain.SeverityCritical, Cause: "усадка", Recommendation: "устранить"},
		},
		ExpertSummary: "Требуется ремонт.",
	}
}

func newTestApp(st store.Store, an Analyzer, sink ReportSink, archive PhotoArchive, dedup Deduper, gw PaymentGateway) *App {
	cfg := Config{
		FreeCredits:          5,
		ReferralBonusInviter: 5,
		ReferralBonusInvited: 5,
		Packages: []domain.CreditPackage{
			{Key: "small", Credits: 20, Price: 200, Title: "Малый"},
			{Key: "medium", Credits: 50, Price: 500, Title: "Средний"},
		},
	}
	return New(st, an, archive, sink, dedup, gw, nil, testLogger(), cfg)
}

func submitReady(t *testing.T, st *store.MemoryStore, userID int64) {
	t.Helper()
	if _, _, err := st.EnsureUser(userID, "u", 0, 5); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if err := st.SetContext(userID, "кв. 17"); err != nil {
		t.Fatalf("set context: %v", err)
	}
}

func TestSubmitChargesOnlyDefectsVerdict(t *testing.T) {
	st := store.NewMemoryStore()
	submitReady(t, st, 42)
	an := &fakeAnalyzer{result: defectsResult()}
	sink := &fakeSink{}
	a := newTestApp(st, an, sink, &fakeArchive{}, nil, nil)

	res, err := a.Submit(context.Background(), SubmitRequest{UserID: 42, MessageID: 1, Photo: []byte("img")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Charged || res.NewBalance != 4 {
		t.Fatalf("expected charge to 4 credits, got charged=%v balance=%d", res.Charged, res.NewBalance)
	}
	if sink.rowCount() != 1 {
		t.Fatalf("expected 1 report row, got %d", sink.rowCount())
	}

	// Irrelevant photo: free.
	an.result = domain.AnalysisResult{Verdict: domain.VerdictIrrelevant, Joke: "Это кот."}
	res, err = a.Submit(context.Background(), SubmitRequest{UserID: 42, MessageID: 2, Photo: []byte("img")})
	if err != nil {
		t.Fatalf("submit irrelevant: %v", err)
	}
	if res.Charged {
		t.Fatalf("irrelevant verdict must not charge")
	}

	// Clean photo: free.
	an.result = domain.AnalysisResult{Verdict: domain.VerdictNoDefects, ExpertSummary: "Нарушений нет."}
	res, err = a.Submit(context.Background(), SubmitRequest{UserID: 42, MessageID: 3, Photo: []byte("img")})
	if err != nil {
		t.Fatalf("submit clean: %v", err)
	}
	if res.Charged {
		t.Fatalf("no-defects verdict must not charge")
	}

	user, _, _ := st.GetUser(42)
	if user.Balance != 4 {
		t.Fatalf("expected balance 4 after one charged and two free analyses, got %d", user.Balance)
	}
	if got := len(st.Analyses()); got != 3 {
		t.Fatalf("expected 3 history records, got %d", got)
	}
}

func TestSubmitWithoutContextNeverCallsModel(t *testing.T) {
	st := store.NewMemoryStore()
	if _, _, err := st.EnsureUser(42, "u", 0, 5); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	an := &fakeAnalyzer{result: defectsResult()}
	a := newTestApp(st, an, &fakeSink{}, &fakeArchive{}, nil, nil)

	_, err := a.Submit(context.Background(), SubmitRequest{UserID: 42, MessageID: 1, Photo: []byte("img")})
	if !errors.Is(err, ErrNoContext) {
		t.Fatalf("expected ErrNoContext, got %v", err)
	}
	if an.callCount() != 0 {
		t.Fatalf("model must not be called without a context")
	}
}

func TestSubmitWithZeroBalanceNeverCallsModel(t *testing.T) {
	st := store.NewMemoryStore()
	if _, _, err := st.EnsureUser(42, "u", 0, 0); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if err := st.SetContext(42, "кв. 17"); err != nil {
		t.Fatalf("set context: %v", err)
	}
	an := &fakeAnalyzer{result: defectsResult()}
	a := newTestApp(st, an, &fakeSink{}, &fakeArchive{}, nil, nil)

	_, err := a.Submit(context.Background(), SubmitRequest{UserID: 42, MessageID: 1, Photo: []byte("img")})
	if !errors.Is(err, ErrNoBalance) {
		t.Fatalf("expected ErrNoBalance, got %v", err)
	}
	if an.callCount() != 0 {
		t.Fatalf("model must not be called with an empty balance")
	}
}

func TestSubmitModelFailureLeavesBalanceUntouched(t *testing.T) {
	st := store.NewMemoryStore()
	submitReady(t, st, 42)
	an := &fakeAnalyzer{err: fmt.Errorf("%w: upstream 503", ai.ErrUnavailable)}
	a := newTestApp(st, an, &fakeSink{}, &fakeArchive{}, nil, nil)

	_, err := a.Submit(context.Background(), SubmitRequest{UserID: 42, MessageID: 1, Photo: []byte("img")})
	if !errors.Is(err, ErrAnalysisUnavailable) {
		t.Fatalf("expected ErrAnalysisUnavailable, got %v", err)
	}
	user, _, _ := st.GetUser(42)
	if user.Balance != 5 {
		t.Fatalf("model failure must not charge, balance=%d", user.Balance)
	}
	if got := len(st.Analyses()); got != 0 {
		t.Fatalf("model failure must not log analysis rows, got %d", got)
	}
}

func TestSubmitParseFailureMapsToParseError(t *testing.T) {
	st := store.NewMemoryStore()
	submitReady(t, st, 42)
	an := &fakeAnalyzer{err: fmt.Errorf("%w: missing is_relevant", ai.ErrParse)}
	a := newTestApp(st, an, &fakeSink{}, &fakeArchive{}, nil, nil)

	_, err := a.Submit(context.Background(), SubmitRequest{UserID: 42, MessageID: 1, Photo: []byte("img")})
	if !errors.Is(err, ErrAnalysisParse) {
		t.Fatalf("expected ErrAnalysisParse, got %v", err)
	}
	user, _, _ := st.GetUser(42)
	if user.Balance != 5 {
		t.Fatalf("parse failure must not charge, balance=%d", user.Balance)
	}
}

func TestSubmitPersistFailureLeavesBalanceUntouched(t *testing.T) {
	st := store.NewMemoryStore()
	submitReady(t, st, 42)
	an := &fakeAnalyzer{result: defectsResult()}
	sink := &fakeSink{appendErr: errors.New("sheets 500")}
	archive := &fakeArchive{}
	a := newTestApp(st, an, sink, archive, nil, nil)

	_, err := a.Submit(context.Background(), SubmitRequest{UserID: 42, MessageID: 1, Photo: []byte("img")})
	if !errors.Is(err, ErrPersistFailed) {
		t.Fatalf("expected ErrPersistFailed, got %v", err)
	}
	user, _, _ := st.GetUser(42)
	if user.Balance != 5 {
		t.Fatalf("persist failure must not charge, balance=%d", user.Balance)
	}
	// The archived photo has no report rows; it must not be left behind.
	if len(archive.deleted) != 1 || archive.deleted[0] != archive.keys[0] {
		t.Fatalf("orphaned photo not cleaned up: archived=%v deleted=%v", archive.keys, archive.deleted)
	}
}

func TestSubmitArchiveKeyIsHexJPEG(t *testing.T) {
	st := store.NewMemoryStore()
	submitReady(t, st, 42)
	archive := &fakeArchive{}
	a := newTestApp(st, &fakeAnalyzer{result: defectsResult()}, &fakeSink{}, archive, nil, nil)

	if _, err := a.Submit(context.Background(), SubmitRequest{UserID: 42, MessageID: 1, Photo: []byte("img")}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(archive.keys) != 1 {
		t.Fatalf("expected one archived photo, got %v", archive.keys)
	}
	key := archive.keys[0]
	id, ok := strings.CutSuffix(key, ".jpg")
	if !ok {
		t.Fatalf("archive key %q missing .jpg suffix", key)
	}
	if len(id) != 24 {
		t.Fatalf("archive key id %q is not a 24-char hex id", id)
	}
	if _, err := hex.DecodeString(id); err != nil {
		t.Fatalf("archive key id %q is not hex: %v", id, err)
	}
	recs := st.Analyses()
	if len(recs) != 1 || recs[0].PhotoID != id {
		t.Fatalf("history row does not reference the archived photo: %v", recs)
	}
}

func TestRegisterUserPromotesConfiguredAdmins(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := Config{FreeCredits: 5, AdminIDs: []int64{99}}
	a := New(st, &fakeAnalyzer{}, &fakeArchive{}, &fakeSink{}, nil, nil, nil, testLogger(), cfg)

	res, err := a.RegisterUser(context.Background(), 99, "ops", "")
	if err != nil {
		t.Fatalf("register admin: %v", err)
	}
	if !res.User.IsAdmin {
		t.Fatalf("configured admin not promoted: %+v", res.User)
	}
	stored, _, _ := st.GetUser(99)
	if !stored.IsAdmin {
		t.Fatalf("admin flag not persisted")
	}

	plain, err := a.RegisterUser(context.Background(), 100, "user", "")
	if err != nil {
		t.Fatalf("register user: %v", err)
	}
	if plain.User.IsAdmin {
		t.Fatalf("unconfigured user promoted to admin")
	}
}

func TestSubmitFiltersDuplicateDeliveries(t *testing.T) {
	st := store.NewMemoryStore()
	submitReady(t, st, 42)
	an := &fakeAnalyzer{result: defectsResult()}
	a := newTestApp(st, an, &fakeSink{}, &fakeArchive{}, &fakeDedup{}, nil)

	if _, err := a.Submit(context.Background(), SubmitRequest{UserID: 42, MessageID: 7, Photo: []byte("img")}); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	_, err := a.Submit(context.Background(), SubmitRequest{UserID: 42, MessageID: 7, Photo: []byte("img")})
	if !errors.Is(err, ErrDuplicateSubmission) {
		t.Fatalf("expected ErrDuplicateSubmission, got %v", err)
	}
	user, _, _ := st.GetUser(42)
	if user.Balance != 4 {
		t.Fatalf("duplicate delivery charged again, balance=%d", user.Balance)
	}
	if an.callCount() != 1 {
		t.Fatalf("duplicate delivery reached the model")
	}
}

func TestSubmitSerializesPerUser(t *testing.T) {
	st := store.NewMemoryStore()
	if _, _, err := st.EnsureUser(42, "u", 0, 1); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if err := st.SetContext(42, "кв. 17"); err != nil {
		t.Fatalf("set context: %v", err)
	}
	an := &fakeAnalyzer{result: defectsResult()}
	a := newTestApp(st, an, &fakeSink{}, &fakeArchive{}, nil, nil)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(msgID int) {
			defer wg.Done()
			_, err := a.Submit(context.Background(), SubmitRequest{UserID: 42, MessageID: msgID, Photo: []byte("img")})
			errs <- err
		}(i + 1)
	}
	wg.Wait()
	close(errs)

	var charged, rejected int
	for err := range errs {
		switch {
		case err == nil:
			charged++
		case errors.Is(err, ErrNoBalance):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if charged != 1 || rejected != n-1 {
		t.Fatalf("with balance=1 exactly one submission may charge: charged=%d rejected=%d", charged, rejected)
	}
	user, _, _ := st.GetUser(42)
	if user.Balance != 0 {
		t.Fatalf("expected balance 0, got %d", user.Balance)
	}
}

func TestReferralBonusOnFirstChargedAnalysis(t *testing.T) {
	st := store.NewMemoryStore()
	an := &fakeAnalyzer{result: defectsResult()}
	a := newTestApp(st, an, &fakeSink{}, &fakeArchive{}, nil, nil)

	// Inviter registers plainly.
	if _, err := a.RegisterUser(context.Background(), 1, "inviter", ""); err != nil {
		t.Fatalf("register inviter: %v", err)
	}

	res, err := a.RegisterUser(context.Background(), 2, "invitee", "ref_1")
	if err != nil {
		t.Fatalf("register invitee: %v", err)
	}
	if res.User.Balance != 10 || res.InvitedBonus != 5 {
		t.Fatalf("invitee should start with free credits plus bonus, got %+v", res)
	}
	inviter, _, _ := st.GetUser(1)
	if inviter.Balance != 5 {
		t.Fatalf("inviter must not be paid before the invitee's first charged analysis, balance=%d", inviter.Balance)
	}

	// Replayed /start is a no-op.
	res, err = a.RegisterUser(context.Background(), 2, "invitee", "ref_1")
	if err != nil {
		t.Fatalf("re-register invitee: %v", err)
	}
	if res.Created {
		t.Fatalf("repeat /start must be a no-op, got %+v", res)
	}

	// First charged analysis pays the inviter once.
	if err := a.SetContext(context.Background(), 2, "кв. 17"); err != nil {
		t.Fatalf("set context: %v", err)
	}
	sub, err := a.Submit(context.Background(), SubmitRequest{UserID: 2, MessageID: 1, Photo: []byte("img")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.InviterID != 1 || sub.InviterBonus != 5 {
		t.Fatalf("inviter bonus not granted on first charge: %+v", sub)
	}
	inviter, _, _ = st.GetUser(1)
	if inviter.Balance != 10 {
		t.Fatalf("inviter balance should be 10, got %d", inviter.Balance)
	}

	// Second charged analysis grants nothing.
	sub, err = a.Submit(context.Background(), SubmitRequest{UserID: 2, MessageID: 2, Photo: []byte("img")})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if sub.InviterID != 0 {
		t.Fatalf("bonus granted twice: %+v", sub)
	}
	inviter, _, _ = st.GetUser(1)
	if inviter.Balance != 10 {
		t.Fatalf("inviter paid twice, balance=%d", inviter.Balance)
	}
}

func TestRegisterUserIgnoresSelfReferral(t *testing.T) {
	st := store.NewMemoryStore()
	a := newTestApp(st, &fakeAnalyzer{}, &fakeSink{}, &fakeArchive{}, nil, nil)

	res, err := a.RegisterUser(context.Background(), 7, "loop", "ref_7")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if res.User.Balance != 5 || res.InvitedBonus != 0 {
		t.Fatalf("self-referral must not pay bonuses: %+v", res)
	}
}

func TestInitiatePurchaseUnknownPackage(t *testing.T) {
	st := store.NewMemoryStore()
	a := newTestApp(st, &fakeAnalyzer{}, &fakeSink{}, &fakeArchive{}, nil, &fakeGateway{})

	if _, err := a.InitiatePurchase(context.Background(), 42, "gigantic"); !errors.Is(err, ErrUnknownPackage) {
		t.Fatalf("expected ErrUnknownPackage, got %v", err)
	}
}

func TestInitiatePurchaseCreatesIntent(t *testing.T) {
	st := store.NewMemoryStore()
	submitReady(t, st, 42)
	a := newTestApp(st, &fakeAnalyzer{}, &fakeSink{}, &fakeArchive{}, nil, &fakeGateway{})

	p, err := a.InitiatePurchase(context.Background(), 42, "medium")
	if err != nil {
		t.Fatalf("initiate purchase: %v", err)
	}
	if p.PaymentURL == "" || p.Package.Credits != 50 {
		t.Fatalf("unexpected purchase %+v", p)
	}
	intent, ok, err := st.GetPayment(p.OrderID)
	if err != nil || !ok {
		t.Fatalf("intent not stored: %v", err)
	}
	if intent.Status != domain.PaymentPending || intent.Credits != 50 || intent.Amount != 500 {
		t.Fatalf("unexpected intent %+v", intent)
	}
}

func TestInitiatePurchaseGatewayFailureFailsIntent(t *testing.T) {
	st := store.NewMemoryStore()
	submitReady(t, st, 42)
	a := newTestApp(st, &fakeAnalyzer{}, &fakeSink{}, &fakeArchive{}, nil, &fakeGateway{initErr: errors.New("gateway down")})

	if _, err := a.InitiatePurchase(context.Background(), 42, "small"); err == nil {
		t.Fatalf("expected gateway error")
	}
}

func TestCheckPaymentConfirmsOnce(t *testing.T) {
	st := store.NewMemoryStore()
	submitReady(t, st, 42)
	gw := &fakeGateway{state: "CONFIRMED"}
	a := newTestApp(st, &fakeAnalyzer{}, &fakeSink{}, &fakeArchive{}, nil, gw)

	p, err := a.InitiatePurchase(context.Background(), 42, "small")
	if err != nil {
		t.Fatalf("initiate purchase: %v", err)
	}

	res, status, err := a.CheckPayment(context.Background(), p.OrderID, p.PaymentID)
	if err != nil {
		t.Fatalf("check payment: %v", err)
	}
	if status != "CONFIRMED" || res.AlreadyConfirmed || res.Credits != 20 {
		t.Fatalf("unexpected confirmation %+v status=%s", res, status)
	}
	user, _, _ := st.GetUser(42)
	if user.Balance != 25 {
		t.Fatalf("expected 5+20 credits, got %d", user.Balance)
	}

	// Pressing the button again credits nothing.
	res, _, err = a.CheckPayment(context.Background(), p.OrderID, p.PaymentID)
	if err != nil {
		t.Fatalf("recheck payment: %v", err)
	}
	if !res.AlreadyConfirmed {
		t.Fatalf("expected idempotent recheck")
	}
	user, _, _ = st.GetUser(42)
	if user.Balance != 25 {
		t.Fatalf("recheck credited again, balance=%d", user.Balance)
	}
}

func TestHandleNotificationRejectsBadSignature(t *testing.T) {
	st := store.NewMemoryStore()
	a := newTestApp(st, &fakeAnalyzer{}, &fakeSink{}, &fakeArchive{}, nil, &fakeGateway{})

	if _, err := a.HandleNotification(context.Background(), []byte(`{}`)); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}
