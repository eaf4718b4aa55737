package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"defectmaster/internal/util"
	"defectmaster/pkg/ai"
	"defectmaster/pkg/domain"
	"defectmaster/pkg/events"
	"defectmaster/pkg/payment"
	"defectmaster/pkg/report"
	"defectmaster/pkg/store"
)

// analysisCost is the credit price of one photo analysis.
const analysisCost = 1

// Analyzer classifies one photo. Implemented by ai.Analyzer.
type Analyzer interface {
	Analyze(ctx context.Context, photo []byte, contextLabel string) (domain.AnalysisResult, error)
}

// PhotoArchive stores the original photo and returns a shareable URL.
type PhotoArchive interface {
	Archive(ctx context.Context, key string, photo []byte) (string, error)
	Delete(ctx context.Context, key string) error
}

// ReportSink materializes findings as spreadsheet rows.
type ReportSink interface {
	EnsureReport(ctx context.Context, user *domain.User) (string, error)
	AppendFindings(ctx context.Context, spreadsheetID, contextLabel, photoURL string, result *domain.AnalysisResult, at time.Time) error
}

// Deduper filters redelivered updates.
type Deduper interface {
	FirstSeen(ctx context.Context, key string) (bool, error)
}

// PaymentGateway initiates purchases and verifies confirmations.
type PaymentGateway interface {
	Init(ctx context.Context, orderID string, amountRub int, description string) (*payment.InitResult, error)
	GetState(ctx context.Context, paymentID string) (string, error)
	DecodeNotification(body []byte) (*payment.Notification, error)
}

// Config carries the credit policy.
type Config struct {
	FreeCredits          int
	ReferralBonusInviter int
	ReferralBonusInvited int
	Packages             []domain.CreditPackage
	// AdminIDs are Telegram ids granted the operator commands; the flag is
	// persisted on the user row at registration.
	AdminIDs []int64
}

// App wires the intake workflow: registration, context, analysis, reports,
// and credit purchases.
type App struct {
	store    store.Store
	analyzer Analyzer
	archive  PhotoArchive
	reports  ReportSink
	dedup    Deduper
	gateway  PaymentGateway
	events   events.Publisher
	logger   *slog.Logger
	cfg      Config
	locks    *userLocks
}

// New builds the app. gateway and dedup may be nil when the feature is not
// configured; events must be non-nil (use events.NoopPublisher).
func New(st store.Store, analyzer Analyzer, archive PhotoArchive, reports ReportSink, dedup Deduper, gateway PaymentGateway, pub events.Publisher, logger *slog.Logger, cfg Config) *App {
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	return &App{
		store:    st,
		analyzer: analyzer,
		archive:  archive,
		reports:  reports,
		dedup:    dedup,
		gateway:  gateway,
		events:   pub,
		logger:   logger,
		cfg:      cfg,
		locks:    newUserLocks(),
	}
}

// RegisterResult reports the outcome of /start.
type RegisterResult struct {
	User         domain.User
	Created      bool
	InvitedBonus int
}

// RegisterUser ensures the user exists. payload is the /start deep-link
// argument; "ref_<id>" attributes the registration to an inviter. Repeat
// /start calls are no-ops.
func (a *App) RegisterUser(ctx context.Context, userID int64, username, payload string) (RegisterResult, error) {
	var referredBy int64
	if rest, ok := strings.CutPrefix(payload, "ref_"); ok {
		if id, err := strconv.ParseInt(rest, 10, 64); err == nil && id != userID {
			referredBy = id
		}
	}
	starting := a.cfg.FreeCredits
	if referredBy != 0 {
		starting += a.cfg.ReferralBonusInvited
	}
	user, created, err := a.store.EnsureUser(userID, username, referredBy, starting)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("register user: %w", err)
	}
	if a.isConfiguredAdmin(userID) && !user.IsAdmin {
		if err := a.store.SetAdmin(userID, true); err != nil {
			a.logger.Error("admin promotion failed", "user_id", userID, "error", err)
		} else {
			user.IsAdmin = true
		}
	}
	res := RegisterResult{User: user, Created: created}
	if created {
		_ = a.store.LogEvent(userID, "registered")
	}
	if created && referredBy != 0 {
		res.InvitedBonus = a.cfg.ReferralBonusInvited
	}
	return res, nil
}

func (a *App) isConfiguredAdmin(userID int64) bool {
	for _, id := range a.cfg.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// SetContext stores the object/location label used by subsequent analyses.
func (a *App) SetContext(ctx context.Context, userID int64, label string) error {
	label = strings.TrimSpace(label)
	if label == "" {
		return store.ErrEmptyLabel
	}
	if err := a.store.SetContext(userID, label); err != nil {
		return fmt.Errorf("set context: %w", err)
	}
	_ = a.store.LogEvent(userID, "context_set")
	return nil
}

// GetUser returns the user's current profile.
func (a *App) GetUser(userID int64) (domain.User, bool, error) {
	return a.store.GetUser(userID)
}

// SubmitRequest is one inbound photo.
type SubmitRequest struct {
	UserID    int64
	Username  string
	MessageID int
	Photo     []byte
}

// SubmitResult is the data the transport layer renders back to the user.
type SubmitResult struct {
	Result         domain.AnalysisResult
	Charged        bool
	NewBalance     int
	PhotoURL       string
	SpreadsheetURL string
	// InviterID is non-zero when this submission granted the inviter's
	// referral bonus; the transport layer notifies them.
	InviterID    int64
	InviterBonus int
}

// Submit runs the full intake pipeline for one photo. Order of gates:
// duplicate filter, context, balance, model, report persist, charge. The
// debit happens only after the report rows are durably written, and only for
// a defects verdict.
func (a *App) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if a.dedup != nil {
		key := fmt.Sprintf("%d:%d", req.UserID, req.MessageID)
		first, err := a.dedup.FirstSeen(ctx, key)
		if err != nil {
			a.logger.Warn("dedup check failed, processing anyway", "user_id", req.UserID, "error", err)
		}
		if !first {
			return SubmitResult{}, ErrDuplicateSubmission
		}
	}

	unlock := a.locks.Lock(req.UserID)
	defer unlock()

	user, ok, err := a.store.GetUser(req.UserID)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("load user: %w", err)
	}
	if !ok {
		user, _, err = a.store.EnsureUser(req.UserID, req.Username, 0, a.cfg.FreeCredits)
		if err != nil {
			return SubmitResult{}, fmt.Errorf("register on submit: %w", err)
		}
	}
	if strings.TrimSpace(user.ContextLabel) == "" {
		return SubmitResult{}, ErrNoContext
	}
	if user.Balance < analysisCost {
		return SubmitResult{}, ErrNoBalance
	}

	result, err := a.analyzer.Analyze(ctx, req.Photo, user.ContextLabel)
	if err != nil {
		switch {
		case errors.Is(err, ai.ErrParse):
			return SubmitResult{}, fmt.Errorf("%w: %v", ErrAnalysisParse, err)
		default:
			return SubmitResult{}, fmt.Errorf("%w: %v", ErrAnalysisUnavailable, err)
		}
	}

	rec := domain.AnalysisRecord{
		ID:           util.NewID(),
		UserID:       user.ID,
		ContextLabel: user.ContextLabel,
		Verdict:      result.Verdict,
		DefectCount:  len(result.Findings),
		CreatedAt:    time.Now().UTC(),
	}

	out := SubmitResult{Result: result, NewBalance: user.Balance}
	if result.Verdict == domain.VerdictDefects {
		photoID := util.NewID()
		photoKey := photoID + ".jpg"
		rec.PhotoID = photoID
		photoURL, err := a.archive.Archive(ctx, photoKey, req.Photo)
		if err != nil {
			return SubmitResult{}, fmt.Errorf("%w: archive photo: %v", ErrPersistFailed, err)
		}
		spreadsheetID, err := a.reports.EnsureReport(ctx, &user)
		if err != nil {
			a.discardPhoto(ctx, photoKey)
			return SubmitResult{}, fmt.Errorf("%w: %v", ErrPersistFailed, err)
		}
		if spreadsheetID != user.SpreadsheetID {
			if err := a.store.SetSpreadsheet(user.ID, spreadsheetID); err != nil {
				a.discardPhoto(ctx, photoKey)
				return SubmitResult{}, fmt.Errorf("%w: save spreadsheet id: %v", ErrPersistFailed, err)
			}
			user.SpreadsheetID = spreadsheetID
		}
		if err := a.reports.AppendFindings(ctx, spreadsheetID, user.ContextLabel, photoURL, &result, rec.CreatedAt); err != nil {
			a.discardPhoto(ctx, photoKey)
			return SubmitResult{}, fmt.Errorf("%w: %v", ErrPersistFailed, err)
		}

		rec.Charged = true
		newBalance, err := a.store.ChargeAnalysis(rec, analysisCost)
		if err != nil {
			if errors.Is(err, store.ErrInsufficientBalance) {
				return SubmitResult{}, ErrNoBalance
			}
			return SubmitResult{}, fmt.Errorf("%w: charge: %v", ErrPersistFailed, err)
		}
		out.Charged = true
		out.NewBalance = newBalance
		out.PhotoURL = photoURL
		out.SpreadsheetURL = report.SpreadsheetURL(spreadsheetID)

		// The inviter's bonus lands on the invitee's first charged analysis.
		if user.ReferredBy != 0 && !user.ReferralBonusPaid {
			inviterID, granted, err := a.store.GrantReferralBonus(user.ID, a.cfg.ReferralBonusInviter)
			if err != nil {
				a.logger.Error("referral bonus grant failed", "user_id", user.ID, "error", err)
			} else if granted {
				out.InviterID = inviterID
				out.InviterBonus = a.cfg.ReferralBonusInviter
			}
		}
	} else {
		// Irrelevant photos and clean photos are free.
		if err := a.store.LogAnalysis(rec); err != nil {
			a.logger.Error("analysis log failed", "user_id", user.ID, "error", err)
		}
	}

	a.events.Publish(ctx, events.RoutingAnalysisCompleted, events.AnalysisCompleted{
		UserID:      user.ID,
		PhotoID:     rec.PhotoID,
		Verdict:     string(result.Verdict),
		DefectCount: rec.DefectCount,
		Charged:     rec.Charged,
		At:          rec.CreatedAt,
	})
	return out, nil
}

// discardPhoto removes an archived photo whose report rows never landed, so
// the archive holds no objects the spreadsheet does not reference.
func (a *App) discardPhoto(ctx context.Context, key string) {
	if err := a.archive.Delete(ctx, key); err != nil {
		a.logger.Warn("orphaned photo cleanup failed", "key", key, "error", err)
	}
}

// Purchase is a started payment the transport layer turns into a pay button.
type Purchase struct {
	OrderID    string
	PaymentID  string
	PaymentURL string
	Package    domain.CreditPackage
}

// InitiatePurchase creates a payment intent and a gateway session for the
// given package key.
func (a *App) InitiatePurchase(ctx context.Context, userID int64, packageKey string) (Purchase, error) {
	if a.gateway == nil {
		return Purchase{}, errors.New("payments are not configured")
	}
	var pkg domain.CreditPackage
	found := false
	for _, p := range a.cfg.Packages {
		if p.Key == packageKey {
			pkg, found = p, true
			break
		}
	}
	if !found {
		return Purchase{}, ErrUnknownPackage
	}

	orderID := uuid.NewString()
	intent := domain.PaymentIntent{
		OrderID: orderID,
		UserID:  userID,
		Amount:  pkg.Price,
		Credits: pkg.Credits,
		Status:  domain.PaymentPending,
	}
	if err := a.store.CreatePayment(intent); err != nil {
		return Purchase{}, fmt.Errorf("create payment intent: %w", err)
	}
	desc := fmt.Sprintf("%s — %d анализов", pkg.Title, pkg.Credits)
	res, err := a.gateway.Init(ctx, orderID, pkg.Price, desc)
	if err != nil {
		if ferr := a.store.FailPayment(orderID); ferr != nil {
			a.logger.Error("payment intent cleanup failed", "order_id", orderID, "error", ferr)
		}
		return Purchase{}, fmt.Errorf("init payment: %w", err)
	}
	_ = a.store.LogEvent(userID, "purchase_started")
	return Purchase{OrderID: orderID, PaymentID: res.PaymentID, PaymentURL: res.PaymentURL, Package: pkg}, nil
}

// HandleNotification processes a gateway webhook. Replays of a confirmed
// order credit nothing. The returned result is zero-valued for non-final
// statuses.
func (a *App) HandleNotification(ctx context.Context, body []byte) (store.ConfirmResult, error) {
	n, err := a.gateway.DecodeNotification(body)
	if err != nil {
		if errors.Is(err, payment.ErrInvalidSignature) {
			return store.ConfirmResult{}, ErrInvalidSignature
		}
		return store.ConfirmResult{}, err
	}
	switch n.Status {
	case "CONFIRMED":
		return a.confirmOrder(ctx, n.OrderID, body)
	case "REJECTED", "CANCELED", "DEADLINE_EXPIRED":
		if err := a.store.FailPayment(n.OrderID); err != nil && !errors.Is(err, store.ErrPaymentNotFound) {
			return store.ConfirmResult{}, fmt.Errorf("fail payment: %w", err)
		}
		return store.ConfirmResult{}, nil
	default:
		// Intermediate statuses (AUTHORIZED, FORM_SHOWED, ...) are acknowledged
		// and ignored.
		return store.ConfirmResult{}, nil
	}
}

// CheckPayment polls the gateway for a pending order; used by the "check
// payment" button as a fallback when the webhook is unreachable.
func (a *App) CheckPayment(ctx context.Context, orderID, paymentID string) (store.ConfirmResult, string, error) {
	intent, ok, err := a.store.GetPayment(orderID)
	if err != nil {
		return store.ConfirmResult{}, "", fmt.Errorf("load payment: %w", err)
	}
	if !ok {
		return store.ConfirmResult{}, "", store.ErrPaymentNotFound
	}
	if intent.Status == domain.PaymentConfirmed {
		return store.ConfirmResult{UserID: intent.UserID, Credits: intent.Credits, AlreadyConfirmed: true}, "CONFIRMED", nil
	}
	status, err := a.gateway.GetState(ctx, paymentID)
	if err != nil {
		return store.ConfirmResult{}, "", fmt.Errorf("poll payment: %w", err)
	}
	if status != "CONFIRMED" {
		return store.ConfirmResult{}, status, nil
	}
	res, err := a.confirmOrder(ctx, orderID, nil)
	return res, status, err
}

func (a *App) confirmOrder(ctx context.Context, orderID string, raw []byte) (store.ConfirmResult, error) {
	res, err := a.store.ConfirmPayment(orderID, raw)
	if err != nil {
		return store.ConfirmResult{}, fmt.Errorf("confirm payment: %w", err)
	}
	if !res.AlreadyConfirmed {
		_ = a.store.LogEvent(res.UserID, "purchase_confirmed")
		a.events.Publish(ctx, events.RoutingPaymentConfirmed, events.PaymentConfirmed{
			OrderID: orderID,
			UserID:  res.UserID,
			Credits: res.Credits,
			At:      time.Now().UTC(),
		})
	}
	return res, nil
}

// Stats exposes aggregate counters for the admin endpoint.
func (a *App) Stats() (store.Stats, error) {
	return a.store.Stats()
}

// Packages lists the purchasable credit bundles.
func (a *App) Packages() []domain.CreditPackage {
	return a.cfg.Packages
}
