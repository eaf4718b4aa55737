package store

import (
	"errors"

	"defectmaster/pkg/domain"
)

var (
	// ErrUserNotFound indicates the user has never contacted the bot.
	ErrUserNotFound = errors.New("user not found")
	// ErrInsufficientBalance indicates a debit would drive the balance negative.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrPaymentNotFound indicates no intent exists for the order id.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrDuplicateOrder indicates an intent with this order id already exists.
	ErrDuplicateOrder = errors.New("duplicate order id")
	// ErrEmptyLabel indicates a blank context label.
	ErrEmptyLabel = errors.New("empty context label")
)

// Stats aggregates counters for the admin endpoint.
type Stats struct {
	Users             int64 `json:"users"`
	Analyses          int64 `json:"analyses"`
	ChargedAnalyses   int64 `json:"chargedAnalyses"`
	ConfirmedPayments int64 `json:"confirmedPayments"`
	CreditsSold       int64 `json:"creditsSold"`
}

// Store defines persistence for users, balances, payments, and analysis history.
type Store interface {
	// users
	EnsureUser(id int64, username string, referredBy int64, startingBalance int) (domain.User, bool, error)
	GetUser(id int64) (domain.User, bool, error)
	SetContext(id int64, label string) error
	SetSpreadsheet(id int64, spreadsheetID string) error
	SetAdmin(id int64, isAdmin bool) error
	LogEvent(userID int64, eventType string) error

	// ledger
	Credit(id int64, amount int) (int, error)
	Debit(id int64, amount int) (int, error)
	// ChargeAnalysis records the analysis and debits cost in one transaction.
	// The record must exist before the debit is observable (commit order).
	ChargeAnalysis(rec domain.AnalysisRecord, cost int) (int, error)
	LogAnalysis(rec domain.AnalysisRecord) error
	// GrantReferralBonus credits the inviter once per invitee. Returns the
	// inviter id and whether the bonus was granted by this call.
	GrantReferralBonus(inviteeID int64, bonus int) (int64, bool, error)

	// payments
	CreatePayment(intent domain.PaymentIntent) error
	GetPayment(orderID string) (domain.PaymentIntent, bool, error)
	// ConfirmPayment flips a pending intent to confirmed and credits the
	// balance atomically. Replays on a confirmed intent are a no-op.
	ConfirmPayment(orderID string, rawNotification []byte) (ConfirmResult, error)
	FailPayment(orderID string) error

	Stats() (Stats, error)
}

// ConfirmResult reports the outcome of a payment confirmation.
type ConfirmResult struct {
	UserID           int64
	Credits          int
	NewBalance       int
	AlreadyConfirmed bool
}
