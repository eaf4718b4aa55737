package store

import (
	"sync"
	"time"

	"defectmaster/pkg/domain"
)

// MemoryStore keeps all state in-process. Used in tests and local runs.
type MemoryStore struct {
	mu       sync.Mutex
	users    map[int64]domain.User
	payments map[string]domain.PaymentIntent
	analyses []domain.AnalysisRecord
	events   []memoryEvent
}

type memoryEvent struct {
	userID    int64
	eventType string
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[int64]domain.User),
		payments: make(map[string]domain.PaymentIntent),
	}
}

func (m *MemoryStore) EnsureUser(id int64, username string, referredBy int64, startingBalance int) (domain.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user, ok := m.users[id]; ok {
		return user, false, nil
	}
	now := time.Now().UTC()
	user := domain.User{
		ID:         id,
		Username:   username,
		Balance:    startingBalance,
		ReferredBy: referredBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.users[id] = user
	return user, true, nil
}

func (m *MemoryStore) GetUser(id int64) (domain.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	return user, ok, nil
}

func (m *MemoryStore) SetContext(id int64, label string) error {
	if label == "" {
		return ErrEmptyLabel
	}
	return m.mutateUser(id, func(u *domain.User) { u.ContextLabel = label })
}

func (m *MemoryStore) SetSpreadsheet(id int64, spreadsheetID string) error {
	return m.mutateUser(id, func(u *domain.User) { u.SpreadsheetID = spreadsheetID })
}

func (m *MemoryStore) SetAdmin(id int64, isAdmin bool) error {
	return m.mutateUser(id, func(u *domain.User) { u.IsAdmin = isAdmin })
}

func (m *MemoryStore) LogEvent(userID int64, eventType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, memoryEvent{userID: userID, eventType: eventType})
	return nil
}

func (m *MemoryStore) Credit(id int64, amount int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creditLocked(id, amount)
}

func (m *MemoryStore) Debit(id int64, amount int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.debitLocked(id, amount)
}

func (m *MemoryStore) ChargeAnalysis(rec domain.AnalysisRecord, cost int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	balance, err := m.debitLocked(rec.UserID, cost)
	if err != nil {
		return 0, err
	}
	rec.Charged = true
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.analyses = append(m.analyses, rec)
	return balance, nil
}

func (m *MemoryStore) LogAnalysis(rec domain.AnalysisRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.analyses = append(m.analyses, rec)
	return nil
}

func (m *MemoryStore) GrantReferralBonus(inviteeID int64, bonus int) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	invitee, ok := m.users[inviteeID]
	if !ok {
		return 0, false, ErrUserNotFound
	}
	if invitee.ReferredBy == 0 || invitee.ReferralBonusPaid {
		return 0, false, nil
	}
	invitee.ReferralBonusPaid = true
	m.users[inviteeID] = invitee
	if _, err := m.creditLocked(invitee.ReferredBy, bonus); err != nil {
		return invitee.ReferredBy, false, err
	}
	return invitee.ReferredBy, true, nil
}

func (m *MemoryStore) CreatePayment(intent domain.PaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.payments[intent.OrderID]; exists {
		return ErrDuplicateOrder
	}
	now := time.Now().UTC()
	intent.Status = domain.PaymentPending
	intent.CreatedAt = now
	intent.UpdatedAt = now
	m.payments[intent.OrderID] = intent
	return nil
}

func (m *MemoryStore) GetPayment(orderID string) (domain.PaymentIntent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.payments[orderID]
	return intent, ok, nil
}

func (m *MemoryStore) ConfirmPayment(orderID string, _ []byte) (ConfirmResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.payments[orderID]
	if !ok {
		return ConfirmResult{}, ErrPaymentNotFound
	}
	result := ConfirmResult{UserID: intent.UserID, Credits: intent.Credits}
	if intent.Status == domain.PaymentConfirmed {
		result.AlreadyConfirmed = true
		if user, exists := m.users[intent.UserID]; exists {
			result.NewBalance = user.Balance
		}
		return result, nil
	}
	intent.Status = domain.PaymentConfirmed
	intent.UpdatedAt = time.Now().UTC()
	m.payments[orderID] = intent
	balance, err := m.creditLocked(intent.UserID, intent.Credits)
	if err != nil {
		return ConfirmResult{}, err
	}
	result.NewBalance = balance
	return result, nil
}

func (m *MemoryStore) FailPayment(orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.payments[orderID]
	if !ok || intent.Status != domain.PaymentPending {
		return nil
	}
	intent.Status = domain.PaymentFailed
	intent.UpdatedAt = time.Now().UTC()
	m.payments[orderID] = intent
	return nil
}

func (m *MemoryStore) Stats() (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{Users: int64(len(m.users)), Analyses: int64(len(m.analyses))}
	for _, rec := range m.analyses {
		if rec.Charged {
			stats.ChargedAnalyses++
		}
	}
	for _, intent := range m.payments {
		if intent.Status == domain.PaymentConfirmed {
			stats.ConfirmedPayments++
			stats.CreditsSold += int64(intent.Credits)
		}
	}
	return stats, nil
}

// Analyses returns a copy of recorded analyses, oldest first.
func (m *MemoryStore) Analyses() []domain.AnalysisRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AnalysisRecord, len(m.analyses))
	copy(out, m.analyses)
	return out
}

func (m *MemoryStore) mutateUser(id int64, fn func(*domain.User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	fn(&user)
	user.UpdatedAt = time.Now().UTC()
	m.users[id] = user
	return nil
}

func (m *MemoryStore) creditLocked(id int64, amount int) (int, error) {
	user, ok := m.users[id]
	if !ok {
		return 0, ErrUserNotFound
	}
	user.Balance += amount
	user.UpdatedAt = time.Now().UTC()
	m.users[id] = user
	return user.Balance, nil
}

func (m *MemoryStore) debitLocked(id int64, amount int) (int, error) {
	user, ok := m.users[id]
	if !ok {
		return 0, ErrUserNotFound
	}
	if user.Balance < amount {
		return 0, ErrInsufficientBalance
	}
	user.Balance -= amount
	user.UpdatedAt = time.Now().UTC()
	m.users[id] = user
	return user.Balance, nil
}
