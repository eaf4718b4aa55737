package store

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"defectmaster/pkg/domain"
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&UserModel{}, &PaymentModel{}, &AnalysisModel{}, &EventModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) EnsureUser(id int64, username string, referredBy int64, startingBalance int) (domain.User, bool, error) {
	now := time.Now().UTC()
	model := UserModel{
		ID:         id,
		Username:   username,
		Balance:    startingBalance,
		ReferredBy: referredBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	res := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(&model)
	if res.Error != nil {
		return domain.User{}, false, fmt.Errorf("ensure user: %w", res.Error)
	}
	created := res.RowsAffected > 0
	user, ok, err := s.GetUser(id)
	if err != nil {
		return domain.User{}, false, err
	}
	if !ok {
		return domain.User{}, false, ErrUserNotFound
	}
	return user, created, nil
}

func (s *GormStore) GetUser(id int64) (domain.User, bool, error) {
	var model UserModel
	err := s.db.First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, fmt.Errorf("get user: %w", err)
	}
	return userFromModel(model), true, nil
}

func (s *GormStore) SetContext(id int64, label string) error {
	if label == "" {
		return ErrEmptyLabel
	}
	return s.updateUser(id, map[string]any{"context_label": label})
}

func (s *GormStore) SetSpreadsheet(id int64, spreadsheetID string) error {
	return s.updateUser(id, map[string]any{"spreadsheet_id": spreadsheetID})
}

func (s *GormStore) SetAdmin(id int64, isAdmin bool) error {
	return s.updateUser(id, map[string]any{"is_admin": isAdmin})
}

func (s *GormStore) updateUser(id int64, fields map[string]any) error {
	fields["updated_at"] = time.Now().UTC()
	res := s.db.Model(&UserModel{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update user: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *GormStore) LogEvent(userID int64, eventType string) error {
	event := EventModel{UserID: userID, EventType: eventType, CreatedAt: time.Now().UTC()}
	if err := s.db.Create(&event).Error; err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

func (s *GormStore) Credit(id int64, amount int) (int, error) {
	var balance int
	err := s.db.Transaction(func(tx *gorm.DB) error {
		return creditTx(tx, id, amount, &balance)
	})
	return balance, err
}

func (s *GormStore) Debit(id int64, amount int) (int, error) {
	var balance int
	err := s.db.Transaction(func(tx *gorm.DB) error {
		return debitTx(tx, id, amount, &balance)
	})
	return balance, err
}

// ChargeAnalysis inserts the history record and debits the balance in one
// transaction, so a committed debit always has a matching record.
func (s *GormStore) ChargeAnalysis(rec domain.AnalysisRecord, cost int) (int, error) {
	var balance int
	err := s.db.Transaction(func(tx *gorm.DB) error {
		rec.Charged = true
		if err := tx.Create(analysisToModel(rec)).Error; err != nil {
			return fmt.Errorf("insert analysis: %w", err)
		}
		return debitTx(tx, rec.UserID, cost, &balance)
	})
	return balance, err
}

func (s *GormStore) LogAnalysis(rec domain.AnalysisRecord) error {
	if err := s.db.Create(analysisToModel(rec)).Error; err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	return nil
}

func (s *GormStore) GrantReferralBonus(inviteeID int64, bonus int) (int64, bool, error) {
	var inviterID int64
	granted := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var invitee UserModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&invitee, "id = ?", inviteeID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return fmt.Errorf("load invitee: %w", err)
		}
		if invitee.ReferredBy == 0 || invitee.ReferralBonusPaid {
			return nil
		}
		inviterID = invitee.ReferredBy
		res := tx.Model(&UserModel{}).Where("id = ?", inviteeID).
			Updates(map[string]any{"referral_bonus_paid": true, "updated_at": time.Now().UTC()})
		if res.Error != nil {
			return fmt.Errorf("mark bonus paid: %w", res.Error)
		}
		var balance int
		if err := creditTx(tx, inviterID, bonus, &balance); err != nil {
			return err
		}
		granted = true
		return nil
	})
	return inviterID, granted, err
}

func (s *GormStore) CreatePayment(intent domain.PaymentIntent) error {
	model := PaymentModel{
		OrderID:   intent.OrderID,
		UserID:    intent.UserID,
		Amount:    intent.Amount,
		Credits:   intent.Credits,
		Status:    string(domain.PaymentPending),
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	res := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_id"}},
		DoNothing: true,
	}).Create(&model)
	if res.Error != nil {
		return fmt.Errorf("create payment: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrDuplicateOrder
	}
	return nil
}

func (s *GormStore) GetPayment(orderID string) (domain.PaymentIntent, bool, error) {
	var model PaymentModel
	err := s.db.First(&model, "order_id = ?", orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.PaymentIntent{}, false, nil
	}
	if err != nil {
		return domain.PaymentIntent{}, false, fmt.Errorf("get payment: %w", err)
	}
	return paymentFromModel(model), true, nil
}

// ConfirmPayment transitions pending -> confirmed exactly once and credits
// the user's balance in the same transaction. A replay on a confirmed
// intent reports AlreadyConfirmed and leaves the balance untouched.
func (s *GormStore) ConfirmPayment(orderID string, rawNotification []byte) (ConfirmResult, error) {
	var result ConfirmResult
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var payment PaymentModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&payment, "order_id = ?", orderID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrPaymentNotFound
			}
			return fmt.Errorf("load payment: %w", err)
		}
		result.UserID = payment.UserID
		result.Credits = payment.Credits
		if payment.Status == string(domain.PaymentConfirmed) {
			result.AlreadyConfirmed = true
			var user UserModel
			if err := tx.First(&user, "id = ?", payment.UserID).Error; err == nil {
				result.NewBalance = user.Balance
			}
			return nil
		}
		fields := map[string]any{
			"status":     string(domain.PaymentConfirmed),
			"updated_at": time.Now().UTC(),
		}
		if len(rawNotification) > 0 {
			fields["notification"] = datatypes.JSON(rawNotification)
		}
		if err := tx.Model(&PaymentModel{}).Where("order_id = ?", orderID).Updates(fields).Error; err != nil {
			return fmt.Errorf("confirm payment: %w", err)
		}
		return creditTx(tx, payment.UserID, payment.Credits, &result.NewBalance)
	})
	return result, err
}

func (s *GormStore) FailPayment(orderID string) error {
	res := s.db.Model(&PaymentModel{}).
		Where("order_id = ? AND status = ?", orderID, string(domain.PaymentPending)).
		Updates(map[string]any{"status": string(domain.PaymentFailed), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("fail payment: %w", res.Error)
	}
	return nil
}

func (s *GormStore) Stats() (Stats, error) {
	var stats Stats
	if err := s.db.Model(&UserModel{}).Count(&stats.Users).Error; err != nil {
		return Stats{}, fmt.Errorf("count users: %w", err)
	}
	if err := s.db.Model(&AnalysisModel{}).Count(&stats.Analyses).Error; err != nil {
		return Stats{}, fmt.Errorf("count analyses: %w", err)
	}
	if err := s.db.Model(&AnalysisModel{}).Where("charged = ?", true).Count(&stats.ChargedAnalyses).Error; err != nil {
		return Stats{}, fmt.Errorf("count charged analyses: %w", err)
	}
	if err := s.db.Model(&PaymentModel{}).Where("status = ?", string(domain.PaymentConfirmed)).
		Count(&stats.ConfirmedPayments).Error; err != nil {
		return Stats{}, fmt.Errorf("count payments: %w", err)
	}
	var creditsSold *int64
	if err := s.db.Model(&PaymentModel{}).Where("status = ?", string(domain.PaymentConfirmed)).
		Select("SUM(credits)").Scan(&creditsSold).Error; err != nil {
		return Stats{}, fmt.Errorf("sum credits: %w", err)
	}
	if creditsSold != nil {
		stats.CreditsSold = *creditsSold
	}
	return stats, nil
}

// debitTx decrements the balance with a non-negative guard. The guard in the
// WHERE clause makes concurrent debits race-safe without a read first.
func debitTx(tx *gorm.DB, id int64, amount int, newBalance *int) error {
	if amount < 0 {
		return fmt.Errorf("negative debit amount %d", amount)
	}
	res := tx.Model(&UserModel{}).
		Where("id = ? AND balance >= ?", id, amount).
		Updates(map[string]any{
			"balance":    gorm.Expr("balance - ?", amount),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("debit: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var user UserModel
		if err := tx.First(&user, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return fmt.Errorf("debit lookup: %w", err)
		}
		return ErrInsufficientBalance
	}
	return readBalance(tx, id, newBalance)
}

func creditTx(tx *gorm.DB, id int64, amount int, newBalance *int) error {
	if amount < 0 {
		return fmt.Errorf("negative credit amount %d", amount)
	}
	res := tx.Model(&UserModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"balance":    gorm.Expr("balance + ?", amount),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("credit: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return readBalance(tx, id, newBalance)
}

func readBalance(tx *gorm.DB, id int64, out *int) error {
	var user UserModel
	if err := tx.First(&user, "id = ?", id).Error; err != nil {
		return fmt.Errorf("read balance: %w", err)
	}
	*out = user.Balance
	return nil
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:                m.ID,
		Username:          m.Username,
		Balance:           m.Balance,
		ContextLabel:      m.ContextLabel,
		SpreadsheetID:     m.SpreadsheetID,
		IsAdmin:           m.IsAdmin,
		ReferredBy:        m.ReferredBy,
		ReferralBonusPaid: m.ReferralBonusPaid,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func paymentFromModel(m PaymentModel) domain.PaymentIntent {
	return domain.PaymentIntent{
		OrderID:   m.OrderID,
		UserID:    m.UserID,
		Amount:    m.Amount,
		Credits:   m.Credits,
		Status:    domain.PaymentStatus(m.Status),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func analysisToModel(rec domain.AnalysisRecord) *AnalysisModel {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return &AnalysisModel{
		ID:           rec.ID,
		UserID:       rec.UserID,
		PhotoID:      rec.PhotoID,
		ContextLabel: rec.ContextLabel,
		Verdict:      string(rec.Verdict),
		DefectCount:  rec.DefectCount,
		Charged:      rec.Charged,
		CreatedAt:    rec.CreatedAt,
	}
}
