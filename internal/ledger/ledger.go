// Package ledger is the only writer of user balances. Every balance change is
// the application of exactly one Transaction row, keyed by a unique reference.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"reseller-service/internal/models"
	"reseller-service/pkg/common"
)

var (
	ErrInsufficientBalance = errors.New("Insufficient balance")
	ErrDuplicateReference  = errors.New("transaction reference already applied")
	ErrUserNotFound        = errors.New("user not found")
	ErrInvalidAmount       = errors.New("amount must be non-zero")
	ErrInvalidReference    = errors.New("reference is required")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrAlreadySettled      = errors.New("transaction already settled")
)

// Entry describes a balance change. Amount is signed: positive credits,
// negative debits.
type Entry struct {
	Reference   string
	UserID      int
	Amount      decimal.Decimal
	Type        models.TransactionType
	Description string
	Metadata    interface{}
}

type Ledger struct {
	DB *gorm.DB
}

func New(db *gorm.DB) *Ledger {
	return &Ledger{DB: db}
}

// Apply records entry as a successful transaction and moves the balance in one
// database transaction. Replaying a reference returns the stored transaction
// together with ErrDuplicateReference and leaves the balance untouched.
func (l *Ledger) Apply(ctx context.Context, entry Entry) (*models.Transaction, error) {
	var trx *models.Transaction
	err := l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		trx, err = l.ApplyTx(tx, entry)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateReference) {
			return trx, err
		}
		// A concurrent apply of the same reference loses on the unique index.
		if existing, lookupErr := l.Find(ctx, entry.Reference); lookupErr == nil {
			return existing, ErrDuplicateReference
		}
		return nil, err
	}
	return trx, nil
}

// ApplyTx is Apply inside a caller-owned transaction.
func (l *Ledger) ApplyTx(tx *gorm.DB, entry Entry) (*models.Transaction, error) {
	if err := validate(entry); err != nil {
		return nil, err
	}

	var existing models.Transaction
	err := tx.Where("reference = ?", entry.Reference).Limit(1).Find(&existing).Error
	if err != nil {
		return nil, err
	}
	if existing.ID != 0 {
		return &existing, ErrDuplicateReference
	}

	balance, err := moveBalance(tx, entry.UserID, entry.Amount)
	if err != nil {
		return nil, err
	}

	metadata, err := encodeMetadata(entry.Metadata)
	if err != nil {
		return nil, err
	}

	trx := models.Transaction{
		Reference:    entry.Reference,
		UserId:       entry.UserID,
		Amount:       entry.Amount,
		Type:         entry.Type,
		Status:       models.TransactionSuccessful,
		BalanceAfter: balance,
		Description:  entry.Description,
		Metadata:     metadata,
	}
	if err := tx.Create(&trx).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateReference
		}
		return nil, fmt.Errorf("create transaction: %w", err)
	}
	return &trx, nil
}

// Record stores entry as a pending transaction without touching the balance.
func (l *Ledger) Record(ctx context.Context, entry Entry) (*models.Transaction, error) {
	if err := validate(entry); err != nil {
		return nil, err
	}
	metadata, err := encodeMetadata(entry.Metadata)
	if err != nil {
		return nil, err
	}

	trx := models.Transaction{
		Reference:   entry.Reference,
		UserId:      entry.UserID,
		Amount:      entry.Amount,
		Type:        entry.Type,
		Status:      models.TransactionPending,
		Description: entry.Description,
		Metadata:    metadata,
	}
	if err := l.DB.WithContext(ctx).Create(&trx).Error; err != nil {
		if existing, lookupErr := l.Find(ctx, entry.Reference); lookupErr == nil {
			return existing, ErrDuplicateReference
		}
		return nil, fmt.Errorf("record transaction: %w", err)
	}
	return &trx, nil
}

// Settle moves a pending transaction to successful (applying its amount) or
// failed. Settling twice returns ErrAlreadySettled.
func (l *Ledger) Settle(ctx context.Context, reference string, success bool) (*models.Transaction, error) {
	var trx models.Transaction
	err := l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("reference = ?", reference).First(&trx).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTransactionNotFound
			}
			return err
		}

		target := models.TransactionFailed
		if success {
			target = models.TransactionSuccessful
		}

		res := tx.Model(&models.Transaction{}).
			Where("id = ? AND status = ?", trx.ID, models.TransactionPending).
			Update("status", target)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadySettled
		}
		trx.Status = target

		if !success {
			return nil
		}

		balance, err := moveBalance(tx, trx.UserId, trx.Amount)
		if err != nil {
			return err
		}
		trx.BalanceAfter = balance
		return tx.Model(&models.Transaction{}).Where("id = ?", trx.ID).Update("balance_after", balance).Error
	})
	if err != nil {
		return nil, err
	}
	return &trx, nil
}

func (l *Ledger) Find(ctx context.Context, reference string) (*models.Transaction, error) {
	var trx models.Transaction
	if err := l.DB.WithContext(ctx).Where("reference = ?", reference).First(&trx).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &trx, nil
}

func (l *Ledger) Balance(ctx context.Context, userID int) (decimal.Decimal, error) {
	var user models.User
	if err := l.DB.WithContext(ctx).Select("id", "balance").First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, ErrUserNotFound
		}
		return decimal.Zero, err
	}
	return user.Balance, nil
}

// History returns one page of the user's transactions, newest first.
func (l *Ledger) History(ctx context.Context, userID, page, limit int) (common.PaginationResult, error) {
	page, limit = common.NormalizePage(page, limit)

	query := l.DB.WithContext(ctx).Model(&models.Transaction{}).Where("user_id = ?", userID).Session(&gorm.Session{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return common.PaginationResult{}, err
	}

	var transactions []models.Transaction
	if err := query.Order("created_at DESC").Order("id DESC").
		Limit(limit).Offset(common.Offset(page, limit)).
		Find(&transactions).Error; err != nil {
		return common.PaginationResult{}, err
	}

	return common.PaginateResponse(transactions, total, page, limit, "Transactions fetched"), nil
}

// Reconciliation compares the stored balance with the sum of successful entries.
type Reconciliation struct {
	UserID    int             `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	LedgerSum decimal.Decimal `json:"ledger_sum"`
	Drift     decimal.Decimal `json:"drift"`
}

func (r Reconciliation) Balanced() bool {
	return r.Drift.IsZero()
}

func (l *Ledger) Reconcile(ctx context.Context, userID int) (Reconciliation, error) {
	balance, err := l.Balance(ctx, userID)
	if err != nil {
		return Reconciliation{}, err
	}

	var amounts []decimal.Decimal
	err = l.DB.WithContext(ctx).Model(&models.Transaction{}).
		Where("user_id = ? AND status = ?", userID, models.TransactionSuccessful).
		Pluck("amount", &amounts).Error
	if err != nil {
		return Reconciliation{}, err
	}

	sum := decimal.Sum(decimal.Zero, amounts...)
	return Reconciliation{
		UserID:    userID,
		Balance:   balance,
		LedgerSum: sum,
		Drift:     balance.Sub(sum),
	}, nil
}

// moveBalance applies amount with a single guarded update and returns the new balance.
func moveBalance(tx *gorm.DB, userID int, amount decimal.Decimal) (decimal.Decimal, error) {
	query := tx.Model(&models.User{}).Where("id = ?", userID)
	if amount.IsNegative() {
		query = query.Where("balance >= ?", amount.Neg())
	}

	res := query.UpdateColumn("balance", gorm.Expr("balance + ?", amount))
	if res.Error != nil {
		return decimal.Zero, fmt.Errorf("update balance: %w", res.Error)
	}

	var user models.User
	if err := tx.Select("id", "balance").Limit(1).Find(&user, userID).Error; err != nil {
		return decimal.Zero, err
	}
	if res.RowsAffected == 0 {
		if user.ID == 0 {
			return decimal.Zero, ErrUserNotFound
		}
		return decimal.Zero, ErrInsufficientBalance
	}
	return user.Balance, nil
}

func validate(entry Entry) error {
	if entry.Reference == "" {
		return ErrInvalidReference
	}
	if entry.Amount.IsZero() {
		return ErrInvalidAmount
	}
	return nil
}

func encodeMetadata(v interface{}) (datatypes.JSON, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return datatypes.JSON(raw), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return datatypes.JSON(b), nil
}
