package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"reseller-service/internal/events"
	"reseller-service/internal/ledger"
	"reseller-service/internal/metrics"
	"reseller-service/internal/models"
	"reseller-service/pkg/common"
)

const PocketFiProvider = "pocketfi"

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidPayload   = errors.New("invalid webhook payload")
	ErrUserNotFound     = errors.New("user not found")
)

type PocketFiWebhook struct {
	Event string       `json:"event"`
	Data  PocketFiData `json:"data"`
}

type PocketFiData struct {
	Reference     string          `json:"reference"`
	Amount        decimal.Decimal `json:"amount"`
	Status        string          `json:"status"`
	AccountNumber string          `json:"account_number"`
	Customer      struct {
		Email string `json:"email"`
	} `json:"customer"`
}

// WebhookResult is what the webhook endpoint answers with.
type WebhookResult struct {
	Status  int
	Message string
}

type PocketFiService struct {
	DB     *gorm.DB
	Ledger *ledger.Ledger
	Events events.Publisher
	Secret string
}

func NewPocketFiService(db *gorm.DB, l *ledger.Ledger, publisher events.Publisher, secret string) *PocketFiService {
	return &PocketFiService{
		DB:     db,
		Ledger: l,
		Events: publisher,
		Secret: secret,
	}
}

// VerifySignature checks the hex HMAC-SHA512 of body. An empty signature or
// an empty secret never verifies.
func (s *PocketFiService) VerifySignature(body []byte, signature string) bool {
	if s.Secret == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, []byte(s.Secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the signature PocketFi would send for body.
func (s *PocketFiService) Sign(body []byte) string {
	mac := hmac.New(sha512.New, []byte(s.Secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// HandleWebhook verifies and applies one webhook delivery. Nothing is
// mutated unless the signature verifies. Every delivery is logged.
func (s *PocketFiService) HandleWebhook(ctx context.Context, body []byte, signature string) (*WebhookResult, error) {
	if !s.VerifySignature(body, signature) {
		s.logCallback(ctx, nil, body, models.CallbackRejected, false, "invalid signature")
		metrics.WebhooksTotal.WithLabelValues(PocketFiProvider, string(models.CallbackRejected)).Inc()
		return nil, ErrInvalidSignature
	}

	var hook PocketFiWebhook
	if err := json.Unmarshal(body, &hook); err != nil || hook.Data.Reference == "" {
		s.logCallback(ctx, &hook, body, models.CallbackFailed, true, "invalid payload")
		metrics.WebhooksTotal.WithLabelValues(PocketFiProvider, string(models.CallbackFailed)).Inc()
		return nil, ErrInvalidPayload
	}

	result, status, err := s.apply(ctx, &hook, body)
	message := ""
	if result != nil {
		message = result.Message
	}
	if err != nil {
		message = err.Error()
	}
	s.logCallback(ctx, &hook, body, status, true, message)
	metrics.WebhooksTotal.WithLabelValues(PocketFiProvider, string(status)).Inc()
	return result, err
}

func (s *PocketFiService) apply(ctx context.Context, hook *PocketFiWebhook, body []byte) (*WebhookResult, models.CallbackStatus, error) {
	if hook.Event != "transfer.received" {
		return &WebhookResult{Status: http.StatusOK, Message: "Event ignored"}, models.CallbackIgnored, nil
	}

	reference := common.Reference(PocketFiProvider, hook.Data.Reference)

	switch strings.ToLower(hook.Data.Status) {
	case "successful", "success", "completed":
	case "pending":
		return s.recordPending(ctx, hook, reference, body)
	case "failed", "reversed":
		return s.settleFailed(ctx, reference)
	default:
		return &WebhookResult{Status: http.StatusOK, Message: "Status ignored"}, models.CallbackIgnored, nil
	}

	if !hook.Data.Amount.IsPositive() {
		return nil, models.CallbackFailed, fmt.Errorf("%w: amount must be positive", ErrInvalidPayload)
	}

	// A deposit announced earlier as pending is settled rather than re-applied.
	if pending, err := s.Ledger.Find(ctx, reference); err == nil {
		if pending.Status != models.TransactionPending {
			return &WebhookResult{Status: http.StatusOK, Message: "Transaction already processed"}, models.CallbackDuplicate, nil
		}
		return s.settlePending(ctx, reference)
	}

	return s.credit(ctx, hook, reference, body)
}

// credit applies a successful deposit that had no ledger row at lookup time.
// A pending row recorded in the meantime is settled instead.
func (s *PocketFiService) credit(ctx context.Context, hook *PocketFiWebhook, reference string, body []byte) (*WebhookResult, models.CallbackStatus, error) {
	logger := log.WithFields(log.Fields{"reference": reference, "event": hook.Event})

	user, err := s.findUser(ctx, hook.Data)
	if err != nil {
		logger.WithError(err).Warn("Webhook for unknown account")
		return nil, models.CallbackFailed, err
	}

	trx, err := s.Ledger.Apply(ctx, ledger.Entry{
		Reference:   reference,
		UserID:      user.ID,
		Amount:      hook.Data.Amount,
		Type:        models.TransactionDeposit,
		Description: "Wallet top-up via PocketFi",
		Metadata:    json.RawMessage(body),
	})
	if errors.Is(err, ledger.ErrDuplicateReference) {
		if trx != nil && trx.Status == models.TransactionPending {
			return s.settlePending(ctx, reference)
		}
		logger.Info("Webhook replay ignored")
		return &WebhookResult{Status: http.StatusOK, Message: "Transaction already processed"}, models.CallbackDuplicate, nil
	}
	if err != nil {
		return nil, models.CallbackFailed, err
	}

	s.credited(ctx, trx)
	logger.WithFields(log.Fields{"user_id": user.ID, "amount": trx.Amount.String()}).Info("Wallet funded")
	return &WebhookResult{Status: http.StatusOK, Message: "Wallet funded"}, models.CallbackProcessed, nil
}

func (s *PocketFiService) settlePending(ctx context.Context, reference string) (*WebhookResult, models.CallbackStatus, error) {
	trx, err := s.Ledger.Settle(ctx, reference, true)
	if errors.Is(err, ledger.ErrAlreadySettled) {
		return &WebhookResult{Status: http.StatusOK, Message: "Transaction already processed"}, models.CallbackDuplicate, nil
	}
	if err != nil {
		return nil, models.CallbackFailed, err
	}
	s.credited(ctx, trx)
	return &WebhookResult{Status: http.StatusOK, Message: "Wallet funded"}, models.CallbackProcessed, nil
}

func (s *PocketFiService) recordPending(ctx context.Context, hook *PocketFiWebhook, reference string, body []byte) (*WebhookResult, models.CallbackStatus, error) {
	if !hook.Data.Amount.IsPositive() {
		return nil, models.CallbackFailed, fmt.Errorf("%w: amount must be positive", ErrInvalidPayload)
	}
	user, err := s.findUser(ctx, hook.Data)
	if err != nil {
		return nil, models.CallbackFailed, err
	}

	_, err = s.Ledger.Record(ctx, ledger.Entry{
		Reference:   reference,
		UserID:      user.ID,
		Amount:      hook.Data.Amount,
		Type:        models.TransactionDeposit,
		Description: "Wallet top-up via PocketFi",
		Metadata:    json.RawMessage(body),
	})
	if errors.Is(err, ledger.ErrDuplicateReference) {
		return &WebhookResult{Status: http.StatusOK, Message: "Transaction already recorded"}, models.CallbackDuplicate, nil
	}
	if err != nil {
		return nil, models.CallbackFailed, err
	}
	return &WebhookResult{Status: http.StatusOK, Message: "Transaction pending"}, models.CallbackProcessed, nil
}

func (s *PocketFiService) settleFailed(ctx context.Context, reference string) (*WebhookResult, models.CallbackStatus, error) {
	_, err := s.Ledger.Settle(ctx, reference, false)
	switch {
	case err == nil:
		return &WebhookResult{Status: http.StatusOK, Message: "Transaction marked failed"}, models.CallbackProcessed, nil
	case errors.Is(err, ledger.ErrTransactionNotFound):
		return &WebhookResult{Status: http.StatusOK, Message: "Nothing to fail"}, models.CallbackIgnored, nil
	case errors.Is(err, ledger.ErrAlreadySettled):
		return &WebhookResult{Status: http.StatusOK, Message: "Transaction already processed"}, models.CallbackDuplicate, nil
	default:
		return nil, models.CallbackFailed, err
	}
}

// findUser resolves the wallet owner by virtual account number, then email.
func (s *PocketFiService) findUser(ctx context.Context, data PocketFiData) (*models.User, error) {
	var user models.User
	db := s.DB.WithContext(ctx)

	if data.AccountNumber != "" {
		err := db.Where("account_number = ?", data.AccountNumber).Limit(1).Find(&user).Error
		if err != nil {
			return nil, err
		}
		if user.ID != 0 {
			return &user, nil
		}
	}
	if data.Customer.Email != "" {
		err := db.Where("LOWER(email) = ?", strings.ToLower(data.Customer.Email)).Limit(1).Find(&user).Error
		if err != nil {
			return nil, err
		}
		if user.ID != 0 {
			return &user, nil
		}
	}
	return nil, ErrUserNotFound
}

func (s *PocketFiService) credited(ctx context.Context, trx *models.Transaction) {
	metrics.LedgerEntries.WithLabelValues(string(models.TransactionDeposit)).Inc()
	if s.Events == nil {
		return
	}
	event := events.DepositEvent{
		Reference:  trx.Reference,
		UserID:     trx.UserId,
		Amount:     trx.Amount,
		Source:     PocketFiProvider,
		OccurredAt: time.Now(),
	}
	if err := s.Events.Publish(ctx, events.DepositCredited, event); err != nil {
		log.WithError(err).Warn("Failed to publish deposit event")
	}
}

func (s *PocketFiService) logCallback(ctx context.Context, hook *PocketFiWebhook, body []byte, status models.CallbackStatus, signatureValid bool, response string) {
	entry := models.CallbackLog{
		Provider:       PocketFiProvider,
		Request:        string(body),
		Response:       response,
		Status:         status,
		SignatureValid: signatureValid,
	}
	if hook != nil {
		entry.Event = hook.Event
		entry.Reference = hook.Data.Reference
	}
	if signatureValid && json.Valid(body) {
		entry.Payload = datatypes.JSON(body)
	}
	if err := s.DB.WithContext(context.WithoutCancel(ctx)).Create(&entry).Error; err != nil {
		log.WithError(err).Error("Failed to write callback log")
	}
}
