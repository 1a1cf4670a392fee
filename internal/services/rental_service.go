package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"reseller-service/internal/events"
	"reseller-service/internal/ledger"
	"reseller-service/internal/metrics"
	"reseller-service/internal/models"
	"reseller-service/internal/providers"
	"reseller-service/pkg/common"
)

var (
	ErrRentalNotFound  = errors.New("rental not found")
	ErrRentalNotActive = errors.New("rental is not active")
	ErrPriceAboveMax   = errors.New("price exceeds the maximum you set")
	ErrServiceRequired = errors.New("serviceId is required")
)

// sweepConcurrency bounds vendor calls made by a single sweep.
const sweepConcurrency = 8

// recentWindow is how long finished rentals stay in the active listing.
const recentWindow = 24 * time.Hour

// PollScheduler queues a server-side status check for a rental.
type PollScheduler interface {
	SchedulePoll(ctx context.Context, rentalID string, attempt int) error
}

type RentRequest struct {
	Provider  string
	ServiceID string
	Country   string
	MaxPrice  decimal.Decimal
}

type RentalService struct {
	DB          *gorm.DB
	Ledger      *ledger.Ledger
	Catalog     *CatalogService
	Providers   *providers.Registry
	Events      events.Publisher
	Poller      PollScheduler
	TTL         time.Duration
	OrphanGrace time.Duration
	Now         func() time.Time
}

func NewRentalService(db *gorm.DB, l *ledger.Ledger, catalog *CatalogService, publisher events.Publisher, poller PollScheduler, ttl, orphanGrace time.Duration) *RentalService {
	return &RentalService{
		DB:          db,
		Ledger:      l,
		Catalog:     catalog,
		Providers:   catalog.Providers,
		Events:      publisher,
		Poller:      poller,
		TTL:         ttl,
		OrphanGrace: orphanGrace,
		Now:         time.Now,
	}
}

func (s *RentalService) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func debitReference(rentalID string) string {
	return common.Reference("rental", rentalID, "debit")
}

func refundReference(rentalID string) string {
	return common.Reference("rental", rentalID, "refund")
}

// Rent charges the user and leases a number. The balance is debited before
// the vendor purchase so concurrent rents cannot overspend; every failure
// after the debit refunds it.
func (s *RentalService) Rent(ctx context.Context, userID int, req RentRequest) (*models.Rental, error) {
	if strings.TrimSpace(req.ServiceID) == "" {
		return nil, ErrServiceRequired
	}

	quote, err := s.Catalog.Quote(ctx, req.Provider, req.Country, req.ServiceID)
	if err != nil {
		return nil, err
	}
	p := quote.Provider

	if req.MaxPrice.IsPositive() && quote.Price.GreaterThan(req.MaxPrice) {
		metrics.RentalsTotal.WithLabelValues(p.Name(), "above_max_price").Inc()
		return nil, fmt.Errorf("%w: %s > %s", ErrPriceAboveMax, quote.Price.StringFixed(2), req.MaxPrice.StringFixed(2))
	}

	rentalID := common.NewID()
	logger := log.WithFields(log.Fields{
		"rental_id": rentalID,
		"user_id":   userID,
		"provider":  p.Name(),
		"service":   req.ServiceID,
	})

	_, err = s.Ledger.Apply(ctx, ledger.Entry{
		Reference:   debitReference(rentalID),
		UserID:      userID,
		Amount:      quote.Price.Neg(),
		Type:        models.TransactionRentalDebit,
		Description: fmt.Sprintf("Virtual number rental: %s", quote.Service.Name),
		Metadata: map[string]interface{}{
			"rental_id":  rentalID,
			"provider":   p.Name(),
			"service_id": req.ServiceID,
			"country":    req.Country,
		},
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			metrics.RentalsTotal.WithLabelValues(p.Name(), "insufficient_balance").Inc()
		}
		return nil, err
	}
	metrics.LedgerEntries.WithLabelValues(string(models.TransactionRentalDebit)).Inc()

	// Compensation must finish even if the caller goes away.
	bg := context.WithoutCancel(ctx)

	// Once the vendor has been asked for a number the outcome must be recorded,
	// so the purchase does not follow the caller's cancellation either.
	purchase, err := p.Purchase(bg, req.ServiceID, req.Country)
	if err != nil {
		metrics.RentalsTotal.WithLabelValues(p.Name(), "provider_error").Inc()
		logger.WithError(err).Warn("Number purchase failed, refunding")
		s.refundOrphan(bg, userID, rentalID, quote.Price, "Refund: number purchase failed")
		return nil, err
	}

	now := s.now()
	expiresAt := now.Add(s.TTL)
	if !purchase.ExpiresAt.IsZero() && purchase.ExpiresAt.Before(expiresAt) {
		expiresAt = purchase.ExpiresAt
	}

	rental := models.Rental{
		ID:             rentalID,
		Provider:       p.Name(),
		ExternalId:     purchase.ExternalID,
		PhoneNumber:    purchase.Number,
		UserId:         userID,
		ServiceId:      req.ServiceID,
		ServiceName:    quote.Service.Name,
		Country:        req.Country,
		Price:          quote.Price,
		Status:         models.RentalActive,
		DebitReference: debitReference(rentalID),
		ExpiresAt:      expiresAt,
	}
	if err := s.DB.WithContext(bg).Create(&rental).Error; err != nil {
		metrics.RentalsTotal.WithLabelValues(p.Name(), "store_error").Inc()
		logger.WithError(err).Error("Failed to store rental, releasing number and refunding")
		if cancelErr := p.Cancel(bg, purchase.ExternalID); cancelErr != nil {
			logger.WithError(cancelErr).Error("Failed to release number at provider")
		}
		s.refundOrphan(bg, userID, rentalID, quote.Price, "Refund: rental could not be recorded")
		return nil, fmt.Errorf("store rental: %w", err)
	}

	metrics.RentalsTotal.WithLabelValues(p.Name(), "active").Inc()
	logger.WithField("number", rental.PhoneNumber).Info("Number rented")

	s.schedulePoll(bg, rental.ID, 1)
	s.publish(bg, events.RentalCreated, &rental)
	return &rental, nil
}

// refundOrphan returns a debit for which no rental exists.
func (s *RentalService) refundOrphan(ctx context.Context, userID int, rentalID string, amount decimal.Decimal, description string) {
	_, err := s.Ledger.Apply(ctx, ledger.Entry{
		Reference:   refundReference(rentalID),
		UserID:      userID,
		Amount:      amount,
		Type:        models.TransactionRentalRefund,
		Description: description,
		Metadata:    map[string]interface{}{"rental_id": rentalID},
	})
	if err != nil && !errors.Is(err, ledger.ErrDuplicateReference) {
		log.WithError(err).WithField("rental_id", rentalID).Error("Refund failed; orphan sweep will retry")
		return
	}
	metrics.LedgerEntries.WithLabelValues(string(models.TransactionRentalRefund)).Inc()
}

// Poll refreshes every active rental of the user and returns the user's
// active and recently finished rentals, newest first.
func (s *RentalService) Poll(ctx context.Context, userID int) ([]models.Rental, error) {
	var active []models.Rental
	err := s.DB.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, models.RentalActive).
		Find(&active).Error
	if err != nil {
		return nil, err
	}

	for i := range active {
		if _, err := s.refresh(ctx, &active[i]); err != nil {
			log.WithError(err).WithField("rental_id", active[i].ID).Warn("Rental status refresh failed")
		}
	}

	var rentals []models.Rental
	err = s.DB.WithContext(ctx).
		Where("user_id = ? AND (status = ? OR updated_at >= ?)", userID, models.RentalActive, s.now().Add(-recentWindow)).
		Order("created_at DESC").
		Limit(100).
		Find(&rentals).Error
	if err != nil {
		return nil, err
	}
	return rentals, nil
}

// PollRental refreshes a single rental and returns its current state.
func (s *RentalService) PollRental(ctx context.Context, rentalID string) (*models.Rental, error) {
	rental, err := s.find(ctx, rentalID)
	if err != nil {
		return nil, err
	}
	if rental.Status.Terminal() {
		return rental, nil
	}
	if _, err := s.refresh(ctx, rental); err != nil {
		return rental, err
	}
	return s.find(ctx, rentalID)
}

// Cancel releases an active rental at the provider and refunds its price.
func (s *RentalService) Cancel(ctx context.Context, userID int, rentalID string) (*models.Rental, error) {
	var rental models.Rental
	err := s.DB.WithContext(ctx).Where("id = ? AND user_id = ?", rentalID, userID).First(&rental).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRentalNotFound
		}
		return nil, err
	}
	if rental.Status.Terminal() {
		return nil, ErrRentalNotActive
	}

	p, err := s.Providers.Get(rental.Provider)
	if err != nil {
		return nil, err
	}
	if err := p.Cancel(ctx, rental.ExternalId); err != nil {
		return nil, err
	}

	now := s.now()
	moved, err := s.finish(context.WithoutCancel(ctx), &rental, models.RentalCancelled, map[string]interface{}{
		"cancelled_at": now,
	})
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, ErrRentalNotActive
	}
	return &rental, nil
}

// ExpireDue settles every active rental past its expiry and returns how many
// left the active state. A code that reached the provider before the sweep
// still completes the rental; the rest expire.
func (s *RentalService) ExpireDue(ctx context.Context) (int, error) {
	var due []models.Rental
	err := s.DB.WithContext(ctx).
		Where("status = ? AND expires_at < ?", models.RentalActive, s.now()).
		Find(&due).Error
	if err != nil {
		return 0, err
	}

	expired := make([]bool, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for i := range due {
		i := i
		g.Go(func() error {
			moved, err := s.refresh(gctx, &due[i])
			if err != nil {
				log.WithError(err).WithField("rental_id", due[i].ID).Error("Failed to expire rental")
				return nil
			}
			expired[i] = moved
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	count := 0
	for _, moved := range expired {
		if moved {
			count++
		}
	}
	return count, nil
}

// ReconcileOrphanDebits refunds rental debits older than the grace period
// that have neither a rental record nor a refund.
func (s *RentalService) ReconcileOrphanDebits(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.OrphanGrace)

	var debits []models.Transaction
	err := s.DB.WithContext(ctx).
		Where("type = ? AND status = ? AND created_at < ?", models.TransactionRentalDebit, models.TransactionSuccessful, cutoff).
		Where("NOT EXISTS (SELECT 1 FROM rentals WHERE rentals.debit_reference = transactions.reference)").
		Where("NOT EXISTS (SELECT 1 FROM transactions refunds WHERE refunds.reference = REPLACE(transactions.reference, ':debit', ':refund'))").
		Find(&debits).Error
	if err != nil {
		return 0, err
	}

	refunded := 0
	for _, debit := range debits {
		ref := strings.TrimSuffix(debit.Reference, ":debit") + ":refund"
		_, err := s.Ledger.Apply(ctx, ledger.Entry{
			Reference:   ref,
			UserID:      debit.UserId,
			Amount:      debit.Amount.Neg(),
			Type:        models.TransactionRentalRefund,
			Description: "Refund: rental was never recorded",
			Metadata:    map[string]interface{}{"debit_reference": debit.Reference},
		})
		if err != nil {
			if errors.Is(err, ledger.ErrDuplicateReference) {
				continue
			}
			log.WithError(err).WithField("reference", debit.Reference).Error("Failed to refund orphan debit")
			continue
		}
		refunded++
		metrics.OrphanDebitsRefunded.Inc()
		log.WithFields(log.Fields{"reference": debit.Reference, "user_id": debit.UserId}).Warn("Refunded orphan rental debit")
	}
	return refunded, nil
}

// refresh applies the provider's view of an active rental. It reports whether
// the rental left the active state. The provider is asked first even past
// expiry so a code delivered in time is never refunded away.
func (s *RentalService) refresh(ctx context.Context, rental *models.Rental) (bool, error) {
	overdue := s.now().After(rental.ExpiresAt)

	p, err := s.Providers.Get(rental.Provider)
	if err != nil {
		if overdue {
			return s.finish(ctx, rental, models.RentalExpired, nil)
		}
		return false, err
	}
	status, err := p.CheckStatus(ctx, rental.ExternalId)
	if err != nil {
		if overdue {
			log.WithError(err).WithField("rental_id", rental.ID).Warn("Status check failed on overdue rental, expiring")
			return s.expire(ctx, p, rental)
		}
		return false, err
	}

	now := s.now()
	switch status.State {
	case providers.StateReceived:
		code, fullSMS := status.Code, status.FullSMS
		return s.finish(ctx, rental, models.RentalCompleted, map[string]interface{}{
			"code":         code,
			"full_sms":     fullSMS,
			"completed_at": now,
		})
	case providers.StateCancelled:
		return s.finish(ctx, rental, models.RentalCancelled, map[string]interface{}{
			"cancelled_at": now,
		})
	case providers.StateExpired:
		return s.finish(ctx, rental, models.RentalExpired, nil)
	default:
		if overdue {
			return s.expire(ctx, p, rental)
		}
		return false, nil
	}
}

// expire releases the number at the provider on a best-effort basis and
// refunds the rental.
func (s *RentalService) expire(ctx context.Context, p providers.Provider, rental *models.Rental) (bool, error) {
	if err := p.Cancel(ctx, rental.ExternalId); err != nil {
		log.WithError(err).WithField("rental_id", rental.ID).Debug("Provider cancel on expiry failed")
	}
	return s.finish(ctx, rental, models.RentalExpired, nil)
}

// finish moves an active rental to status. Cancelled and expired rentals are
// refunded in the same database transaction. It reports false when the rental
// was no longer active.
func (s *RentalService) finish(ctx context.Context, rental *models.Rental, status models.RentalStatus, fields map[string]interface{}) (bool, error) {
	refund := status == models.RentalCancelled || status == models.RentalExpired

	updates := map[string]interface{}{"status": status}
	for k, v := range fields {
		updates[k] = v
	}
	if refund {
		updates["refund_reference"] = refundReference(rental.ID)
	}

	moved := false
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Rental{}).
			Where("id = ? AND status = ?", rental.ID, models.RentalActive).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		moved = true

		if !refund {
			return nil
		}
		_, err := s.Ledger.ApplyTx(tx, ledger.Entry{
			Reference:   refundReference(rental.ID),
			UserID:      rental.UserId,
			Amount:      rental.Price,
			Type:        models.TransactionRentalRefund,
			Description: fmt.Sprintf("Refund: rental %s", status),
			Metadata:    map[string]interface{}{"rental_id": rental.ID},
		})
		if errors.Is(err, ledger.ErrDuplicateReference) {
			return nil
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("finish rental %s: %w", rental.ID, err)
	}

	if err := s.DB.WithContext(ctx).First(rental, "id = ?", rental.ID).Error; err != nil {
		return moved, err
	}
	if !moved {
		return false, nil
	}

	if refund {
		metrics.LedgerEntries.WithLabelValues(string(models.TransactionRentalRefund)).Inc()
	}
	metrics.RentalTransitions.WithLabelValues(rental.Provider, string(status)).Inc()
	log.WithFields(log.Fields{
		"rental_id": rental.ID,
		"user_id":   rental.UserId,
		"status":    status,
	}).Info("Rental finished")

	s.publish(ctx, "rental."+string(status), rental)
	return true, nil
}

func (s *RentalService) find(ctx context.Context, rentalID string) (*models.Rental, error) {
	var rental models.Rental
	if err := s.DB.WithContext(ctx).First(&rental, "id = ?", rentalID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRentalNotFound
		}
		return nil, err
	}
	return &rental, nil
}

func (s *RentalService) schedulePoll(ctx context.Context, rentalID string, attempt int) {
	if s.Poller == nil {
		return
	}
	if err := s.Poller.SchedulePoll(ctx, rentalID, attempt); err != nil {
		log.WithError(err).WithField("rental_id", rentalID).Warn("Failed to schedule rental poll")
	}
}

func (s *RentalService) publish(ctx context.Context, routingKey string, rental *models.Rental) {
	if s.Events == nil {
		return
	}
	event := events.RentalEvent{
		RentalID:    rental.ID,
		UserID:      rental.UserId,
		Provider:    rental.Provider,
		ServiceID:   rental.ServiceId,
		PhoneNumber: rental.PhoneNumber,
		Status:      string(rental.Status),
		Price:       rental.Price,
		OccurredAt:  s.now(),
	}
	if err := s.Events.Publish(ctx, routingKey, event); err != nil {
		log.WithError(err).WithField("routing_key", routingKey).Warn("Failed to publish rental event")
	}
}
