package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"

	"reseller-service/internal/models"
	"reseller-service/internal/services"
)

// RentalPoller refreshes one rental from its provider.
type RentalPoller interface {
	PollRental(ctx context.Context, rentalID string) (*models.Rental, error)
}

type Worker struct {
	Rentals   RentalPoller
	Scheduler services.PollScheduler
}

func NewWorker(rentals RentalPoller, scheduler services.PollScheduler) *Worker {
	return &Worker{
		Rentals:   rentals,
		Scheduler: scheduler,
	}
}

// HandleRentalPoll checks a rental once and queues the next check while it
// is still active. Vendor errors do not fail the task; the next attempt or
// the expiry sweep picks the rental up again.
func (w *Worker) HandleRentalPoll(ctx context.Context, t *asynq.Task) error {
	var p RentalPollPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if p.RentalID == "" {
		return fmt.Errorf("rental_id missing: %w", asynq.SkipRetry)
	}

	logger := log.WithFields(log.Fields{"rental_id": p.RentalID, "attempt": p.Attempt})

	rental, err := w.Rentals.PollRental(ctx, p.RentalID)
	if errors.Is(err, services.ErrRentalNotFound) {
		logger.Warn("Poll task for unknown rental dropped")
		return nil
	}
	if err != nil {
		logger.WithError(err).Warn("Rental poll failed")
		if rental == nil {
			return err
		}
	}

	if rental.Status != models.RentalActive {
		logger.WithField("status", rental.Status).Debug("Rental finished, poll chain stopped")
		return nil
	}
	return w.Scheduler.SchedulePoll(ctx, p.RentalID, p.Attempt+1)
}

func StartWorker(redisOpt asynq.RedisConnOpt, worker *Worker) error {
	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				QueueDefault: 1,
			},
			Logger: log.StandardLogger(),
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeRentalPoll, worker.HandleRentalPoll)

	log.Info("Starting rental poll worker")
	return srv.Run(mux)
}
