package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"
)

// Task Types
const (
	TypeRentalPoll = "rental:poll"
)

const QueueDefault = "default"

type RentalPollPayload struct {
	RentalID string `json:"rental_id"`
	Attempt  int    `json:"attempt"`
}

func NewRentalPollTask(payload RentalPollPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeRentalPoll, data), nil
}

// PollTaskID is unique per rental and attempt so a re-delivered handler
// cannot fork the poll chain.
func PollTaskID(rentalID string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", TypeRentalPoll, rentalID, attempt)
}

// Enqueuer schedules rental polls on Redis.
type Enqueuer struct {
	Client      *asynq.Client
	Interval    time.Duration
	MaxAttempts int
}

func NewEnqueuer(client *asynq.Client, interval time.Duration, maxAttempts int) *Enqueuer {
	return &Enqueuer{
		Client:      client,
		Interval:    interval,
		MaxAttempts: maxAttempts,
	}
}

// SchedulePoll enqueues poll number attempt for rentalID after the poll
// interval. Past MaxAttempts nothing is enqueued and the expiry sweep takes
// over.
func (e *Enqueuer) SchedulePoll(ctx context.Context, rentalID string, attempt int) error {
	if e.MaxAttempts > 0 && attempt > e.MaxAttempts {
		log.WithField("rental_id", rentalID).Debug("Poll attempts exhausted, leaving rental to the expiry sweep")
		return nil
	}

	task, err := NewRentalPollTask(RentalPollPayload{RentalID: rentalID, Attempt: attempt})
	if err != nil {
		return err
	}

	_, err = e.Client.EnqueueContext(ctx, task,
		asynq.Queue(QueueDefault),
		asynq.ProcessIn(e.Interval),
		asynq.TaskID(PollTaskID(rentalID, attempt)),
		asynq.MaxRetry(3),
		asynq.Timeout(time.Minute),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}
