package services

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"reseller-service/internal/models"
)

const archiveBatchSize = 500

// ArchiveService moves old webhook callback logs to the archive table.
// Ledger transactions are never archived.
type ArchiveService struct {
	DB        *gorm.DB
	Retention time.Duration
	Now       func() time.Time
}

func NewArchiveService(db *gorm.DB, retention time.Duration) *ArchiveService {
	return &ArchiveService{DB: db, Retention: retention, Now: time.Now}
}

// ArchiveCallbackLogs moves logs older than Retention in batches and returns
// how many were moved.
func (s *ArchiveService) ArchiveCallbackLogs(ctx context.Context) (int, error) {
	cutoff := s.Now().Add(-s.Retention)
	moved := 0

	for {
		var batch []models.CallbackLog
		err := s.DB.WithContext(ctx).
			Where("created_at < ?", cutoff).
			Order("id").
			Limit(archiveBatchSize).
			Find(&batch).Error
		if err != nil {
			return moved, err
		}
		if len(batch) == 0 {
			break
		}

		archived := make([]models.ArchivedCallbackLog, len(batch))
		ids := make([]uint, len(batch))
		for i, entry := range batch {
			archived[i] = models.ArchivedCallbackLog{
				ID:             entry.ID,
				Provider:       entry.Provider,
				Reference:      entry.Reference,
				Event:          entry.Event,
				Request:        entry.Request,
				Payload:        entry.Payload,
				Response:       entry.Response,
				Status:         entry.Status,
				SignatureValid: entry.SignatureValid,
				CreatedAt:      entry.CreatedAt,
			}
			ids[i] = entry.ID
		}

		err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&archived).Error; err != nil {
				return err
			}
			return tx.Delete(&models.CallbackLog{}, ids).Error
		})
		if err != nil {
			return moved, err
		}
		moved += len(batch)

		if len(batch) < archiveBatchSize {
			break
		}
	}

	if moved > 0 {
		log.WithField("count", moved).Info("Archived callback logs")
	}
	return moved, nil
}
