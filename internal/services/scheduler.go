package services

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"reseller-service/internal/cache"
)

const (
	ExpirySchedule     = "@every 1m"
	ReconcileSchedule  = "*/10 * * * *"
	ArchiveSchedule    = "0 0 * * *"
	CachePurgeSchedule = "@every 10m"
)

// sweepTimeout bounds a single scheduled run.
const sweepTimeout = 5 * time.Minute

// StartScheduler registers the rental sweeps and, when set, the nightly
// callback log archive and the cache purge. The caller stops it with the
// returned cron's Stop.
func StartScheduler(rentals *RentalService, archive *ArchiveService, vendorCache *cache.Cache) (*cron.Cron, error) {
	c := cron.New()

	_, err := c.AddFunc(ExpirySchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		n, err := rentals.ExpireDue(ctx)
		if err != nil {
			log.WithError(err).Error("Error in ExpireDue")
			return
		}
		if n > 0 {
			log.WithField("count", n).Info("Expired overdue rentals")
		}
	})
	if err != nil {
		return nil, err
	}

	_, err = c.AddFunc(ReconcileSchedule, func() {
		log.Debug("Running scheduled ReconcileOrphanDebits task...")
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		if _, err := rentals.ReconcileOrphanDebits(ctx); err != nil {
			log.WithError(err).Error("Error in ReconcileOrphanDebits")
		}
	})
	if err != nil {
		return nil, err
	}

	if archive != nil {
		_, err = c.AddFunc(ArchiveSchedule, func() {
			log.Info("Running scheduled callback log archive task...")
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			defer cancel()
			if _, err := archive.ArchiveCallbackLogs(ctx); err != nil {
				log.WithError(err).Error("Error archiving callback logs")
			}
		})
		if err != nil {
			return nil, err
		}
	}

	if vendorCache != nil {
		if err := addCachePurge(c, vendorCache); err != nil {
			return nil, err
		}
	}

	c.Start()
	log.Info("Scheduler started (expiry every minute, orphan debits every 10 minutes, archive daily at 00:00)")
	return c, nil
}

// StartCachePurge drops expired vendor catalog and token entries on a
// schedule. It is for processes that do not run StartScheduler.
func StartCachePurge(vendorCache *cache.Cache) (*cron.Cron, error) {
	c := cron.New()
	if err := addCachePurge(c, vendorCache); err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}

func addCachePurge(c *cron.Cron, vendorCache *cache.Cache) error {
	_, err := c.AddFunc(CachePurgeSchedule, func() {
		if n := vendorCache.Purge(); n > 0 {
			log.WithField("count", n).Debug("Purged expired cache entries")
		}
	})
	return err
}
