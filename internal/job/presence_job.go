package job

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const jobTimeout = 10 * time.Second

// PresenceBroadcaster is the part of the gateway hub the snapshot job drives.
type PresenceBroadcaster interface {
	BroadcastSnapshot(ctx context.Context) int
	RefreshPresence(ctx context.Context) int
}

// PresenceSnapshotJob keeps shared presence entries alive for connected
// users and resends the full online set so clients that missed a delta
// converge.
type PresenceSnapshotJob struct {
	hub    PresenceBroadcaster
	logger *zap.Logger
}

func NewPresenceSnapshotJob(hub PresenceBroadcaster, logger *zap.Logger) *PresenceSnapshotJob {
	return &PresenceSnapshotJob{
		hub:    hub,
		logger: logger,
	}
}

// Run executes the snapshot job
func (j *PresenceSnapshotJob) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	refreshed := j.hub.RefreshPresence(ctx)
	online := j.hub.BroadcastSnapshot(ctx)

	j.logger.Debug("Presence snapshot job completed",
		zap.Int("refreshed", refreshed),
		zap.Int("online", online),
	)
}
