package job

import (
	"context"
	"sort"

	"go.uber.org/zap"
)

// ViewerCounter reports participant counts of live streams. Streams that are
// not live are absent from the result.
type ViewerCounter interface {
	Counts(ctx context.Context, names []string) (map[string]int, error)
}

// StreamReconciler is the part of the gateway hub the viewer job drives.
type StreamReconciler interface {
	ReconcileStream(streamID string, participants int, live bool)
	LiveStreams() []string
}

// ViewerReconcileJob copies participant counts from the media server into
// the hub. It checks every configured stream plus every stream the hub
// still believes is live, so streams that ended are marked offline.
type ViewerReconcileJob struct {
	counter ViewerCounter
	hub     StreamReconciler
	streams []string
	logger  *zap.Logger
}

func NewViewerReconcileJob(counter ViewerCounter, hub StreamReconciler, streams []string, logger *zap.Logger) *ViewerReconcileJob {
	return &ViewerReconcileJob{
		counter: counter,
		hub:     hub,
		streams: streams,
		logger:  logger,
	}
}

// Run executes the reconcile job
func (j *ViewerReconcileJob) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	names := j.watched()
	if len(names) == 0 {
		return
	}

	counts, err := j.counter.Counts(ctx, names)
	if err != nil {
		j.logger.Error("Failed to fetch stream participant counts",
			zap.Int("streams", len(names)),
			zap.Error(err),
		)
		return
	}

	for _, name := range names {
		n, live := counts[name]
		j.hub.ReconcileStream(name, n, live)
	}

	j.logger.Debug("Viewer reconcile job completed",
		zap.Int("streams", len(names)),
		zap.Int("live", len(counts)),
	)
}

func (j *ViewerReconcileJob) watched() []string {
	seen := make(map[string]struct{})
	var names []string
	for _, list := range [][]string{j.streams, j.hub.LiveStreams()} {
		for _, name := range list {
			if _, ok := seen[name]; ok || name == "" {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
