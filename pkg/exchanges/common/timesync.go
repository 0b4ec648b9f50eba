package common

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TimeSync keeps a millisecond offset against an exchange server clock so
// signed request timestamps stay inside the venue's recv window.
type TimeSync struct {
	getServerTime func(ctx context.Context) (int64, error)
	log           *zap.SugaredLogger
	offset        int64 // milliseconds, server minus local
	lastSync      time.Time
	syncInterval  time.Duration
	mu            sync.RWMutex
}

// NewTimeSync creates a time synchronization manager.
func NewTimeSync(getServerTime func(ctx context.Context) (int64, error), log *zap.SugaredLogger) *TimeSync {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &TimeSync{
		getServerTime: getServerTime,
		log:           log,
		syncInterval:  30 * time.Minute,
	}
}

// Start syncs once, then resyncs periodically until ctx is cancelled.
func (ts *TimeSync) Start(ctx context.Context) {
	if err := ts.Sync(ctx); err != nil {
		ts.log.Warnw("initial time sync failed", "error", err)
	}

	go func() {
		ticker := time.NewTicker(ts.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ts.Sync(ctx); err != nil {
					ts.log.Warnw("time sync failed", "error", err)
				}
			}
		}
	}()
}

// Sync fetches server time and updates the offset.
func (ts *TimeSync) Sync(ctx context.Context) error {
	localBefore := time.Now().UnixMilli()
	serverTime, err := ts.getServerTime(ctx)
	if err != nil {
		return err
	}
	localAfter := time.Now().UnixMilli()

	// Assume symmetric network latency.
	localTime := localBefore + (localAfter-localBefore)/2

	ts.mu.Lock()
	ts.offset = serverTime - localTime
	ts.lastSync = time.Now()
	ts.mu.Unlock()
	return nil
}

// Now returns current time in ms adjusted for the server offset.
func (ts *TimeSync) Now() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().UnixMilli() + ts.offset
}

// Offset returns the current offset in milliseconds.
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
