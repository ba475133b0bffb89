package bridge

import (
	"context"
	"sort"
	"time"
)

// LifecycleManager runs the periodic eviction task (§4.6).
type LifecycleManager struct {
	bridge   *Bridge
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewLifecycleManager builds a manager for b, running once per interval
// (nominally once per hour per §4.6).
func NewLifecycleManager(b *Bridge, interval time.Duration) *LifecycleManager {
	if interval <= 0 {
		interval = time.Hour
	}
	return &LifecycleManager{bridge: b, interval: interval}
}

// Start launches the periodic task. Call Stop to cancel it before tearing
// down external collaborators (§5).
func (l *LifecycleManager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.runOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the periodic task and waits for it to finish, satisfying
// §4.6's "cancellation must complete before external collaborators are
// torn down".
func (l *LifecycleManager) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
}

// runOnce performs one eviction pass: stale entries first, then
// oldest-first trimming down to MaxSize, persisting the deletions.
func (l *LifecycleManager) runOnce(ctx context.Context) {
	b := l.bridge
	now := time.Now()

	all := b.store.Snapshot()
	sort.Slice(all, func(i, j int) bool { return all[i].LastUpdateAt.Before(all[j].LastUpdateAt) })

	var toEvict []*MessageState
	var rest []*MessageState
	for _, st := range all {
		if b.cfg.MaxAge > 0 && now.Sub(st.LastUpdateAt) > b.cfg.MaxAge {
			toEvict = append(toEvict, st)
		} else {
			rest = append(rest, st)
		}
	}

	if b.cfg.MaxSize > 0 && len(rest) > b.cfg.MaxSize {
		overflow := len(rest) - b.cfg.MaxSize
		toEvict = append(toEvict, rest[:overflow]...)
	}

	for _, st := range toEvict {
		b.store.Evict(st.PacketID)
		if err := b.persist.DeleteMessageState(ctx, st.PacketID); err != nil {
			b.log.Warn("failed to persist eviction", "packet_id", st.PacketID, "error", err)
		}
	}
}
