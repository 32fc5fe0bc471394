package dispatch

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/squall-chua/gerrit-auto-code-review-bot/internal/gerrit"
	"github.com/squall-chua/gerrit-auto-code-review-bot/pkg/models"
)

// PipelineFunc runs one review pipeline to completion for a work item.
type PipelineFunc func(ctx context.Context, item models.WorkItem)

// Dispatcher filters stream events down to reviewer-added events naming the
// bot, deduplicates them by change+patchset, and hands each surviving work
// item to the worker pool. The active set guarantees at most one concurrent
// pipeline per key; a reconnect replaying an event the backend already
// emitted is silently dropped while the first pipeline is still running.
type Dispatcher struct {
	ctx      context.Context
	bot      string
	pool     *Pool
	pipeline PipelineFunc

	mu     sync.Mutex
	active map[models.DedupKey]struct{}
}

// NewDispatcher creates a dispatcher. ctx is the lifetime context passed to
// every pipeline run.
func NewDispatcher(ctx context.Context, botUsername string, pool *Pool, pipeline PipelineFunc) *Dispatcher {
	return &Dispatcher{
		ctx:      ctx,
		bot:      botUsername,
		pool:     pool,
		pipeline: pipeline,
		active:   make(map[models.DedupKey]struct{}),
	}
}

// HandleEvent is the stream reader's event sink. It must return quickly;
// pipeline work happens on the pool.
func (d *Dispatcher) HandleEvent(event *gerrit.Event) {
	if event.Type != gerrit.TypeReviewerAdded {
		log.Debug().Str("type", event.Type).Msg("Ignoring event type")
		return
	}
	if event.Change == nil || event.PatchSet == nil {
		log.Debug().Msg("Ignoring reviewer-added event with missing change or patchset")
		return
	}
	if event.Reviewer == nil || event.Reviewer.Username != d.bot {
		reviewer := ""
		if event.Reviewer != nil {
			reviewer = event.Reviewer.Username
		}
		log.Debug().
			Str("reviewer", reviewer).
			Str("bot", d.bot).
			Msg("Ignoring event: added reviewer is not this bot")
		return
	}

	item := models.WorkItem{
		Project:        event.Change.Project,
		ChangeNumber:   event.Change.Number,
		PatchsetNumber: event.PatchSet.Number,
		Revision:       event.PatchSet.Revision,
	}
	key := item.DedupKey()

	if !d.acquire(key) {
		log.Debug().
			Stringer("key", key).
			Msg("Skipping duplicate reviewer-added event; review already active")
		return
	}

	log.Info().
		Str("project", item.Project).
		Int("change", item.ChangeNumber).
		Int("patchset", item.PatchsetNumber).
		Msg("Dispatching review")

	submitted := d.pool.Submit(func() {
		// The key is released on every outcome; pipelines report their own
		// errors and never panic in steady state.
		defer d.release(key)
		d.pipeline(d.ctx, item)
	})
	if !submitted {
		d.release(key)
	}
}

// acquire inserts the key into the active set. Returns false if a pipeline
// for the key is already running.
func (d *Dispatcher) acquire(key models.DedupKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.active[key]; busy {
		return false
	}
	d.active[key] = struct{}{}
	return true
}

func (d *Dispatcher) release(key models.DedupKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, key)
}

// ActiveCount reports how many pipelines currently hold a key.
func (d *Dispatcher) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}
