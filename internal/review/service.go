// Package review orchestrates one automated review per work item: notify
// start, fetch diffs, analyze, re-check currency, post, and optionally
// remove the bot from the reviewer list.
package review

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/squall-chua/gerrit-auto-code-review-bot/internal/analyzer"
	"github.com/squall-chua/gerrit-auto-code-review-bot/internal/gerrit"
	"github.com/squall-chua/gerrit-auto-code-review-bot/pkg/models"
)

const startMessage = "Starting automated code review..."

// Config holds the pipeline's behavior switches.
type Config struct {
	// BotUsername is the account the bot reviews as; used for reviewer
	// removal after posting.
	BotUsername string
	// RemoveReviewer removes the bot from the reviewer list after a
	// successful post.
	RemoveReviewer bool
}

// Pipeline runs the review steps for one work item. A Pipeline is shared
// across dispatched work items and holds no per-item state.
type Pipeline struct {
	backend  Backend
	fetcher  *Fetcher
	analyzer analyzer.Analyzer
	cfg      Config
}

// NewPipeline wires the pipeline's collaborators.
func NewPipeline(backend Backend, fetcher *Fetcher, an analyzer.Analyzer, cfg Config) *Pipeline {
	return &Pipeline{
		backend:  backend,
		fetcher:  fetcher,
		analyzer: an,
		cfg:      cfg,
	}
}

// Run executes the full pipeline for one work item. It never returns an
// error: every failure mode is logged and resolved locally so the caller's
// bookkeeping (dedup key release) is unconditional.
func (p *Pipeline) Run(ctx context.Context, item models.WorkItem) {
	changeID := item.ChangeID()
	logger := log.With().
		Str("run_id", uuid.NewString()).
		Str("change", changeID).
		Int("patchset", item.PatchsetNumber).
		Logger()

	logger.Info().Str("revision", item.Revision).Msg("Starting review pipeline")

	// Step 1: tell the change the review started. Best-effort; a rejected
	// notification is no reason to skip the review itself.
	err := p.backend.SetReview(ctx, changeID, item.Revision, gerrit.ReviewInput{
		Message: startMessage,
		Labels:  map[string]int{"Code-Review": 0},
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to post start notification")
	}

	// Step 2: assemble the diff bundle.
	bundle, err := p.fetcher.FetchBundle(ctx, item)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list changed files; abandoning review")
		return
	}
	if len(bundle) == 0 {
		logger.Warn().Msg("No reviewable diffs found; skipping review")
		return
	}
	logger.Info().Int("files", len(bundle)).Msg("Fetched diffs, starting analysis")

	// Step 3: analyze. A failed analysis degrades to a neutral result so
	// the pipeline still runs to completion.
	result, err := p.analyzer.Analyze(ctx, bundle)
	if err != nil {
		logger.Error().Err(err).Msg("Analysis failed; posting degraded result")
		result = &models.ReviewResult{Summary: err.Error(), Vote: 0}
	}

	// Step 4: the patchset may have been superseded while the LLM was
	// working. A review of an outdated revision is worse than none.
	current, err := p.backend.IsCurrentRevision(ctx, changeID, item.Revision)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to verify revision currency; discarding review")
		return
	}
	if !current {
		logger.Warn().Msg("Patchset was superseded during analysis; discarding review")
		return
	}

	// Step 5: post the review. Not retried; the next patchset gets a
	// fresh run.
	err = p.backend.SetReview(ctx, changeID, item.Revision, gerrit.ReviewInput{
		Message:  result.Summary,
		Labels:   map[string]int{"Code-Review": result.Vote},
		Comments: toCommentInputs(result.Comments),
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to post review")
		return
	}
	logger.Info().Int("vote", result.Vote).Msg("Posted review")

	// Step 6: optional cleanup.
	if p.cfg.RemoveReviewer {
		if err := p.backend.RemoveReviewer(ctx, changeID, p.cfg.BotUsername); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove bot from reviewer list")
		} else {
			logger.Info().Msg("Removed bot from reviewer list")
		}
	}
}

// toCommentInputs converts analyzer comments to the REST wire shape,
// preserving per-file comment order.
func toCommentInputs(comments map[string][]models.InlineComment) map[string][]gerrit.CommentInput {
	if len(comments) == 0 {
		return nil
	}
	out := make(map[string][]gerrit.CommentInput, len(comments))
	for file, list := range comments {
		inputs := make([]gerrit.CommentInput, 0, len(list))
		for _, c := range list {
			inputs = append(inputs, gerrit.CommentInput{Line: c.Line, Message: c.Message})
		}
		out[file] = inputs
	}
	return out
}
