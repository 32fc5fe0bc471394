package review

import (
	"context"
	"path"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/squall-chua/gerrit-auto-code-review-bot/internal/gerrit"
	"github.com/squall-chua/gerrit-auto-code-review-bot/pkg/models"
)

// Backend is the slice of the Gerrit REST API the review pipeline depends
// on. The concrete implementation is gerrit.Client; tests substitute fakes.
type Backend interface {
	ListFiles(ctx context.Context, changeID, revision string) ([]string, error)
	GetFileDiff(ctx context.Context, changeID, revision, file string) (*gerrit.FileDiff, error)
	IsCurrentRevision(ctx context.Context, changeID, revision string) (bool, error)
	SetReview(ctx context.Context, changeID, revision string, review gerrit.ReviewInput) error
	RemoveReviewer(ctx context.Context, changeID, account string) error
}

// commitMsgFile is the synthetic artifact Gerrit lists for every revision.
const commitMsgFile = "/COMMIT_MSG"

// ignoredExtensions are binary or media formats the analyzer cannot review.
var ignoredExtensions = []string{
	".png", ".jpg", ".jpeg", ".gif", ".ico", ".pdf", ".zip", ".tar", ".gz",
	".pyc", ".class", ".exe", ".dll", ".so", ".dylib", ".woff", ".woff2", ".ttf",
}

// ignoredFiles are generated dependency lockfiles; reviewing them is noise.
var ignoredFiles = map[string]struct{}{
	"package-lock.json": {},
	"yarn.lock":         {},
	"pnpm-lock.yaml":    {},
	"poetry.lock":       {},
	"Cargo.lock":        {},
	"go.sum":            {},
	"Gemfile.lock":      {},
}

// Fetcher assembles the diff bundle for a work item, fetching individual
// file diffs concurrently with its own bounded worker count, independent
// of the dispatch pool.
type Fetcher struct {
	backend Backend
	workers int
}

// NewFetcher creates a fetcher with the given per-item fetch concurrency.
func NewFetcher(backend Backend, workers int) *Fetcher {
	if workers <= 0 {
		workers = 5
	}
	return &Fetcher{backend: backend, workers: workers}
}

// reviewable filters out the commit-message artifact, binary extensions and
// known lockfiles.
func reviewable(file string) bool {
	if file == commitMsgFile {
		return false
	}
	lower := strings.ToLower(file)
	for _, ext := range ignoredExtensions {
		if strings.HasSuffix(lower, ext) {
			return false
		}
	}
	if _, skip := ignoredFiles[path.Base(file)]; skip {
		return false
	}
	return true
}

// FetchBundle lists the changed files of a work item and fetches each
// surviving file's diff in parallel. A failed fetch omits that one file
// from the bundle; only the listing call itself is fatal. The returned map
// is empty when nothing reviewable changed.
func (f *Fetcher) FetchBundle(ctx context.Context, item models.WorkItem) (map[string]string, error) {
	changeID := item.ChangeID()

	files, err := f.backend.ListFiles(ctx, changeID, item.Revision)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(files))
	for _, file := range files {
		if reviewable(file) {
			names = append(names, file)
		} else {
			log.Debug().Str("file", file).Msg("Skipping ignored file")
		}
	}

	bundle := make(map[string]string, len(names))
	if len(names) == 0 {
		return bundle, nil
	}

	queue := make(chan string)
	var mu sync.Mutex
	var wg sync.WaitGroup

	workers := f.workers
	if workers > len(names) {
		workers = len(names)
	}

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for file := range queue {
				diff, err := f.backend.GetFileDiff(ctx, changeID, item.Revision, file)
				if err != nil {
					// One broken file must not sink the rest of the bundle.
					log.Error().Err(err).
						Str("change", changeID).
						Str("file", file).
						Msg("Failed to fetch file diff; omitting from bundle")
					continue
				}
				rendered := diff.Render()
				mu.Lock()
				bundle[file] = rendered
				mu.Unlock()
			}
		}()
	}

	for _, file := range names {
		queue <- file
	}
	close(queue)
	wg.Wait()

	return bundle, nil
}
