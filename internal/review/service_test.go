package review

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squall-chua/gerrit-auto-code-review-bot/internal/gerrit"
	"github.com/squall-chua/gerrit-auto-code-review-bot/pkg/models"
)

// fakeBackend records all calls and serves canned diffs.
type fakeBackend struct {
	mu sync.Mutex

	files     []string
	diffs     map[string]*gerrit.FileDiff
	current   bool
	listErr   error
	diffErrs  map[string]error
	reviewErr error

	reviews     []gerrit.ReviewInput
	removals    []string
	listCalls   int
	diffCalls   int
	checkCalls  int
	reviewCalls int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		files: []string{"/COMMIT_MSG", "main.go", "util.go"},
		diffs: map[string]*gerrit.FileDiff{
			"main.go": {Content: []gerrit.DiffChunk{{B: []string{"added line"}}}},
			"util.go": {Content: []gerrit.DiffChunk{{AB: []string{"context"}, A: []string{"gone"}}}},
		},
		current:  true,
		diffErrs: map[string]error{},
	}
}

func (f *fakeBackend) ListFiles(ctx context.Context, changeID, revision string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]string(nil), f.files...), nil
}

func (f *fakeBackend) GetFileDiff(ctx context.Context, changeID, revision, file string) (*gerrit.FileDiff, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.diffCalls++
	if err := f.diffErrs[file]; err != nil {
		return nil, err
	}
	diff, ok := f.diffs[file]
	if !ok {
		return nil, fmt.Errorf("no diff for %s", file)
	}
	return diff, nil
}

func (f *fakeBackend) IsCurrentRevision(ctx context.Context, changeID, revision string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkCalls++
	return f.current, nil
}

func (f *fakeBackend) SetReview(ctx context.Context, changeID, revision string, review gerrit.ReviewInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reviewCalls++
	if f.reviewErr != nil {
		return f.reviewErr
	}
	f.reviews = append(f.reviews, review)
	return nil
}

func (f *fakeBackend) RemoveReviewer(ctx context.Context, changeID, account string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removals = append(f.removals, account)
	return nil
}

func (f *fakeBackend) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls + f.diffCalls + f.checkCalls + f.reviewCalls
}

// fakeAnalyzer returns a fixed result or error.
type fakeAnalyzer struct {
	mu     sync.Mutex
	result *models.ReviewResult
	err    error
	calls  int
	seen   map[string]string
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, diffs map[string]string) (*models.ReviewResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	a.seen = diffs
	if a.err != nil {
		return nil, a.err
	}
	return a.result, nil
}

func testItem() models.WorkItem {
	return models.WorkItem{Project: "demo", ChangeNumber: 42, PatchsetNumber: 1, Revision: "abc123"}
}

func newTestPipeline(backend *fakeBackend, an *fakeAnalyzer, remove bool) *Pipeline {
	return NewPipeline(backend, NewFetcher(backend, 2), an, Config{
		BotUsername:    "review-bot",
		RemoveReviewer: remove,
	})
}

func TestPipelineHappyPath(t *testing.T) {
	backend := newFakeBackend()
	an := &fakeAnalyzer{result: &models.ReviewResult{
		Summary: "Looks good.",
		Vote:    1,
		Comments: map[string][]models.InlineComment{
			"main.go": {{Line: 1, Message: "nice"}},
			"util.go": {{Line: 1, Message: "careful"}},
		},
	}}

	newTestPipeline(backend, an, false).Run(context.Background(), testItem())

	// Start notification plus final review.
	require.Len(t, backend.reviews, 2)
	start, final := backend.reviews[0], backend.reviews[1]

	assert.Equal(t, "Starting automated code review...", start.Message)
	assert.Equal(t, 0, start.Labels["Code-Review"])
	assert.Empty(t, start.Comments)

	assert.Equal(t, "Looks good.", final.Message)
	assert.Equal(t, 1, final.Labels["Code-Review"])
	require.Len(t, final.Comments, 2)
	assert.Equal(t, []gerrit.CommentInput{{Line: 1, Message: "nice"}}, final.Comments["main.go"])

	// COMMIT_MSG never reaches the analyzer.
	assert.Equal(t, 1, an.calls)
	assert.Len(t, an.seen, 2)
	assert.NotContains(t, an.seen, "/COMMIT_MSG")

	assert.Empty(t, backend.removals)
}

func TestPipelineSupersededRevisionDiscardsPost(t *testing.T) {
	backend := newFakeBackend()
	backend.current = false
	an := &fakeAnalyzer{result: &models.ReviewResult{Summary: "x", Vote: 1}}

	newTestPipeline(backend, an, false).Run(context.Background(), testItem())

	// Only the start notification was posted; the analyzed result was
	// discarded after the currency check failed.
	require.Len(t, backend.reviews, 1)
	assert.Equal(t, "Starting automated code review...", backend.reviews[0].Message)
	assert.Equal(t, 1, an.calls)
}

func TestPipelineEmptyBundleTerminatesEarly(t *testing.T) {
	backend := newFakeBackend()
	backend.files = []string{"/COMMIT_MSG", "logo.png", "go.sum"}
	an := &fakeAnalyzer{result: &models.ReviewResult{Summary: "x", Vote: 1}}

	newTestPipeline(backend, an, false).Run(context.Background(), testItem())

	assert.Equal(t, 0, an.calls)
	require.Len(t, backend.reviews, 1) // start notification only
	assert.Equal(t, 0, backend.checkCalls)
}

func TestPipelineSingleFetchFailureKeepsRest(t *testing.T) {
	backend := newFakeBackend()
	backend.diffErrs["main.go"] = fmt.Errorf("boom")
	an := &fakeAnalyzer{result: &models.ReviewResult{Summary: "x", Vote: 0}}

	newTestPipeline(backend, an, false).Run(context.Background(), testItem())

	require.Equal(t, 1, an.calls)
	assert.Len(t, an.seen, 1)
	assert.Contains(t, an.seen, "util.go")
}

func TestPipelineAnalysisFailureDegrades(t *testing.T) {
	backend := newFakeBackend()
	an := &fakeAnalyzer{err: fmt.Errorf("LLM API error: proxy unreachable")}

	newTestPipeline(backend, an, true).Run(context.Background(), testItem())

	// The pipeline still completes: degraded post, then reviewer removal.
	require.Len(t, backend.reviews, 2)
	final := backend.reviews[1]
	assert.Contains(t, final.Message, "LLM API error")
	assert.Equal(t, 0, final.Labels["Code-Review"])
	assert.Empty(t, final.Comments)
	assert.Equal(t, []string{"review-bot"}, backend.removals)
}

func TestPipelineRemovesReviewerWhenConfigured(t *testing.T) {
	backend := newFakeBackend()
	an := &fakeAnalyzer{result: &models.ReviewResult{Summary: "ok", Vote: 1}}

	newTestPipeline(backend, an, true).Run(context.Background(), testItem())

	assert.Equal(t, []string{"review-bot"}, backend.removals)
}

func TestPipelineStartNotificationFailureIsNotFatal(t *testing.T) {
	backend := newFakeBackend()
	an := &fakeAnalyzer{result: &models.ReviewResult{Summary: "ok", Vote: 1}}

	// First SetReview fails, later ones succeed.
	failed := false
	wrapped := &flakyBackend{fakeBackend: backend, failFirst: &failed}

	p := NewPipeline(wrapped, NewFetcher(wrapped, 2), an, Config{BotUsername: "review-bot"})
	p.Run(context.Background(), testItem())

	// The final review still lands despite the failed notification.
	require.Len(t, backend.reviews, 1)
	assert.Equal(t, "ok", backend.reviews[0].Message)
}

// flakyBackend fails exactly the first SetReview call.
type flakyBackend struct {
	*fakeBackend
	failFirst *bool
}

func (f *flakyBackend) SetReview(ctx context.Context, changeID, revision string, review gerrit.ReviewInput) error {
	if !*f.failFirst {
		*f.failFirst = true
		return fmt.Errorf("backend unavailable")
	}
	return f.fakeBackend.SetReview(ctx, changeID, revision, review)
}
