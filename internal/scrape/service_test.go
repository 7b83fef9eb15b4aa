package scrape_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-relay/internal/notify"
	"github.com/JakeFAU/scrape-relay/internal/scrape"
	"github.com/JakeFAU/scrape-relay/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("task-%03d", g.n), nil
}

type recordingConn struct {
	mu   sync.Mutex
	msgs []any
}

func (c *recordingConn) Send(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *recordingConn) messages() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.msgs...)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	args := m.Called(ctx, topic, payload)
	return args.String(0), args.Error(1)
}

type fixture struct {
	service *scrape.Service
	store   *memory.TaskStore
	fabric  *notify.Fabric
	blobs   *memory.BlobStore
	clock   *fakeClock
}

type fixtureOption func(*scrape.Config, *fixtureDeps)

type fixtureDeps struct {
	publisher scrape.Publisher
}

func withPublisher(p scrape.Publisher, topic string) fixtureOption {
	return func(cfg *scrape.Config, deps *fixtureDeps) {
		deps.publisher = p
		cfg.Topic = topic
	}
}

func withConfig(fn func(*scrape.Config)) fixtureOption {
	return func(cfg *scrape.Config, _ *fixtureDeps) { fn(cfg) }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	f := &fixture{
		store:  memory.NewTaskStore(),
		fabric: notify.New(zap.NewNop()),
		blobs:  memory.NewBlobStore(),
		clock:  &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	t.Cleanup(f.fabric.Close)
	cfg := scrape.Config{
		Timeouts: scrape.DefaultTimeouts(),
		MaxWait:  time.Second,
	}
	var deps fixtureDeps
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	f.service = scrape.NewService(f.store, f.fabric, deps.publisher, f.blobs, f.clock, &seqIDGen{}, cfg, zap.NewNop())
	return f
}

func (f *fixture) complete(t *testing.T, ownerID, taskID, result string) scrape.TaskView {
	t.Helper()
	view, err := f.service.Report(context.Background(), ownerID, taskID, scrape.ReportInput{
		Status: scrape.StatusCompleted,
		Result: result,
	})
	require.NoError(t, err)
	return view
}

func TestRequestScrapeDispatchesToExtension(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	conn := &recordingConn{}
	f.fabric.RegisterExtension("u1", conn)

	sub, err := f.service.RequestScrape(context.Background(), "u1", "https://example.com/a", false)
	require.NoError(t, err)
	assert.True(t, sub.Created)
	assert.Equal(t, "task-001", sub.Task.ID)
	assert.Equal(t, scrape.StatusPending, sub.Task.Status)
	assert.Equal(t, f.clock.Now().Add(time.Hour), sub.Task.ExpiresAt)

	msgs := conn.messages()
	require.Len(t, msgs, 1)
	assigned, ok := msgs[0].(notify.TaskAssignedMessage)
	require.True(t, ok, "unexpected message %T", msgs[0])
	assert.Equal(t, notify.MessageTypeTaskAssigned, assigned.Type)
	assert.Equal(t, scrape.AssignedTask{ID: "task-001", URL: "https://example.com/a"}, assigned.Task)
}

func TestRequestScrapeReusesInFlightTask(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.RequestScrape(ctx, "u1", "https://www.linkedin.com/in/jdoe?utm_source=share", false)
	require.NoError(t, err)
	second, err := f.service.RequestScrape(ctx, "u1", "HTTPS://WWW.LinkedIn.com/in/jdoe/#about", false)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Task.ID, second.Task.ID)

	other, err := f.service.RequestScrape(ctx, "u2", "https://www.linkedin.com/in/jdoe", false)
	require.NoError(t, err)
	assert.True(t, other.Created, "owners never share tasks")

	forced, err := f.service.RequestScrape(ctx, "u1", "https://www.linkedin.com/in/jdoe", true)
	require.NoError(t, err)
	assert.True(t, forced.Created)
	assert.NotEqual(t, first.Task.ID, forced.Task.ID)
}

func TestRequestScrapeConcurrentSubmittersShareOneTask(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]struct{}{}
		created int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, err := f.service.RequestScrape(context.Background(), "u1", "https://example.com/race", false)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[sub.Task.ID] = struct{}{}
			if sub.Created {
				created++
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ids, 1)
	assert.Equal(t, 1, created)
}

func TestRequestScrapeServesCacheWithinWindow(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.service.RequestScrape(ctx, "u1", "https://example.com/cached", false)
	require.NoError(t, err)
	f.complete(t, "u1", sub.Task.ID, "content")

	f.clock.advance(23 * time.Hour)
	hit, err := f.service.RequestScrape(ctx, "u1", "https://example.com/cached", false)
	require.NoError(t, err)
	assert.False(t, hit.Created)
	assert.True(t, hit.Task.Cached)
	assert.Equal(t, "content", hit.Task.Result)

	f.clock.advance(2 * time.Hour)
	miss, err := f.service.RequestScrape(ctx, "u1", "https://example.com/cached", false)
	require.NoError(t, err)
	assert.True(t, miss.Created)
	assert.NotEqual(t, sub.Task.ID, miss.Task.ID)
}

func TestRequestScrapeValidatesInput(t *testing.T) {
	t.Parallel()

	f := newFixture(t, withConfig(func(cfg *scrape.Config) {
		cfg.AllowedDomains = []string{"linkedin.com"}
	}))
	ctx := context.Background()

	_, err := f.service.RequestScrape(ctx, "u1", "ftp://example.com/file", false)
	require.ErrorIs(t, err, scrape.ErrInvalidURL)
	assert.True(t, scrape.IsValidation(err))

	_, err = f.service.RequestScrape(ctx, "u1", "https://example.com/a", false)
	require.ErrorIs(t, err, scrape.ErrDomainNotAllowed)

	sub, err := f.service.RequestScrape(ctx, "u1", "https://www.linkedin.com/in/jdoe", false)
	require.NoError(t, err)
	assert.True(t, sub.Created)
}

func TestClaimAndReportLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	none, err := f.service.ClaimNext(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, none)

	first, err := f.service.RequestScrape(ctx, "u1", "https://example.com/1", false)
	require.NoError(t, err)
	f.clock.advance(time.Second)
	_, err = f.service.RequestScrape(ctx, "u1", "https://example.com/2", false)
	require.NoError(t, err)

	claimed, err := f.service.ClaimNext(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.Task.ID, claimed.ID, "oldest pending task is claimed first")
	assert.Equal(t, scrape.StatusProcessing, claimed.Status)
	require.NotNil(t, claimed.ClaimedAt)

	failed, err := f.service.Report(ctx, "u1", claimed.ID, scrape.ReportInput{Status: scrape.StatusFailed})
	require.NoError(t, err)
	assert.Equal(t, scrape.StatusFailed, failed.Status)
	assert.Equal(t, scrape.DefaultFailureMessage, failed.ErrorMessage)
	require.NotNil(t, failed.CompletedAt)

	_, err = f.service.Report(ctx, "u1", claimed.ID, scrape.ReportInput{Status: scrape.StatusCompleted, Result: "late"})
	require.ErrorIs(t, err, scrape.ErrInvalidTransition)
	assert.True(t, scrape.IsValidation(err))

	_, err = f.service.Report(ctx, "u1", claimed.ID, scrape.ReportInput{Status: scrape.StatusPending})
	require.ErrorIs(t, err, scrape.ErrInvalidStatusValue)

	_, err = f.service.Report(ctx, "u2", claimed.ID, scrape.ReportInput{Status: scrape.StatusCompleted})
	require.ErrorIs(t, err, scrape.ErrTaskNotFound)
}

func TestReportCompletesPendingTaskDirectly(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	sub, err := f.service.RequestScrape(context.Background(), "u1", "https://example.com/direct", false)
	require.NoError(t, err)

	view := f.complete(t, "u1", sub.Task.ID, "done")
	assert.Equal(t, scrape.StatusCompleted, view.Status)
	assert.Equal(t, "done", view.Result)
}

func TestReportConvertsHTMLAndArchives(t *testing.T) {
	t.Parallel()

	f := newFixture(t, withConfig(func(cfg *scrape.Config) { cfg.ArchivePrefix = "/archive/" }))
	ctx := context.Background()

	sub, err := f.service.RequestScrape(ctx, "u1", "https://example.com/page", false)
	require.NoError(t, err)
	view, err := f.service.Report(ctx, "u1", sub.Task.ID, scrape.ReportInput{
		Status: scrape.StatusCompleted,
		HTML:   `<h1>Title</h1><p>See <a href="/about">about</a>.</p>`,
	})
	require.NoError(t, err)
	assert.Contains(t, view.Result, "# Title")
	assert.Contains(t, view.Result, "[about]")

	fingerprint := scrape.Fingerprint("https://example.com/page")
	path := "archive/results/u1/" + fingerprint + "/" + sub.Task.ID + ".md"
	assert.Equal(t, "memory://"+path, view.ResultURI)
	data, contentType, ok := f.blobs.Object(path)
	require.True(t, ok)
	assert.Equal(t, view.Result, string(data))
	assert.True(t, strings.HasPrefix(contentType, "text/markdown"))
}

func TestReportPrefersExplicitResultOverHTML(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	sub, err := f.service.RequestScrape(ctx, "u1", "https://example.com/both", false)
	require.NoError(t, err)

	view, err := f.service.Report(ctx, "u1", sub.Task.ID, scrape.ReportInput{
		Status: scrape.StatusCompleted,
		Result: "plain text",
		HTML:   "<h1>ignored</h1>",
	})
	require.NoError(t, err)
	assert.Equal(t, "plain text", view.Result)
}

func TestLazyTransitionsArePersisted(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	stuck, err := f.service.RequestScrape(ctx, "u1", "https://example.com/stuck", false)
	require.NoError(t, err)
	claimed, err := f.service.ClaimNext(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	abandoned, err := f.service.RequestScrape(ctx, "u1", "https://example.com/abandoned", false)
	require.NoError(t, err)

	f.clock.advance(6 * time.Minute)
	view, err := f.service.Get(ctx, "u1", stuck.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, scrape.StatusFailed, view.Status)
	assert.Equal(t, scrape.ProcessingTimeoutMessage, view.ErrorMessage)
	assert.Equal(t, scrape.SuggestionExtensionDropped, view.Suggestion)

	stored, err := f.store.Get(ctx, "u1", stuck.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, scrape.StatusFailed, stored.Status)

	pending, err := f.service.Get(ctx, "u1", abandoned.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, scrape.StatusPending, pending.Status)
	assert.Equal(t, scrape.SuggestionNoExtension, pending.Suggestion)

	f.fabric.RegisterExtension("u1", &recordingConn{})
	pending, err = f.service.Get(ctx, "u1", abandoned.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, scrape.SuggestionExtensionIdle, pending.Suggestion)

	f.clock.advance(time.Hour)
	expired, err := f.service.Get(ctx, "u1", abandoned.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, scrape.StatusExpired, expired.Status)
	assert.Equal(t, scrape.SuggestionExpired, expired.Suggestion)

	next, err := f.service.ClaimNext(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, next, "expired tasks are not claimable")
}

func TestListAppliesStatusFilterAfterTransitions(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	for _, u := range []string{"https://example.com/a", "https://example.com/b"} {
		_, err := f.service.RequestScrape(ctx, "u1", u, false)
		require.NoError(t, err)
		f.clock.advance(time.Second)
	}
	f.complete(t, "u1", "task-001", "a")

	all, err := f.service.List(ctx, "u1", scrape.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "task-002", all[0].ID, "newest first")

	f.clock.advance(2 * time.Hour)
	expired := scrape.StatusExpired
	views, err := f.service.List(ctx, "u1", scrape.ListFilter{Status: &expired})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "task-002", views[0].ID)

	require.NoError(t, f.service.Delete(ctx, "u1", "task-002"))
	require.NoError(t, f.service.Delete(ctx, "u1", "task-002"), "delete is idempotent")
	_, err = f.service.Get(ctx, "u1", "task-002")
	require.ErrorIs(t, err, scrape.ErrTaskNotFound)
}

func TestWaitReturnsOnResolution(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	sub, err := f.service.RequestScrape(ctx, "u1", "https://example.com/wait", false)
	require.NoError(t, err)

	type result struct {
		view scrape.TaskView
		err  error
	}
	done := make(chan result, 1)
	go func() {
		view, err := f.service.Wait(ctx, "u1", sub.Task.ID, 5*time.Second)
		done <- result{view, err}
	}()

	time.Sleep(20 * time.Millisecond)
	f.complete(t, "u1", sub.Task.ID, "resolved")

	select {
	case got := <-done:
		require.NoError(t, got.err)
		assert.Equal(t, scrape.StatusCompleted, got.view.Status)
		assert.Equal(t, "resolved", got.view.Result)
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not return after resolution")
	}
}

func TestWaitTimesOutWithLatestView(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	sub, err := f.service.RequestScrape(ctx, "u1", "https://example.com/slow", false)
	require.NoError(t, err)

	view, err := f.service.Wait(ctx, "u1", sub.Task.ID, 30*time.Millisecond)
	require.ErrorIs(t, err, scrape.ErrTaskWaitTimeout)
	assert.Equal(t, sub.Task.ID, view.ID)
	assert.Equal(t, scrape.StatusPending, view.Status)

	_, err = f.service.Wait(ctx, "u1", "missing", time.Second)
	require.ErrorIs(t, err, scrape.ErrTaskNotFound)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = f.service.Wait(canceled, "u1", sub.Task.ID, time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

// A profile fetch with no extension online times out with a hint; once an
// extension picks the task up the same URL is served from cache.
func TestRequestScrapeAndWaitLinkedInProfile(t *testing.T) {
	t.Parallel()

	f := newFixture(t, withConfig(func(cfg *scrape.Config) {
		cfg.MaxWait = 40 * time.Millisecond
		cfg.AllowedDomains = []string{"linkedin.com"}
	}))
	ctx := context.Background()
	const profile = "https://www.linkedin.com/in/jdoe"

	outcome, err := f.service.RequestScrapeAndWait(ctx, "u1", profile, false)
	require.NoError(t, err)
	assert.Equal(t, scrape.StatusFailed, outcome.Status)
	assert.Equal(t, scrape.SuggestionWaitTimeout, outcome.Suggestion)
	assert.NotEmpty(t, outcome.Error)

	claimed, err := f.service.ClaimNext(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, outcome.TaskID, claimed.ID)
	f.complete(t, "u1", claimed.ID, "# Jane Doe")

	outcome, err = f.service.RequestScrapeAndWait(ctx, "u1", profile+"/", false)
	require.NoError(t, err)
	assert.Equal(t, scrape.StatusCompleted, outcome.Status)
	assert.True(t, outcome.Cached)
	assert.Equal(t, "# Jane Doe", outcome.Content)
}

func TestRequestScrapeAndWaitReportsWorkerFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	done := make(chan scrape.FetchOutcome, 1)
	go func() {
		outcome, err := f.service.RequestScrapeAndWait(ctx, "u1", "https://example.com/broken", false)
		assert.NoError(t, err)
		done <- outcome
	}()

	var claimed *scrape.TaskView
	require.Eventually(t, func() bool {
		var err error
		claimed, err = f.service.ClaimNext(ctx, "u1")
		return err == nil && claimed != nil
	}, time.Second, 5*time.Millisecond)
	_, err := f.service.Report(ctx, "u1", claimed.ID, scrape.ReportInput{
		Status:       scrape.StatusFailed,
		ErrorMessage: "login wall",
	})
	require.NoError(t, err)

	select {
	case outcome := <-done:
		assert.Equal(t, scrape.StatusFailed, outcome.Status)
		assert.Equal(t, "login wall", outcome.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("fetch did not return")
	}
}

func TestResolutionsArePublished(t *testing.T) {
	t.Parallel()

	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, "task-events", mock.MatchedBy(func(event scrape.TaskEvent) bool {
		return event.TaskID == "task-001" && event.Status == scrape.StatusCompleted && event.Result == "body"
	})).Return("msg-1", nil).Once()

	f := newFixture(t, withPublisher(pub, "task-events"))
	ctx := context.Background()
	sub, err := f.service.RequestScrape(ctx, "u1", "https://example.com/pub", false)
	require.NoError(t, err)
	f.complete(t, "u1", sub.Task.ID, "body")

	pub.AssertExpectations(t)
}

func TestPublishFailureDoesNotFailReport(t *testing.T) {
	t.Parallel()

	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, "task-events", mock.Anything).Return("", errors.New("unavailable"))

	f := newFixture(t, withPublisher(pub, "task-events"))
	ctx := context.Background()
	sub, err := f.service.RequestScrape(ctx, "u1", "https://example.com/pub", false)
	require.NoError(t, err)

	view := f.complete(t, "u1", sub.Task.ID, "body")
	assert.Equal(t, scrape.StatusCompleted, view.Status)
	pub.AssertNumberOfCalls(t, "Publish", 1)
}

// gatedStore holds every Get until parties callers have read the row, so
// each of them validates against the same snapshot before anyone writes.
type gatedStore struct {
	scrape.Store

	mu      sync.Mutex
	parties int
	arrived int
	release chan struct{}
}

func newGatedStore(inner scrape.Store, parties int) *gatedStore {
	return &gatedStore{Store: inner, parties: parties, release: make(chan struct{})}
}

func (s *gatedStore) Get(ctx context.Context, ownerID, taskID string) (scrape.Task, error) {
	task, err := s.Store.Get(ctx, ownerID, taskID)
	s.mu.Lock()
	s.arrived++
	if s.arrived == s.parties {
		close(s.release)
	}
	s.mu.Unlock()
	select {
	case <-s.release:
	case <-time.After(2 * time.Second):
	}
	return task, err
}

// instance builds a second Service over the same store and fabric, as a
// separate replica would be.
func (f *fixture) instance(store scrape.Store, clock scrape.Clock) *scrape.Service {
	return scrape.NewService(store, f.fabric, nil, f.blobs, clock, &seqIDGen{}, scrape.Config{
		Timeouts: scrape.DefaultTimeouts(),
		MaxWait:  time.Second,
	}, zap.NewNop())
}

func TestConcurrentReportsResolveOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	sub, err := f.service.RequestScrape(ctx, "u1", "https://example.com/race", false)
	require.NoError(t, err)
	claimed, err := f.service.ClaimNext(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	events, cancel := f.fabric.Await("u1", sub.Task.ID)
	defer cancel()

	gated := newGatedStore(f.store, 2)
	replicas := []*scrape.Service{f.instance(gated, f.clock), f.instance(gated, f.clock)}
	reports := []scrape.ReportInput{
		{Status: scrape.StatusCompleted, Result: "page body"},
		{Status: scrape.StatusFailed, ErrorMessage: "boom"},
	}

	errs := make([]error, len(reports))
	var wg sync.WaitGroup
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = replicas[i].Report(ctx, "u1", sub.Task.ID, reports[i])
		}(i)
	}
	wg.Wait()

	var accepted int
	for _, err := range errs {
		if err == nil {
			accepted++
			continue
		}
		require.ErrorIs(t, err, scrape.ErrInvalidTransition)
	}
	assert.Equal(t, 1, accepted, "exactly one report is accepted: %v", errs)

	stored, err := f.store.Get(ctx, "u1", sub.Task.ID)
	require.NoError(t, err)
	switch stored.Status {
	case scrape.StatusCompleted:
		assert.Equal(t, "page body", stored.Result)
		assert.Empty(t, stored.ErrorMessage)
		assert.NoError(t, errs[0])
	case scrape.StatusFailed:
		assert.Empty(t, stored.Result)
		assert.Equal(t, "boom", stored.ErrorMessage)
		assert.NoError(t, errs[1])
	default:
		t.Fatalf("unexpected final status %s", stored.Status)
	}

	select {
	case event := <-events:
		assert.Equal(t, stored.Status, event.Status)
	case <-time.After(time.Second):
		t.Fatal("resolution was not delivered")
	}
}

func TestLazyTimeoutDoesNotOverwriteReport(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	sub, err := f.service.RequestScrape(ctx, "u1", "https://example.com/late", false)
	require.NoError(t, err)
	claimed, err := f.service.ClaimNext(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// The reader's clock is past the processing timeout; the worker's is not.
	readerClock := &fakeClock{now: f.clock.Now().Add(6 * time.Minute)}
	gated := newGatedStore(f.store, 2)
	reader := f.instance(gated, readerClock)
	worker := f.instance(gated, f.clock)

	var (
		wg        sync.WaitGroup
		view      scrape.TaskView
		getErr    error
		reportErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		view, getErr = reader.Get(ctx, "u1", sub.Task.ID)
	}()
	go func() {
		defer wg.Done()
		_, reportErr = worker.Report(ctx, "u1", sub.Task.ID, scrape.ReportInput{
			Status: scrape.StatusCompleted,
			Result: "page body",
		})
	}()
	wg.Wait()
	require.NoError(t, getErr)

	stored, err := f.store.Get(ctx, "u1", sub.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.Status, view.Status, "the reader reports what was stored")
	switch stored.Status {
	case scrape.StatusCompleted:
		require.NoError(t, reportErr)
		assert.Equal(t, "page body", stored.Result)
		assert.Empty(t, stored.ErrorMessage)
	case scrape.StatusFailed:
		require.ErrorIs(t, reportErr, scrape.ErrInvalidTransition)
		assert.Empty(t, stored.Result)
		assert.Equal(t, scrape.ProcessingTimeoutMessage, stored.ErrorMessage)
	default:
		t.Fatalf("unexpected final status %s", stored.Status)
	}
}

func TestConcurrentReportsArchiveOnlyTheAcceptedResult(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	sub, err := f.service.RequestScrape(ctx, "u1", "https://example.com/twice", false)
	require.NoError(t, err)

	const n = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.service.Report(ctx, "u1", sub.Task.ID, scrape.ReportInput{
				Status: scrape.StatusCompleted,
				Result: fmt.Sprintf("body-%d", i),
			})
			if err != nil {
				assert.ErrorIs(t, err, scrape.ErrInvalidTransition)
				return
			}
			mu.Lock()
			accepted++
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, accepted)

	stored, err := f.store.Get(ctx, "u1", sub.Task.ID)
	require.NoError(t, err)
	data, _, ok := f.blobs.Object("results/u1/" + stored.Fingerprint + "/" + sub.Task.ID + ".md")
	require.True(t, ok)
	assert.Equal(t, stored.Result, string(data), "the archive holds the accepted result")
}
