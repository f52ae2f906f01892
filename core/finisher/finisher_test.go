package finisher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/createrken-code/nippo-shokuninn/core/metrics"
	"github.com/createrken-code/nippo-shokuninn/core/netutil"
	"github.com/createrken-code/nippo-shokuninn/core/report"
)

type fakeAssembler struct {
	mu      sync.Mutex
	reports []report.Report
	err     error
	block   chan struct{}
	panics  bool
}

func (a *fakeAssembler) Assemble(ctx context.Context, r report.Report) (string, error) {
	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if a.panics {
		panic("font table corrupt")
	}
	a.mu.Lock()
	a.reports = append(a.reports, r)
	a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	return "/tmp/" + r.FileName(), nil
}

type fakePublisher struct {
	calls int
	err   error
}

func (p *fakePublisher) Publish(_ context.Context, path string) (string, error) {
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	return "https://files.example.com" + path, nil
}

type push struct{ userID, text string }

type fakeNotifier struct {
	mu       sync.Mutex
	pushes   []push
	failures int
}

func (n *fakeNotifier) Push(_ context.Context, userID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failures > 0 {
		n.failures--
		return &netutil.StatusError{Op: "push", Status: 503}
	}
	n.pushes = append(n.pushes, push{userID, text})
	return nil
}

func (n *fakeNotifier) all() []push {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]push(nil), n.pushes...)
}

func newFinisher(t *testing.T, asm Assembler, pub Publisher, opts Options) (*Finisher, chan Outcome) {
	t.Helper()
	outcomes := make(chan Outcome, 16)
	opts.Assembler = asm
	opts.Publisher = pub
	opts.PushBackoff = time.Millisecond
	opts.OnOutcome = func(o Outcome) { outcomes <- o }
	f, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(f.Close)
	return f, outcomes
}

func waitOutcome(t *testing.T, ch chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return Outcome{}
	}
}

func sampleJob(n Notifier) Job {
	return Job{
		SessionID: "sess-1",
		UserID:    "U1",
		Fields: []report.Field{
			{Label: "作業者名", Value: "Alice"},
			{Label: "作業現場", Value: "Site A"},
		},
		Images:   []string{"media/received_1.jpg", "media/received_2.jpg"},
		Notifier: n,
	}
}

func TestSuccessPushesLink(t *testing.T) {
	asm := &fakeAssembler{}
	pub := &fakePublisher{}
	notifier := &fakeNotifier{}
	m := metrics.New()
	f, outcomes := newFinisher(t, asm, pub, Options{Metrics: m})

	require.NoError(t, f.Submit(context.Background(), sampleJob(notifier)))
	out := waitOutcome(t, outcomes)

	require.NoError(t, out.Err)
	assert.Equal(t, "sess-1", out.SessionID)
	assert.Contains(t, out.URL, "https://files.example.com/tmp/daily_report_")

	pushes := notifier.all()
	require.Len(t, pushes, 1)
	assert.Equal(t, "U1", pushes[0].userID)
	assert.Equal(t, "✅ 日報PDFを保存しました！\n"+out.URL, pushes[0].text)

	require.Len(t, asm.reports, 1)
	assert.Equal(t, []string{"media/received_1.jpg", "media/received_2.jpg"}, asm.reports[0].Images)
	assert.Equal(t, "Alice", asm.reports[0].Fields[0].Value)
}

func TestPublishFailurePushesFailureOnce(t *testing.T) {
	pub := &fakePublisher{err: oops.Code("report_publish").Public("アップロードに失敗しました").Errorf("drive 500")}
	notifier := &fakeNotifier{}
	f, outcomes := newFinisher(t, &fakeAssembler{}, pub, Options{})

	require.NoError(t, f.Submit(context.Background(), sampleJob(notifier)))
	out := waitOutcome(t, outcomes)

	require.Error(t, out.Err)
	assert.Empty(t, out.URL)
	assert.Equal(t, 1, pub.calls, "publish is never retried")
	pushes := notifier.all()
	require.Len(t, pushes, 1)
	assert.Equal(t, "❌ エラーが発生しました: アップロードに失敗しました", pushes[0].text)
}

func TestAssembleFailureUsesDefaultCause(t *testing.T) {
	notifier := &fakeNotifier{}
	pub := &fakePublisher{}
	f, outcomes := newFinisher(t, &fakeAssembler{err: errors.New("disk full")}, pub, Options{})

	require.NoError(t, f.Submit(context.Background(), sampleJob(notifier)))
	out := waitOutcome(t, outcomes)
	require.Error(t, out.Err)
	assert.Zero(t, pub.calls)
	assert.Equal(t, "❌ エラーが発生しました: "+DefaultFailureCause, notifier.all()[0].text)
}

func TestAssemblePanicIsRecovered(t *testing.T) {
	notifier := &fakeNotifier{}
	f, outcomes := newFinisher(t, &fakeAssembler{panics: true}, &fakePublisher{}, Options{Workers: 1})

	require.NoError(t, f.Submit(context.Background(), sampleJob(notifier)))
	out := waitOutcome(t, outcomes)
	require.Error(t, out.Err)
	require.Len(t, notifier.all(), 1)

	job := sampleJob(notifier)
	job.SessionID = "sess-2"
	require.NoError(t, f.Submit(context.Background(), job), "worker survives the panic")
	waitOutcome(t, outcomes)
}

func TestTransientPushIsRetried(t *testing.T) {
	notifier := &fakeNotifier{failures: 2}
	f, outcomes := newFinisher(t, &fakeAssembler{}, &fakePublisher{}, Options{PushRetries: 2})

	require.NoError(t, f.Submit(context.Background(), sampleJob(notifier)))
	out := waitOutcome(t, outcomes)
	require.NoError(t, out.Err)
	assert.Len(t, notifier.all(), 1)
}

func TestPushGivesUp(t *testing.T) {
	notifier := &fakeNotifier{failures: 5}
	f, outcomes := newFinisher(t, &fakeAssembler{}, &fakePublisher{}, Options{PushRetries: 1})

	require.NoError(t, f.Submit(context.Background(), sampleJob(notifier)))
	out := waitOutcome(t, outcomes)
	require.Error(t, out.Err)
	assert.Empty(t, notifier.all())
}

func TestDuplicateAndQueueFull(t *testing.T) {
	asm := &fakeAssembler{block: make(chan struct{})}
	notifier := &fakeNotifier{}
	f, outcomes := newFinisher(t, asm, &fakePublisher{}, Options{Workers: 1, QueueSize: 1})

	require.NoError(t, f.Submit(context.Background(), sampleJob(notifier)))
	assert.ErrorIs(t, f.Submit(context.Background(), sampleJob(notifier)), ErrDuplicate)

	second := sampleJob(notifier)
	second.SessionID = "sess-2"
	third := sampleJob(notifier)
	third.SessionID = "sess-3"

	// The first job may still sit in the queue or already be with the worker.
	err2 := f.Submit(context.Background(), second)
	err3 := f.Submit(context.Background(), third)
	assert.True(t, errors.Is(err2, ErrQueueFull) || errors.Is(err3, ErrQueueFull))

	close(asm.block)
	waitOutcome(t, outcomes)
}

func TestSubmitAfterClose(t *testing.T) {
	f, _ := newFinisher(t, &fakeAssembler{}, &fakePublisher{}, Options{})
	f.Close()
	assert.ErrorIs(t, f.Submit(context.Background(), sampleJob(&fakeNotifier{})), ErrQueueClosed)
}

func TestCloseDrainsQueuedJobs(t *testing.T) {
	notifier := &fakeNotifier{}
	f, outcomes := newFinisher(t, &fakeAssembler{}, &fakePublisher{}, Options{Workers: 1, QueueSize: 4})
	for _, id := range []string{"a", "b", "c"} {
		job := sampleJob(notifier)
		job.SessionID = id
		require.NoError(t, f.Submit(context.Background(), job))
	}
	f.Close()
	assert.Len(t, outcomes, 3)
	assert.Len(t, notifier.all(), 3)
}

func TestJobSurvivesCallerCancel(t *testing.T) {
	notifier := &fakeNotifier{}
	f, outcomes := newFinisher(t, &fakeAssembler{}, &fakePublisher{}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.Submit(ctx, sampleJob(notifier)))
	cancel()
	out := waitOutcome(t, outcomes)
	assert.NoError(t, out.Err)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

type fileAssembler struct{ dir string }

func (a fileAssembler) Assemble(_ context.Context, r report.Report) (string, error) {
	path := filepath.Join(a.dir, r.FileName())
	return path, os.WriteFile(path, []byte("%PDF-1.4"), 0o644)
}

type retainingPublisher struct{ fakePublisher }

func (retainingPublisher) Retains(string) bool { return true }

func jobWithPhotos(t *testing.T, n Notifier) Job {
	t.Helper()
	media := filepath.Join(t.TempDir(), "sess-1")
	require.NoError(t, os.MkdirAll(media, 0o755))
	job := sampleJob(n)
	job.MediaDir = media
	job.Images = nil
	for _, name := range []string{"001_a.jpg", "002_b.jpg"} {
		p := filepath.Join(media, name)
		require.NoError(t, os.WriteFile(p, []byte("jpeg"), 0o644))
		job.Images = append(job.Images, p)
	}
	return job
}

func TestFinishedJobRemovesPhotosAndReport(t *testing.T) {
	out := t.TempDir()
	notifier := &fakeNotifier{}
	f, outcomes := newFinisher(t, fileAssembler{dir: out}, &fakePublisher{}, Options{})
	job := jobWithPhotos(t, notifier)

	require.NoError(t, f.Submit(context.Background(), job))
	o := waitOutcome(t, outcomes)
	require.NoError(t, o.Err)

	_, err := os.Stat(job.MediaDir)
	assert.ErrorIs(t, err, os.ErrNotExist)
	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFailedJobStillRemovesPhotos(t *testing.T) {
	notifier := &fakeNotifier{}
	f, outcomes := newFinisher(t, fileAssembler{dir: t.TempDir()}, &fakePublisher{err: errors.New("boom")}, Options{})
	job := jobWithPhotos(t, notifier)

	require.NoError(t, f.Submit(context.Background(), job))
	require.Error(t, waitOutcome(t, outcomes).Err)
	for _, img := range job.Images {
		_, err := os.Stat(img)
		assert.ErrorIs(t, err, os.ErrNotExist)
	}
}

func TestRetainedReportStaysOnDisk(t *testing.T) {
	out := t.TempDir()
	f, outcomes := newFinisher(t, fileAssembler{dir: out}, &retainingPublisher{}, Options{})
	job := jobWithPhotos(t, &fakeNotifier{})

	require.NoError(t, f.Submit(context.Background(), job))
	require.NoError(t, waitOutcome(t, outcomes).Err)

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	_, err = os.Stat(job.MediaDir)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestKeepFilesLeavesEverything(t *testing.T) {
	out := t.TempDir()
	f, outcomes := newFinisher(t, fileAssembler{dir: out}, &fakePublisher{}, Options{KeepFiles: true})
	job := jobWithPhotos(t, &fakeNotifier{})

	require.NoError(t, f.Submit(context.Background(), job))
	require.NoError(t, waitOutcome(t, outcomes).Err)

	for _, img := range job.Images {
		assert.FileExists(t, img)
	}
	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
