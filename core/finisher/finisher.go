// Package finisher turns completed sessions into delivered reports on a
// bounded pool of background workers.
package finisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/createrken-code/nippo-shokuninn/core/logger"
	"github.com/createrken-code/nippo-shokuninn/core/metrics"
	"github.com/createrken-code/nippo-shokuninn/core/netutil"
	"github.com/createrken-code/nippo-shokuninn/core/report"
)

const component = "finisher"

var (
	// ErrQueueClosed is returned by Submit after Close.
	ErrQueueClosed = errors.New("finisher: queue closed")
	// ErrQueueFull indicates the queue is saturated and the job was not accepted.
	ErrQueueFull = errors.New("finisher: queue full")
	// ErrDuplicate is returned when a job for the same session is queued or running.
	ErrDuplicate = errors.New("finisher: session already submitted")
)

// Assembler renders a report to a local file.
type Assembler interface {
	Assemble(ctx context.Context, r report.Report) (string, error)
}

// Publisher makes a local file reachable by URL.
type Publisher interface {
	Publish(ctx context.Context, path string) (string, error)
}

// Retainer is implemented by publishers that serve the assembled file in place.
type Retainer interface {
	Retains(path string) bool
}

// Notifier pushes an unsolicited message to a user.
type Notifier interface {
	Push(ctx context.Context, userID, text string) error
}

// Job is a frozen copy of a completed session.
type Job struct {
	SessionID   string
	UserID      string
	Platform    string
	Fields      []report.Field
	Images      []string
	// MediaDir holds the session's photos and is removed with them.
	MediaDir    string
	Notifier    Notifier
	RequestedAt time.Time
}

// Outcome describes how a job ended. Err is nil on success.
type Outcome struct {
	SessionID string
	UserID    string
	URL       string
	Err       error
	Duration  time.Duration
}

// Options controls the behaviour of the finisher.
type Options struct {
	Workers   int
	QueueSize int
	// Timeout bounds assembly plus publishing of a single job.
	Timeout time.Duration
	// PushRetries is the number of extra attempts for transient push failures.
	PushRetries int
	PushBackoff time.Duration
	PushTimeout time.Duration
	// SuccessText and FailureText take the URL and the failure cause.
	SuccessText string
	FailureText string
	// DefaultError is shown when a failure carries no public message.
	DefaultError string
	Metrics      *metrics.Metrics
	OnOutcome    func(Outcome)
	// KeepFiles leaves photos and local PDFs on disk after a job.
	KeepFiles    bool
	Assembler    Assembler
	Publisher    Publisher
}

// Default reply formats; each takes a single %s.
const (
	DefaultSuccessText  = "✅ 日報PDFを保存しました！\n%s"
	DefaultFailureText  = "❌ エラーが発生しました: %s"
	DefaultFailureCause = "日報の作成に失敗しました"
)

type queued struct {
	ctx context.Context
	job Job
}

// Finisher runs assemble, publish and push for each submitted job.
type Finisher struct {
	opts Options
	jobs chan queued

	mu       sync.Mutex
	closed   bool
	inFlight map[string]struct{}

	once sync.Once
	wg   sync.WaitGroup
}

// New starts the workers. Assembler and Publisher are required.
func New(opts Options) (*Finisher, error) {
	if opts.Assembler == nil || opts.Publisher == nil {
		return nil, fmt.Errorf("finisher: assembler and publisher are required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.PushRetries < 0 {
		opts.PushRetries = 0
	}
	if opts.PushBackoff <= 0 {
		opts.PushBackoff = 2 * time.Second
	}
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = 30 * time.Second
	}
	if opts.SuccessText == "" {
		opts.SuccessText = DefaultSuccessText
	}
	if opts.FailureText == "" {
		opts.FailureText = DefaultFailureText
	}
	if opts.DefaultError == "" {
		opts.DefaultError = DefaultFailureCause
	}

	f := &Finisher{
		opts:     opts,
		jobs:     make(chan queued, opts.QueueSize),
		inFlight: make(map[string]struct{}),
	}
	f.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go f.worker()
	}
	logger.Info(context.Background(), component, "finisher.start",
		slog.Int("workers", opts.Workers),
		slog.Int("queue", opts.QueueSize),
	)
	return f, nil
}

// Submit queues job without blocking. The job outlives ctx cancellation but
// keeps its values for logging.
func (f *Finisher) Submit(ctx context.Context, job Job) error {
	if job.Notifier == nil {
		return fmt.Errorf("finisher: job %s has no notifier", job.SessionID)
	}
	if job.RequestedAt.IsZero() {
		job.RequestedAt = time.Now()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrQueueClosed
	}
	if _, dup := f.inFlight[job.SessionID]; dup {
		return ErrDuplicate
	}
	select {
	case f.jobs <- queued{ctx: context.WithoutCancel(ctx), job: job}:
		f.inFlight[job.SessionID] = struct{}{}
		f.opts.Metrics.QueueDepth(len(f.jobs))
		return nil
	default:
		return ErrQueueFull
	}
}

// Run blocks until ctx is done, then drains the queue.
func (f *Finisher) Run(ctx context.Context) error {
	<-ctx.Done()
	f.Close()
	return nil
}

// Close stops accepting jobs and waits for queued ones to finish.
func (f *Finisher) Close() {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		close(f.jobs)
		f.mu.Unlock()
		f.wg.Wait()
		logger.Info(context.Background(), component, "finisher.stop")
	})
}

func (f *Finisher) worker() {
	defer f.wg.Done()
	for q := range f.jobs {
		f.opts.Metrics.QueueDepth(len(f.jobs))
		f.safeHandle(q.ctx, q.job)
		f.mu.Lock()
		delete(f.inFlight, q.job.SessionID)
		f.mu.Unlock()
	}
}

// safeHandle keeps the worker alive when a notifier or callback panics.
func (f *Finisher) safeHandle(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, component, "job.panic",
				slog.String("session_id", job.SessionID),
				slog.Any("err", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	f.handle(ctx, job)
}

func (f *Finisher) handle(ctx context.Context, job Job) {
	ctx = logger.WithSession(logger.WithUser(ctx, job.UserID), job.SessionID)
	if job.Platform != "" {
		ctx = logger.WithPlatform(ctx, job.Platform)
	}

	url, artifact, err := f.produce(ctx, job)
	f.cleanup(ctx, job, artifact)
	text := fmt.Sprintf(f.opts.SuccessText, url)
	if err != nil {
		text = fmt.Sprintf(f.opts.FailureText, oops.GetPublic(err, f.opts.DefaultError))
	}
	attempts, pushErr := f.push(ctx, job, text)

	out := Outcome{
		SessionID: job.SessionID,
		UserID:    job.UserID,
		URL:       url,
		Err:       errors.Join(err, pushErr),
		Duration:  time.Since(job.RequestedAt),
	}
	f.record(ctx, out, attempts)
}

// produce assembles and publishes once; neither step is retried.
func (f *Finisher) produce(ctx context.Context, job Job) (url, path string, err error) {
	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, component, "report.panic",
				slog.Any("err", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = oops.Code("report_assemble").Errorf("panic: %v", r)
		}
	}()

	path, err = f.opts.Assembler.Assemble(ctx, report.Report{
		SessionID: job.SessionID,
		Date:      job.RequestedAt,
		Fields:    job.Fields,
		Images:    job.Images,
	})
	if err != nil {
		return "", "", err
	}
	logger.Debug(ctx, component, "report.assembled", slog.String("file", path), slog.Int("images", len(job.Images)))

	url, err = f.opts.Publisher.Publish(ctx, path)
	if err != nil {
		return "", path, err
	}
	return url, path, nil
}

// cleanup drops the job's photos and, unless the publisher serves it in
// place, the local PDF. The session is gone so nothing can reuse them.
func (f *Finisher) cleanup(ctx context.Context, job Job, artifact string) {
	if f.opts.KeepFiles {
		return
	}
	var errs []error
	for _, img := range job.Images {
		if err := os.Remove(img); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if job.MediaDir != "" {
		if err := os.RemoveAll(job.MediaDir); err != nil {
			errs = append(errs, err)
		}
	}
	if artifact != "" {
		keep := false
		if r, ok := f.opts.Publisher.(Retainer); ok {
			keep = r.Retains(artifact)
		}
		if !keep {
			if err := os.Remove(artifact); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		logger.Warn(ctx, component, "files.cleanup",
			slog.String("status", "fail"),
			slog.String("err", err.Error()),
		)
	}
}

func (f *Finisher) push(ctx context.Context, job Job, text string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, f.opts.PushTimeout)
	defer cancel()
	return netutil.Do(ctx, f.opts.PushRetries+1, f.opts.PushBackoff, func(ctx context.Context) error {
		return job.Notifier.Push(ctx, job.UserID, text)
	})
}

func (f *Finisher) record(ctx context.Context, out Outcome, attempts int) {
	status := "ok"
	if out.Err != nil {
		status = "fail"
	}
	f.opts.Metrics.ReportFinished(status, out.Duration)

	attrs := []slog.Attr{
		slog.String("status", status),
		slog.Duration("duration", out.Duration),
		slog.Int("attempts", attempts),
	}
	if out.URL != "" {
		attrs = append(attrs, slog.String("url", out.URL))
	}
	if out.Err != nil {
		attrs = append(attrs,
			slog.String("err", out.Err.Error()),
			slog.String("err_code", logger.ErrorCode(out.Err)),
		)
		logger.Error(ctx, component, "report.finished", attrs...)
	} else {
		logger.Info(ctx, component, "report.finished", attrs...)
	}

	if f.opts.OnOutcome != nil {
		f.opts.OnOutcome(out)
	}
}
