// Package conversation drives the per-user daily-report dialogue: a fixed
// sequence of text questions followed by a photo collection step.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/oops"

	"github.com/createrken-code/nippo-shokuninn/core/finisher"
	"github.com/createrken-code/nippo-shokuninn/core/logger"
	"github.com/createrken-code/nippo-shokuninn/core/metrics"
	"github.com/createrken-code/nippo-shokuninn/core/report"
	"github.com/createrken-code/nippo-shokuninn/core/session"
)

const component = "conversation"

// DefaultMaxImages is the per-session photo cap when none is configured.
const DefaultMaxImages = 20

// Replier answers the inbound event it was created for. It is used at most once.
type Replier interface {
	Reply(ctx context.Context, text string) error
}

// Fetcher downloads message content stored by the platform.
type Fetcher interface {
	Fetch(ctx context.Context, contentID string) (io.ReadCloser, error)
}

// Normalizer re-encodes an image into a JPEG file at dst.
type Normalizer interface {
	Normalize(ctx context.Context, src io.Reader, dst string) error
}

// Submitter accepts completed sessions for background finishing.
type Submitter interface {
	Submit(ctx context.Context, job finisher.Job) error
}

// Options wires a Controller for one platform.
type Options struct {
	// Platform prefixes store keys so one store can serve several platforms.
	Platform   string
	Script     Script
	Store      session.Store
	Fetcher    Fetcher
	Normalizer Normalizer
	Finisher   Submitter
	Notifier   finisher.Notifier
	MediaDir   string
	// MaxImages caps the photos one session may collect.
	MaxImages  int
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// Controller applies inbound events to the user's session.
type Controller struct {
	opts  Options
	locks *userLocks
}

// New validates opts and returns a Controller.
func New(opts Options) (*Controller, error) {
	if opts.Script.Trigger == "" && len(opts.Script.Questions) == 0 {
		opts.Script = DefaultScript()
	}
	if err := opts.Script.Validate(); err != nil {
		return nil, err
	}
	switch {
	case opts.Store == nil:
		return nil, fmt.Errorf("conversation: store is required")
	case opts.Fetcher == nil || opts.Normalizer == nil:
		return nil, fmt.Errorf("conversation: fetcher and normalizer are required")
	case opts.Finisher == nil || opts.Notifier == nil:
		return nil, fmt.Errorf("conversation: finisher and notifier are required")
	}
	if opts.MediaDir == "" {
		opts.MediaDir = "media"
	}
	if err := os.MkdirAll(opts.MediaDir, 0o755); err != nil {
		return nil, fmt.Errorf("conversation: create media dir: %w", err)
	}
	if opts.MaxImages <= 0 {
		opts.MaxImages = DefaultMaxImages
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{opts: opts, locks: newUserLocks()}, nil
}

// Script returns the dialogue the controller runs.
func (c *Controller) Script() Script { return c.opts.Script }

func (c *Controller) key(userID string) string {
	if c.opts.Platform == "" {
		return userID
	}
	return c.opts.Platform + ":" + userID
}

// Handle applies ev and answers through r. Events for one user are serialized.
func (c *Controller) Handle(ctx context.Context, ev Event, r Replier) error {
	if ev == nil || ev.User() == "" {
		return fmt.Errorf("conversation: event without user")
	}
	ctx = logger.WithUser(ctx, ev.User())
	if c.opts.Platform != "" {
		ctx = logger.WithPlatform(ctx, c.opts.Platform)
	}
	key := c.key(ev.User())

	unlock := c.locks.Lock(key)
	defer unlock()

	sess, ok, err := c.opts.Store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("conversation: load session: %w", err)
	}
	if ok {
		ctx = logger.WithSession(ctx, sess.ID)
	}

	switch ev := ev.(type) {
	case TextEvent:
		return c.onText(ctx, key, ev, sess, r)
	case ImageEvent:
		return c.onImage(ctx, key, ev, sess, r)
	default:
		return fmt.Errorf("conversation: unsupported event %T", ev)
	}
}

// Status reports the user's position in the dialogue.
func (c *Controller) Status(ctx context.Context, userID string) (Status, error) {
	sess, ok, err := c.opts.Store.Get(ctx, c.key(userID))
	if err != nil {
		return Status{}, fmt.Errorf("conversation: load session: %w", err)
	}
	if !ok {
		return Status{Phase: NoSession}, nil
	}
	st := Status{SessionID: sess.ID, Step: sess.Step, Images: len(sess.Images), Phase: Answering}
	if sess.Step >= c.opts.Script.PhotoStep() {
		st.Phase = CollectingPhotos
	}
	return st, nil
}

func (c *Controller) onText(ctx context.Context, key string, ev TextEvent, sess *session.Session, r Replier) error {
	script := c.opts.Script
	text := strings.TrimSpace(ev.Text)

	if text == script.Trigger {
		fresh, err := c.opts.Store.Create(ctx, key)
		if err != nil {
			return fmt.Errorf("conversation: create session: %w", err)
		}
		if sess != nil {
			c.discardMedia(ctx, sess.ID)
		}
		c.opts.Metrics.SessionStarted()
		logger.Info(logger.WithSession(ctx, fresh.ID), component, "session.started",
			slog.Bool("restarted", sess != nil),
		)
		return reply(ctx, r, script.Prompt(0))
	}

	if sess == nil {
		return reply(ctx, r, script.Guidance)
	}

	if sess.Step < script.PhotoStep() {
		if text == "" {
			return reply(ctx, r, script.Prompt(sess.Step))
		}
		q := script.Questions[sess.Step]
		sess.Answers[q.Key] = text
		sess.Step++
		if err := c.opts.Store.Save(ctx, key, sess); err != nil {
			return fmt.Errorf("conversation: save answer: %w", err)
		}
		c.opts.Metrics.AnswerRecorded()
		logger.Debug(ctx, component, "answer.recorded",
			slog.String("step", q.Key),
			slog.Int("count", sess.Step),
		)
		return reply(ctx, r, script.Prompt(sess.Step))
	}

	if strings.Contains(text, script.Completion) {
		return c.complete(ctx, key, ev.UserID, sess, r)
	}
	return reply(ctx, r, script.PhotoGuidance)
}

func (c *Controller) onImage(ctx context.Context, key string, ev ImageEvent, sess *session.Session, r Replier) error {
	script := c.opts.Script
	if sess == nil {
		return reply(ctx, r, script.Guidance)
	}
	if sess.Step < script.PhotoStep() {
		return reply(ctx, r, script.TextExpected+"\n"+script.Prompt(sess.Step))
	}

	if len(sess.Images) >= c.opts.MaxImages {
		c.opts.Metrics.ImageReceived("dropped")
		logger.Warn(ctx, component, "image.limit", slog.Int("images", len(sess.Images)))
		return reply(ctx, r, fmt.Sprintf(script.PhotoLimit, c.opts.MaxImages))
	}

	dir := c.sessionDir(sess.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("conversation: create session media dir: %w", err)
	}
	// One file per stored photo; content ids repeat across users and resends.
	path := filepath.Join(dir, fmt.Sprintf("%03d_%s.jpg", len(sess.Images)+1, safeName(ev.ContentID)))
	if err := c.storeImage(ctx, ev.ContentID, path); err != nil {
		_ = os.Remove(path)
		c.opts.Metrics.ImageReceived("dropped")
		logger.Warn(ctx, component, "image.dropped",
			slog.String("status", "fail"),
			slog.String("err", err.Error()),
			slog.String("err_code", logger.ErrorCode(err)),
		)
		return reply(ctx, r, script.PhotoFailed)
	}

	sess.Images = append(sess.Images, path)
	if err := c.opts.Store.Save(ctx, key, sess); err != nil {
		return fmt.Errorf("conversation: save image: %w", err)
	}
	c.opts.Metrics.ImageReceived("saved")
	logger.Debug(ctx, component, "image.saved", slog.Int("images", len(sess.Images)))
	return reply(ctx, r, fmt.Sprintf(script.PhotoAck, len(sess.Images)))
}

func (c *Controller) storeImage(ctx context.Context, contentID, path string) error {
	body, err := c.opts.Fetcher.Fetch(ctx, contentID)
	if err != nil {
		return oops.Code("content_fetch").With("content_id", contentID).Wrap(err)
	}
	defer body.Close()
	return c.opts.Normalizer.Normalize(ctx, body, path)
}

// complete hands a frozen copy to the finisher and always drops the session.
func (c *Controller) complete(ctx context.Context, key, userID string, sess *session.Session, r Replier) error {
	script := c.opts.Script
	replyErr := reply(ctx, r, script.Processing)

	fields := make([]report.Field, 0, len(script.Questions))
	for _, q := range script.Questions {
		fields = append(fields, report.Field{Label: q.Label, Value: sess.Answers[q.Key]})
	}
	job := finisher.Job{
		SessionID:   sess.ID,
		UserID:      userID,
		Platform:    c.opts.Platform,
		Fields:      fields,
		Images:      append([]string(nil), sess.Images...),
		MediaDir:    c.sessionDir(sess.ID),
		Notifier:    c.opts.Notifier,
		RequestedAt: c.opts.Now(),
	}

	submitErr := c.opts.Finisher.Submit(ctx, job)
	if submitErr != nil {
		logger.Error(ctx, component, "session.handoff",
			slog.String("status", "fail"),
			slog.String("err", submitErr.Error()),
		)
		if err := c.opts.Notifier.Push(ctx, userID, fmt.Sprintf(script.Failure, script.HandoffCause)); err != nil {
			logger.Error(ctx, component, "session.handoff.notify",
				slog.String("status", "fail"),
				slog.String("err", err.Error()),
			)
		}
		c.discardMedia(ctx, sess.ID)
	} else {
		logger.Info(ctx, component, "session.completed",
			slog.Int("images", len(job.Images)),
		)
	}

	if err := c.opts.Store.Delete(ctx, key); err != nil {
		return errors.Join(replyErr, fmt.Errorf("conversation: delete session: %w", err))
	}
	return replyErr
}

func (c *Controller) sessionDir(sessionID string) string {
	return filepath.Join(c.opts.MediaDir, safeName(sessionID))
}

// discardMedia removes photos of a session that will never be finished.
func (c *Controller) discardMedia(ctx context.Context, sessionID string) {
	if err := os.RemoveAll(c.sessionDir(sessionID)); err != nil {
		logger.Warn(ctx, component, "media.cleanup",
			slog.String("status", "fail"),
			slog.String("err", err.Error()),
		)
	}
}

func reply(ctx context.Context, r Replier, text string) error {
	if r == nil {
		return nil
	}
	if err := r.Reply(ctx, text); err != nil {
		return fmt.Errorf("conversation: reply: %w", err)
	}
	return nil
}

// safeName keeps content ids usable as file names.
func safeName(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "image"
	}
	return b.String()
}
