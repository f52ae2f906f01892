package conversation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/createrken-code/nippo-shokuninn/core/config"
	"github.com/createrken-code/nippo-shokuninn/core/finisher"
	"github.com/createrken-code/nippo-shokuninn/core/imaging"
	"github.com/createrken-code/nippo-shokuninn/core/metrics"
	"github.com/createrken-code/nippo-shokuninn/core/session"
)

type recorder struct {
	mu      sync.Mutex
	replies []string
}

func (r *recorder) Reply(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, text)
	return nil
}

func (r *recorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.replies) == 0 {
		return ""
	}
	return r.replies[len(r.replies)-1]
}

type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	content map[string][]byte
}

func (f *fakeFetcher) Fetch(_ context.Context, id string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	data, ok := f.content[id]
	if !ok {
		return nil, errors.New("content not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type copyNormalizer struct{}

func (copyNormalizer) Normalize(_ context.Context, src io.Reader, dst string) error {
	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return err
	}
	if string(data) == "corrupt" {
		return errors.New("decode failed")
	}
	return nil
}

type fakeFinisher struct {
	mu   sync.Mutex
	jobs []finisher.Job
	err  error
}

func (f *fakeFinisher) Submit(_ context.Context, job finisher.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	pushes []string
}

func (n *fakeNotifier) Push(_ context.Context, _ string, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pushes = append(n.pushes, text)
	return nil
}

type harness struct {
	ctrl     *Controller
	store    session.Store
	fetcher  *fakeFetcher
	finisher *fakeFinisher
	notifier *fakeNotifier
	media    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

func newHarnessWith(t *testing.T, tune func(*Options)) *harness {
	t.Helper()
	h := &harness{
		store:    session.NewMemoryStore(),
		fetcher:  &fakeFetcher{content: map[string][]byte{"img-1": []byte("jpeg-1"), "img-2": []byte("jpeg-2"), "bad": []byte("corrupt")}},
		finisher: &fakeFinisher{},
		notifier: &fakeNotifier{},
		media:    t.TempDir(),
	}
	opts := Options{
		Platform:   "line",
		Script:     DefaultScript(),
		Store:      h.store,
		Fetcher:    h.fetcher,
		Normalizer: copyNormalizer{},
		Finisher:   h.finisher,
		Notifier:   h.notifier,
		MediaDir:   h.media,
		Metrics:    metrics.New(),
	}
	if tune != nil {
		tune(&opts)
	}
	ctrl, err := New(opts)
	require.NoError(t, err)
	h.ctrl = ctrl
	return h
}

func (h *harness) text(t *testing.T, user, text string) string {
	t.Helper()
	r := &recorder{}
	require.NoError(t, h.ctrl.Handle(context.Background(), TextEvent{UserID: user, Text: text}, r))
	require.Len(t, r.replies, 1, "each inbound event gets exactly one reply")
	return r.last()
}

func (h *harness) image(t *testing.T, user, id string) string {
	t.Helper()
	r := &recorder{}
	require.NoError(t, h.ctrl.Handle(context.Background(), ImageEvent{UserID: user, ContentID: id}, r))
	require.Len(t, r.replies, 1)
	return r.last()
}

func (h *harness) status(t *testing.T, user string) Status {
	t.Helper()
	st, err := h.ctrl.Status(context.Background(), user)
	require.NoError(t, err)
	return st
}

func (h *harness) sessionID(t *testing.T, user string) string {
	t.Helper()
	st := h.status(t, user)
	require.NotEmpty(t, st.SessionID)
	return st.SessionID
}

func (h *harness) answerAll(t *testing.T, user string, answers ...string) {
	t.Helper()
	for _, a := range answers {
		h.text(t, user, a)
	}
}

func TestImageWithoutSessionGetsGuidance(t *testing.T) {
	h := newHarness(t)
	script := h.ctrl.Script()

	for _, id := range []string{"img-1", "img-2", "unknown"} {
		assert.Equal(t, script.Guidance, h.image(t, "U1", id))
	}
	assert.Equal(t, NoSession, h.status(t, "U1").Phase)
	entries, _ := os.ReadDir(h.media)
	assert.Empty(t, entries, "nothing is fetched without a session")
}

func TestTextWithoutSessionGetsGuidance(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, DefaultScript().Guidance, h.text(t, "U1", "hello"))
	assert.Equal(t, DefaultScript().Guidance, h.text(t, "U1", "完了"))
	assert.Equal(t, NoSession, h.status(t, "U1").Phase)
}

func TestTriggerAlwaysStartsFresh(t *testing.T) {
	h := newHarness(t)
	script := h.ctrl.Script()

	assert.Equal(t, script.Prompt(0), h.text(t, "U1", "日報作成"))
	first := h.status(t, "U1")
	assert.Equal(t, Status{Phase: Answering, SessionID: first.SessionID}, first)

	h.answerAll(t, "U1", "Alice", "Site A")
	assert.Equal(t, 2, h.status(t, "U1").Step)

	assert.Equal(t, script.Prompt(0), h.text(t, "U1", "  日報作成 "), "surrounding whitespace is ignored")
	again := h.status(t, "U1")
	assert.Equal(t, 0, again.Step)
	assert.NotEqual(t, first.SessionID, again.SessionID)

	h.answerAll(t, "U1", "Alice", "Site A", "Paint wall", "3h", "none")
	h.image(t, "U1", "img-1")
	h.text(t, "U1", "日報作成")
	st := h.status(t, "U1")
	assert.Equal(t, Answering, st.Phase)
	assert.Zero(t, st.Images)

	key := h.ctrl.key("U1")
	sess, ok, err := h.store.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, sess.Answers)
	assert.Empty(t, sess.Images)
}

func TestTriggerTwiceDiscardsPartialAnswers(t *testing.T) {
	h := newHarness(t)
	h.text(t, "U1", "日報作成")
	h.answerAll(t, "U1", "Alice", "Site A", "Paint wall")
	h.text(t, "U1", "日報作成")
	h.text(t, "U1", "日報作成")

	sess, ok, err := h.store.Get(context.Background(), h.ctrl.key("U1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, sess.Step)
	assert.Empty(t, sess.Answers)
	assert.Empty(t, sess.Images)
}

func TestAnswersFillKeysInOrder(t *testing.T) {
	h := newHarness(t)
	script := h.ctrl.Script()
	h.text(t, "U1", "日報作成")

	answers := []string{"Alice", "Site A", "Paint wall", "3h", "none"}
	for i, a := range answers {
		got := h.text(t, "U1", a)
		assert.Equal(t, script.Prompt(i+1), got)
		sess, _, err := h.store.Get(context.Background(), h.ctrl.key("U1"))
		require.NoError(t, err)
		assert.Equal(t, i+1, sess.Step)
		assert.Len(t, sess.Answers, i+1)
	}
	assert.Equal(t, script.PhotoPrompt, script.Prompt(script.PhotoStep()))

	sess, _, err := h.store.Get(context.Background(), h.ctrl.key("U1"))
	require.NoError(t, err)
	assert.Equal(t, script.PhotoStep(), sess.Step)
	assert.Equal(t, map[string]string{
		"worker": "Alice", "site": "Site A", "task": "Paint wall", "duration": "3h", "remarks": "none",
	}, sess.Answers)
	assert.Equal(t, CollectingPhotos, h.status(t, "U1").Phase)
}

func TestBlankAnswerRepeatsPrompt(t *testing.T) {
	h := newHarness(t)
	script := h.ctrl.Script()
	h.text(t, "U1", "日報作成")
	h.text(t, "U1", "Alice")

	assert.Equal(t, script.Prompt(1), h.text(t, "U1", "   "))
	assert.Equal(t, 1, h.status(t, "U1").Step)
}

func TestImageWhileAnsweringAsksForText(t *testing.T) {
	h := newHarness(t)
	script := h.ctrl.Script()
	h.text(t, "U1", "日報作成")
	h.text(t, "U1", "Alice")

	got := h.image(t, "U1", "img-1")
	assert.Equal(t, script.TextExpected+"\n"+script.Prompt(1), got)
	st := h.status(t, "U1")
	assert.Equal(t, 1, st.Step)
	assert.Zero(t, st.Images)
}

func TestEachImageIncrementsCount(t *testing.T) {
	h := newHarness(t)
	script := h.ctrl.Script()
	h.text(t, "U1", "日報作成")
	h.answerAll(t, "U1", "Alice", "Site A", "Paint wall", "3h", "none")

	for i, id := range []string{"img-1", "img-2", "img-1"} {
		got := h.image(t, "U1", id)
		assert.Equal(t, fmt.Sprintf(script.PhotoAck, i+1), got)
		assert.Equal(t, i+1, h.status(t, "U1").Images)
	}
	assert.Contains(t, fmt.Sprintf(script.PhotoAck, 3), "現在 3 枚")
}

func TestFailedImageIsDropped(t *testing.T) {
	h := newHarness(t)
	script := h.ctrl.Script()
	h.text(t, "U1", "日報作成")
	h.answerAll(t, "U1", "Alice", "Site A", "Paint wall", "3h", "none")
	h.image(t, "U1", "img-1")

	assert.Equal(t, script.PhotoFailed, h.image(t, "U1", "bad"))
	assert.Equal(t, script.PhotoFailed, h.image(t, "U1", "missing"))
	assert.Equal(t, 1, h.status(t, "U1").Images)

	dir := filepath.Join(h.media, h.sessionID(t, "U1"))
	_, err := os.Stat(filepath.Join(dir, "002_bad.jpg"))
	assert.True(t, os.IsNotExist(err), "partial file removed")
	assert.FileExists(t, filepath.Join(dir, "001_img-1.jpg"))

	assert.Equal(t, fmt.Sprintf(script.PhotoAck, 2), h.image(t, "U1", "img-2"))
	assert.FileExists(t, filepath.Join(dir, "002_img-2.jpg"))
}

func TestSameContentIDAcrossUsersKeepsStoredPhoto(t *testing.T) {
	h := newHarness(t)
	script := h.ctrl.Script()
	for _, u := range []string{"alice", "bob"} {
		h.text(t, u, "日報作成")
		h.answerAll(t, u, "worker", "site", "task", "1h", "none")
	}

	h.fetcher.content["same-file-id"] = []byte("jpeg")
	assert.Equal(t, fmt.Sprintf(script.PhotoAck, 1), h.image(t, "alice", "same-file-id"))
	stored, ok, err := h.store.Get(context.Background(), h.ctrl.key("alice"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, stored.Images, 1)

	h.fetcher.content["same-file-id"] = []byte("corrupt")
	assert.Equal(t, script.PhotoFailed, h.image(t, "bob", "same-file-id"))

	data, err := os.ReadFile(stored.Images[0])
	require.NoError(t, err, "another user's failure must not touch a counted photo")
	assert.Equal(t, "jpeg", string(data))
	assert.Equal(t, 1, h.status(t, "alice").Images)
	assert.Zero(t, h.status(t, "bob").Images)
}

func TestResendOfSameContentIDIsStoredSeparately(t *testing.T) {
	h := newHarness(t)
	h.text(t, "U1", "日報作成")
	h.answerAll(t, "U1", "Alice", "Site A", "Paint wall", "3h", "none")
	h.image(t, "U1", "img-1")
	h.image(t, "U1", "img-1")

	sess, _, err := h.store.Get(context.Background(), h.ctrl.key("U1"))
	require.NoError(t, err)
	require.Len(t, sess.Images, 2)
	assert.NotEqual(t, sess.Images[0], sess.Images[1])
	for _, p := range sess.Images {
		assert.FileExists(t, p)
	}
}

func TestPhotoLimitPerSession(t *testing.T) {
	h := newHarnessWith(t, func(o *Options) { o.MaxImages = 2 })
	script := h.ctrl.Script()
	h.text(t, "U1", "日報作成")
	h.answerAll(t, "U1", "Alice", "Site A", "Paint wall", "3h", "none")
	h.image(t, "U1", "img-1")
	h.image(t, "U1", "img-2")

	got := h.image(t, "U1", "img-1")
	assert.Equal(t, fmt.Sprintf(script.PhotoLimit, 2), got)
	assert.Equal(t, 2, h.status(t, "U1").Images)
	assert.Equal(t, 2, h.fetcher.calls, "no fetch once the cap is reached")

	assert.Equal(t, script.Processing, h.text(t, "U1", "完了"))
	require.Len(t, h.finisher.jobs, 1)
	assert.Len(t, h.finisher.jobs[0].Images, 2)
}

func TestRestartDiscardsOldPhotos(t *testing.T) {
	h := newHarness(t)
	h.text(t, "U1", "日報作成")
	h.answerAll(t, "U1", "Alice", "Site A", "Paint wall", "3h", "none")
	h.image(t, "U1", "img-1")
	old := filepath.Join(h.media, h.sessionID(t, "U1"))
	require.DirExists(t, old)

	h.text(t, "U1", "日報作成")
	assert.NoDirExists(t, old)
}

func TestOtherTextWhileCollectingPhotos(t *testing.T) {
	h := newHarness(t)
	script := h.ctrl.Script()
	h.text(t, "U1", "日報作成")
	h.answerAll(t, "U1", "Alice", "Site A", "Paint wall", "3h", "none")

	assert.Equal(t, script.PhotoGuidance, h.text(t, "U1", "もう少し待って"))
	assert.Equal(t, CollectingPhotos, h.status(t, "U1").Phase)
	assert.Empty(t, h.finisher.jobs)
}

func TestCompletionKeywordOnlyCountsInPhotoStep(t *testing.T) {
	h := newHarness(t)
	h.text(t, "U1", "日報作成")
	h.answerAll(t, "U1", "Alice", "Site A", "完了した作業", "3h")

	sess, _, err := h.store.Get(context.Background(), h.ctrl.key("U1"))
	require.NoError(t, err)
	assert.Equal(t, "完了した作業", sess.Answers["task"])
	assert.Equal(t, 4, sess.Step)
	assert.Empty(t, h.finisher.jobs)
}

func TestConcreteScenario(t *testing.T) {
	h := newHarness(t)
	script := h.ctrl.Script()

	h.text(t, "U1", "日報作成")
	h.answerAll(t, "U1", "Alice", "Site A", "Paint wall", "3h", "none")
	h.image(t, "U1", "img-1")
	h.image(t, "U1", "img-2")

	assert.Equal(t, script.Processing, h.text(t, "U1", "done, that's all, 完了!"))

	require.Len(t, h.finisher.jobs, 1, "exactly one hand-off")
	job := h.finisher.jobs[0]
	assert.Equal(t, "U1", job.UserID)
	assert.Equal(t, "line", job.Platform)
	assert.NotEmpty(t, job.SessionID)
	labels := make([]string, 0, len(job.Fields))
	values := make(map[string]string, len(job.Fields))
	for i, f := range job.Fields {
		labels = append(labels, f.Label)
		values[script.Questions[i].Key] = f.Value
	}
	assert.Equal(t, []string{"作業者名", "作業現場", "作業内容", "作業時間", "備考"}, labels)
	assert.Equal(t, map[string]string{
		"worker": "Alice", "site": "Site A", "task": "Paint wall", "duration": "3h", "remarks": "none",
	}, values)
	dir := filepath.Join(h.media, job.SessionID)
	assert.Equal(t, []string{
		filepath.Join(dir, "001_img-1.jpg"),
		filepath.Join(dir, "002_img-2.jpg"),
	}, job.Images)
	assert.Equal(t, dir, job.MediaDir)
	assert.DirExists(t, dir, "photos stay until the finisher is done with them")

	assert.Equal(t, NoSession, h.status(t, "U1").Phase)
	_, ok, err := h.store.Get(context.Background(), h.ctrl.key("U1"))
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, script.Guidance, h.text(t, "U1", "完了"), "a second keyword finds no session")
	assert.Len(t, h.finisher.jobs, 1)
}

func TestHandoffFailureNotifiesAndDropsSession(t *testing.T) {
	h := newHarness(t)
	h.finisher.err = finisher.ErrQueueFull
	script := h.ctrl.Script()

	h.text(t, "U1", "日報作成")
	h.answerAll(t, "U1", "Alice", "Site A", "Paint wall", "3h", "none")
	h.image(t, "U1", "img-1")
	assert.Equal(t, script.Processing, h.text(t, "U1", "完了"))

	require.Len(t, h.notifier.pushes, 1)
	assert.Equal(t, fmt.Sprintf(script.Failure, script.HandoffCause), h.notifier.pushes[0])
	assert.Equal(t, NoSession, h.status(t, "U1").Phase)
	entries, err := os.ReadDir(h.media)
	require.NoError(t, err)
	assert.Empty(t, entries, "photos of a rejected session are removed")
}

func TestUsersAreIsolated(t *testing.T) {
	h := newHarness(t)
	h.text(t, "A", "日報作成")
	h.text(t, "A", "Alice")
	assert.Equal(t, DefaultScript().Guidance, h.text(t, "B", "Bob"))
	assert.Equal(t, 1, h.status(t, "A").Step)
	assert.Equal(t, NoSession, h.status(t, "B").Phase)
}

func TestConcurrentImagesForOneUser(t *testing.T) {
	h := newHarness(t)
	h.text(t, "U1", "日報作成")
	h.answerAll(t, "U1", "Alice", "Site A", "Paint wall", "3h", "none")

	const n = 20
	for i := 0; i < n; i++ {
		h.fetcher.content[fmt.Sprintf("c%d", i)] = []byte("jpeg")
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := h.ctrl.Handle(context.Background(), ImageEvent{UserID: "U1", ContentID: fmt.Sprintf("c%d", i)}, &recorder{})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, n, h.status(t, "U1").Images, "per-user serialization loses no photo")
	assert.Zero(t, h.ctrl.locks.len())
}

func TestRealNormalizerRejectsInvalidImage(t *testing.T) {
	h := newHarness(t)
	h.ctrl.opts.Normalizer = imaging.New(imaging.DefaultMaxSide)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))))
	h.fetcher.content["png"] = buf.Bytes()
	h.fetcher.content["text"] = []byte("not an image")

	h.text(t, "U1", "日報作成")
	h.answerAll(t, "U1", "Alice", "Site A", "Paint wall", "3h", "none")
	assert.True(t, strings.HasPrefix(h.image(t, "U1", "png"), "📷"))
	assert.Equal(t, DefaultScript().PhotoFailed, h.image(t, "U1", "text"))
	assert.Equal(t, 1, h.status(t, "U1").Images)
}

func TestScriptFromConfig(t *testing.T) {
	s := ScriptFromConfig(config.ConversationConfig{TriggerPhrase: "report", CompletionKeyword: "done"})
	assert.Equal(t, "report", s.Trigger)
	assert.Equal(t, "done", s.Completion)
	assert.Contains(t, s.Guidance, "「report」")
	assert.Contains(t, s.PhotoGuidance, "「done」")
	require.NoError(t, s.Validate())

	bad := DefaultScript()
	bad.Questions = append(bad.Questions, Question{Key: "worker", Prompt: "again"})
	assert.Error(t, bad.Validate())
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "AgAD_x-1", safeName("AgAD_x-1"))
	assert.Equal(t, "___etc_passwd", safeName("../etc/passwd"))
	assert.Equal(t, "image", safeName(""))
}
