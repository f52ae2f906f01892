package report

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJPEG(t *testing.T, dir, name string, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, x%h, color.RGBA{G: 180, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestFileName(t *testing.T) {
	date := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)
	r := Report{SessionID: "0f8d2c1e-aaaa-bbbb-cccc-000000000000", Date: date}
	assert.Equal(t, "daily_report_2026-03-09_0f8d2c1e.pdf", r.FileName())
	assert.Equal(t, "daily_report_2026-03-09.pdf", Report{Date: date}.FileName())
}

func TestAssembleWithPhotos(t *testing.T) {
	dir := t.TempDir()
	a, err := NewAssembler(filepath.Join(dir, "out"), "", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultTitle, a.Title)

	photos := []string{
		writeJPEG(t, dir, "received_1.jpg", 320, 240),
		writeJPEG(t, dir, "received_2.jpg", 240, 320),
	}
	r := Report{
		SessionID: "abcdef12-3456",
		Date:      time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
		Fields: []Field{
			{Label: "Worker", Value: "Alice"},
			{Label: "Site", Value: "Site A"},
			{Label: "Task", Value: "Paint wall"},
			{Label: "Duration", Value: "3h"},
			{Label: "Remarks", Value: ""},
		},
		Images: photos,
	}

	path, err := a.Assemble(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "out", "daily_report_2026-03-09_abcdef12.pdf"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF-")))
	assert.Equal(t, 2, bytes.Count(data, []byte("/Subtype /Image")))
}

func TestAssembleSkipsUnreadablePhotos(t *testing.T) {
	dir := t.TempDir()
	a, err := NewAssembler(dir, filepath.Join(dir, "missing.ttf"), "Report")
	require.NoError(t, err)
	assert.Empty(t, a.FontPath, "missing font falls back to the core font")

	broken := filepath.Join(dir, "broken.jpg")
	require.NoError(t, os.WriteFile(broken, []byte("not a jpeg"), 0o644))

	path, err := a.Assemble(context.Background(), Report{
		SessionID: "s1",
		Fields:    []Field{{Label: "Worker", Value: "Bob"}},
		Images:    []string{broken, filepath.Join(dir, "gone.jpg")},
	})
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Zero(t, bytes.Count(data, []byte("/Subtype /Image")))
}

func TestAssembleCancelled(t *testing.T) {
	a, err := NewAssembler(t.TempDir(), "", "")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.Assemble(ctx, Report{SessionID: "s1"})
	assert.ErrorIs(t, err, context.Canceled)
}
