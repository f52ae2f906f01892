// Package imaging turns photos received from chat platforms into JPEG files
// the report assembler can embed.
package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"os"

	"github.com/disintegration/imaging"
	"github.com/samber/oops"
	_ "golang.org/x/image/webp"
)

// DefaultMaxSide bounds the longest edge of a normalized photo in pixels.
const DefaultMaxSide = 1600

// DefaultMaxPixels bounds width*height of a source image before it is decoded.
const DefaultMaxPixels = 40_000_000

const jpegQuality = 85

// Normalizer decodes any supported image, applies EXIF orientation,
// downsizes it to MaxSide and writes a JPEG.
type Normalizer struct {
	MaxSide int
	// MaxPixels rejects sources larger than this from their header alone.
	MaxPixels int
}

// New returns a Normalizer; maxSide <= 0 selects DefaultMaxSide.
func New(maxSide int) *Normalizer {
	if maxSide <= 0 {
		maxSide = DefaultMaxSide
	}
	return &Normalizer{MaxSide: maxSide, MaxPixels: DefaultMaxPixels}
}

// Normalize reads src and writes a JPEG to dst. On failure dst is removed.
func (n *Normalizer) Normalize(ctx context.Context, src io.Reader, dst string) (err error) {
	errb := oops.Code("image_normalize").With("path", dst)
	if err := ctx.Err(); err != nil {
		return errb.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	// The header is replayed in front of the rest of src for the full decode.
	var head bytes.Buffer
	cfg, _, err := image.DecodeConfig(io.TeeReader(src, &head))
	if err != nil {
		return errb.Wrapf(err, "decode image header")
	}
	limit := n.MaxPixels
	if limit <= 0 {
		limit = DefaultMaxPixels
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(limit) {
		return errb.With("width", cfg.Width, "height", cfg.Height).Errorf("image exceeds %d pixels", limit)
	}

	img, err := imaging.Decode(io.MultiReader(&head, src), imaging.AutoOrientation(true))
	if err != nil {
		return errb.Wrapf(err, "decode image")
	}
	bounds := img.Bounds()
	if bounds.Dx() > n.MaxSide || bounds.Dy() > n.MaxSide {
		img = imaging.Fit(img, n.MaxSide, n.MaxSide, imaging.Lanczos)
	}
	if err := imaging.Save(img, dst, imaging.JPEGQuality(jpegQuality)); err != nil {
		return errb.Wrapf(err, "encode jpeg")
	}
	return nil
}

// Dimensions reports the pixel size of the image stored at path.
func Dimensions(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	img, err := imaging.Decode(f)
	if err != nil {
		return 0, 0, fmt.Errorf("decode %s: %w", path, err)
	}
	b := img.Bounds()
	return b.Dx(), b.Dy(), nil
}
