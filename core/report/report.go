// Package report renders a finished daily report into a PDF file.
package report

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/samber/oops"

	"github.com/createrken-code/nippo-shokuninn/core/logger"
)

const (
	component = "report"

	// DefaultTitle heads every generated report.
	DefaultTitle = "日報職人 - 作業報告書"
	// Missing replaces an empty answer in the table.
	Missing = "未入力"

	fontFamily   = "jp"
	labelWidth   = 40.0
	valueWidth   = 130.0
	lineHeight   = 8.0
	photoWidth   = 70.0
	photoSpacing = 5.0
	cellPadding  = 1.0
)

// Field is one table row.
type Field struct {
	Label string
	Value string
}

// Report is the frozen content of a completed session.
type Report struct {
	SessionID string
	Date      time.Time
	Fields    []Field
	Images    []string
}

// FileName returns the artifact name for r.
func (r Report) FileName() string {
	id := r.SessionID
	if len(id) > 8 {
		id = id[:8]
	}
	name := "daily_report_" + r.Date.Format("2006-01-02")
	if id != "" {
		name += "_" + id
	}
	return name + ".pdf"
}

// Assembler writes report PDFs into OutputDir.
type Assembler struct {
	OutputDir string
	FontPath  string
	Title     string
}

// NewAssembler validates the font and output directory.
// A missing font falls back to Helvetica, which cannot render Japanese text.
func NewAssembler(outputDir, fontPath, title string) (*Assembler, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("report: create output dir: %w", err)
	}
	if title == "" {
		title = DefaultTitle
	}
	if fontPath != "" {
		if _, err := os.Stat(fontPath); err != nil {
			logger.Warn(context.Background(), component, "font.missing",
				slog.String("file", fontPath),
				slog.String("err", err.Error()),
			)
			fontPath = ""
		}
	}
	return &Assembler{OutputDir: outputDir, FontPath: fontPath, Title: title}, nil
}

// Assemble renders r and returns the written file path.
func (a *Assembler) Assemble(ctx context.Context, r Report) (string, error) {
	errb := oops.Code("report_assemble").With("session_id", r.SessionID)
	if err := ctx.Err(); err != nil {
		return "", errb.Wrap(err)
	}
	if r.Date.IsZero() {
		r.Date = time.Now()
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	family := "Helvetica"
	if a.FontPath != "" {
		pdf.AddUTF8Font(fontFamily, "", a.FontPath)
		family = fontFamily
	}
	pdf.SetAutoPageBreak(true, 15)
	pdf.AddPage()

	pdf.SetFont(family, "", 18)
	pdf.CellFormat(0, 12, a.Title, "", 1, "C", false, 0, "")
	pdf.Ln(6)
	pdf.SetFont(family, "", 11)
	pdf.CellFormat(0, lineHeight, "作成日: "+r.Date.Format("2006-01-02"), "", 1, "L", false, 0, "")
	pdf.Ln(6)

	for _, f := range r.Fields {
		a.row(pdf, f)
	}

	if len(r.Images) > 0 {
		pdf.Ln(10)
		pdf.SetFont(family, "", 14)
		pdf.CellFormat(0, 10, "写真一覧:", "", 1, "L", false, 0, "")
		pdf.Ln(3)
		for _, path := range r.Images {
			if err := ctx.Err(); err != nil {
				return "", errb.Wrap(err)
			}
			a.photo(ctx, pdf, path)
		}
	}

	if err := pdf.Error(); err != nil {
		return "", errb.Wrapf(err, "render pdf")
	}
	out := filepath.Join(a.OutputDir, r.FileName())
	if err := pdf.OutputFileAndClose(out); err != nil {
		return "", errb.With("file", out).Wrapf(err, "write pdf")
	}
	return out, nil
}

func (a *Assembler) row(pdf *fpdf.Fpdf, f Field) {
	value := strings.TrimSpace(f.Value)
	if value == "" {
		value = Missing
	}
	lines := wrap(pdf, value, valueWidth-2*cellPadding)
	height := lineHeight * float64(len(lines))

	_, pageH := pdf.GetPageSize()
	_, _, _, bottom := pdf.GetMargins()
	if pdf.GetY()+height > pageH-bottom {
		pdf.AddPage()
	}

	x, y := pdf.GetXY()
	pdf.CellFormat(labelWidth, height, f.Label, "1", 0, "LM", false, 0, "")
	pdf.Rect(x+labelWidth, y, valueWidth, height, "D")
	for i, line := range lines {
		pdf.SetXY(x+labelWidth, y+lineHeight*float64(i))
		pdf.CellFormat(valueWidth, lineHeight, line, "", 0, "L", false, 0, "")
	}
	pdf.SetXY(x, y+height)
}

// wrap breaks text into lines no wider than width in the current font.
func wrap(pdf *fpdf.Fpdf, text string, width float64) []string {
	var lines []string
	for _, para := range strings.Split(text, "\n") {
		var line []rune
		for _, r := range para {
			if len(line) > 0 && pdf.GetStringWidth(string(append(line, r))) > width {
				lines = append(lines, string(line))
				line = line[:0]
			}
			line = append(line, r)
		}
		lines = append(lines, string(line))
	}
	return lines
}

func (a *Assembler) photo(ctx context.Context, pdf *fpdf.Fpdf, path string) {
	kind, err := probe(path)
	if err != nil {
		logger.Warn(ctx, component, "photo.skipped",
			slog.String("file", filepath.Base(path)),
			slog.String("err", err.Error()),
		)
		return
	}
	opts := fpdf.ImageOptions{ImageType: kind, ReadDpi: false}
	info := pdf.RegisterImageOptions(path, opts)
	if info == nil || info.Width() == 0 {
		return
	}
	height := photoWidth * info.Height() / info.Width()

	_, pageH := pdf.GetPageSize()
	_, _, _, bottom := pdf.GetMargins()
	if pdf.GetY()+height > pageH-bottom {
		pdf.AddPage()
	}
	left, _, _, _ := pdf.GetMargins()
	y := pdf.GetY()
	pdf.ImageOptions(path, left, y, photoWidth, height, false, opts, 0, "")
	pdf.SetY(y + height + photoSpacing)
}

// probe checks that path holds an image fpdf can embed and returns its type.
func probe(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	_, format, err := image.DecodeConfig(f)
	if err != nil {
		return "", err
	}
	switch format {
	case "jpeg":
		return "JPG", nil
	case "png":
		return "PNG", nil
	default:
		return "", fmt.Errorf("unsupported image format %q", format)
	}
}
