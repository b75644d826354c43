package pdfdoc

import (
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	rpdf "rsc.io/pdf"
)

// headingRatio is how much larger than the page's median glyph a line must be to be rendered as a heading.
const headingRatio = 1.3

// extractStructured rebuilds reading order from positioned glyphs and marks oversized lines as
// markdown headings. rsc.io/pdf panics on malformed input, so panics become errors here.
func extractStructured(path string, page int) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("structured extraction panicked: %v", r)
		}
	}()

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	r, err := rpdf.NewReader(f, info.Size())
	if err != nil {
		return "", fmt.Errorf("failed to parse pdf: %w", err)
	}
	if page < 1 || page > r.NumPage() {
		return "", fmt.Errorf("%w: page %d of %d", ErrOutOfRange, page, r.NumPage())
	}
	p := r.Page(page)
	if p.V.IsNull() {
		return "", fmt.Errorf("page %d has no page object", page)
	}
	return layoutText(p.Content().Text), nil
}

type line struct {
	y    float64
	size float64
	runs []rpdf.Text
}

func layoutText(runs []rpdf.Text) string {
	if len(runs) == 0 {
		return ""
	}
	sorted := append([]rpdf.Text(nil), runs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Y > sorted[j].Y })

	var lines []*line
	for _, t := range sorted {
		tol := math.Max(t.FontSize/2, 1)
		if n := len(lines); n > 0 && math.Abs(lines[n-1].y-t.Y) <= tol {
			cur := lines[n-1]
			cur.runs = append(cur.runs, t)
			cur.size = math.Max(cur.size, t.FontSize)
			continue
		}
		lines = append(lines, &line{y: t.Y, size: t.FontSize, runs: []rpdf.Text{t}})
	}

	median := medianFontSize(runs)
	var out strings.Builder
	for i, l := range lines {
		sort.SliceStable(l.runs, func(a, b int) bool { return l.runs[a].X < l.runs[b].X })
		s := strings.TrimSpace(joinRuns(l.runs))
		if s == "" {
			continue
		}
		if i > 0 {
			out.WriteByte('\n')
		}
		if median > 0 && l.size >= median*headingRatio {
			out.WriteString("## ")
		}
		out.WriteString(s)
	}
	return out.String()
}

func joinRuns(runs []rpdf.Text) string {
	var b strings.Builder
	for i, t := range runs {
		if i > 0 {
			prev := runs[i-1]
			gap := t.X - (prev.X + prev.W)
			if gap > 0.3*t.FontSize && !isBlank(prev.S) && !isBlank(t.S) {
				b.WriteByte(' ')
			}
		}
		b.WriteString(t.S)
	}
	return b.String()
}

func isBlank(s string) bool { return strings.TrimSpace(s) == "" }

func medianFontSize(runs []rpdf.Text) float64 {
	sizes := make([]float64, 0, len(runs))
	for _, t := range runs {
		if !isBlank(t.S) {
			sizes = append(sizes, t.FontSize)
		}
	}
	if len(sizes) == 0 {
		return 0
	}
	sort.Float64s(sizes)
	return sizes[len(sizes)/2]
}

// extractRaw decodes the page's content stream with pdfcpu and pulls out the shown strings.
func extractRaw(path string, page int, conf *model.Configuration) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	ctx, err := api.ReadContext(f, conf)
	if err != nil {
		return "", fmt.Errorf("failed to read pdf: %w", err)
	}
	if err := ctx.EnsurePageCount(); err != nil {
		return "", fmt.Errorf("failed to count pages: %w", err)
	}
	if page < 1 || page > ctx.PageCount {
		return "", fmt.Errorf("%w: page %d of %d", ErrOutOfRange, page, ctx.PageCount)
	}

	r, err := pdfcpu.ExtractPageContent(ctx, page)
	if err != nil {
		return "", fmt.Errorf("failed to extract content of page %d: %w", page, err)
	}
	if r == nil {
		return "", nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read content of page %d: %w", page, err)
	}
	return contentStreamText(data), nil
}
