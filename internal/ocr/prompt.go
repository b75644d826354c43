package ocr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Lllllllleong/pdfocrflow/internal/models"
)

const ocrPrompt = `You will be provided with a PDF document. Extract all of its text content.

Text: Transcribe all text exactly as written, preserving reading order, paragraphs and lists.
Tables: Render tables as markdown tables.
Math: Render formulas in LaTeX.
Images: Replace each figure with a short bracketed description of what it shows.
Headers and Footers: Omit running headers, footers and page numbers.

Return ONLY the extracted content. Do not add commentary or wrap the output in code fences.`

// BuildPrompt returns the OCR instruction for a chunk. Multi-page chunks ask the model to introduce each
// page with its marker so the response can be split back into pages.
func BuildPrompt(pages []int) string {
	if len(pages) <= 1 {
		return ocrPrompt
	}
	markers := make([]string, len(pages))
	for i, p := range pages {
		markers[i] = models.PageMarker(p)
	}
	return fmt.Sprintf(`%s

The document contains %d pages, which are pages %s of the original. Start the content of each page with its
marker line, exactly as written and in this order:
%s`, ocrPrompt, len(pages), pageLabel(pages), strings.Join(markers, "\n"))
}

// pageLabel renders a page list compactly, e.g. "3-6" or "1, 4, 9".
func pageLabel(pages []int) string {
	if len(pages) == 0 {
		return ""
	}
	contiguous := true
	for i := 1; i < len(pages); i++ {
		if pages[i] != pages[i-1]+1 {
			contiguous = false
			break
		}
	}
	if len(pages) == 1 {
		return strconv.Itoa(pages[0])
	}
	if contiguous {
		return fmt.Sprintf("%d-%d", pages[0], pages[len(pages)-1])
	}
	parts := make([]string, len(pages))
	for i, p := range pages {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ", ")
}
