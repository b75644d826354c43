package ocr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var pageMarker = regexp.MustCompile(`(?i)-{3}\s*Page\s+(\d+)\s*-{3}`)

// ParsedPages is a chunk response split back into pages.
type ParsedPages struct {
	Text map[int]string
	// Degraded holds the pages whose text is a placeholder or an unsplit dump.
	Degraded map[int]bool
}

// ParseResponse splits one model response covering pages into per-page text.
//
// A single-page chunk takes the whole response. Otherwise the response is split on page markers. When the
// number of markers does not match the number of segments (no markers, or text before the first one), the
// whole response goes to the first page and the rest get a "parsing failed" placeholder. Degraded pages
// still count as successes and are never retried.
func ParseResponse(response string, pages []int) ParsedPages {
	out := ParsedPages{Text: make(map[int]string, len(pages)), Degraded: make(map[int]bool)}
	if len(pages) == 0 {
		return out
	}
	if len(pages) == 1 {
		out.Text[pages[0]] = strings.TrimSpace(response)
		return out
	}

	locs := pageMarker.FindAllStringSubmatchIndex(response, -1)
	headers := make([]int, 0, len(locs))
	segments := make([]string, 0, len(locs)+1)
	if len(locs) > 0 {
		if pre := strings.TrimSpace(response[:locs[0][0]]); pre != "" {
			segments = append(segments, pre)
		}
	}
	for i, loc := range locs {
		n, err := strconv.Atoi(response[loc[2]:loc[3]])
		if err != nil {
			continue
		}
		end := len(response)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		headers = append(headers, n)
		segments = append(segments, strings.TrimSpace(response[loc[1]:end]))
	}

	if len(headers) == 0 || len(headers) != len(segments) {
		first := pages[0]
		out.Text[first] = strings.TrimSpace(response)
		out.Degraded[first] = true
		for _, p := range pages[1:] {
			out.Text[p] = fmt.Sprintf("[Page %d: parsing failed, the response for this chunk is attached to page %d]", p, first)
			out.Degraded[p] = true
		}
		return out
	}

	wanted := make(map[int]bool, len(pages))
	for _, p := range pages {
		wanted[p] = true
	}
	for i, h := range headers {
		if _, seen := out.Text[h]; wanted[h] && !seen {
			out.Text[h] = segments[i]
		}
	}
	for _, p := range pages {
		if _, ok := out.Text[p]; !ok {
			out.Text[p] = fmt.Sprintf("[Page %d: parsing failed, the response had no section for this page]", p)
			out.Degraded[p] = true
		}
	}
	return out
}
