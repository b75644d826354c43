package models

import "time"

// DocumentIdentity is the stable identity of a source document. It feeds the OCR cache key,
// so it must only carry values that survive process restarts.
type DocumentIdentity struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
	// Digest is set when the document arrived as raw bytes without a trustworthy modification time.
	Digest string `json:"digest,omitempty"`
}

// PageRequest asks for OCR of an inclusive, 1-based page range.
type PageRequest struct {
	DocumentRef string `json:"documentRef"`
	StartPage   int    `json:"startPage"`
	EndPage     int    `json:"endPage"`
}
