package models

// These structs define the JSON payloads for HTTP requests and responses of the OCR functions.

// OCRBatchRequest is the input for the ocr-batch function.
type OCRBatchRequest struct {
	GCSUri    string `json:"gcsUri"`
	StartPage int    `json:"startPage"`
	EndPage   int    `json:"endPage"`
	BatchID   string `json:"batchId,omitempty"`
}

// OCRBatchResponse is the output of the ocr-batch function.
type OCRBatchResponse struct {
	Status            string       `json:"status"`
	BatchID           string       `json:"batchId"`
	OutputGCSUri      string       `json:"outputGcsUri,omitempty"`
	Summary           string       `json:"summary"`
	PagesProcessed    int          `json:"pagesProcessed"`
	TotalInputTokens  int          `json:"totalInputTokens"`
	TotalOutputTokens int          `json:"totalOutputTokens"`
	CacheHitRate      float64      `json:"cacheHitRate"`
	RetryCount        int          `json:"retryCount"`
	ProcessingSeconds float64      `json:"processingSeconds"`
	FailedPages       []FailedPage `json:"failedPages,omitempty"`
	Details           []PageDetail `json:"details,omitempty"`
}

// OCRProgressResponse is the output of the progress endpoint.
type OCRProgressResponse struct {
	BatchID  string   `json:"batchId"`
	Messages []string `json:"messages"`
	Done     bool     `json:"done"`
	Error    string   `json:"error,omitempty"`
}

// OCRAggregateRequest is the input for the ocr-aggregator function.
type OCRAggregateRequest struct {
	DocumentKey string `json:"documentKey"`
}

// OCRAggregateResponse is the output of the ocr-aggregator function.
type OCRAggregateResponse struct {
	Status       string `json:"status"`
	OutputGCSUri string `json:"outputGcsUri"`
	BatchCount   int    `json:"batchCount"`
}
