package models

// CompletionRequest is one multimodal OCR call: a prompt plus an inline document.
type CompletionRequest struct {
	Prompt          string
	Document        []byte
	MIMEType        string
	MaxOutputTokens int32
	Temperature     float32
}

// Completion is the model's text and the token usage it reported.
type Completion struct {
	Text         string
	InputTokens  int
	OutputTokens int
}
