package gcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"

	"github.com/Lllllllleong/pdfocrflow/internal/models"
)

// OCRSystemPrompt frames every OCR call.
const OCRSystemPrompt = "You are a meticulous OCR engine for scanned and born-digital documents. Your task is to transcribe the content of the provided PDF pages into clean markdown. Accuracy and completeness matter more than formatting polish."

var (
	// ErrEmptyResponse means the model answered with no usable text.
	ErrEmptyResponse = errors.New("gemini returned an empty response")
	// ErrRefusal means the model declined to transcribe the document.
	ErrRefusal = errors.New("gemini response indicates refusal")
)

// refusalPhrases open a model refusal. Transcribed pages may contain them anywhere, so only a short response
// that starts with one counts.
var refusalPhrases = []string{
	"i am unable to",
	"i'm unable to",
	"i cannot fulfill",
	"i cannot answer",
	"i cannot provide",
	"i can't help",
	"i'm sorry, but",
	"as a large language model",
}

const maxRefusalLen = 300

// VertexClient sends OCR requests to a Gemini model on Vertex AI.
type VertexClient struct {
	baseClient *genai.Client
	modelName  string
}

// NewVertexClient creates a client for the named OCR model.
func NewVertexClient(ctx context.Context, projectID, region, modelName string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}
	if modelName == "" {
		return nil, fmt.Errorf("NewVertexClient: model name cannot be empty")
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}
	return &VertexClient{baseClient: baseClient, modelName: modelName}, nil
}

// Complete sends the document inline with the prompt and returns the transcribed text.
func (c *VertexClient) Complete(ctx context.Context, req models.CompletionRequest) (*models.Completion, error) {
	// GenerativeModel carries its settings as mutable fields, so each call gets its own.
	model := c.baseClient.GenerativeModel(c.modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(OCRSystemPrompt)},
	}
	model.SetTemperature(req.Temperature)
	model.SetMaxOutputTokens(req.MaxOutputTokens)
	model.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
	}

	resp, err := model.GenerateContent(ctx,
		genai.Blob{MIMEType: req.MIMEType, Data: req.Document},
		genai.Text(req.Prompt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to generate content from gemini: %w", err)
	}
	return completionFromResponse(resp)
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}

// completionFromResponse concatenates the text parts of the first candidate, strips a wrapping code fence
// and rejects empty or refused answers.
func completionFromResponse(resp *genai.GenerateContentResponse) (*models.Completion, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, ErrEmptyResponse
	}
	cand := resp.Candidates[0]
	switch cand.FinishReason {
	case genai.FinishReasonSafety, genai.FinishReasonRecitation:
		return nil, fmt.Errorf("%w: finish reason %s", ErrRefusal, cand.FinishReason)
	}
	if cand.Content == nil {
		return nil, ErrEmptyResponse
	}

	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	text := stripFence(strings.TrimSpace(sb.String()))
	if text == "" {
		return nil, fmt.Errorf("%w (finish reason %s)", ErrEmptyResponse, cand.FinishReason)
	}
	if phrase, ok := refusal(text); ok {
		return nil, fmt.Errorf("%w: matched %q", ErrRefusal, phrase)
	}

	out := &models.Completion{Text: text}
	if u := resp.UsageMetadata; u != nil {
		out.InputTokens = int(u.PromptTokenCount)
		out.OutputTokens = int(u.CandidatesTokenCount)
	}
	return out, nil
}

// stripFence removes a code fence wrapping the whole response. Fences are removed only as an opening and
// closing pair, so a page that starts or ends with its own code block keeps it.
func stripFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	firstLine, body, ok := strings.Cut(text, "\n")
	if !ok {
		return strings.TrimSpace(strings.Trim(text, "`"))
	}
	if lang := strings.TrimSpace(strings.TrimPrefix(firstLine, "```")); strings.ContainsAny(lang, " `") {
		return text
	}
	body = strings.TrimSpace(body)
	if !strings.HasSuffix(body, "```") || strings.Count(body, "```") != 1 {
		return text
	}
	return strings.TrimSpace(strings.TrimSuffix(body, "```"))
}

func refusal(text string) (string, bool) {
	if len(text) > maxRefusalLen {
		return "", false
	}
	lower := strings.ToLower(text)
	for _, phrase := range refusalPhrases {
		if strings.HasPrefix(lower, phrase) {
			return phrase, true
		}
	}
	return "", false
}
