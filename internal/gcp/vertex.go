package gcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
)

var (
	ErrNotConfigured = errors.New("model not configured")
	ErrRefused       = errors.New("model refused the request")
)

// --- OCR Model Prompts ---
const OCRSystemPrompt = "You are an optical character recognition engine. Your task is to transcribe every piece of text visible in the provided page image or PDF page, exactly as written."
const OCRUserPrompt = `Transcribe the text of this page.

Follow these rules:
1.  Reproduce the text in natural reading order, top to bottom and left to right, keeping paragraph breaks.
2.  Reproduce tables row by row, separating cells with " | ".
3.  Do not describe images, logos or layout. Do not translate or correct the text.
4.  If the page contains no text, return an empty response.

Return ONLY the transcribed text. Do not include any preamble or surround the output with backtick fences.`

// --- Summary Model Prompts ---
const SummarySystemPrompt = "You are a document archivist. Your task is to write a concise, factual summary of a document from its extracted text so that it can be found again later."
const SummaryUserPrompt = `Summarize the document text below.

Follow these rules:
1.  Write at most five sentences in the language of the document.
2.  Name the document type (invoice, contract, letter, receipt, ...), the parties involved, relevant dates and amounts.
3.  Do not invent information that is not in the text.

Return ONLY the summary.

Document text:
`

// VertexClient holds the pre-configured generative models of the pipeline.
type VertexClient struct {
	OCRModel         *genai.GenerativeModel
	SummaryModel     *genai.GenerativeModel
	SummaryModelName string
	baseClient       *genai.Client
}

// NewVertexClient creates a new client holding both models.
func NewVertexClient(ctx context.Context, projectID, region, ocrModel, summaryModel string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty: %w", ErrNotConfigured)
	}
	if ocrModel == "" || summaryModel == "" {
		return nil, fmt.Errorf("NewVertexClient: model names cannot be empty: %w", ErrNotConfigured)
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	// --- Configure the OCR model ---
	ocr := baseClient.GenerativeModel(ocrModel)
	ocr.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(OCRSystemPrompt)},
	}
	ocr.GenerationConfig = genai.GenerationConfig{
		Temperature: genai.Ptr[float32](0.0),
	}

	// --- Configure the summary model ---
	summary := baseClient.GenerativeModel(summaryModel)
	summary.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(SummarySystemPrompt)},
	}
	summary.GenerationConfig = genai.GenerationConfig{
		Temperature: genai.Ptr[float32](0.2),
	}

	return &VertexClient{
		OCRModel:         ocr,
		SummaryModel:     summary,
		SummaryModelName: summaryModel,
		baseClient:       baseClient,
	}, nil
}

// ExtractText transcribes one page. The page is sent inline.
func (c *VertexClient) ExtractText(ctx context.Context, page []byte, mimeType string) (string, error) {
	if c == nil || c.OCRModel == nil {
		return "", ErrNotConfigured
	}
	resp, err := c.OCRModel.GenerateContent(ctx, genai.Blob{MIMEType: mimeType, Data: page}, genai.Text(OCRUserPrompt))
	if err != nil {
		return "", fmt.Errorf("failed to generate text from gemini: %w", err)
	}
	text := extractText(resp)
	if err := checkRefusal(text); err != nil {
		return "", err
	}
	return text, nil
}

// Summarize returns a summary of text.
func (c *VertexClient) Summarize(ctx context.Context, text string) (string, error) {
	if c == nil || c.SummaryModel == nil {
		return "", ErrNotConfigured
	}
	resp, err := c.SummaryModel.GenerateContent(ctx, genai.Text(SummaryUserPrompt+text))
	if err != nil {
		return "", fmt.Errorf("failed to generate summary from gemini: %w", err)
	}
	summary := extractText(resp)
	if err := checkRefusal(summary); err != nil {
		return "", err
	}
	if summary == "" {
		return "", errors.New("gemini returned an empty summary")
	}
	return summary, nil
}

// ModelName identifies the summary model in persisted summaries.
func (c *VertexClient) ModelName() string {
	if c == nil {
		return ""
	}
	return c.SummaryModelName
}

func (c *VertexClient) Close() error {
	if c != nil && c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}

var refusalPhrases = []string{
	"i am unable to",
	"i cannot fulfill",
	"i cannot answer",
	"i cannot provide",
	"as a large language model",
}

// checkRefusal fails fast when the model declined instead of answering.
func checkRefusal(content string) error {
	lower := strings.ToLower(content)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return fmt.Errorf("%w: response contains %q", ErrRefused, phrase)
		}
	}
	return nil
}

// extractText concatenates the text parts of the first candidate.
func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return ""
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}

	content := strings.TrimSpace(b.String())
	content = strings.TrimPrefix(content, "```text")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	return strings.TrimSpace(content)
}
