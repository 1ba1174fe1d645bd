package scanning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"

	"github.com/zombor/receipt-reconciler/internal/failure"
)

const geminiService = "gemini"

// Gemini implements the Extractor interface using Google Gemini
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini creates a new Gemini Extractor instance
func NewGemini(ctx context.Context, apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-pro"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0)

	return &Gemini{
		client: client,
		model:  model,
	}, nil
}

// Extract analyzes a receipt and extracts its fields
func (g *Gemini) Extract(ctx context.Context, data []byte, mimeType string) (*Fields, error) {
	pngData, err := normalizeDocument(data, mimeType)
	if err != nil {
		return nil, err
	}

	// genai.ImageData expects the format suffix, not the full MIME type
	resp, err := g.model.GenerateContent(ctx,
		genai.ImageData("png", pngData),
		genai.Text(extractionPrompt),
	)
	if err != nil {
		return nil, classifyGemini(ctx, err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, failure.NewParse("", "no response from gemini")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	return parseFields(text.String())
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}

// classifyGemini maps client errors onto the failure taxonomy
func classifyGemini(ctx context.Context, err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return failure.NewParse("", fmt.Sprintf("response blocked: %v", blocked))
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failure.NewService(geminiService, failure.Timeout, err)
	}

	var apiErr *apierror.APIError
	if errors.As(err, &apiErr) {
		if code := apiErr.HTTPCode(); code > 0 {
			return failure.FromHTTPStatus(geminiService, code, err)
		}
		switch apiErr.GRPCStatus().Code() {
		case codes.ResourceExhausted:
			return failure.NewService(geminiService, failure.RateLimited, err)
		case codes.Unavailable, codes.Internal, codes.Aborted:
			return failure.NewService(geminiService, failure.Unavailable, err)
		case codes.DeadlineExceeded:
			return failure.NewService(geminiService, failure.Timeout, err)
		}
		return fmt.Errorf("generating content: %w", err)
	}

	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return failure.FromHTTPStatus(geminiService, gErr.Code, err)
	}
	return fmt.Errorf("generating content: %w", err)
}
