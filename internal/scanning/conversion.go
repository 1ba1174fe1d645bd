package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"

	"github.com/zombor/receipt-reconciler/internal/failure"
)

// extractionPrompt is shared by all extraction backends
const extractionPrompt = `You are analyzing a scanned receipt or invoice. Read all text in the image and extract:

1. vendor: the merchant or business name as printed, usually at the top.
2. amount: the final total actually paid ("Total", "Summe", "Gesamtbetrag", "Amount Due"). Copy it exactly as printed, including separators, as a string (e.g. "1.234,56" or "124.50").
3. invoice_date: the invoice or purchase date in YYYY-MM-DD format.
4. payment_date: the payment date in YYYY-MM-DD format if it differs from the invoice date, otherwise null.
5. invoice_number: the invoice or receipt number if present, otherwise null.
6. confidence: a number between 0 and 1 describing how sure you are about the amount and date.

Return ONLY valid JSON in this exact format:
{
  "vendor": "ACME Baustoffe",
  "amount": "124,50",
  "invoice_date": "YYYY-MM-DD",
  "payment_date": null,
  "invoice_number": "RE-2025-001",
  "confidence": 0.9
}

Important:
- Use null for any field you cannot find. Never invent values.
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

// pdfToPNG renders the first page of a PDF
func pdfToPNG(pdfData []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	// Receipts are single page
	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return encodePNG(img)
}

// imageToPNG re-encodes JPEG, GIF and HEIC images as PNG
func imageToPNG(imageData []byte, mimeType string) ([]byte, error) {
	var (
		img image.Image
		err error
	)
	if isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		img, err = heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
	} else {
		img, _, err = image.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding image: %w", err)
		}
	}
	return encodePNG(img)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEICFormat checks the ftyp box brand of HEIC/HEIF files
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heif", "mif1", "msf1":
		return true
	default:
		return false
	}
}

func isHEICMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// normalizeDocument converts any supported document to PNG, the only format
// sent to the extraction service. A document that cannot be decoded is a
// ParseError: retrying the call would not change the outcome.
func normalizeDocument(data []byte, contentType string) ([]byte, error) {
	if len(data) == 0 {
		return nil, failure.NewParse("document", "empty document")
	}
	mimeType := strings.ToLower(strings.TrimSpace(contentType))

	var (
		out []byte
		err error
	)
	switch {
	case mimeType == "application/pdf":
		out, err = pdfToPNG(data)
	case mimeType == "image/png" && !isHEICFormat(data):
		return data, nil
	default:
		out, err = imageToPNG(data, mimeType)
	}
	if err != nil {
		return nil, failure.NewParse("document", err.Error())
	}
	return out, nil
}
