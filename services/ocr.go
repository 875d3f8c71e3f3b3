package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Shared circuit breaker for the OCR collaborator
var ocrCB = NewCircuitBreaker("ocr", 5, 60*time.Second)

// OCRClient posts documents to the external OCR HTTP service one file at a
// time and returns the extracted text.
type OCRClient struct {
	serviceURL string
	httpClient *http.Client
}

// NewOCRClient reads OCR_SERVICE_URL. Returns nil when no service is
// configured; the extractor then falls back to local text-layer extraction
// where it can.
func NewOCRClient() *OCRClient {
	url := os.Getenv("OCR_SERVICE_URL")
	if url == "" {
		log.Println("⚠️  OCR_SERVICE_URL not set, scanned documents will use local text-layer extraction")
		return nil
	}

	return &OCRClient{
		serviceURL: url,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

type ocrResponse struct {
	Success bool   `json:"success"`
	Text    string `json:"text"`
	Error   string `json:"error"`
}

// ProcessFile posts one local file as multipart form field "pdf" and returns
// the extracted text.
func (o *OCRClient) ProcessFile(ctx context.Context, path string) (string, error) {
	var text string

	err := ocrCB.Call(func() error {
		var callErr error
		text, callErr = o.postFile(ctx, path)
		return callErr
	})
	return text, err
}

func (o *OCRClient) postFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file for OCR: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreateFormFile("pdf", filepath.Base(path))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, "POST", o.serviceURL, pr)
	if err != nil {
		return "", fmt.Errorf("failed to create OCR request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("OCR service unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read OCR response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("OCR service returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var parsed ocrResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("OCR service returned unparseable response: %w", err)
	}
	if !parsed.Success {
		if parsed.Error == "" {
			parsed.Error = "unknown OCR error"
		}
		return "", fmt.Errorf("OCR failed: %s", parsed.Error)
	}

	return parsed.Text, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
