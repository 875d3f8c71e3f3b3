package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"medx-coding-support/models"

	"github.com/ledongthuc/pdf"
)

// DocumentKind is the closed set of extraction strategies, keyed off mime type.
type DocumentKind int

const (
	KindScanned DocumentKind = iota // pdf or image: OCR service
	KindPlainText
	KindWord
	KindUnsupported
)

const (
	mimeWordLegacy = "application/msword"
	mimeWordOOXML  = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// ClassifyMime maps a document mime type onto its extraction strategy.
func ClassifyMime(mimeType string) DocumentKind {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	switch {
	case mt == "application/pdf" || strings.HasPrefix(mt, "image/"):
		return KindScanned
	case mt == "text/plain":
		return KindPlainText
	case mt == mimeWordLegacy || mt == mimeWordOOXML:
		return KindWord
	default:
		return KindUnsupported
	}
}

// BlobFetcher is the slice of BlobStorage the extractor needs.
type BlobFetcher interface {
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	DownloadToTemp(ctx context.Context, key string) (string, error)
}

// ExtractionResult is the per-document outcome. A failed document carries Err
// and does not stop the rest of the batch.
type ExtractionResult struct {
	DocumentID uint
	FileName   string
	Text       string
	ElapsedMs  int64
	Err        error
}

// TextExtractor dispatches a document to the right extraction strategy.
type TextExtractor struct {
	storage BlobFetcher
	ocr     *OCRClient // nil when OCR_SERVICE_URL is not configured
}

func NewTextExtractor(storage BlobFetcher, ocr *OCRClient) *TextExtractor {
	return &TextExtractor{storage: storage, ocr: ocr}
}

// Extract produces the text for one document. Errors are returned inside the
// result so callers can continue with the remaining documents.
func (e *TextExtractor) Extract(ctx context.Context, doc models.ClinicalDocument) ExtractionResult {
	start := time.Now()
	res := ExtractionResult{DocumentID: doc.ID, FileName: doc.FileName}

	var text string
	var err error

	switch ClassifyMime(doc.MimeType) {
	case KindScanned:
		text, err = e.extractScanned(ctx, doc)
	case KindPlainText:
		text, err = e.extractPlainText(ctx, doc)
	case KindWord:
		text, err = e.extractWord(ctx, doc)
	default:
		err = fmt.Errorf("unsupported mime type: %s", doc.MimeType)
	}

	res.ElapsedMs = time.Since(start).Milliseconds()
	if err != nil {
		res.Err = err
		return res
	}
	if strings.TrimSpace(text) == "" {
		res.Err = fmt.Errorf("document produced no text")
		return res
	}

	res.Text = text
	return res
}

// extractScanned downloads the blob to a temp file and posts it to the OCR
// service. Without an OCR service, PDFs fall back to local text-layer
// extraction; images have no fallback.
func (e *TextExtractor) extractScanned(ctx context.Context, doc models.ClinicalDocument) (string, error) {
	path, err := e.storage.DownloadToTemp(ctx, doc.BlobKey)
	if err != nil {
		return "", err
	}
	defer os.Remove(path)

	if e.ocr != nil {
		return e.ocr.ProcessFile(ctx, path)
	}

	if strings.EqualFold(doc.MimeType, "application/pdf") {
		log.Printf("[Extractor] No OCR service, using text layer for %s", doc.FileName)
		return extractPDFTextLayer(path)
	}
	return "", fmt.Errorf("image %s requires an OCR service", doc.FileName)
}

// extractPlainText fetches the blob and uses its content directly.
func (e *TextExtractor) extractPlainText(ctx context.Context, doc models.ClinicalDocument) (string, error) {
	r, err := e.storage.Download(ctx, doc.BlobKey)
	if err != nil {
		return "", err
	}
	defer r.Close()

	content, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", doc.FileName, err)
	}
	return string(content), nil
}

// extractWord fetches the blob into memory and runs the DOCX extractor.
func (e *TextExtractor) extractWord(ctx context.Context, doc models.ClinicalDocument) (string, error) {
	r, err := e.storage.Download(ctx, doc.BlobKey)
	if err != nil {
		return "", err
	}
	defer r.Close()

	content, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", doc.FileName, err)
	}
	return ExtractDocxText(bytes.NewReader(content), int64(len(content)))
}

// extractPDFTextLayer reads the embedded text layer of a digital PDF. The
// library panics on some malformed files, hence the recover guard.
func extractPDFTextLayer(pdfPath string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fmt.Errorf("panic during PDF extraction: %v", r)
		}
	}()

	f, r, openErr := pdf.Open(pdfPath)
	if openErr != nil {
		return "", fmt.Errorf("failed to open PDF: %w", openErr)
	}
	defer f.Close()

	var sb strings.Builder
	totalPages := r.NumPage()

	for i := 1; i <= totalPages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}

		pageText, pageErr := page.GetPlainText(nil)
		if pageErr != nil {
			continue
		}
		sb.WriteString(pageText)
		sb.WriteString("\n")
	}

	return sb.String(), nil
}
