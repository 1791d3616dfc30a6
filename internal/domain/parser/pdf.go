package parser

import (
	"encoding/base64"
	"fmt"
	"strings"
	"unicode"

	"receiptbot/internal/infra/logger"

	"github.com/gen2brain/go-fitz"
	"github.com/ledongthuc/pdf"
	"github.com/otiai10/gosseract/v2"
	"go.uber.org/zap"
)

// Параметры извлечения из PDF: чеки одностраничные, вторая страница —
// страховка от разбиения длинных чеков.
const (
	pdfMaxPages  = 2
	pdfRenderDPI = 150.0

	// Минимум печатных символов, при котором текстовый слой считается
	// настоящим текстом, а не мусором из сканированного PDF.
	pdfMinTextChars = 80

	ocrLanguages = "rus+eng+uzb"
)

// PDFExtractor достаёт текст чека из PDF-файла каскадом по стоимости:
// текстовый слой через MuPDF, затем альтернативный текстовый разбор, затем
// OCR по отрендеренным страницам. Рендер страниц в PNG отдаётся отдельно
// для vision-фоллбека.
type PDFExtractor struct {
	ocrEnabled bool
}

// NewPDFExtractor создаёт извлекатель. ocrEnabled выключает стадию Tesseract
// на машинах без установленного движка.
func NewPDFExtractor(ocrEnabled bool) *PDFExtractor {
	return &PDFExtractor{ocrEnabled: ocrEnabled}
}

// ExtractText возвращает текст первых страниц PDF и имя стадии, которая его
// дала. Пустая строка означает, что ни одна стадия не добыла достаточно текста.
func (e *PDFExtractor) ExtractText(path string) (string, string) {
	if text := extractTextMuPDF(path); hasEnoughText(text) {
		return text, "mupdf"
	}
	if text := extractTextPlain(path); hasEnoughText(text) {
		return text, "pdftext"
	}
	if e.ocrEnabled {
		if text := e.extractTextOCR(path); hasEnoughText(text) {
			return text, "ocr"
		}
	}
	return "", ""
}

// RenderPages рендерит первые страницы PDF в PNG и возвращает их как base64
// без data-префикса — формат, который принимает vision-модель.
func (e *PDFExtractor) RenderPages(path string) ([]string, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf %s: %w", path, err)
	}
	defer doc.Close()

	pages := doc.NumPage()
	if pages > pdfMaxPages {
		pages = pdfMaxPages
	}
	images := make([]string, 0, pages)
	for i := 0; i < pages; i++ {
		png, renderErr := doc.ImagePNG(i, pdfRenderDPI)
		if renderErr != nil {
			return nil, fmt.Errorf("render pdf page %d: %w", i, renderErr)
		}
		images = append(images, base64.StdEncoding.EncodeToString(png))
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("pdf %s has no pages", path)
	}
	return images, nil
}

// extractTextMuPDF читает текстовый слой через MuPDF.
func extractTextMuPDF(path string) string {
	doc, err := fitz.New(path)
	if err != nil {
		logger.Debug("mupdf open failed", zap.String("path", path), zap.Error(err))
		return ""
	}
	defer doc.Close()

	pages := doc.NumPage()
	if pages > pdfMaxPages {
		pages = pdfMaxPages
	}
	var parts []string
	for i := 0; i < pages; i++ {
		text, textErr := doc.Text(i)
		if textErr != nil {
			logger.Debug("mupdf text failed", zap.Int("page", i), zap.Error(textErr))
			continue
		}
		parts = append(parts, text)
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// extractTextPlain — запасной текстовый разбор другим движком: некоторые
// банковские PDF отдают пустой текст через MuPDF, но читаются здесь.
func extractTextPlain(path string) string {
	f, reader, err := pdf.Open(path)
	if err != nil {
		logger.Debug("pdf open failed", zap.String("path", path), zap.Error(err))
		return ""
	}
	defer f.Close()

	pages := reader.NumPage()
	if pages > pdfMaxPages {
		pages = pdfMaxPages
	}
	var parts []string
	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, textErr := page.GetPlainText(nil)
		if textErr != nil {
			logger.Debug("pdf plain text failed", zap.Int("page", i), zap.Error(textErr))
			continue
		}
		parts = append(parts, text)
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// extractTextOCR рендерит страницы и прогоняет их через Tesseract.
func (e *PDFExtractor) extractTextOCR(path string) string {
	doc, err := fitz.New(path)
	if err != nil {
		return ""
	}
	defer doc.Close()

	client := gosseract.NewClient()
	defer client.Close()
	if err = client.SetLanguage(strings.Split(ocrLanguages, "+")...); err != nil {
		logger.Warn("tesseract language setup failed", zap.Error(err))
		return ""
	}

	pages := doc.NumPage()
	if pages > pdfMaxPages {
		pages = pdfMaxPages
	}
	var parts []string
	for i := 0; i < pages; i++ {
		png, renderErr := doc.ImagePNG(i, pdfRenderDPI)
		if renderErr != nil {
			continue
		}
		if err = client.SetImageFromBytes(png); err != nil {
			logger.Debug("tesseract set image failed", zap.Int("page", i), zap.Error(err))
			continue
		}
		text, ocrErr := client.Text()
		if ocrErr != nil {
			logger.Debug("tesseract ocr failed", zap.Int("page", i), zap.Error(ocrErr))
			continue
		}
		parts = append(parts, text)
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// hasEnoughText проверяет, что текст содержит достаточно печатных символов,
// чтобы отдавать его парсерам вместо vision-фоллбека.
func hasEnoughText(text string) bool {
	return countPrintable(text) >= pdfMinTextChars
}

func countPrintable(text string) int {
	n := 0
	for _, r := range text {
		if unicode.IsGraphic(r) && !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}
