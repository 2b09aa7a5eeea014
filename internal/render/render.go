// Package render turns an uploaded payload into pages for text extraction and
// produces the page-1 thumbnail.
//
// PDFs are split into single-page PDFs, which the OCR model accepts directly.
// Any other payload is treated as a single image page. PNG, JPEG and WebP are
// passed through; other image formats are re-encoded as PNG. TIFF decoding
// reads the first image only, so a multi-page TIFF yields one page.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// PageBreak separates the text of consecutive pages.
const PageBreak = "\n\n--- page break ---\n\n"

const (
	mimePDF = "application/pdf"
	mimePNG = "image/png"
)

// passThrough lists the image types the OCR model accepts as they are.
var passThrough = map[string]bool{
	mimePNG:      true,
	"image/jpeg": true,
	"image/webp": true,
}

var (
	ErrUnsupported = errors.New("unsupported payload type")
	ErrNoThumbnail = errors.New("no raster image on first page")
	ErrEmpty       = errors.New("empty payload")
)

// Page is one unit of text extraction.
type Page struct {
	Number   int
	Data     []byte
	MIMEType string
}

// IsPDF reports whether data carries the PDF signature.
func IsPDF(data []byte) bool {
	return bytes.HasPrefix(data, []byte("%PDF-"))
}

// DetectType returns the MIME type of a payload.
func DetectType(data []byte) string {
	if IsPDF(data) {
		return mimePDF
	}
	if bytes.HasPrefix(data, []byte("II*\x00")) || bytes.HasPrefix(data, []byte("MM\x00*")) {
		return "image/tiff"
	}
	return http.DetectContentType(data)
}

func newConfig() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// Pages splits data into pages in document order.
func Pages(data []byte) ([]Page, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	if !IsPDF(data) {
		mimeType := DetectType(data)
		if !strings.HasPrefix(mimeType, "image/") {
			return nil, fmt.Errorf("%w: %s", ErrUnsupported, mimeType)
		}
		if passThrough[mimeType] {
			return []Page{{Number: 1, Data: data, MIMEType: mimeType}}, nil
		}
		converted, err := toPNG(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnsupported, mimeType, err)
		}
		return []Page{{Number: 1, Data: converted, MIMEType: mimePNG}}, nil
	}

	conf := newConfig()
	count, err := api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		return nil, fmt.Errorf("failed to read pdf: %w", err)
	}
	if count == 1 {
		return []Page{{Number: 1, Data: data, MIMEType: mimePDF}}, nil
	}

	spans, err := api.SplitRaw(bytes.NewReader(data), 1, conf)
	if err != nil {
		return nil, fmt.Errorf("failed to split pdf: %w", err)
	}
	pages := make([]Page, 0, len(spans))
	for _, span := range spans {
		b, err := io.ReadAll(span.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to read page %d: %w", span.From, err)
		}
		pages = append(pages, Page{Number: span.From, Data: b, MIMEType: mimePDF})
	}
	return pages, nil
}

// Thumbnail renders page 1 as a PNG at most maxWidth pixels wide. For PDFs
// this is the first raster image placed on page 1.
func Thumbnail(data []byte, maxWidth int) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	src := data
	if IsPDF(data) {
		img, err := firstPageImage(data)
		if err != nil {
			return nil, err
		}
		src = img
	}

	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	return encodeScaled(img, maxWidth)
}

func firstPageImage(data []byte) ([]byte, error) {
	pages, err := api.ExtractImagesRaw(bytes.NewReader(data), []string{"1"}, newConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to extract page images: %w", err)
	}
	for _, byObj := range pages {
		for _, img := range byObj {
			b, err := io.ReadAll(img)
			if err != nil || len(b) == 0 {
				continue
			}
			return b, nil
		}
	}
	return nil, ErrNoThumbnail
}

func toPNG(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeScaled(img image.Image, maxWidth int) ([]byte, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil, ErrNoThumbnail
	}
	if maxWidth > 0 && w > maxWidth {
		h = max(h*maxWidth/w, 1)
		w = maxWidth
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// JoinPages concatenates per-page text with PageBreak.
func JoinPages(texts []string) string {
	return strings.Join(texts, PageBreak)
}
