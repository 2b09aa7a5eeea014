package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

// buildPDF writes a minimal PDF with n empty pages and a correct xref table.
func buildPDF(t *testing.T, n int) []byte {
	t.Helper()
	var objs []string
	kids := make([]string, n)
	for i := range n {
		kids[i] = fmt.Sprintf("%d 0 R", 3+2*i)
	}
	objs = append(objs, "<< /Type /Catalog /Pages 2 0 R >>")
	objs = append(objs, fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), n))
	for i := range n {
		objs = append(objs,
			fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> /Contents %d 0 R >>", 4+2*i),
			"<< /Length 3 >>\nstream\nq Q\nendstream",
		)
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, o := range objs {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, o)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objs)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)
	return buf.Bytes()
}

func buildPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := range w {
		for y := range h {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestIsPDF(t *testing.T) {
	assert.True(t, IsPDF([]byte("%PDF-1.7\n...")))
	assert.False(t, IsPDF([]byte("PDF-1.7")))
	assert.False(t, IsPDF(nil))
}

func TestDetectType(t *testing.T) {
	assert.Equal(t, "application/pdf", DetectType([]byte("%PDF-1.4")))
	assert.Equal(t, "image/png", DetectType(buildPNG(t, 2, 2)))
	assert.Equal(t, "image/tiff", DetectType([]byte("II*\x00rest")))
	assert.Equal(t, "image/tiff", DetectType([]byte("MM\x00*rest")))
}

func TestPagesSplitsMultiPagePDF(t *testing.T) {
	pages, err := Pages(buildPDF(t, 2))
	require.NoError(t, err)
	require.Len(t, pages, 2)
	for i, p := range pages {
		assert.Equal(t, i+1, p.Number)
		assert.Equal(t, "application/pdf", p.MIMEType)
		assert.True(t, IsPDF(p.Data), "page %d must be a standalone pdf", p.Number)
	}
}

func TestPagesSinglePagePDF(t *testing.T) {
	data := buildPDF(t, 1)
	pages, err := Pages(data)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, data, pages[0].Data)
}

func TestPagesImage(t *testing.T) {
	data := buildPNG(t, 4, 4)
	pages, err := Pages(data)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, Page{Number: 1, Data: data, MIMEType: "image/png"}, pages[0])
}

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := range w {
		for y := range h {
			img.Set(x, y, color.RGBA{R: uint8(x * 10), G: uint8(y * 10), B: 64, A: 255})
		}
	}
	return img
}

func TestPagesConvertsOtherImageFormatsToPNG(t *testing.T) {
	encoders := map[string]func(*bytes.Buffer, image.Image) error{
		"gif":  func(b *bytes.Buffer, m image.Image) error { return gif.Encode(b, m, nil) },
		"bmp":  func(b *bytes.Buffer, m image.Image) error { return bmp.Encode(b, m) },
		"tiff": func(b *bytes.Buffer, m image.Image) error { return tiff.Encode(b, m, nil) },
	}
	for name, encode := range encoders {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, encode(&buf, testImage(6, 3)))
			assert.Equal(t, "image/"+name, DetectType(buf.Bytes()))

			pages, err := Pages(buf.Bytes())
			require.NoError(t, err)
			require.Len(t, pages, 1)
			assert.Equal(t, 1, pages[0].Number)
			assert.Equal(t, "image/png", pages[0].MIMEType)

			img, format, err := image.Decode(bytes.NewReader(pages[0].Data))
			require.NoError(t, err)
			assert.Equal(t, "png", format)
			assert.Equal(t, image.Rect(0, 0, 6, 3), img.Bounds())
		})
	}
}

func TestPagesRejectsCorruptImage(t *testing.T) {
	_, err := Pages([]byte("GIF89a truncated"))
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestPagesRejectsUnsupported(t *testing.T) {
	_, err := Pages(nil)
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = Pages([]byte("just some text, not a scan"))
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestThumbnailScalesImage(t *testing.T) {
	out, err := Thumbnail(buildPNG(t, 400, 200), 100)
	require.NoError(t, err)

	img, format, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 100, img.Bounds().Dx())
	assert.Equal(t, 50, img.Bounds().Dy())
}

func TestThumbnailKeepsSmallImage(t *testing.T) {
	out, err := Thumbnail(buildPNG(t, 40, 30), 100)
	require.NoError(t, err)

	img, _, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 40, 30), img.Bounds())
}

func TestThumbnailFailsWithoutImage(t *testing.T) {
	_, err := Thumbnail(buildPDF(t, 1), 100)
	assert.Error(t, err)

	_, err = Thumbnail([]byte("not an image"), 100)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestJoinPages(t *testing.T) {
	assert.Equal(t, "one"+PageBreak+"two", JoinPages([]string{"one", "two"}))
	assert.Equal(t, "only", JoinPages([]string{"only"}))
	assert.Equal(t, "", JoinPages(nil))
}
