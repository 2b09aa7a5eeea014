package services

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/paperlessflow/internal/gcp"
	"github.com/Lllllllleong/paperlessflow/internal/models"
)

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	failOn  map[string]error         // keyed by filename suffix
	delay   map[string]time.Duration // keyed by filename suffix
	deleted []string
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{
		objects: map[string][]byte{},
		types:   map[string]string{},
		failOn:  map[string]error{},
		delay:   map[string]time.Duration{},
	}
}

func (f *fakeObjects) Put(_ context.Context, key string, data []byte, contentType string) error {
	f.mu.Lock()
	var wait time.Duration
	for suffix, d := range f.delay {
		if strings.HasSuffix(key, suffix) {
			wait = d
		}
	}
	f.mu.Unlock()
	time.Sleep(wait)

	f.mu.Lock()
	defer f.mu.Unlock()
	for suffix, err := range f.failOn {
		if strings.HasSuffix(key, suffix) {
			return err
		}
	}
	f.objects[key] = bytes.Clone(data)
	f.types[key] = contentType
	return nil
}

func (f *fakeObjects) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", gcp.ErrObjectNotFound, key)
	}
	return data, nil
}

func (f *fakeObjects) Attrs(_ context.Context, bucket, key string) (*storage.ObjectAttrs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[bucket+"::"+key]
	if !ok {
		return nil, gcp.ErrObjectNotFound
	}
	return &storage.ObjectAttrs{Bucket: bucket, Name: key, Size: int64(len(data)), ContentType: "application/pdf"}, nil
}

func (f *fakeObjects) CopyFrom(_ context.Context, srcBucket, srcKey, dstKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[srcBucket+"::"+srcKey]
	if !ok {
		return gcp.ErrObjectNotFound
	}
	f.objects[dstKey] = data
	return nil
}

func (f *fakeObjects) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeObjects) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

type published struct {
	RoutingKey string
	Body       []byte
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []published
	err      error
}

func (p *fakePublisher) Publish(_ context.Context, routingKey string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, published{RoutingKey: routingKey, Body: bytes.Clone(body)})
	return nil
}

func (p *fakePublisher) sent(routingKey string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, m := range p.messages {
		if m.RoutingKey == routingKey {
			out = append(out, m)
		}
	}
	return out
}

type fakeIndex struct {
	mu      sync.Mutex
	entries map[string]models.IndexEntry
	err     error
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{entries: map[string]models.IndexEntry{}}
}

func (x *fakeIndex) UpsertMerge(_ context.Context, id string, patch models.IndexPatch) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.err != nil {
		return x.err
	}
	x.entries[id] = patch.Apply(x.entries[id])
	return nil
}

func (x *fakeIndex) get(id string) (models.IndexEntry, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	e, ok := x.entries[id]
	return e, ok
}

// fakeOCR returns a text naming the MIME type and a per-call sequence number.
type fakeOCR struct {
	mu     sync.Mutex
	calls  int
	prefix string
	err    error
}

func (o *fakeOCR) ExtractText(_ context.Context, page []byte, mimeType string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return "", o.err
	}
	o.calls++
	return fmt.Sprintf("%s text from %s #%d", o.prefix, mimeType, o.calls), nil
}

type fakeSummarizer struct {
	mu    sync.Mutex
	calls int
	out   string
	err   error
}

func (s *fakeSummarizer) Summarize(_ context.Context, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.out, nil
}

func (s *fakeSummarizer) ModelName() string { return "gemini-test" }

// fakeSummaries fails the first failures calls with err.
type fakeSummaries struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    []time.Time
	created  []models.CreateSummaryRequest
}

func (s *fakeSummaries) Create(_ context.Context, _ string, req models.CreateSummaryRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, time.Now())
	if len(s.calls) <= s.failures {
		return s.err
	}
	s.created = append(s.created, req)
	return nil
}

// testPDF writes a minimal PDF with n empty pages and a correct xref table.
func testPDF(t *testing.T, n int) []byte {
	t.Helper()
	kids := make([]string, n)
	for i := range n {
		kids[i] = fmt.Sprintf("%d 0 R", 3+2*i)
	}
	objs := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), n),
	}
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

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := range w {
		for y := range h {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}
