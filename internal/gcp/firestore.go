package gcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/paperlessflow/internal/models"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var ErrIndexEntryNotFound = errors.New("search index entry not found")

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
// It centralizes client creation for all services.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

const (
	// Firestore caps the value list of an array-contains-any filter.
	maxQueryTerms = 10
	// Keeps the terms array well under the document size limit.
	maxIndexedTerms = 5000
	minTermLength   = 2
	snippetRadius   = 80
)

// SearchIndex stores one entry per document id. Both pipeline stages write to
// the same entry, so every write is a field-level merge.
type SearchIndex struct {
	client     *firestore.Client
	collection string
}

func NewSearchIndex(client *firestore.Client, collection string) *SearchIndex {
	return &SearchIndex{client: client, collection: collection}
}

func (s *SearchIndex) doc(id string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(id)
}

// UpsertMerge writes only the fields set in the patch, creating the entry if
// it is absent. The terms array is recomputed from the merged entry inside the
// same transaction so that concurrent writers never leave it stale.
func (s *SearchIndex) UpsertMerge(ctx context.Context, id string, patch models.IndexPatch) error {
	ref := s.doc(id)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current, err := readEntry(tx.Get(ref))
		if err != nil && !errors.Is(err, ErrIndexEntryNotFound) {
			return err
		}
		merged := patch.Apply(current)

		fields := map[string]interface{}{
			"terms": Terms(merged.OCR, deref(merged.Summary)),
		}
		if patch.OCR != nil {
			fields["ocr"] = *patch.OCR
		}
		if patch.Summary != nil {
			fields["summary"] = *patch.Summary
		}
		if !patch.Timestamp.IsZero() {
			fields["timestamp"] = patch.Timestamp
		}
		return tx.Set(ref, fields, firestore.MergeAll)
	})
	if err != nil {
		return fmt.Errorf("failed to upsert index entry %s: %w", id, err)
	}
	return nil
}

// Get returns the entry for id or ErrIndexEntryNotFound.
func (s *SearchIndex) Get(ctx context.Context, id string) (models.IndexEntry, error) {
	entry, err := readEntry(s.doc(id).Get(ctx))
	if err != nil {
		return models.IndexEntry{}, err
	}
	entry.DocumentID = id
	return entry, nil
}

func readEntry(snap *firestore.DocumentSnapshot, err error) (models.IndexEntry, error) {
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return models.IndexEntry{}, ErrIndexEntryNotFound
		}
		return models.IndexEntry{}, fmt.Errorf("failed to read index entry: %w", err)
	}
	var entry models.IndexEntry
	if err := snap.DataTo(&entry); err != nil {
		return models.IndexEntry{}, fmt.Errorf("failed to decode index entry %s: %w", snap.Ref.ID, err)
	}
	return entry, nil
}

// Search returns entries containing any of the query's terms.
func (s *SearchIndex) Search(ctx context.Context, query string, from, size int) ([]models.SearchHit, error) {
	terms := Terms(query)
	if len(terms) == 0 {
		return []models.SearchHit{}, nil
	}
	if len(terms) > maxQueryTerms {
		terms = terms[:maxQueryTerms]
	}
	if from < 0 {
		from = 0
	}
	if size <= 0 {
		size = 10
	}

	q := s.client.Collection(s.collection).
		Where("terms", "array-contains-any", terms).
		Offset(from).
		Limit(size)

	iter := q.Documents(ctx)
	defer iter.Stop()

	hits := []models.SearchHit{}
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to search index: %w", err)
		}
		var entry models.IndexEntry
		if err := snap.DataTo(&entry); err != nil {
			return nil, fmt.Errorf("failed to decode index entry %s: %w", snap.Ref.ID, err)
		}
		hits = append(hits, models.SearchHit{
			DocumentID: snap.Ref.ID,
			Summary:    entry.Summary,
			Snippet:    Snippet(entry.OCR, terms),
			Timestamp:  entry.Timestamp,
		})
	}
	return hits, nil
}

// Ping checks the index is reachable, bounded by a 5s timeout.
func (s *SearchIndex) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	iter := s.client.Collection(s.collection).Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return fmt.Errorf("search index %s: %w", s.collection, err)
	}
	return nil
}

// Terms returns the sorted set of lower-cased words across texts. Words
// shorter than two runes are dropped.
func Terms(texts ...string) []string {
	seen := make(map[string]struct{})
	for _, text := range texts {
		for _, w := range strings.FieldsFunc(strings.ToLower(text), isSeparator) {
			if len([]rune(w)) < minTermLength {
				continue
			}
			seen[w] = struct{}{}
		}
	}
	terms := make([]string, 0, len(seen))
	for w := range seen {
		terms = append(terms, w)
	}
	sort.Strings(terms)
	if len(terms) > maxIndexedTerms {
		terms = terms[:maxIndexedTerms]
	}
	return terms
}

func isSeparator(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

// Snippet returns the text around the first occurrence of any term, or the
// head of the text when none occurs.
func Snippet(text string, terms []string) string {
	lower := strings.ToLower(text)
	at := -1
	for _, t := range terms {
		if i := strings.Index(lower, t); i >= 0 && (at < 0 || i < at) {
			at = i
		}
	}
	runes := []rune(text)
	if at < 0 {
		if len(runes) > 2*snippetRadius {
			return string(runes[:2*snippetRadius])
		}
		return text
	}
	center := len([]rune(lower[:at]))
	start := max(center-snippetRadius, 0)
	end := min(center+snippetRadius, len(runes))
	return strings.TrimSpace(string(runes[start:end]))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
