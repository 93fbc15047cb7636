// Package tagindex maintains the inverted index from normalized tags to the
// images carrying them. Rows are written in the same batch as the image
// record they describe, so the index never references a missing image.
package tagindex

import (
	"strings"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/qwertypants/figureforge/internal/storage/pebble"
)

const tagPrefix = "tag/"

// Key builds the index key for one tag/image pair.
func Key(tag, imageID string) []byte {
	k := make([]byte, 0, len(tagPrefix)+len(tag)+1+len(imageID))
	k = append(k, tagPrefix...)
	k = append(k, tag...)
	k = append(k, '/')
	k = append(k, imageID...)
	return k
}

// Prefix returns the scan prefix covering every image carrying tag.
func Prefix(tag string) []byte {
	k := make([]byte, 0, len(tagPrefix)+len(tag)+1)
	k = append(k, tagPrefix...)
	k = append(k, tag...)
	k = append(k, '/')
	return k
}

// Normalize canonicalizes a tag: lowercase, trimmed, spaces collapsed to
// underscores. Tags are "dimension:value" pairs derived from job filters.
func Normalize(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	return strings.ReplaceAll(tag, " ", "_")
}

// FromFilters derives the normalized tag set for a filter map.
func FromFilters(filters map[string]string) []string {
	tags := make([]string, 0, len(filters))
	for dim, val := range filters {
		if val == "" {
			continue
		}
		tags = append(tags, Normalize(dim+":"+val))
	}
	return tags
}

// StageAdd stages index rows for imageID under every tag in tags.
func StageAdd(b *pebble.Batch, imageID string, tags []string) error {
	for _, tag := range tags {
		if err := b.Set(Key(Normalize(tag), imageID), nil, nil); err != nil {
			return err
		}
	}
	return nil
}

// StageRemove stages deletion of index rows for imageID under every tag.
func StageRemove(b *pebble.Batch, imageID string, tags []string) error {
	for _, tag := range tags {
		if err := b.Delete(Key(Normalize(tag), imageID), nil); err != nil {
			return err
		}
	}
	return nil
}

// Index answers tag queries against committed index rows.
type Index struct {
	db *pebblestore.DB
}

// New creates a tag index over the given store.
func New(db *pebblestore.DB) *Index {
	return &Index{db: db}
}

// Query returns up to limit image ids carrying tag, newest first. Image ids
// are KSUIDs, so key order is creation order and reverse iteration yields a
// stable newest-first page. cursor is the last image id of the previous page;
// pass "" for the first page. The returned cursor is "" when the scan is
// exhausted.
func (ix *Index) Query(tag string, cursor string, limit int) ([]string, string, error) {
	tag = Normalize(tag)
	prefix := Prefix(tag)
	lo, hi := pebblestore.PrefixBounds(prefix)
	if cursor != "" {
		// Resume strictly before the cursor row.
		hi = Key(tag, cursor)
	}

	it, err := ix.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, "", err
	}
	defer it.Close()

	var ids []string
	for ok := it.Last(); ok && len(ids) < limit; ok = it.Prev() {
		ids = append(ids, string(it.Key()[len(prefix):]))
	}
	if err := it.Error(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(ids) == limit && limit > 0 {
		next = ids[len(ids)-1]
	}
	return ids, next, nil
}
