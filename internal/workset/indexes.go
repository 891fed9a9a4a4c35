package workset

import (
	"encoding/json"
	"fmt"
	"strings"
)

// indexes holds the secondary lookup structures. It is guarded by the owning
// store's mutex; every mutation updates the entity map and its indexes under
// the same lock so a search never sees a half-indexed entity.
type indexes struct {
	threadByStatus   map[string]map[string]bool // status → thread ids
	threadByMetadata map[string]map[string]bool // "key:value" → thread ids
	threadText       map[string]map[string]bool // word → thread ids

	itemByType map[string]map[string]bool
	itemByTag  map[string]map[string]bool
	itemText   map[string]map[string]bool

	attachmentByMime map[string]map[string]bool
}

func newIndexes() *indexes {
	return &indexes{
		threadByStatus:   make(map[string]map[string]bool),
		threadByMetadata: make(map[string]map[string]bool),
		threadText:       make(map[string]map[string]bool),
		itemByType:       make(map[string]map[string]bool),
		itemByTag:        make(map[string]map[string]bool),
		itemText:         make(map[string]map[string]bool),
		attachmentByMime: make(map[string]map[string]bool),
	}
}

func addKey(idx map[string]map[string]bool, key, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]bool)
		idx[key] = set
	}
	set[id] = true
}

func dropKey(idx map[string]map[string]bool, key, id string) {
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

// metadataKey builds the composite "key:value" index key. Scalar values are
// stringified the same way at index and query time.
func metadataKey(key string, value any) string {
	return fmt.Sprintf("%s:%v", key, value)
}

// indexWords splits text on whitespace and returns the indexable words:
// case-folded, length ≥3. Duplicates are collapsed.
func indexWords(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	seen := make(map[string]bool, len(fields))
	var words []string
	for _, w := range fields {
		if len(w) < 3 || seen[w] {
			continue
		}
		seen[w] = true
		words = append(words, w)
	}
	return words
}

// contentText stringifies item content for the inverted index. Structured
// content is JSON-encoded with its punctuation blanked, so keys and string
// values index as separate words.
func contentText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return strings.Map(func(r rune) rune {
			if strings.ContainsRune(`{}[]":,`, r) {
				return ' '
			}
			return r
		}, string(b))
	}
}

func (ix *indexes) indexThread(t *Thread) {
	addKey(ix.threadByStatus, string(t.Status), t.ID)
	for k, v := range t.Metadata {
		addKey(ix.threadByMetadata, metadataKey(k, v), t.ID)
	}
	for _, msg := range t.Messages {
		for _, w := range indexWords(msg.Content) {
			addKey(ix.threadText, w, t.ID)
		}
	}
}

func (ix *indexes) deindexThread(t *Thread) {
	dropKey(ix.threadByStatus, string(t.Status), t.ID)
	for k, v := range t.Metadata {
		dropKey(ix.threadByMetadata, metadataKey(k, v), t.ID)
	}
	for _, msg := range t.Messages {
		for _, w := range indexWords(msg.Content) {
			dropKey(ix.threadText, w, t.ID)
		}
	}
}

func (ix *indexes) indexItem(it *Item) {
	addKey(ix.itemByType, it.Type, it.ID)
	for _, tag := range it.Tags {
		addKey(ix.itemByTag, tag, it.ID)
	}
	for _, w := range indexWords(contentText(it.Content)) {
		addKey(ix.itemText, w, it.ID)
	}
}

func (ix *indexes) deindexItem(it *Item) {
	dropKey(ix.itemByType, it.Type, it.ID)
	for _, tag := range it.Tags {
		dropKey(ix.itemByTag, tag, it.ID)
	}
	for _, w := range indexWords(contentText(it.Content)) {
		dropKey(ix.itemText, w, it.ID)
	}
}

func (ix *indexes) indexAttachment(a *Attachment) {
	addKey(ix.attachmentByMime, a.MimeType, a.ID)
}

func (ix *indexes) deindexAttachment(a *Attachment) {
	dropKey(ix.attachmentByMime, a.MimeType, a.ID)
}
