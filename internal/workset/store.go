// Package workset implements the typed working-set store shared between
// agents: threads, items and attachments with secondary indexes, text
// search, and best-effort snapshot persistence.
package workset

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/voxflow/internal/schema"
)

// DefaultSearchLimit caps search results when the query sets no limit.
const DefaultSearchLimit = 100

// Store is a process-local single-writer store. Mutating operations
// serialize on one lock covering the entity maps and the indexes; readers
// proceed concurrently and see a consistent snapshot per call. Mutations
// never block on snapshot I/O — persistence happens on a background worker.
type Store struct {
	mu          sync.RWMutex
	threads     map[string]*Thread
	items       map[string]*Item
	attachments map[string]*Attachment
	ix          *indexes

	snap *snapshotWriter // nil when persistence is disabled
}

// New creates a store. When persistPath is non-empty an existing snapshot is
// loaded (corrupt snapshots are logged and treated as empty) and a background
// snapshot worker is started.
func New(persistPath string) *Store {
	s := &Store{
		threads:     make(map[string]*Thread),
		items:       make(map[string]*Item),
		attachments: make(map[string]*Attachment),
		ix:          newIndexes(),
	}
	if persistPath != "" {
		s.loadSnapshot(persistPath)
		s.snap = newSnapshotWriter(persistPath, s.encodeSnapshot)
	}
	return s
}

// Close flushes any pending snapshot and stops the background worker.
func (s *Store) Close() {
	if s.snap != nil {
		s.snap.close()
	}
}

// dirty schedules a snapshot write. Called with s.mu held or not; the
// writer coalesces signals either way.
func (s *Store) dirty() {
	if s.snap != nil {
		s.snap.schedule()
	}
}

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()[:8]
}

// ---------------------------------------------------------------------------
// Threads

// CreateThread creates a thread. An empty id is replaced with a generated
// one; creating an existing id fails.
func (s *Store) CreateThread(id string, metadata map[string]any) (*Thread, error) {
	if id == "" {
		id = newID("thread")
	}
	now := time.Now().UTC()
	t := &Thread{
		ID:          id,
		Status:      ThreadActive,
		Metadata:    cloneMap(metadata),
		Messages:    []Message{},
		Items:       []string{},
		Attachments: []string{},
		Context:     map[string]any{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	s.mu.Lock()
	if _, exists := s.threads[id]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: thread %s already exists", schema.ErrValidation, id)
	}
	s.threads[id] = t
	s.ix.indexThread(t)
	s.mu.Unlock()

	s.dirty()
	return t.clone(), nil
}

// GetThread returns a copy of the thread, or ErrNotFound.
func (s *Store) GetThread(id string) (*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return nil, fmt.Errorf("%w: thread %s", schema.ErrNotFound, id)
	}
	return t.clone(), nil
}

// UpdateThread applies upd to a thread and reindexes it.
func (s *Store) UpdateThread(id string, upd ThreadUpdate) (*Thread, error) {
	s.mu.Lock()
	t, ok := s.threads[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: thread %s", schema.ErrNotFound, id)
	}
	if upd.Status != nil && !upd.Status.Valid() {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: unknown thread status %q", schema.ErrValidation, *upd.Status)
	}

	s.ix.deindexThread(t)
	if upd.Status != nil {
		t.Status = *upd.Status
	}
	if upd.Metadata != nil {
		t.Metadata = cloneMap(upd.Metadata)
	}
	for k, v := range upd.Context {
		if t.Context == nil {
			t.Context = map[string]any{}
		}
		t.Context[k] = v
	}
	t.UpdatedAt = time.Now().UTC()
	s.ix.indexThread(t)
	out := t.clone()
	s.mu.Unlock()

	s.dirty()
	return out, nil
}

// DeleteThread removes a thread. Items and attachments it references are
// kept; only the thread and its index entries go away.
func (s *Store) DeleteThread(id string) error {
	s.mu.Lock()
	t, ok := s.threads[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: thread %s", schema.ErrNotFound, id)
	}
	s.ix.deindexThread(t)
	delete(s.threads, id)
	s.mu.Unlock()

	s.dirty()
	return nil
}

// AddMessage appends a message to a thread. Timestamps are assigned here and
// kept strictly monotone within the thread.
func (s *Store) AddMessage(threadID string, role, content string) error {
	s.mu.Lock()
	t, ok := s.threads[threadID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: thread %s", schema.ErrNotFound, threadID)
	}

	ts := time.Now().UTC()
	if n := len(t.Messages); n > 0 && !ts.After(t.Messages[n-1].Timestamp) {
		ts = t.Messages[n-1].Timestamp.Add(time.Nanosecond)
	}

	s.ix.deindexThread(t)
	t.Messages = append(t.Messages, Message{Role: role, Content: content, Timestamp: ts})
	t.UpdatedAt = time.Now().UTC()
	s.ix.indexThread(t)
	s.mu.Unlock()

	s.dirty()
	return nil
}

// ---------------------------------------------------------------------------
// Items

// CreateItem creates a typed item.
func (s *Store) CreateItem(id, itemType string, content any, tags []string, metadata map[string]any) (*Item, error) {
	if id == "" {
		id = newID("item")
	}
	if itemType == "" {
		return nil, fmt.Errorf("%w: item type is required", schema.ErrValidation)
	}
	now := time.Now().UTC()
	it := &Item{
		ID:        id,
		Type:      itemType,
		Content:   content,
		Tags:      cloneSlice(tags),
		Relations: []string{},
		Metadata:  cloneMap(metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	if _, exists := s.items[id]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: item %s already exists", schema.ErrValidation, id)
	}
	s.items[id] = it
	s.ix.indexItem(it)
	s.mu.Unlock()

	s.dirty()
	return it.clone(), nil
}

// GetItem returns a copy of the item, or ErrNotFound.
func (s *Store) GetItem(id string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: item %s", schema.ErrNotFound, id)
	}
	return it.clone(), nil
}

// UpdateItem applies upd to an item and reindexes it.
func (s *Store) UpdateItem(id string, upd ItemUpdate) (*Item, error) {
	s.mu.Lock()
	it, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: item %s", schema.ErrNotFound, id)
	}

	s.ix.deindexItem(it)
	if upd.Content != nil {
		it.Content = upd.Content
	}
	if upd.Tags != nil {
		it.Tags = cloneSlice(upd.Tags)
	}
	if upd.Metadata != nil {
		it.Metadata = cloneMap(upd.Metadata)
	}
	it.UpdatedAt = time.Now().UTC()
	s.ix.indexItem(it)
	out := it.clone()
	s.mu.Unlock()

	s.dirty()
	return out, nil
}

// DeleteItem removes an item, its index entries, its symmetric relations and
// any thread references to it.
func (s *Store) DeleteItem(id string) error {
	s.mu.Lock()
	it, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: item %s", schema.ErrNotFound, id)
	}
	s.ix.deindexItem(it)
	delete(s.items, id)
	for _, other := range s.items {
		other.Relations = removeString(other.Relations, id)
	}
	for _, t := range s.threads {
		t.Items = removeString(t.Items, id)
	}
	s.mu.Unlock()

	s.dirty()
	return nil
}

// ---------------------------------------------------------------------------
// Attachments

// CreateAttachment records a file reference. The file is read exactly once
// to compute size and SHA-256; a missing or unreadable file fails with
// io_error and records nothing.
func (s *Store) CreateAttachment(id, filePath, mimeType string, metadata map[string]any) (*Attachment, error) {
	if id == "" {
		id = newID("att")
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: read attachment %s: %v", schema.ErrIO, filePath, err)
	}
	sum := sha256.Sum256(data)

	now := time.Now().UTC()
	a := &Attachment{
		ID:        id,
		FilePath:  filePath,
		MimeType:  mimeType,
		Size:      int64(len(data)),
		Checksum:  hex.EncodeToString(sum[:]),
		Metadata:  cloneMap(metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	if _, exists := s.attachments[id]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: attachment %s already exists", schema.ErrValidation, id)
	}
	s.attachments[id] = a
	s.ix.indexAttachment(a)
	s.mu.Unlock()

	s.dirty()
	return a.clone(), nil
}

// GetAttachment returns a copy of the attachment, or ErrNotFound.
func (s *Store) GetAttachment(id string) (*Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attachments[id]
	if !ok {
		return nil, fmt.Errorf("%w: attachment %s", schema.ErrNotFound, id)
	}
	return a.clone(), nil
}

// UpdateAttachment applies upd and reindexes the mime dimension. Size and
// checksum never change after creation.
func (s *Store) UpdateAttachment(id string, upd AttachmentUpdate) (*Attachment, error) {
	s.mu.Lock()
	a, ok := s.attachments[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: attachment %s", schema.ErrNotFound, id)
	}

	s.ix.deindexAttachment(a)
	if upd.MimeType != nil {
		a.MimeType = *upd.MimeType
	}
	if upd.Metadata != nil {
		a.Metadata = cloneMap(upd.Metadata)
	}
	a.UpdatedAt = time.Now().UTC()
	s.ix.indexAttachment(a)
	out := a.clone()
	s.mu.Unlock()

	s.dirty()
	return out, nil
}

// DeleteAttachment removes an attachment and any thread references to it.
func (s *Store) DeleteAttachment(id string) error {
	s.mu.Lock()
	a, ok := s.attachments[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: attachment %s", schema.ErrNotFound, id)
	}
	s.ix.deindexAttachment(a)
	delete(s.attachments, id)
	for _, t := range s.threads {
		t.Attachments = removeString(t.Attachments, id)
	}
	s.mu.Unlock()

	s.dirty()
	return nil
}

// ---------------------------------------------------------------------------
// Links

// LinkItemToThread attaches an item to a thread's ordered item list.
func (s *Store) LinkItemToThread(threadID, itemID string) error {
	s.mu.Lock()
	t, ok := s.threads[threadID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: thread %s", schema.ErrNotFound, threadID)
	}
	if _, ok := s.items[itemID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: item %s", schema.ErrNotFound, itemID)
	}
	if !containsString(t.Items, itemID) {
		t.Items = append(t.Items, itemID)
		t.UpdatedAt = time.Now().UTC()
	}
	s.mu.Unlock()

	s.dirty()
	return nil
}

// LinkAttachmentToThread attaches an attachment to a thread.
func (s *Store) LinkAttachmentToThread(threadID, attachmentID string) error {
	s.mu.Lock()
	t, ok := s.threads[threadID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: thread %s", schema.ErrNotFound, threadID)
	}
	if _, ok := s.attachments[attachmentID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: attachment %s", schema.ErrNotFound, attachmentID)
	}
	if !containsString(t.Attachments, attachmentID) {
		t.Attachments = append(t.Attachments, attachmentID)
		t.UpdatedAt = time.Now().UTC()
	}
	s.mu.Unlock()

	s.dirty()
	return nil
}

// LinkItems creates a symmetric relation between two items.
func (s *Store) LinkItems(a, b string) error {
	s.mu.Lock()
	ia, ok := s.items[a]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: item %s", schema.ErrNotFound, a)
	}
	ib, ok := s.items[b]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: item %s", schema.ErrNotFound, b)
	}
	now := time.Now().UTC()
	if !containsString(ia.Relations, b) {
		ia.Relations = append(ia.Relations, b)
		ia.UpdatedAt = now
	}
	if !containsString(ib.Relations, a) {
		ib.Relations = append(ib.Relations, a)
		ib.UpdatedAt = now
	}
	s.mu.Unlock()

	s.dirty()
	return nil
}

// ---------------------------------------------------------------------------
// Search

// SearchThreads runs the intersection of the text query and the structural
// filters. An entirely empty query returns no results.
func (s *Store) SearchThreads(q ThreadQuery) []*Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if q.Query == "" && q.Status == "" && len(q.Metadata) == 0 {
		return nil
	}

	var result map[string]bool
	if q.Status != "" {
		result = intersect(result, s.ix.threadByStatus[string(q.Status)])
	}
	for k, v := range q.Metadata {
		result = intersect(result, s.ix.threadByMetadata[metadataKey(k, v)])
	}
	if q.Query != "" {
		for _, w := range indexWords(q.Query) {
			result = intersect(result, s.ix.threadText[w])
		}
	}

	threads := make([]*Thread, 0, len(result))
	for id := range result {
		if t, ok := s.threads[id]; ok {
			threads = append(threads, t.clone())
		}
	}
	sort.Slice(threads, func(i, j int) bool { return threads[i].UpdatedAt.After(threads[j].UpdatedAt) })
	return truncate(threads, q.Limit)
}

// SearchItems runs the intersection of the text query and the structural
// filters. An entirely empty query returns no results.
func (s *Store) SearchItems(q ItemQuery) []*Item {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if q.Query == "" && q.Type == "" && len(q.Tags) == 0 {
		return nil
	}

	var result map[string]bool
	if q.Type != "" {
		result = intersect(result, s.ix.itemByType[q.Type])
	}
	for _, tag := range q.Tags {
		result = intersect(result, s.ix.itemByTag[tag])
	}
	if q.Query != "" {
		for _, w := range indexWords(q.Query) {
			result = intersect(result, s.ix.itemText[w])
		}
	}

	items := make([]*Item, 0, len(result))
	for id := range result {
		if it, ok := s.items[id]; ok {
			items = append(items, it.clone())
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].UpdatedAt.After(items[j].UpdatedAt) })
	return truncate(items, q.Limit)
}

// Statistics summarizes store contents.
func (s *Store) Statistics() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Statistics
	st.Threads.Total = len(s.threads)
	st.Threads.ByStatus = make(map[string]int)
	for status, set := range s.ix.threadByStatus {
		st.Threads.ByStatus[status] = len(set)
	}
	st.Items.Total = len(s.items)
	st.Items.ByType = make(map[string]int)
	for typ, set := range s.ix.itemByType {
		st.Items.ByType[typ] = len(set)
	}
	st.Attachments.Total = len(s.attachments)
	st.Attachments.ByMime = make(map[string]int)
	for mime, set := range s.ix.attachmentByMime {
		st.Attachments.ByMime[mime] = len(set)
	}
	for _, a := range s.attachments {
		st.Attachments.TotalBytes += a.Size
	}
	st.Indexes.ThreadWords = len(s.ix.threadText)
	st.Indexes.ItemWords = len(s.ix.itemText)
	return st
}

// ---------------------------------------------------------------------------
// helpers

// intersect narrows acc by set. A nil acc means "no filter applied yet" and
// adopts set; a nil set empties the result.
func intersect(acc, set map[string]bool) map[string]bool {
	if acc == nil {
		out := make(map[string]bool, len(set))
		for id := range set {
			out[id] = true
		}
		return out
	}
	out := make(map[string]bool)
	for id := range acc {
		if set[id] {
			out[id] = true
		}
	}
	return out
}

func truncate[T any](xs []T, limit int) []T {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if len(xs) > limit {
		return xs[:limit]
	}
	return xs
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneSlice(xs []string) []string {
	out := make([]string, len(xs))
	copy(out, xs)
	return out
}

func containsString(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

func removeString(xs []string, s string) []string {
	out := xs[:0]
	for _, x := range xs {
		if x != s {
			out = append(out, x)
		}
	}
	return out
}

func (t *Thread) clone() *Thread {
	c := *t
	c.Metadata = cloneMap(t.Metadata)
	c.Messages = make([]Message, len(t.Messages))
	copy(c.Messages, t.Messages)
	c.Items = cloneSlice(t.Items)
	c.Attachments = cloneSlice(t.Attachments)
	c.Context = cloneMap(t.Context)
	return &c
}

func (it *Item) clone() *Item {
	c := *it
	c.Tags = cloneSlice(it.Tags)
	c.Relations = cloneSlice(it.Relations)
	c.Metadata = cloneMap(it.Metadata)
	return &c
}

func (a *Attachment) clone() *Attachment {
	c := *a
	c.Metadata = cloneMap(a.Metadata)
	return &c
}
