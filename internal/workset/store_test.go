package workset

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/nextlevelbuilder/voxflow/internal/schema"
)

func TestThreadCRUD(t *testing.T) {
	s := New("")
	defer s.Close()

	th, err := s.CreateThread("t1", map[string]any{"env": "prod"})
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if th.Status != ThreadActive {
		t.Errorf("new thread status = %q, want active", th.Status)
	}

	if _, err := s.CreateThread("t1", nil); err == nil {
		t.Error("duplicate CreateThread should fail")
	}

	got, err := s.GetThread("t1")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if got.Metadata["env"] != "prod" {
		t.Errorf("metadata = %v", got.Metadata)
	}

	completed := ThreadCompleted
	if _, err := s.UpdateThread("t1", ThreadUpdate{Status: &completed}); err != nil {
		t.Fatalf("UpdateThread: %v", err)
	}
	got, _ = s.GetThread("t1")
	if got.Status != ThreadCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}

	if err := s.DeleteThread("t1"); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}
	if _, err := s.GetThread("t1"); !errors.Is(err, schema.ErrNotFound) {
		t.Errorf("GetThread after delete = %v, want ErrNotFound", err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := New("")
	defer s.Close()

	s.CreateThread("t1", map[string]any{"k": "v"})
	got, _ := s.GetThread("t1")
	got.Metadata["k"] = "mutated"
	got.Messages = append(got.Messages, Message{Role: "user", Content: "x"})

	fresh, _ := s.GetThread("t1")
	if fresh.Metadata["k"] != "v" {
		t.Error("caller mutation leaked into store")
	}
	if len(fresh.Messages) != 0 {
		t.Error("caller message append leaked into store")
	}
}

func TestAddMessageMonotoneTimestamps(t *testing.T) {
	s := New("")
	defer s.Close()

	s.CreateThread("t1", nil)
	for i := 0; i < 50; i++ {
		if err := s.AddMessage("t1", "user", "hello world"); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
	}
	th, _ := s.GetThread("t1")
	for i := 1; i < len(th.Messages); i++ {
		if !th.Messages[i].Timestamp.After(th.Messages[i-1].Timestamp) {
			t.Fatalf("timestamps not strictly monotone at %d", i)
		}
	}
}

func TestSearchThreads(t *testing.T) {
	s := New("")
	defer s.Close()

	s.CreateThread("t1", map[string]any{"env": "prod"})
	s.CreateThread("t2", map[string]any{"env": "dev"})
	s.AddMessage("t1", "user", "deploy the payment service")
	s.AddMessage("t2", "user", "deploy the staging stack")

	tests := []struct {
		name string
		q    ThreadQuery
		want []string
	}{
		{
			name: "status and metadata",
			q:    ThreadQuery{Status: ThreadActive, Metadata: map[string]any{"env": "prod"}},
			want: []string{"t1"},
		},
		{
			name: "status only matches both",
			q:    ThreadQuery{Status: ThreadActive},
			want: []string{"t1", "t2"},
		},
		{
			name: "text AND semantics",
			q:    ThreadQuery{Query: "deploy payment"},
			want: []string{"t1"},
		},
		{
			name: "text case folded",
			q:    ThreadQuery{Query: "DEPLOY"},
			want: []string{"t1", "t2"},
		},
		{
			name: "short words skipped",
			q:    ThreadQuery{Query: "the deploy"},
			want: []string{"t1", "t2"},
		},
		{
			name: "empty query no filters",
			q:    ThreadQuery{},
			want: nil,
		},
		{
			name: "no match",
			q:    ThreadQuery{Query: "nonexistent"},
			want: nil,
		},
		{
			name: "metadata mismatch",
			q:    ThreadQuery{Metadata: map[string]any{"env": "qa"}},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.SearchThreads(tt.q)
			ids := make(map[string]bool)
			for _, th := range got {
				ids[th.ID] = true
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d threads, want %d (%v)", len(got), len(tt.want), ids)
			}
			for _, id := range tt.want {
				if !ids[id] {
					t.Errorf("missing thread %s", id)
				}
			}
		})
	}
}

func TestSearchItems(t *testing.T) {
	s := New("")
	defer s.Close()

	s.CreateItem("i1", "finding", "quantum computing breakthrough announced", []string{"research", "urgent"}, nil)
	s.CreateItem("i2", "finding", "market analysis for quantum startups", []string{"research"}, nil)
	s.CreateItem("i3", "code", map[string]any{"lang": "go", "body": "package quantum"}, nil, nil)

	tests := []struct {
		name string
		q    ItemQuery
		want []string
	}{
		{"by type", ItemQuery{Type: "finding"}, []string{"i1", "i2"}},
		{"by tag", ItemQuery{Tags: []string{"urgent"}}, []string{"i1"}},
		{"tags intersect", ItemQuery{Tags: []string{"research", "urgent"}}, []string{"i1"}},
		{"text over structured content", ItemQuery{Query: "quantum", Type: "code"}, []string{"i3"}},
		{"text AND across words", ItemQuery{Query: "quantum market"}, []string{"i2"}},
		{"empty", ItemQuery{}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.SearchItems(tt.q)
			ids := make(map[string]bool)
			for _, it := range got {
				ids[it.ID] = true
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d items, want %d (%v)", len(got), len(tt.want), ids)
			}
			for _, id := range tt.want {
				if !ids[id] {
					t.Errorf("missing item %s", id)
				}
			}
		})
	}
}

func TestIndexConsistencyAfterUpdate(t *testing.T) {
	s := New("")
	defer s.Close()

	s.CreateItem("i1", "draft", "alpha beta", []string{"old"}, nil)
	s.UpdateItem("i1", ItemUpdate{Content: "gamma delta", Tags: []string{"new"}})

	if got := s.SearchItems(ItemQuery{Query: "alpha"}); len(got) != 0 {
		t.Error("stale text index entry for old content")
	}
	if got := s.SearchItems(ItemQuery{Tags: []string{"old"}}); len(got) != 0 {
		t.Error("stale tag index entry")
	}
	if got := s.SearchItems(ItemQuery{Query: "gamma"}); len(got) != 1 {
		t.Error("new content not indexed")
	}
	if got := s.SearchItems(ItemQuery{Tags: []string{"new"}}); len(got) != 1 {
		t.Error("new tag not indexed")
	}
}

func TestIndexConsistencyAfterStatusChange(t *testing.T) {
	s := New("")
	defer s.Close()

	s.CreateThread("t1", nil)
	failed := ThreadFailed
	s.UpdateThread("t1", ThreadUpdate{Status: &failed})

	if got := s.SearchThreads(ThreadQuery{Status: ThreadActive}); len(got) != 0 {
		t.Error("stale status index entry")
	}
	if got := s.SearchThreads(ThreadQuery{Status: ThreadFailed}); len(got) != 1 {
		t.Error("new status not indexed")
	}
}

func TestLinkItemsSymmetric(t *testing.T) {
	s := New("")
	defer s.Close()

	s.CreateItem("i1", "a", "x", nil, nil)
	s.CreateItem("i2", "b", "y", nil, nil)
	if err := s.LinkItems("i1", "i2"); err != nil {
		t.Fatalf("LinkItems: %v", err)
	}
	// Linking twice must not duplicate.
	s.LinkItems("i1", "i2")

	i1, _ := s.GetItem("i1")
	i2, _ := s.GetItem("i2")
	if !reflect.DeepEqual(i1.Relations, []string{"i2"}) {
		t.Errorf("i1 relations = %v", i1.Relations)
	}
	if !reflect.DeepEqual(i2.Relations, []string{"i1"}) {
		t.Errorf("i2 relations = %v", i2.Relations)
	}

	if err := s.LinkItems("i1", "ghost"); !errors.Is(err, schema.ErrNotFound) {
		t.Errorf("LinkItems with missing item = %v, want ErrNotFound", err)
	}
}

func TestDeleteItemCleansReferences(t *testing.T) {
	s := New("")
	defer s.Close()

	s.CreateThread("t1", nil)
	s.CreateItem("i1", "a", "x", nil, nil)
	s.CreateItem("i2", "b", "y", nil, nil)
	s.LinkItemToThread("t1", "i1")
	s.LinkItems("i1", "i2")

	if err := s.DeleteItem("i1"); err != nil {
		t.Fatalf("DeleteItem: %v", err)
	}
	th, _ := s.GetThread("t1")
	if len(th.Items) != 0 {
		t.Errorf("thread still references deleted item: %v", th.Items)
	}
	i2, _ := s.GetItem("i2")
	if len(i2.Relations) != 0 {
		t.Errorf("relation to deleted item survives: %v", i2.Relations)
	}
	if got := s.SearchItems(ItemQuery{Type: "a"}); len(got) != 0 {
		t.Error("deleted item still indexed")
	}
}

func TestCreateAttachment(t *testing.T) {
	s := New("")
	defer s.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "report.txt")
	os.WriteFile(path, []byte("hello attachment"), 0o644)

	a, err := s.CreateAttachment("a1", path, "text/plain", nil)
	if err != nil {
		t.Fatalf("CreateAttachment: %v", err)
	}
	if a.Size != int64(len("hello attachment")) {
		t.Errorf("size = %d", a.Size)
	}
	if len(a.Checksum) != 64 {
		t.Errorf("checksum = %q, want sha256 hex", a.Checksum)
	}

	// Checksum is recorded once; rewriting the file must not change it.
	os.WriteFile(path, []byte("changed"), 0o644)
	got, _ := s.GetAttachment("a1")
	if got.Checksum != a.Checksum {
		t.Error("checksum recomputed after creation")
	}

	// Updates touch mime and metadata only; size and checksum stay put.
	mime := "text/markdown"
	upd, err := s.UpdateAttachment("a1", AttachmentUpdate{MimeType: &mime, Metadata: map[string]any{"origin": "agent"}})
	if err != nil {
		t.Fatalf("UpdateAttachment: %v", err)
	}
	if upd.MimeType != "text/markdown" || upd.Checksum != a.Checksum || upd.Size != a.Size {
		t.Errorf("updated attachment = %+v", upd)
	}
	if got := s.Statistics().Attachments.ByMime; got["text/plain"] != 0 || got["text/markdown"] != 1 {
		t.Errorf("mime index after update = %v", got)
	}

	_, err = s.CreateAttachment("a2", filepath.Join(dir, "missing.txt"), "text/plain", nil)
	if !errors.Is(err, schema.ErrIO) {
		t.Errorf("missing file error = %v, want ErrIO", err)
	}
	if _, err := s.GetAttachment("a2"); !errors.Is(err, schema.ErrNotFound) {
		t.Error("failed attachment creation must record nothing")
	}
}

func TestStatistics(t *testing.T) {
	s := New("")
	defer s.Close()

	s.CreateThread("t1", nil)
	s.CreateThread("t2", nil)
	failed := ThreadFailed
	s.UpdateThread("t2", ThreadUpdate{Status: &failed})
	s.CreateItem("i1", "finding", "x", nil, nil)

	st := s.Statistics()
	if st.Threads.Total != 2 {
		t.Errorf("threads total = %d", st.Threads.Total)
	}
	if st.Threads.ByStatus["active"] != 1 || st.Threads.ByStatus["failed"] != 1 {
		t.Errorf("by status = %v", st.Threads.ByStatus)
	}
	if st.Items.ByType["finding"] != 1 {
		t.Errorf("by type = %v", st.Items.ByType)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workset.json")

	s := New(path)
	s.CreateThread("t1", map[string]any{"env": "prod"})
	s.AddMessage("t1", "user", "investigate quantum computing")
	s.CreateItem("i1", "finding", "quantum result", []string{"research"}, nil)
	s.LinkItemToThread("t1", "i1")
	want := s.Statistics()
	s.Close()

	restored := New(path)
	defer restored.Close()

	if got := restored.Statistics(); !reflect.DeepEqual(got, want) {
		t.Errorf("statistics after reload = %+v, want %+v", got, want)
	}
	if got := restored.SearchThreads(ThreadQuery{Query: "quantum", Metadata: map[string]any{"env": "prod"}}); len(got) != 1 || got[0].ID != "t1" {
		t.Errorf("thread search after reload = %v", got)
	}
	if got := restored.SearchItems(ItemQuery{Type: "finding", Tags: []string{"research"}}); len(got) != 1 || got[0].ID != "i1" {
		t.Errorf("item search after reload = %v", got)
	}
	th, err := restored.GetThread("t1")
	if err != nil {
		t.Fatalf("GetThread after reload: %v", err)
	}
	if len(th.Messages) != 1 || th.Messages[0].Content != "investigate quantum computing" {
		t.Errorf("messages after reload = %v", th.Messages)
	}
	if !reflect.DeepEqual(th.Items, []string{"i1"}) {
		t.Errorf("items after reload = %v", th.Items)
	}
}

func TestCorruptSnapshotTreatedAsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workset.json")
	os.WriteFile(path, []byte("{not json"), 0o644)

	s := New(path)
	defer s.Close()
	if st := s.Statistics(); st.Threads.Total != 0 || st.Items.Total != 0 {
		t.Errorf("corrupt snapshot not treated as empty: %+v", st)
	}
}
