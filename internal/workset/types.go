package workset

import "time"

// ThreadStatus is the lifecycle status of a thread.
type ThreadStatus string

const (
	ThreadActive    ThreadStatus = "active"
	ThreadPaused    ThreadStatus = "paused"
	ThreadCompleted ThreadStatus = "completed"
	ThreadFailed    ThreadStatus = "failed"
	ThreadCancelled ThreadStatus = "cancelled"
)

// Valid reports whether s is a known thread status.
func (s ThreadStatus) Valid() bool {
	switch s {
	case ThreadActive, ThreadPaused, ThreadCompleted, ThreadFailed, ThreadCancelled:
		return true
	}
	return false
}

// Message is one entry in a thread's conversation history.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Thread is a conversational/execution context shared between agents.
type Thread struct {
	ID          string         `json:"id"`
	Status      ThreadStatus   `json:"status"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Messages    []Message      `json:"messages"`
	Items       []string       `json:"items"`
	Attachments []string       `json:"attachments"`
	Context     map[string]any `json:"context,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Item is a typed artifact produced or consumed by an agent.
type Item struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Content   any            `json:"content"`
	Tags      []string       `json:"tags"`
	Relations []string       `json:"relations"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Attachment is a file reference. Size and Checksum are recorded once at
// creation from the file bytes; later reads never recompute them.
type Attachment struct {
	ID        string         `json:"id"`
	FilePath  string         `json:"file_path"`
	MimeType  string         `json:"mime_type"`
	Size      int64          `json:"size"`
	Checksum  string         `json:"checksum"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ThreadUpdate mutates selected thread fields. Nil fields are left as-is.
type ThreadUpdate struct {
	Status   *ThreadStatus
	Metadata map[string]any // replaces the metadata map when non-nil
	Context  map[string]any // merged into the context map key by key
}

// AttachmentUpdate mutates selected attachment fields. Size and Checksum are
// immutable after creation. Nil fields are left as-is.
type AttachmentUpdate struct {
	MimeType *string
	Metadata map[string]any
}

// ItemUpdate mutates selected item fields. Nil fields are left as-is.
type ItemUpdate struct {
	Content  any
	Tags     []string // replaces the tag set when non-nil
	Metadata map[string]any
}

// ThreadQuery filters SearchThreads. Zero-valued dimensions are wildcards,
// except that an entirely empty query matches nothing.
type ThreadQuery struct {
	Query    string
	Status   ThreadStatus
	Metadata map[string]any
	Limit    int
}

// ItemQuery filters SearchItems.
type ItemQuery struct {
	Query string
	Type  string
	Tags  []string
	Limit int
}

// Statistics summarizes store contents and index sizes.
type Statistics struct {
	Threads struct {
		Total    int            `json:"total"`
		ByStatus map[string]int `json:"by_status"`
	} `json:"threads"`
	Items struct {
		Total  int            `json:"total"`
		ByType map[string]int `json:"by_type"`
	} `json:"items"`
	Attachments struct {
		Total      int            `json:"total"`
		TotalBytes int64          `json:"total_bytes"`
		ByMime     map[string]int `json:"by_mime"`
	} `json:"attachments"`
	Indexes struct {
		ThreadWords int `json:"thread_words"`
		ItemWords   int `json:"item_words"`
	} `json:"indexes"`
}
