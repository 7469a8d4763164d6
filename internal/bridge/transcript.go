package bridge

import (
	"strings"
	"sync"
	"time"
)

// Transcript roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Entry is one utterance in a call transcript.
type Entry struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript collects the conversation of one call. Assistant speech arrives
// as deltas and is accumulated until flushed.
type Transcript struct {
	mu        sync.Mutex
	entries   []Entry
	assistant strings.Builder
	now       func() time.Time
}

// NewTranscript returns an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{now: time.Now}
}

// AddUser appends a completed user utterance. Blank text is ignored.
func (t *Transcript) AddUser(text string) {
	t.add(RoleUser, text)
}

// AppendAssistant accumulates an assistant transcript delta.
func (t *Transcript) AppendAssistant(delta string) {
	t.mu.Lock()
	t.assistant.WriteString(delta)
	t.mu.Unlock()
}

// FlushAssistant moves accumulated assistant text into the transcript. When
// nothing was accumulated, final is used instead.
func (t *Transcript) FlushAssistant(final string) {
	t.mu.Lock()
	text := t.assistant.String()
	t.assistant.Reset()
	t.mu.Unlock()

	if strings.TrimSpace(text) == "" {
		text = final
	}
	t.add(RoleAssistant, text)
}

func (t *Transcript) add(role, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	t.mu.Lock()
	t.entries = append(t.entries, Entry{Role: role, Text: text, Timestamp: t.now()})
	t.mu.Unlock()
}

// Entries returns a copy of the recorded entries in arrival order.
func (t *Transcript) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Format renders the transcript as "[User]: ..." and "[Assistant]: ..."
// paragraphs separated by blank lines.
func (t *Transcript) Format() string {
	entries := t.Entries()
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		label := "[Assistant]"
		if e.Role == RoleUser {
			label = "[User]"
		}
		parts = append(parts, label+": "+e.Text)
	}
	return strings.Join(parts, "\n\n")
}
