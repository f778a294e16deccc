package notify

import (
	"strings"
)

// Event names used for filtering.
const (
	EventEntry     = "entry"
	EventExit      = "exit"
	EventGuard     = "guard"
	EventStaleness = "staleness"
	EventUnhedged  = "unhedged"
	EventError     = "error"
)

// Field is one labelled figure in a message.
type Field struct {
	Label string
	Value string
}

// Message is a structured notification: a title and labelled figures.
// Nothing user-facing is ever a raw error string.
type Message struct {
	Title  string
	Fields []Field
}

// NewMessage starts a message with the given title.
func NewMessage(title string) Message {
	return Message{Title: title}
}

// With appends a field and returns the message.
func (m Message) With(label, value string) Message {
	m.Fields = append(m.Fields, Field{Label: label, Value: value})
	return m
}

// Body renders the fields as aligned "label : value" lines.
func (m Message) Body() string {
	width := 0
	for _, f := range m.Fields {
		if len(f.Label) > width {
			width = len(f.Label)
		}
	}
	var b strings.Builder
	for i, f := range m.Fields {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(f.Label)
		b.WriteString(strings.Repeat(" ", width-len(f.Label)))
		b.WriteString(" : ")
		b.WriteString(f.Value)
	}
	return b.String()
}
