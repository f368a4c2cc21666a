package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Message is the envelope exchanged on the position, transfer and
// notification topics.
type Message struct {
	ID       string   `json:"id"`
	From     string   `json:"from"`
	To       string   `json:"to"`
	Type     string   `json:"type,omitempty"`
	Content  Content  `json:"content"`
	Metadata Metadata `json:"metadata"`
}

type Content struct {
	UriParams *UriParams      `json:"uriParams,omitempty"`
	Headers   Headers         `json:"headers"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Context   *Context        `json:"context,omitempty"`
}

type UriParams struct {
	ID string `json:"id"`
}

// Context carries coordination data attached by upstream validation.
type Context struct {
	CyrilResult  *CyrilResult `json:"cyrilResult,omitempty"`
	IsOriginalID *bool        `json:"isOriginalId,omitempty"`
}

type Metadata struct {
	CorrelationID string          `json:"correlationId,omitempty"`
	Event         EventMetadata   `json:"event"`
	Trace         json.RawMessage `json:"trace,omitempty"`
}

type EventMetadata struct {
	ID         string `json:"id"`
	ResponseTo string `json:"responseTo,omitempty"`
	Type       Type   `json:"type"`
	Action     Action `json:"action"`
	CreatedAt  string `json:"createdAt"`
	State      State  `json:"state"`
}

type State struct {
	Status      string     `json:"status"`
	Code        FlexString `json:"code"`
	Description string     `json:"description,omitempty"`
}

// FlexString decodes from either a JSON string or a JSON number.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*f = FlexString(n.String())
	return nil
}

// Headers holds FSPIOP HTTP headers as their JSON values, so a numeric
// content-length is forwarded as a number. Names keep their original casing.
type Headers map[string]json.RawMessage

const (
	HeaderContentLength = "content-length"
	HeaderSource        = "fspiop-source"
	HeaderDestination   = "fspiop-destination"
	HeaderAccept        = "accept"
	HeaderContentType   = "content-type"
)

// NewHeaders builds a header set from string values.
func NewHeaders(values map[string]string) Headers {
	h := make(Headers, len(values))
	for name, v := range values {
		h[name] = headerValue(v)
	}
	return h
}

func headerValue(v string) json.RawMessage {
	// Marshalling a string cannot fail.
	data, _ := json.Marshal(v)
	return data
}

// headerText unquotes string values and returns anything else as its JSON text.
func headerText(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(v))
}

// Get looks a header up case-insensitively.
func (h Headers) Get(name string) string {
	if v, ok := h[name]; ok {
		return headerText(v)
	}
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return headerText(v)
		}
	}
	return ""
}

// Set replaces every case variant of name with a single lower-case string entry.
func (h Headers) Set(name, value string) {
	h.Del(name)
	h[strings.ToLower(name)] = headerValue(value)
}

// Del removes every case variant of name.
func (h Headers) Del(name string) {
	for k := range h {
		if strings.EqualFold(k, name) {
			delete(h, k)
		}
	}
}

func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = cloneRaw(v)
	}
	return out
}

// TransferID is the id the message acts upon: uriParams.id when present,
// otherwise the envelope id.
func (m *Message) TransferID() string {
	if m.Content.UriParams != nil && m.Content.UriParams.ID != "" {
		return m.Content.UriParams.ID
	}
	return m.ID
}

// Action is shorthand for Metadata.Event.Action.
func (m *Message) Action() Action {
	return m.Metadata.Event.Action
}

// CyrilResult returns the coordination plan, or nil when absent.
func (m *Message) CyrilResult() *CyrilResult {
	if m.Content.Context == nil {
		return nil
	}
	return m.Content.Context.CyrilResult
}

// Clone returns a deep copy; the copy shares no maps, slices or pointers.
func (m *Message) Clone() *Message {
	out := *m
	out.Content.Headers = m.Content.Headers.Clone()
	out.Content.Payload = cloneRaw(m.Content.Payload)
	out.Metadata.Trace = cloneRaw(m.Metadata.Trace)
	if m.Content.UriParams != nil {
		p := *m.Content.UriParams
		out.Content.UriParams = &p
	}
	out.Content.Context = m.Content.Context.Clone()
	return &out
}

func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	out := &Context{CyrilResult: c.CyrilResult.Clone()}
	if c.IsOriginalID != nil {
		v := *c.IsOriginalID
		out.IsOriginalID = &v
	}
	return out
}

// Validate checks the envelope fields every handler relies on.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message id is required")
	}
	if m.Metadata.Event.Action == "" {
		return fmt.Errorf("message %s: metadata.event.action is required", m.ID)
	}
	if m.Metadata.Event.Type == "" {
		return fmt.Errorf("message %s: metadata.event.type is required", m.ID)
	}
	return nil
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	out := make(json.RawMessage, len(r))
	copy(out, r)
	return out
}
