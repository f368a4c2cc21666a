package message

import (
	"PositionLedger/internal/event"
	"PositionLedger/internal/fspiop"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// eventNamespace seeds name-based ids for outbound events so that processing
// the same inbound event twice yields the same outbound ids.
var eventNamespace = uuid.MustParse("6f0d1a52-3c8e-4f6a-9a57-1d2f6b0c9e41")

// Factory builds outbound envelopes. It holds no state besides the hub identity.
type Factory struct {
	hubName string
}

func NewFactory(hubName string) *Factory {
	return &Factory{hubName: hubName}
}

func (f *Factory) HubName() string {
	return f.hubName
}

// Params describes one outbound message.
type Params struct {
	ID        string // transfer id or commitRequestId
	From      string
	To        string
	Headers   event.Headers
	Payload   json.RawMessage
	Type      event.Type
	Action    event.Action
	State     event.State
	UriParams *event.UriParams
	Context   *event.Context
}

// Build assembles a message correlated with the inbound source message.
// Ids and timestamps derive from source only.
func (f *Factory) Build(source *event.Message, p Params) *event.Message {
	correlationID := source.Metadata.CorrelationID
	if correlationID == "" {
		correlationID = p.ID
	}

	return &event.Message{
		ID:   p.ID,
		From: p.From,
		To:   p.To,
		Type: source.Type,
		Content: event.Content{
			UriParams: p.UriParams,
			Headers:   p.Headers,
			Payload:   p.Payload,
			Context:   p.Context,
		},
		Metadata: event.Metadata{
			CorrelationID: correlationID,
			Event: event.EventMetadata{
				ID:         deriveEventID(source.Metadata.Event.ID, p.ID, p.To, string(p.Action)),
				ResponseTo: source.Metadata.Event.ID,
				Type:       p.Type,
				Action:     p.Action,
				CreatedAt:  source.Metadata.Event.CreatedAt,
				State:      p.State,
			},
			Trace: source.Metadata.Trace,
		},
	}
}

// Reserved echoes an admitted transfer to its counterparty.
func (f *Factory) Reserved(source *event.Message, id, from, to string, action event.Action, body json.RawMessage) *event.Message {
	return f.Build(source, Params{
		ID:      id,
		From:    from,
		To:      to,
		Headers: CloneHeaders(source.Content.Headers),
		Payload: body,
		Type:    event.TypeTransfer,
		Action:  action,
		State:   SuccessState(),
	})
}

// Rejected builds a hub-originated error notification back to the initiator.
func (f *Factory) Rejected(source *event.Message, id, to string, action event.Action, kind fspiop.ErrorKind, reason string) *event.Message {
	headers := CloneHeaders(source.Content.Headers)
	headers.Set(event.HeaderDestination, to)
	headers.Set(event.HeaderSource, f.hubName)

	return f.Build(source, Params{
		ID:        id,
		From:      f.hubName,
		To:        to,
		Headers:   headers,
		Payload:   errorPayload(kind, reason),
		Type:      event.TypeNotification,
		Action:    action,
		State:     ErrorState(kind, reason),
		UriParams: &event.UriParams{ID: id},
	})
}

// AbortParams describes one leg notification of a completed abort.
type AbortParams struct {
	ID           string
	To           string
	From         string
	Action       event.Action
	Kind         fspiop.ErrorKind
	IsOriginalID bool
}

// Aborted builds the completion notification for one abort leg. When the hub
// is the sender the source header follows.
func (f *Factory) Aborted(source *event.Message, p AbortParams) *event.Message {
	headers := CloneHeaders(source.Content.Headers)
	headers.Set(event.HeaderDestination, p.To)
	if p.From == f.hubName {
		headers.Set(event.HeaderSource, f.hubName)
	}

	ctx := source.Content.Context.Clone()
	if ctx == nil {
		ctx = &event.Context{}
	}
	isOriginal := p.IsOriginalID
	ctx.IsOriginalID = &isOriginal

	return f.Build(source, Params{
		ID:        p.ID,
		From:      p.From,
		To:        p.To,
		Headers:   headers,
		Payload:   errorPayload(p.Kind, ""),
		Type:      event.TypeNotification,
		Action:    p.Action,
		State:     ErrorState(p.Kind, ""),
		UriParams: &event.UriParams{ID: p.ID},
		Context:   ctx,
	})
}

// Followup re-addresses a copy of source carrying the advanced plan.
func (f *Factory) Followup(source *event.Message, plan *event.CyrilResult) *event.Message {
	out := source.Clone()
	if out.Content.Context == nil {
		out.Content.Context = &event.Context{}
	}
	out.Content.Context.CyrilResult = plan.Clone()
	return out
}

// CloneHeaders copies a forwarded header set without content-length, which
// no longer describes the new body.
func CloneHeaders(h event.Headers) event.Headers {
	out := h.Clone()
	out.Del(event.HeaderContentLength)
	return out
}

func SuccessState() event.State {
	return event.State{Status: event.StatusSuccess, Code: "0"}
}

func ErrorState(kind fspiop.ErrorKind, reason string) event.State {
	return event.State{
		Status:      event.StatusFailure,
		Code:        event.FlexString(kind.Code()),
		Description: kind.ToAPIErrorObject(reason).ErrorInformation.ErrorDescription,
	}
}

func errorPayload(kind fspiop.ErrorKind, reason string) json.RawMessage {
	// APIErrorObject has only string fields; Marshal cannot fail.
	data, _ := json.Marshal(kind.ToAPIErrorObject(reason))
	return data
}

func deriveEventID(parts ...string) string {
	return uuid.NewSHA1(eventNamespace, []byte(strings.Join(parts, "\x00"))).String()
}
