package webhooks

import (
	"encoding/json"
	"errors"
	"strings"
)

var ErrBadEnvelope = errors.New("unparseable webhook envelope")

// Envelope is the canonical shape every provider payload is normalized to
// before staging. The raw body is staged verbatim separately; this struct
// only carries what admission needs for dedup and routing.
type Envelope struct {
	EventType  string
	Instance   string
	MessageId  string // provider's own message identifier, empty for lifecycle events
	ContactKey string // opaque conversation-partner identifier
	State      string // connection/lifecycle state, empty for content events
}

// Content reports whether the event carries a message (and with it a
// natural idempotency token). State-only events repeat legitimately and
// are deduplicated by hashing instead.
func (e *Envelope) Content() bool { return e.MessageId != "" }

// rawEnvelope covers the common chat-provider callback shapes: an event
// tag, an instance/account tag, and a data object whose keys vary per
// provider generation.
type rawEnvelope struct {
	Event    string          `json:"event"`
	Type     string          `json:"type"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
}

type rawData struct {
	Key *struct {
		Id        string `json:"id"`
		RemoteJid string `json:"remoteJid"`
	} `json:"key"`
	MessageId string `json:"message_id"`
	Id        string `json:"id"`
	From      string `json:"from"`
	Sender    string `json:"sender"`
	RemoteJid string `json:"remoteJid"`
	State     string `json:"state"`
	Status    string `json:"status"`
}

// Normalize parses a provider callback body into the canonical envelope.
// Unknown providers fall through the generic field probing; a body that
// is not a JSON object is an admission error.
func Normalize(provider string, body []byte) (*Envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, ErrBadEnvelope
	}

	env := &Envelope{
		EventType: firstNonEmpty(raw.Event, raw.Type),
		Instance:  raw.Instance,
	}
	if env.EventType == "" {
		return nil, ErrBadEnvelope
	}

	if len(raw.Data) > 0 {
		var data rawData
		if err := json.Unmarshal(raw.Data, &data); err == nil {
			if data.Key != nil {
				env.MessageId = data.Key.Id
				env.ContactKey = data.Key.RemoteJid
			}
			if env.MessageId == "" {
				env.MessageId = firstNonEmpty(data.MessageId, data.Id)
			}
			if env.ContactKey == "" {
				env.ContactKey = firstNonEmpty(data.From, data.Sender, data.RemoteJid)
			}
			env.State = firstNonEmpty(data.State, data.Status)
		}
	}

	// Lifecycle notifications sometimes echo a message id they do not own;
	// treat well-known state events as state-only regardless.
	if isLifecycleEvent(env.EventType) {
		env.MessageId = ""
	}
	return env, nil
}

func isLifecycleEvent(eventType string) bool {
	switch strings.ToLower(eventType) {
	case "connection.update", "qrcode.updated", "presence.update", "instance.status":
		return true
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
