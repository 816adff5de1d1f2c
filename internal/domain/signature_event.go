package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedPayload means the body is not the provider envelope we expect.
	ErrMalformedPayload = errors.New("malformed webhook payload")
	// ErrUnsupportedEvent means the envelope is valid but the event type is not handled.
	ErrUnsupportedEvent = errors.New("unsupported webhook event")
)

// SignatureEnvelope carries the fields shared by every signature event.
type SignatureEnvelope struct {
	EventType  string
	DocumentID string
	Payload    json.RawMessage
}

// SignatureEvent is a normalized e-signature webhook. The set of
// implementations is closed: SignatureFinished, SignatureAccepted,
// SignatureRejected and SignatureViewed.
type SignatureEvent interface {
	Envelope() SignatureEnvelope
	isSignatureEvent()
}

type SignatureFinished struct{ SignatureEnvelope }
type SignatureAccepted struct{ SignatureEnvelope }
type SignatureRejected struct {
	SignatureEnvelope
	Reason string
}
type SignatureViewed struct{ SignatureEnvelope }

func (e SignatureEnvelope) Envelope() SignatureEnvelope { return e }

func (SignatureFinished) isSignatureEvent() {}
func (SignatureAccepted) isSignatureEvent() {}
func (SignatureRejected) isSignatureEvent() {}
func (SignatureViewed) isSignatureEvent()   {}

type signatureWebhook struct {
	Event *struct {
		Type string `json:"type"`
		Data *struct {
			ID       string          `json:"id"`
			Document json.RawMessage `json:"document"`
			Reason   string          `json:"reason"`
		} `json:"data"`
	} `json:"event"`
}

var signatureEventTypes = map[string]func(env SignatureEnvelope, reason string) SignatureEvent{
	"document.finished":  func(env SignatureEnvelope, _ string) SignatureEvent { return SignatureFinished{env} },
	"document.signed":    func(env SignatureEnvelope, _ string) SignatureEvent { return SignatureFinished{env} },
	"signature.accepted": func(env SignatureEnvelope, _ string) SignatureEvent { return SignatureAccepted{env} },
	"signature.rejected": func(env SignatureEnvelope, r string) SignatureEvent { return SignatureRejected{env, r} },
	"document.rejected":  func(env SignatureEnvelope, r string) SignatureEvent { return SignatureRejected{env, r} },
	"document.refused":   func(env SignatureEnvelope, r string) SignatureEvent { return SignatureRejected{env, r} },
	"signature.viewed":   func(env SignatureEnvelope, _ string) SignatureEvent { return SignatureViewed{env} },
}

// ParseSignatureWebhook normalizes a raw e-signature webhook body.
// Unhandled event types yield ErrUnsupportedEvent whatever their data holds.
// For signature.* events the document id lives at data.document, either
// as a string or as an object with an id. For document.* events it is data.id.
func ParseSignatureWebhook(body []byte) (SignatureEvent, error) {
	var payload signatureWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if payload.Event == nil || strings.TrimSpace(payload.Event.Type) == "" {
		return nil, fmt.Errorf("%w: missing event.type", ErrMalformedPayload)
	}

	eventType := strings.ToLower(strings.TrimSpace(payload.Event.Type))
	build, ok := signatureEventTypes[eventType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, eventType)
	}
	data := payload.Event.Data
	if data == nil {
		return nil, fmt.Errorf("%w: event %s has no data", ErrMalformedPayload, eventType)
	}

	var documentID string
	if strings.HasPrefix(eventType, "signature.") {
		id, err := documentIDFromField(data.Document)
		if err != nil {
			return nil, err
		}
		documentID = id
	} else {
		documentID = strings.TrimSpace(data.ID)
	}
	if documentID == "" {
		return nil, fmt.Errorf("%w: event %s has no document id", ErrMalformedPayload, eventType)
	}

	env := SignatureEnvelope{EventType: eventType, DocumentID: documentID, Payload: json.RawMessage(body)}
	return build(env, data.Reason), nil
}

func documentIDFromField(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", fmt.Errorf("%w: signature event without data.document", ErrMalformedPayload)
	}
	if raw[0] == '"' {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return strings.TrimSpace(id), nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("%w: data.document: %v", ErrMalformedPayload, err)
	}
	return strings.TrimSpace(obj.ID), nil
}
