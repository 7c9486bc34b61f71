// Package umf implements the framed-message envelope used between the
// gateway, services, and connected clients. Frames are JSON objects with
// routable to/from fields; both the long key form and the abbreviated short
// form are accepted on ingress, and the short form is emitted on egress.
package umf

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Version is the envelope version stamped on every created frame.
const Version = "UMF/1.4.6"

var (
	ErrMissingTo   = errors.New("umf: missing to field")
	ErrMissingFrom = errors.New("umf: missing from field")
	ErrMissingBody = errors.New("umf: missing body field")
)

// Message is a framed message. Body is arbitrary JSON; Headers and
// Authorization carry HTTP envelope data when a frame wraps a forwarded
// request or response.
type Message struct {
	MID           string
	RMID          string
	To            string
	From          string
	Via           string
	Forward       string
	Type          string
	Version       string
	Timestamp     string
	Signature     string
	Authorization string
	Headers       map[string]string
	Timeout       int
	Body          any
}

// New creates a frame addressed from one route to another, with a fresh
// mid, the current version, and an RFC3339 timestamp.
func New(to, from string) *Message {
	return &Message{
		MID:       uuid.NewString(),
		To:        to,
		From:      from,
		Version:   Version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Validate reports whether the frame carries the required routing fields.
func (m *Message) Validate() error {
	if m.To == "" {
		return ErrMissingTo
	}
	if m.From == "" {
		return ErrMissingFrom
	}
	if m.Body == nil {
		return ErrMissingBody
	}
	return nil
}

// shortForm is the abbreviated wire shape emitted on egress.
type shortForm struct {
	MID           string            `json:"mid"`
	RMID          string            `json:"rmid,omitempty"`
	To            string            `json:"to"`
	Frm           string            `json:"frm"`
	Via           string            `json:"via,omitempty"`
	Fwd           string            `json:"fwd,omitempty"`
	Typ           string            `json:"typ,omitempty"`
	Ver           string            `json:"ver"`
	TS            string            `json:"ts"`
	Sig           string            `json:"sig,omitempty"`
	Authorization string            `json:"authorization,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Timeout       int               `json:"timeout,omitempty"`
	Bdy           any               `json:"bdy"`
}

// longForm is the canonical long-key shape. It is what gets signed and what
// MarshalLong emits for HTTP passthrough bodies.
type longForm struct {
	MID           string            `json:"mid"`
	RMID          string            `json:"rmid,omitempty"`
	To            string            `json:"to"`
	From          string            `json:"from"`
	Via           string            `json:"via,omitempty"`
	Forward       string            `json:"forward,omitempty"`
	Type          string            `json:"type,omitempty"`
	Version       string            `json:"version"`
	Timestamp     string            `json:"timestamp"`
	Signature     string            `json:"signature,omitempty"`
	Authorization string            `json:"authorization,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Timeout       int               `json:"timeout,omitempty"`
	Body          any               `json:"body"`
}

// MarshalJSON emits the short form.
func (m *Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(shortForm{
		MID:           m.MID,
		RMID:          m.RMID,
		To:            m.To,
		Frm:           m.From,
		Via:           m.Via,
		Fwd:           m.Forward,
		Typ:           m.Type,
		Ver:           m.Version,
		TS:            m.Timestamp,
		Sig:           m.Signature,
		Authorization: m.Authorization,
		Headers:       m.Headers,
		Timeout:       m.Timeout,
		Bdy:           m.Body,
	})
}

// MarshalLong emits the long-key form.
func (m *Message) MarshalLong() ([]byte, error) {
	return json.Marshal(m.long())
}

func (m *Message) long() longForm {
	return longForm{
		MID:           m.MID,
		RMID:          m.RMID,
		To:            m.To,
		From:          m.From,
		Via:           m.Via,
		Forward:       m.Forward,
		Type:          m.Type,
		Version:       m.Version,
		Timestamp:     m.Timestamp,
		Signature:     m.Signature,
		Authorization: m.Authorization,
		Headers:       m.Headers,
		Timeout:       m.Timeout,
		Body:          m.Body,
	}
}

// UnmarshalJSON accepts either key form. Short keys win when both are
// present, matching what a short-form sender intended.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		MID           string            `json:"mid"`
		RMID          string            `json:"rmid"`
		To            string            `json:"to"`
		From          string            `json:"from"`
		Frm           string            `json:"frm"`
		Via           string            `json:"via"`
		Forward       string            `json:"forward"`
		Fwd           string            `json:"fwd"`
		Type          string            `json:"type"`
		Typ           string            `json:"typ"`
		Version       string            `json:"version"`
		Ver           string            `json:"ver"`
		Timestamp     string            `json:"timestamp"`
		TS            string            `json:"ts"`
		Signature     string            `json:"signature"`
		Sig           string            `json:"sig"`
		Authorization string            `json:"authorization"`
		Headers       map[string]string `json:"headers"`
		Timeout       int               `json:"timeout"`
		Body          any               `json:"body"`
		Bdy           any               `json:"bdy"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	pick := func(short, long string) string {
		if short != "" {
			return short
		}
		return long
	}

	m.MID = raw.MID
	m.RMID = raw.RMID
	m.To = raw.To
	m.From = pick(raw.Frm, raw.From)
	m.Via = raw.Via
	m.Forward = pick(raw.Fwd, raw.Forward)
	m.Type = pick(raw.Typ, raw.Type)
	m.Version = pick(raw.Ver, raw.Version)
	m.Timestamp = pick(raw.TS, raw.Timestamp)
	m.Signature = pick(raw.Sig, raw.Signature)
	m.Authorization = raw.Authorization
	m.Headers = raw.Headers
	m.Timeout = raw.Timeout
	if raw.Bdy != nil {
		m.Body = raw.Bdy
	} else {
		m.Body = raw.Body
	}
	return nil
}

// Unmarshal parses a frame from wire bytes in either key form.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// canonical is the signing input: long form with the signature removed.
func (m *Message) canonical() ([]byte, error) {
	lf := m.long()
	lf.Signature = ""
	return json.Marshal(lf)
}

// Sign computes an HMAC-SHA-256 over the canonical form with the shared
// secret and stores it as lowercase hex in the signature field.
func (m *Message) Sign(secret string) error {
	data, err := m.canonical()
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	m.Signature = hex.EncodeToString(mac.Sum(nil))
	return nil
}

// Verify recomputes the signature and compares it in constant time.
func (m *Message) Verify(secret string) bool {
	if m.Signature == "" {
		return false
	}
	data, err := m.canonical()
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	want, err := hex.DecodeString(m.Signature)
	if err != nil {
		return false
	}
	return hmac.Equal(mac.Sum(nil), want)
}

// BodyMap returns the body as an object, or nil if it is not one.
func (m *Message) BodyMap() map[string]any {
	body, _ := m.Body.(map[string]any)
	return body
}

// BodyString returns the named string field of an object body.
func (m *Message) BodyString(key string) string {
	if body := m.BodyMap(); body != nil {
		if s, ok := body[key].(string); ok {
			return s
		}
	}
	return ""
}
