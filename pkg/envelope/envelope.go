// Package envelope defines the message unit carried by the event fabric.
//
// An Envelope is built as a draft by the publisher and sealed by the bus at
// publish time via Stamp. Once sealed its id, timestamp, channel and priority
// never change. Middleware may annotate metadata; nothing may rewrite the
// payload.
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// Well-known metadata keys.
const (
	MetaSource         = "source"
	MetaActor          = "actor"
	MetaSignature      = "signature"
	MetaCorrelationID  = "correlationId"
	MetaProofOfMastery = "proofOfMastery"
	MetaIsSystem       = "isSystem"
	MetaFingerprint    = "fingerprint"
)

// Envelope is the immutable message unit flowing through the fabric.
type Envelope struct {
	id        string
	channel   string
	priority  Priority
	payload   any
	timestamp time.Time

	mu       sync.RWMutex
	metadata map[string]string
}

// Option configures a draft envelope.
type Option func(*Envelope)

// WithID sets an explicit envelope id. Empty ids are generated at publish.
func WithID(id string) Option {
	return func(e *Envelope) { e.id = id }
}

// WithTimestamp sets the creation time. A zero time is replaced at publish.
func WithTimestamp(t time.Time) Option {
	return func(e *Envelope) { e.timestamp = t }
}

// WithMeta sets a single metadata entry.
func WithMeta(key, value string) Option {
	return func(e *Envelope) { e.metadata[key] = value }
}

// WithSource sets the publishing component.
func WithSource(source string) Option { return WithMeta(MetaSource, source) }

// WithActor sets the acting principal.
func WithActor(actor string) Option { return WithMeta(MetaActor, actor) }

// WithSignature attaches a signature token. It is checked for presence only,
// unless a verifier is configured in the quarantine middleware.
func WithSignature(sig string) Option { return WithMeta(MetaSignature, sig) }

// WithCorrelationID links the envelope to a causal chain.
func WithCorrelationID(id string) Option { return WithMeta(MetaCorrelationID, id) }

// New builds a draft envelope around payload.
func New(payload any, opts ...Option) *Envelope {
	e := &Envelope{
		payload:  payload,
		priority: Normal,
		metadata: make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Stamp returns a sealed copy of the draft bound to channel and priority.
// The receiver is left untouched so a publisher may reuse its draft.
func (e *Envelope) Stamp(channel string, p Priority, now time.Time) *Envelope {
	if e == nil {
		e = New(nil)
	}
	if !p.Valid() {
		p = Normal
	}

	e.mu.RLock()
	meta := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		meta[k] = v
	}
	id, ts := e.id, e.timestamp
	e.mu.RUnlock()

	if id == "" {
		id = uuid.NewString()
	}
	if ts.IsZero() {
		ts = now
	}

	return &Envelope{
		id:        id,
		channel:   NormalizeChannel(channel),
		priority:  p,
		payload:   e.payload,
		timestamp: ts.UTC(),
		metadata:  meta,
	}
}

// NormalizeChannel returns the NFC form of a channel name with surrounding
// whitespace removed, so visually identical channels match.
func NormalizeChannel(channel string) string {
	return norm.NFC.String(strings.TrimSpace(channel))
}

func (e *Envelope) ID() string           { return e.id }
func (e *Envelope) Channel() string      { return e.channel }
func (e *Envelope) Priority() Priority   { return e.priority }
func (e *Envelope) Payload() any         { return e.payload }
func (e *Envelope) Timestamp() time.Time { return e.timestamp }

// TimestampMillis returns the creation time in milliseconds since epoch.
func (e *Envelope) TimestampMillis() int64 { return e.timestamp.UnixMilli() }

// Meta returns a single metadata value.
func (e *Envelope) Meta(key string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.metadata[key]
	return v, ok
}

// Source is shorthand for Meta(MetaSource).
func (e *Envelope) Source() string {
	v, _ := e.Meta(MetaSource)
	return v
}

// Metadata returns a copy of all metadata entries.
func (e *Envelope) Metadata() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		out[k] = v
	}
	return out
}

// Annotate sets a metadata entry. Middleware uses this to attach findings
// to an envelope; the payload stays untouched.
func (e *Envelope) Annotate(key, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.metadata == nil {
		e.metadata = make(map[string]string)
	}
	e.metadata[key] = value
}

// Fingerprint returns the hex SHA-256 of the RFC 8785 canonical JSON form of
// the payload. Payloads that cannot be encoded as JSON return an error.
func (e *Envelope) Fingerprint() (string, error) {
	raw, err := json.Marshal(e.payload)
	if err != nil {
		return "", fmt.Errorf("envelope %s: encode payload: %w", e.id, err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("envelope %s: canonicalize payload: %w", e.id, err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func (e *Envelope) String() string {
	return fmt.Sprintf("envelope{id=%s channel=%s priority=%s}", e.id, e.channel, e.priority)
}
