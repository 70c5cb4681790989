// Package event defines the immutable governance event record persisted by
// the rotating sink and exported in audit bundles.
//
// Events are produced by an external decision engine; this package only
// validates shape, never meaning. Once encoded, an event's bytes are final.
package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/attestix/ledgercore/pkg/canonicalize"
)

// Event is one immutable governance-decision record.
type Event struct {
	EventID    string         `json:"event_id"`
	EventType  string         `json:"event_type"`
	Timestamp  time.Time      `json:"timestamp"`
	AgentID    string         `json:"agent_id"`
	Verb       string         `json:"verb"`
	Target     string         `json:"target"`
	Decision   string         `json:"decision"`
	ReasonCode string         `json:"reason_code,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	// Extra holds context values that fall outside the closed scalar set.
	// They are carried verbatim so nothing is silently dropped, but they are
	// segregated from the validated context.
	Extra map[string]any `json:"extra,omitempty"`
}

const schemaURL = "ledgercore://event.schema.json"

// eventSchema closes the context type set: scalar values only. Anything
// richer belongs in the extra bucket.
const eventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event_id", "event_type", "timestamp", "agent_id", "verb", "target", "decision"],
  "properties": {
    "event_id":    {"type": "string", "minLength": 1},
    "event_type":  {"type": "string", "minLength": 1},
    "timestamp":   {"type": "string", "minLength": 1},
    "agent_id":    {"type": "string", "minLength": 1},
    "verb":        {"type": "string", "minLength": 1},
    "target":      {"type": "string", "minLength": 1},
    "decision":    {"type": "string", "minLength": 1},
    "reason_code": {"type": "string"},
    "context": {
      "type": "object",
      "additionalProperties": {"type": ["string", "number", "boolean", "null"]}
    },
    "extra": {"type": "object"}
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, strings.NewReader(eventSchema)); err != nil {
		panic(fmt.Sprintf("event: add schema resource: %v", err))
	}
	return c.MustCompile(schemaURL)
}

// New builds an event with a fresh UUID, splitting the raw context into
// validated scalar fields and the extra bucket. The timestamp is normalized
// to UTC.
func New(eventType, agentID, verb, target, decision, reasonCode string, ts time.Time, rawContext map[string]any) Event {
	e := Event{
		EventID:    uuid.New().String(),
		EventType:  eventType,
		Timestamp:  ts.UTC(),
		AgentID:    agentID,
		Verb:       verb,
		Target:     target,
		Decision:   decision,
		ReasonCode: reasonCode,
	}
	e.Context, e.Extra = SplitContext(rawContext)
	return e
}

// SplitContext partitions a free-form key/value bag into scalar context
// fields and an extra bucket holding everything else.
func SplitContext(raw map[string]any) (ctx, extra map[string]any) {
	for k, v := range raw {
		if isScalar(v) {
			if ctx == nil {
				ctx = make(map[string]any)
			}
			ctx[k] = v
		} else {
			if extra == nil {
				extra = make(map[string]any)
			}
			extra[k] = v
		}
	}
	return ctx, extra
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return true
	default:
		return false
	}
}

// Validate checks the event against the closed schema. Violations are
// reported as ErrInvalidRecord so callers can distinguish bad input from
// storage faults.
func (e Event) Validate() error {
	_, err := e.normalized()
	return err
}

// Encode validates the event and returns its canonical single-line JSONL
// representation, newline excluded. No partial output on failure.
func (e Event) Encode() ([]byte, error) {
	doc, err := e.normalized()
	if err != nil {
		return nil, err
	}
	return canonicalize.Canonicalize(doc)
}

// normalized round-trips the event document through JSON so the schema
// validator only ever sees JSON-native values, then validates it.
func (e Event) normalized() (any, error) {
	doc, err := e.document()
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", canonicalize.ErrInvalidRecord, err)
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("%w: %v", canonicalize.ErrInvalidRecord, err)
	}
	if err := compiledSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: %v", canonicalize.ErrInvalidRecord, err)
	}
	return generic, nil
}

// Decode parses and validates a single encoded event line.
func Decode(line []byte) (Event, error) {
	line = bytes.TrimSpace(line)

	var doc any
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return Event{}, fmt.Errorf("%w: malformed event line: %v", canonicalize.ErrInvalidRecord, err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return Event{}, fmt.Errorf("%w: %v", canonicalize.ErrInvalidRecord, err)
	}

	var e Event
	if err := json.Unmarshal(line, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", canonicalize.ErrInvalidRecord, err)
	}
	if e.Timestamp.IsZero() {
		return Event{}, fmt.Errorf("%w: unparseable timestamp", canonicalize.ErrInvalidRecord)
	}
	e.Timestamp = e.Timestamp.UTC()
	return e, nil
}

// document converts the event into the generic map the schema validator and
// canonicalizer operate on. Timestamps serialize as RFC 3339 with
// nanoseconds so encode → decode round-trips byte-exactly.
func (e Event) document() (map[string]any, error) {
	if e.Timestamp.IsZero() {
		return nil, fmt.Errorf("%w: missing timestamp", canonicalize.ErrInvalidRecord)
	}
	doc := map[string]any{
		"event_id":   e.EventID,
		"event_type": e.EventType,
		"timestamp":  e.Timestamp.UTC().Format(time.RFC3339Nano),
		"agent_id":   e.AgentID,
		"verb":       e.Verb,
		"target":     e.Target,
		"decision":   e.Decision,
	}
	if e.ReasonCode != "" {
		doc["reason_code"] = e.ReasonCode
	}
	if len(e.Context) > 0 {
		ctx := make(map[string]any, len(e.Context))
		for k, v := range e.Context {
			ctx[k] = v
		}
		doc["context"] = ctx
	}
	if len(e.Extra) > 0 {
		extra := make(map[string]any, len(e.Extra))
		for k, v := range e.Extra {
			extra[k] = v
		}
		doc["extra"] = extra
	}
	return doc, nil
}
