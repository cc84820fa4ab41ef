package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/eventfabric/pkg/envelope"
)

// SchemaGuard validates payloads against a JSON Schema registered for their
// channel. Channels without a schema pass through.
type SchemaGuard struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func NewSchemaGuard() *SchemaGuard {
	return &SchemaGuard{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles schema (draft 2020-12) for channel.
func (g *SchemaGuard) Register(channel, schema string) error {
	channel = envelope.NormalizeChannel(channel)

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://eventfabric.local/schemas/%s.schema.json", channel)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("schema for %s: load: %w", channel, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("schema for %s: compile: %w", channel, err)
	}

	g.mu.Lock()
	g.schemas[channel] = compiled
	g.mu.Unlock()
	return nil
}

func (g *SchemaGuard) Name() string { return "schema" }

func (g *SchemaGuard) Handle(_ context.Context, env *envelope.Envelope) Decision {
	g.mu.RLock()
	sch, ok := g.schemas[env.Channel()]
	g.mu.RUnlock()
	if !ok {
		return Pass()
	}

	raw, err := json.Marshal(env.Payload())
	if err != nil {
		return Drop("payload is not JSON: " + err.Error())
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return Drop("payload is not JSON: " + err.Error())
	}
	if err := sch.Validate(doc); err != nil {
		return Drop("schema violation: " + err.Error())
	}
	return Pass()
}
