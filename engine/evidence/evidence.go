// Package evidence holds the evidence boundary contracts: the external
// object-store interface FILE evidence points into, and the JSON schema
// validator applied to STRUCTURED evidence.
package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"flowspec.dev/flowspec/engine/flowerr"
)

type (
	// ObjectStore is the external content-addressed store FILE evidence
	// references. The engine never stores file bytes itself; it stores a
	// strict pointer and verifies ownership through this contract.
	ObjectStore interface {
		// Put stores the bytes and returns their content-addressed key.
		Put(ctx context.Context, data []byte) (string, error)
		// ValidateOwnership reports whether the key is readable by the
		// company. Pointers failing the check are rejected at attach time.
		ValidateOwnership(ctx context.Context, storageKey, companyID string) (bool, error)
	}

	// Validator compiles evidence schemas and validates structured content
	// against them. Compiled schemas are cached by their exact bytes, which
	// is sound because published schemas are frozen inside snapshots.
	Validator struct {
		mu    sync.Mutex
		cache map[string]*jsonschema.Schema
	}
)

// NewValidator returns a Validator with an empty schema cache.
func NewValidator() *Validator {
	return &Validator{cache: make(map[string]*jsonschema.Schema)}
}

// Validate checks structured evidence content against the task's schema. A
// nil or empty schema accepts everything. Failures carry INVALID_EVIDENCE.
func (v *Validator) Validate(schema, content json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	compiled, err := v.compiled(schema)
	if err != nil {
		return err
	}
	payload, err := jsonschema.UnmarshalJSON(bytes.NewReader(content))
	if err != nil {
		return flowerr.Wrap(flowerr.CodeInvalidEvidence, "evidence: content is not valid JSON", err)
	}
	if err := compiled.Validate(payload); err != nil {
		return flowerr.Wrap(flowerr.CodeInvalidEvidence, "evidence: content does not satisfy schema", err)
	}
	return nil
}

func (v *Validator) compiled(schema json.RawMessage) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.cache[string(schema)]; ok {
		return s, nil
	}
	s, err := Compile(schema)
	if err != nil {
		return nil, err
	}
	v.cache[string(schema)] = s
	return s, nil
}

// Compile compiles a schema without caching. Graph validation uses it to
// reject drafts carrying malformed evidence schemas before publish.
func Compile(schema json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return nil, flowerr.Wrap(flowerr.CodeInvalidEvidence, "evidence: schema is not valid JSON", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, flowerr.Wrap(flowerr.CodeInvalidEvidence, "evidence: add schema resource", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, flowerr.Wrap(flowerr.CodeInvalidEvidence, "evidence: schema does not compile", err)
	}
	return compiled, nil
}
