package truth

import (
	"bytes"
	"encoding/json"

	"flowspec.dev/flowspec/engine/flowerr"
)

type (
	// EvidencePayload is the tagged payload union carried by an
	// EvidenceAttachment. Exactly one branch is populated, selected by the
	// attachment's Type: Content for STRUCTURED and TEXT, Pointer for FILE.
	EvidencePayload struct {
		// Content holds the JSON value for STRUCTURED evidence or the
		// JSON string for TEXT evidence.
		Content json.RawMessage
		// Pointer holds the object-store reference for FILE evidence.
		Pointer *FilePointer
	}

	// FilePointer is the strict FILE evidence shape: a content-addressed
	// reference into the external object store. No inline bytes and no
	// extra keys are accepted.
	FilePointer struct {
		// StorageKey is the content-addressed key returned by the store.
		StorageKey string `json:"storageKey"`
		// FileName is the original file name.
		FileName string `json:"fileName"`
		// MimeType is the declared content type.
		MimeType string `json:"mimeType"`
		// Size is the object size in bytes.
		Size int64 `json:"size"`
		// Bucket is the object store bucket holding the object.
		Bucket string `json:"bucket"`
	}

	// payloadEnvelope is the persisted JSON shape of an evidence payload:
	// {"content": ...} or {"pointer": {...}}.
	payloadEnvelope struct {
		Content json.RawMessage `json:"content,omitempty"`
		Pointer json.RawMessage `json:"pointer,omitempty"`
	}
)

// ParsePayload decodes raw evidence data into the typed union for the given
// evidence type. Decoding is strict: the envelope accepts only the branch
// the type selects, TEXT content must be a JSON string, and FILE pointers
// reject unknown keys and require every field.
func ParsePayload(typ EvidenceType, raw json.RawMessage) (EvidencePayload, error) {
	var env payloadEnvelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return EvidencePayload{}, flowerr.Wrap(flowerr.CodeInvalidEvidence, "evidence: malformed payload", err)
	}

	switch typ {
	case EvidenceStructured:
		if len(env.Content) == 0 || env.Pointer != nil {
			return EvidencePayload{}, flowerr.New(flowerr.CodeInvalidEvidence, "evidence: STRUCTURED payload requires content")
		}
		return EvidencePayload{Content: env.Content}, nil

	case EvidenceText:
		if len(env.Content) == 0 || env.Pointer != nil {
			return EvidencePayload{}, flowerr.New(flowerr.CodeInvalidEvidence, "evidence: TEXT payload requires content")
		}
		var s string
		if err := json.Unmarshal(env.Content, &s); err != nil {
			return EvidencePayload{}, flowerr.Wrap(flowerr.CodeInvalidEvidence, "evidence: TEXT content must be a string", err)
		}
		return EvidencePayload{Content: env.Content}, nil

	case EvidenceFile:
		if env.Pointer == nil || len(env.Content) != 0 {
			return EvidencePayload{}, flowerr.New(flowerr.CodeInvalidEvidence, "evidence: FILE payload requires pointer")
		}
		var ptr FilePointer
		pdec := json.NewDecoder(bytes.NewReader(env.Pointer))
		pdec.DisallowUnknownFields()
		if err := pdec.Decode(&ptr); err != nil {
			return EvidencePayload{}, flowerr.Wrap(flowerr.CodeInvalidEvidence, "evidence: invalid file pointer", err)
		}
		if ptr.StorageKey == "" || ptr.FileName == "" || ptr.MimeType == "" || ptr.Bucket == "" || ptr.Size <= 0 {
			return EvidencePayload{}, flowerr.New(flowerr.CodeInvalidEvidence, "evidence: file pointer is missing required fields")
		}
		return EvidencePayload{Pointer: &ptr}, nil

	default:
		return EvidencePayload{}, flowerr.New(flowerr.CodeInvalidEvidence, "evidence: unknown type").
			WithDetail("type", string(typ))
	}
}

// EncodePayload serializes the typed union back to its persisted envelope.
func EncodePayload(p EvidencePayload) (json.RawMessage, error) {
	env := payloadEnvelope{Content: p.Content}
	if p.Pointer != nil {
		b, err := json.Marshal(p.Pointer)
		if err != nil {
			return nil, flowerr.Wrap(flowerr.CodeInternal, "evidence: encode pointer failed", err)
		}
		env.Pointer = b
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.CodeInternal, "evidence: encode payload failed", err)
	}
	return out, nil
}

// StructuredContent unmarshals STRUCTURED evidence content into a generic
// map. Returns nil when the payload carries no structured object.
func (p EvidencePayload) StructuredContent() map[string]any {
	if len(p.Content) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(p.Content, &m); err != nil {
		return nil
	}
	return m
}

// Clone returns a deep copy of the payload.
func (p EvidencePayload) Clone() EvidencePayload {
	cp := EvidencePayload{Content: append(json.RawMessage(nil), p.Content...)}
	if p.Pointer != nil {
		ptr := *p.Pointer
		cp.Pointer = &ptr
	}
	return cp
}
