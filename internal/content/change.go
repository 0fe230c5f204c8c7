package content

import (
	"encoding/json"
	"strings"
)

// Change is one client-submitted, field-scoped edit. It is ephemeral: the
// reconciler folds its effect into the item and the current edit session
// and the struct itself is never persisted.
type Change struct {
	// Version is the field version the client last observed. A mismatch
	// against the stored counter classifies the change as rejected. After
	// acceptance the reconciler writes the new counter back here so the
	// broadcast carries it.
	Version int64 `json:"version"`

	// Value is the new field value. Annotation-only changes omit it.
	Value json.RawMessage `json:"value,omitempty"`

	// Steps carries fine-grained rich-text deltas. When present they are
	// self-sufficient for replay, so the raw value is dropped from the
	// echoed payload.
	Steps json.RawMessage `json:"steps,omitempty"`

	// Annotations carries comment-thread payloads merged into the item's
	// annotation map under AnnotationsKey (defaulting to the field name).
	Annotations    map[string]any `json:"annotations,omitempty"`
	AnnotationsKey string         `json:"annotationsKey,omitempty"`

	// EditedAtSeconds is stamped by the server on acceptance.
	EditedAtSeconds int64 `json:"edited_at_s,omitempty"`
}

// HasValue reports whether the change carries a new field value.
func (c Change) HasValue() bool {
	return len(c.Value) > 0
}

// HasSteps reports whether the change carries rich-text steps.
func (c Change) HasSteps() bool {
	return len(c.Steps) > 0
}

// InvalidReason tokens reported back to the originating connection.
const (
	// InvalidReasonEmbeddedImage flags rich-text payloads carrying inline
	// base64 image data, which must never enter the database or the
	// broadcast fan-out.
	InvalidReasonEmbeddedImage = "embedded_image"
)

// ApplyResult buckets the per-field outcomes of one edit batch.
type ApplyResult struct {
	// Accepted maps field names to finalized changes with bumped versions.
	Accepted map[string]Change
	// Invalid maps field names to a reason token, echoed to the sender.
	Invalid map[string]string
	// Rejected maps field names to the original stale changes.
	Rejected map[string]Change
}

// HasAccepted reports whether any field in the batch was applied.
func (r ApplyResult) HasAccepted() bool {
	return len(r.Accepted) > 0
}

// HasInvalid reports whether any field violated a safety policy.
func (r ApplyResult) HasInvalid() bool {
	return len(r.Invalid) > 0
}

const (
	imageDataURIPrefix       = "data:image"
	imageDataURIBase64Marker = ";base64,"
)

// containsEmbeddedImage detects inline base64 image data URIs inside a
// serialized rich-text payload.
func containsEmbeddedImage(raw []byte) bool {
	serialized := string(raw)
	start := strings.Index(serialized, imageDataURIPrefix)
	if start < 0 {
		return false
	}
	return strings.Contains(serialized[start:], imageDataURIBase64Marker)
}
