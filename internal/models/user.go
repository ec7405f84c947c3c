package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// DescriptorDim is the dimensionality of face descriptors produced by the
// embedding model. Everything downstream (store, index, cache) assumes it.
const DescriptorDim = 128

// Descriptor is a point in 128-D L2 space describing one face.
type Descriptor []float32

// ParseDescriptor decodes a JSON array of exactly DescriptorDim floats.
func ParseDescriptor(raw []byte) (Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode descriptor: %w", err)
	}
	if len(d) != DescriptorDim {
		return nil, fmt.Errorf("descriptor has %d elements, want %d", len(d), DescriptorDim)
	}
	return d, nil
}

// JSON serializes the descriptor as a plain JSON array for storage.
func (d Descriptor) JSON() ([]byte, error) {
	return json.Marshal([]float32(d))
}

type User struct {
	ID                int64      `json:"id" db:"id"`
	ExternalID        string     `json:"external_id" db:"external_id"`
	DisplayName       string     `json:"display_name" db:"display_name"`
	ClientRef         string     `json:"client_ref" db:"client_ref"`
	Descriptor        Descriptor `json:"-" db:"descriptor"`
	Confidence        float32    `json:"confidence" db:"confidence"`
	Active            bool       `json:"active" db:"active"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
	LastRecognitionAt *time.Time `json:"last_recognition_at,omitempty" db:"last_recognition_at"`
	RecognitionCount  int64      `json:"recognition_count" db:"recognition_count"`
}

// RecognitionLog is an append-only audit row. Writing one must never fail a
// user-facing operation.
type RecognitionLog struct {
	ID         int64     `json:"id" db:"id"`
	UserID     *int64    `json:"user_id,omitempty" db:"user_id"`
	Operation  string    `json:"operation" db:"operation"`
	Matched    bool      `json:"matched" db:"matched"`
	Distance   *float64  `json:"distance,omitempty" db:"distance"`
	Backend    string    `json:"backend" db:"backend"`
	DurationMs int64     `json:"duration_ms" db:"duration_ms"`
	Embedding  []float32 `json:"-" db:"embedding"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// RecognitionEvent is published to the event bus after enroll/identify so
// downstream consumers (dashboards, the live websocket feed) see activity
// without polling.
type RecognitionEvent struct {
	Type       string    `json:"type"` // user_enrolled | user_recognized | no_match
	ExternalID string    `json:"external_id,omitempty"`
	UserID     *int64    `json:"user_id,omitempty"`
	Distance   *float64  `json:"distance,omitempty"`
	Similarity *int      `json:"similarity,omitempty"`
	Backend    string    `json:"backend,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
