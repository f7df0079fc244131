package types

import "encoding/json"

// MergedSource is a citation rewritten for delivery: the chunk reference is
// replaced with an externally addressable artifact locator when one exists.
// Primary citations always carry their chunk id on the wire, null included;
// supplementary citations never do.
type MergedSource struct {
	Field         string
	ChunkID       *string
	ChunkFileKey  *string
	Supplementary bool
}

func (s MergedSource) MarshalJSON() ([]byte, error) {
	if s.Supplementary {
		return json.Marshal(struct {
			Field        string  `json:"field"`
			ChunkFileKey *string `json:"chunk_file_key"`
		}{s.Field, s.ChunkFileKey})
	}
	return json.Marshal(struct {
		Field        string  `json:"field"`
		ChunkID      *string `json:"chunk_id"`
		ChunkFileKey *string `json:"chunk_file_key"`
	}{s.Field, s.ChunkID, s.ChunkFileKey})
}

// MergedUnit is one fully reconciled unit ready for delivery.
type MergedUnit struct {
	Unit       map[string]any    `json:"unit"`
	Confidence map[string]string `json:"confidence"`
	Sources    []MergedSource    `json:"sources"`
}

// ResultPayload wraps the merged units with job metadata for upload and
// notification.
type ResultPayload struct {
	JobID       string       `json:"jobId"`
	BucketName  string       `json:"bucketName"`
	Status      string       `json:"status"`
	ProcessedAt string       `json:"processedAt"`
	Units       []MergedUnit `json:"units"`
}
