package vectordb

import "time"

// Config controls the Qdrant client behavior.
type Config struct {
	Enabled bool          `mapstructure:"enabled"`
	Host    string        `mapstructure:"host"`
	Port    int           `mapstructure:"port"`
	Timeout time.Duration `mapstructure:"timeout"`
	// Collections
	IntentExamples string `mapstructure:"intent_examples"`
	EntityIndex    string `mapstructure:"entity_index"`
	// Search params
	TopK      int     `mapstructure:"top_k"`
	Threshold float64 `mapstructure:"threshold"`
	// ExpectedEmbeddingDim guards against model/collection dimension drift
	ExpectedEmbeddingDim int `mapstructure:"expected_embedding_dim"`
}

// Point is a scored search hit with its payload.
type Point struct {
	ID      string
	Score   float64
	Payload map[string]interface{}
}

// UpsertItem represents a single point to insert into Qdrant.
type UpsertItem struct {
	ID      interface{}            `json:"id,omitempty"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload"`
}

// UpsertResponse captures the basic Qdrant upsert response.
type UpsertResponse struct {
	Status string  `json:"status"`
	Time   float64 `json:"time"`
}
