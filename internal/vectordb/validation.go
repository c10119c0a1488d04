package vectordb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// DimensionMismatchError is returned when embedding dimensions do not match
// the collection configuration.
type DimensionMismatchError struct {
	Collection        string
	ExpectedDimension int
	ReceivedDimension int
}

func (e DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch for collection %s: expected %d, got %d",
		e.Collection, e.ExpectedDimension, e.ReceivedDimension)
}

// CollectionInfo holds basic information about a Qdrant collection.
type CollectionInfo struct {
	Name        string
	VectorSize  int
	PointsCount int64
}

// ValidateEmbeddingDimensions checks that both collections carry vectors of
// the configured size. Collections that cannot be inspected are skipped with
// a warning so a cold start does not fail.
func (c *Client) ValidateEmbeddingDimensions(ctx context.Context) error {
	if !c.Enabled() || c.cfg.ExpectedEmbeddingDim <= 0 {
		return nil
	}

	for _, collection := range []string{c.cfg.IntentExamples, c.cfg.EntityIndex} {
		info, err := c.collectionInfo(ctx, collection)
		if err != nil {
			c.log.Warn("Failed to inspect collection during validation",
				zap.String("collection", collection),
				zap.Error(err))
			continue
		}
		if info.VectorSize != c.cfg.ExpectedEmbeddingDim {
			return DimensionMismatchError{
				Collection:        collection,
				ExpectedDimension: c.cfg.ExpectedEmbeddingDim,
				ReceivedDimension: info.VectorSize,
			}
		}
		c.log.Info("Collection dimension validated",
			zap.String("collection", collection),
			zap.Int("dimension", info.VectorSize))
	}
	return nil
}

func (c *Client) collectionInfo(ctx context.Context, collection string) (*CollectionInfo, error) {
	url := fmt.Sprintf("%s/collections/%s", c.base, collection)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpw.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("collection info status %d", resp.StatusCode)
	}

	var result struct {
		Result struct {
			PointsCount int64 `json:"points_count"`
			Config      struct {
				Params struct {
					Vectors struct {
						Size     int    `json:"size"`
						Distance string `json:"distance"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &CollectionInfo{
		Name:        collection,
		VectorSize:  result.Result.Config.Params.Vectors.Size,
		PointsCount: result.Result.PointsCount,
	}, nil
}
