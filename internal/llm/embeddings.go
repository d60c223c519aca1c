package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/connect3/backend/pkg/logger"
	"github.com/connect3/backend/pkg/retry"
)

const embeddingBatchSize = 100

func (c *Client) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	embeddings := make([][]float32, 0, len(texts))

	for i := 0; i < len(texts); i += embeddingBatchSize {
		end := i + embeddingBatchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch := texts[i:end]

		err := c.cb.Execute(ctx, func() error {
			return retry.Do(ctx, c.retryConfig, func() error {
				resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
					Input:      batch,
					Model:      openai.EmbeddingModel(c.embeddingModel),
					Dimensions: c.embeddingDim,
				})
				if err != nil {
					return fmt.Errorf("failed to generate embeddings: %w", err)
				}
				if len(resp.Data) != len(batch) {
					return retry.Permanent(fmt.Errorf("embedding count mismatch: got %d, expected %d", len(resp.Data), len(batch)))
				}

				recordUsage(c.embeddingModel, resp.Usage)

				ordered := make([][]float32, len(batch))
				for _, data := range resp.Data {
					if data.Index < 0 || data.Index >= len(batch) {
						return retry.Permanent(fmt.Errorf("embedding index %d out of range", data.Index))
					}
					ordered[data.Index] = data.Embedding
				}
				embeddings = append(embeddings, ordered...)
				return nil
			})
		})

		if err != nil {
			return nil, err
		}
	}

	logger.Debug("Embeddings generated", zap.Int("count", len(embeddings)))

	return embeddings, nil
}
