package query

import (
	"context"
	"fmt"

	"github.com/jinford/contract-rag/internal/core/contract"
)

// QueryEmbedder は検索クエリをベクトル化するインターフェース
// テスト時のモック用に消費者側で定義
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorSearcher はベクトルによる近傍検索のインターフェース
type VectorSearcher interface {
	SearchByVector(ctx context.Context, documentID string, vector []float32, topK int) ([]contract.ScoredChunk, error)
}

// VectorRetriever はクエリをベクトル化してベクトル検索する Retriever 実装です
type VectorRetriever struct {
	embedder QueryEmbedder
	searcher VectorSearcher
}

// NewVectorRetriever は新しい VectorRetriever を作成します
func NewVectorRetriever(embedder QueryEmbedder, searcher VectorSearcher) *VectorRetriever {
	return &VectorRetriever{
		embedder: embedder,
		searcher: searcher,
	}
}

// コンパイル時の型チェック
var _ Retriever = (*VectorRetriever)(nil)

// Query はクエリ文字列をベクトル化し、関連チャンクをスコア降順で取得します
func (r *VectorRetriever) Query(ctx context.Context, documentID, query string, topK int) ([]contract.ScoredChunk, error) {
	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	chunks, err := r.searcher.SearchByVector(ctx, documentID, vector, topK)
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}

	return chunks, nil
}
