package memory

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/jinford/contract-rag/internal/core/contract"
	"github.com/jinford/contract-rag/internal/core/ingestion"
	"github.com/jinford/contract-rag/internal/core/query"
)

// Index はブルートフォースのコサイン類似度で検索するインメモリのチャンクインデックスです
// ローカル検証やテストでの利用を想定しており、永続化はしません
type Index struct {
	mu     sync.RWMutex
	chunks map[string][]contract.Chunk
}

// NewIndex は新しい Index を作成します
func NewIndex() *Index {
	return &Index{
		chunks: make(map[string][]contract.Chunk),
	}
}

// コンパイル時の型チェック
var (
	_ ingestion.ChunkIndex = (*Index)(nil)
	_ query.VectorSearcher = (*Index)(nil)
)

// UpsertChunks はチャンクを登録します（同一IDは上書き）
func (s *Index) UpsertChunks(_ context.Context, chunks []contract.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, chunk := range chunks {
		existing := s.chunks[chunk.DocumentID]
		replaced := false
		for i, c := range existing {
			if c.ID == chunk.ID {
				existing[i] = chunk
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, chunk)
		}
		s.chunks[chunk.DocumentID] = existing
	}

	return nil
}

// ListChunksByDocument はドキュメントのチャンクをページ・序数順で返します
func (s *Index) ListChunksByDocument(_ context.Context, documentID string) ([]contract.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chunks := make([]contract.Chunk, len(s.chunks[documentID]))
	copy(chunks, s.chunks[documentID])

	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].PageNumber != chunks[j].PageNumber {
			return chunks[i].PageNumber < chunks[j].PageNumber
		}
		return chunks[i].Ordinal < chunks[j].Ordinal
	})

	return chunks, nil
}

// DeleteChunksByDocument はドキュメントの全チャンクを削除します
func (s *Index) DeleteChunksByDocument(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.chunks, documentID)
	return nil
}

// SearchByVector はコサイン類似度の降順で関連チャンクを返します
func (s *Index) SearchByVector(_ context.Context, documentID string, vector []float32, topK int) ([]contract.ScoredChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []contract.ScoredChunk
	for _, chunk := range s.chunks[documentID] {
		if len(chunk.ContentVector) == 0 {
			continue
		}
		results = append(results, contract.ScoredChunk{
			Chunk: chunk,
			Score: cosineSimilarity(chunk.ContentVector, vector),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}

	return results, nil
}

// cosineSimilarity は2つのベクトルのコサイン類似度を計算する
func cosineSimilarity(a, b []float32) float64 {
	n := min(len(a), len(b))

	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
