package postgres

import (
	"context"
	"fmt"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/jinford/contract-rag/internal/core/contract"
	"github.com/jinford/contract-rag/internal/core/ingestion"
)

const (
	// listChunksBatchSize はチャンク一覧取得の1バッチ件数
	listChunksBatchSize = 100

	// maxListChunks は一覧取得の総件数上限
	maxListChunks = 10_000
)

// ChunkRepository はチャンクとそのベクトルを保持する PostgreSQL インデックスです
// pgvector のコサイン距離を使ってドキュメント内の関連チャンクを検索します
type ChunkRepository struct {
	db DBTX
}

// NewChunkRepository は新しい ChunkRepository を作成します
func NewChunkRepository(db DBTX) *ChunkRepository {
	return &ChunkRepository{db: db}
}

// コンパイル時の型チェック
var _ ingestion.ChunkIndex = (*ChunkRepository)(nil)

// UpsertChunks はチャンクを一括登録します（同一IDは上書き）
func (r *ChunkRepository) UpsertChunks(ctx context.Context, chunks []contract.Chunk) error {
	for _, chunk := range chunks {
		_, err := r.db.Exec(ctx, `
			INSERT INTO chunks (
				id, document_id, page_number, ordinal, section_label,
				title, content, token_count, content_vector, title_vector
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE SET
				section_label = EXCLUDED.section_label,
				title = EXCLUDED.title,
				content = EXCLUDED.content,
				token_count = EXCLUDED.token_count,
				content_vector = EXCLUDED.content_vector,
				title_vector = EXCLUDED.title_vector
		`,
			chunk.ID,
			chunk.DocumentID,
			chunk.PageNumber,
			chunk.Ordinal,
			StringToNullableText(chunk.SectionLabel),
			StringToNullableText(chunk.Title),
			chunk.Text,
			chunk.TokenCount,
			VectorToPgvector(chunk.ContentVector),
			VectorToPgvector(chunk.TitleVector),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert chunk %s: %w", chunk.ID, err)
		}
	}
	return nil
}

// ListChunksByDocument はドキュメントのチャンクをページ・序数順で取得します
// 1バッチ100件のページネーションで取得し、総件数上限で打ち切ります
func (r *ChunkRepository) ListChunksByDocument(ctx context.Context, documentID string) ([]contract.Chunk, error) {
	var chunks []contract.Chunk

	for offset := 0; offset < maxListChunks; offset += listChunksBatchSize {
		batch, err := r.listChunksBatch(ctx, documentID, listChunksBatchSize, offset)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, batch...)

		if len(batch) < listChunksBatchSize {
			break
		}
	}

	return chunks, nil
}

func (r *ChunkRepository) listChunksBatch(ctx context.Context, documentID string, limit, offset int) ([]contract.Chunk, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, document_id, page_number, ordinal, section_label, title, content, token_count
		FROM chunks
		WHERE document_id = $1
		ORDER BY page_number, ordinal
		LIMIT $2 OFFSET $3
	`, documentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []contract.Chunk
	for rows.Next() {
		var chunk contract.Chunk
		var sectionLabel, title *string
		if err := rows.Scan(
			&chunk.ID,
			&chunk.DocumentID,
			&chunk.PageNumber,
			&chunk.Ordinal,
			&sectionLabel,
			&title,
			&chunk.Text,
			&chunk.TokenCount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan chunk row: %w", err)
		}
		chunk.SectionLabel = deref(sectionLabel)
		chunk.Title = deref(title)
		chunks = append(chunks, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chunk rows: %w", err)
	}

	return chunks, nil
}

// DeleteChunksByDocument はドキュメントの全チャンクを削除します
func (r *ChunkRepository) DeleteChunksByDocument(ctx context.Context, documentID string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// SearchByVector はクエリベクトルに近いチャンクをコサイン距離の昇順で取得します
// スコアは 1 - コサイン距離（大きいほど関連が高い）
func (r *ChunkRepository) SearchByVector(ctx context.Context, documentID string, vector []float32, topK int) ([]contract.ScoredChunk, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, document_id, page_number, ordinal, section_label, title, content, token_count,
			1 - (content_vector <=> $2) AS score
		FROM chunks
		WHERE document_id = $1 AND content_vector IS NOT NULL
		ORDER BY content_vector <=> $2
		LIMIT $3
	`, documentID, pgvector.NewVector(vector), topK)
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}
	defer rows.Close()

	var results []contract.ScoredChunk
	for rows.Next() {
		var scored contract.ScoredChunk
		var sectionLabel, title *string
		if err := rows.Scan(
			&scored.Chunk.ID,
			&scored.Chunk.DocumentID,
			&scored.Chunk.PageNumber,
			&scored.Chunk.Ordinal,
			&sectionLabel,
			&title,
			&scored.Chunk.Text,
			&scored.Chunk.TokenCount,
			&scored.Score,
		); err != nil {
			return nil, fmt.Errorf("failed to scan scored chunk row: %w", err)
		}
		scored.Chunk.SectionLabel = deref(sectionLabel)
		scored.Chunk.Title = deref(title)
		results = append(results, scored)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate scored chunk rows: %w", err)
	}

	return results, nil
}
