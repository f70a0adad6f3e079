package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/samber/mo"

	"github.com/jinford/contract-rag/internal/core/contract"
	"github.com/jinford/contract-rag/internal/core/ingestion"
)

// DigestRepository はドキュメント要約（ダイジェスト）を保持する PostgreSQL リポジトリです
type DigestRepository struct {
	db DBTX
}

// NewDigestRepository は新しい DigestRepository を作成します
func NewDigestRepository(db DBTX) *DigestRepository {
	return &DigestRepository{db: db}
}

// コンパイル時の型チェック
var _ ingestion.DigestRepository = (*DigestRepository)(nil)

// GetDigestByDocument はドキュメントのダイジェストを取得します
// 存在しない場合は mo.None を返します
func (r *DigestRepository) GetDigestByDocument(ctx context.Context, documentID string) (mo.Option[*contract.Digest], error) {
	var digest contract.Digest
	var missingJSON []byte

	err := r.db.QueryRow(ctx, `
		SELECT document_id, content, token_count, levels, has_gaps, missing_chunk_ids
		FROM digests
		WHERE document_id = $1
	`, documentID).Scan(
		&digest.DocumentID,
		&digest.Text,
		&digest.TokenCount,
		&digest.Levels,
		&digest.HasGaps,
		&missingJSON,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mo.None[*contract.Digest](), nil
		}
		return mo.None[*contract.Digest](), fmt.Errorf("failed to get digest: %w", err)
	}

	missing, err := JSONToStrings(missingJSON)
	if err != nil {
		return mo.None[*contract.Digest](), fmt.Errorf("failed to decode missing chunk ids: %w", err)
	}
	digest.MissingChunkIDs = missing

	return mo.Some(&digest), nil
}

// SaveDigest はダイジェストを保存します（同一ドキュメントのものは上書き）
func (r *DigestRepository) SaveDigest(ctx context.Context, digest *contract.Digest) error {
	missingJSON, err := StringsToJSON(digest.MissingChunkIDs)
	if err != nil {
		return fmt.Errorf("failed to encode missing chunk ids: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO digests (document_id, content, token_count, levels, has_gaps, missing_chunk_ids, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (document_id) DO UPDATE SET
			content = EXCLUDED.content,
			token_count = EXCLUDED.token_count,
			levels = EXCLUDED.levels,
			has_gaps = EXCLUDED.has_gaps,
			missing_chunk_ids = EXCLUDED.missing_chunk_ids,
			updated_at = now()
	`,
		digest.DocumentID,
		digest.Text,
		digest.TokenCount,
		digest.Levels,
		digest.HasGaps,
		missingJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to save digest: %w", err)
	}

	return nil
}

// DeleteDigestByDocument はドキュメントのダイジェストを削除します
func (r *DigestRepository) DeleteDigestByDocument(ctx context.Context, documentID string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM digests WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("failed to delete digest: %w", err)
	}
	return nil
}
