package ingestion

import (
	"context"

	"github.com/samber/mo"

	"github.com/jinford/contract-rag/internal/core/contract"
)

// DocumentRepository はドキュメントのメタデータとページの永続化インターフェース
// テスト時のモック用に消費者側で定義
type DocumentRepository interface {
	GetDocumentByID(ctx context.Context, id string) (mo.Option[*contract.Document], error)
	ListDocuments(ctx context.Context) ([]*contract.Document, error)
	SaveDocument(ctx context.Context, doc *contract.Document) error
	DeleteDocument(ctx context.Context, id string) error
}

// ChunkIndex はチャンクとそのベクトルを保持する検索インデックスのインターフェース
// 再インデックスは削除＋一括登録の全置換で行い、部分更新はしない
type ChunkIndex interface {
	UpsertChunks(ctx context.Context, chunks []contract.Chunk) error
	ListChunksByDocument(ctx context.Context, documentID string) ([]contract.Chunk, error)
	DeleteChunksByDocument(ctx context.Context, documentID string) error
}

// DigestRepository は要約ダイジェストの永続化インターフェース
type DigestRepository interface {
	GetDigestByDocument(ctx context.Context, documentID string) (mo.Option[*contract.Digest], error)
	SaveDigest(ctx context.Context, digest *contract.Digest) error
	DeleteDigestByDocument(ctx context.Context, documentID string) error
}

// Stores は1トランザクション内で使うリポジトリ一式
type Stores struct {
	Documents DocumentRepository
	Index     ChunkIndex
	Digests   DigestRepository
}

// Transactor は複数のリポジトリ操作をひとつのトランザクションにまとめる
// 全置換の削除と登録が途中で途切れないよう、取り込み時の置換一式に使う
type Transactor interface {
	WithinTx(ctx context.Context, fn func(Stores) error) error
}
