package ingestion

import (
	"context"

	"github.com/jinford/contract-rag/internal/core/contract"
)

// Extractor はドキュメントのバイト列からページ列を取り出す外部サービスのインターフェース
// 一時的なエラーはリトライ可能として扱う
type Extractor interface {
	Extract(ctx context.Context, raw []byte, filename string) ([]contract.Page, error)
}

// Embedder はテキストをベクトルに変換する外部サービスのインターフェース
// テスト時のモック用に消費者側で定義
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Summarizer はコンテキストに収まらないドキュメントのダイジェスト生成インターフェース
type Summarizer interface {
	NeedsSummarization(chunks []contract.Chunk) bool
	Summarize(ctx context.Context, documentID string, chunks []contract.Chunk) (*contract.Digest, error)
}
