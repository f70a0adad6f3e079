package contract

import "fmt"

// DocumentCategory は契約書のカテゴリ
type DocumentCategory string

const (
	// CategoryIMA は投資運用契約（Investment Management Agreement）
	CategoryIMA DocumentCategory = "IMA"
	// CategoryNDA は秘密保持契約
	CategoryNDA DocumentCategory = "NDA"
	// CategoryGeneral はその他の契約書
	CategoryGeneral DocumentCategory = "general"
)

// Metadata はドキュメントに付随するメタデータ
type Metadata struct {
	Title      string
	Link       string
	Account    string
	ClientName string
	Category   DocumentCategory
}

// Document は取り込み済みの契約書ドキュメント
// 取り込み後は不変であり、再アップロード時は全体が置き換えられる（部分更新はしない）
type Document struct {
	ID       string
	Metadata Metadata
	Pages    []Page
	// PageCount はページ本文を読み込まない一覧取得でも参照できるページ数
	PageCount int
}

// Page は抽出されたドキュメントの1ページ
// LayoutHints は抽出サービスが返すレイアウト情報で、そのまま透過的に保持する
type Page struct {
	Number      int
	Text        string
	LayoutHints map[string]any
}

// Chunk はインデックス・検索の最小単位となるトークン制限付きテキスト断片
// 作成後は不変。再チャンク時は新しいChunkが作られ、古いものは破棄される
type Chunk struct {
	ID            string
	DocumentID    string
	PageNumber    int
	Ordinal       int
	SectionLabel  string
	Title         string
	Text          string
	TokenCount    int
	ContentVector []float32
	TitleVector   []float32
}

// ChunkID はチャンクIDを生成する
// 1ページ1チャンクの場合は "<docID>-p<page>"、ページ分割時は "-<ordinal>" を付与する
func ChunkID(documentID string, pageNumber, ordinal int) string {
	if ordinal == 0 {
		return fmt.Sprintf("%s-p%d", documentID, pageNumber)
	}
	return fmt.Sprintf("%s-p%d-%d", documentID, pageNumber, ordinal)
}

// ScoredChunk は検索スコア付きのチャンク
type ScoredChunk struct {
	Chunk Chunk
	Score float64
}

// Digest は再帰要約で生成された、コンテキストに収まるドキュメントの最終要約
type Digest struct {
	DocumentID string
	Text       string
	TokenCount int
	Levels     int
	// HasGaps は一部のバッチ要約が失敗し、要約に欠落があることを示す
	HasGaps bool
	// MissingChunkIDs は要約に含められなかったチャンクのIDリスト
	MissingChunkIDs []string
}
