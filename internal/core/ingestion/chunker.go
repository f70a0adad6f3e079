package ingestion

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jinford/contract-rag/internal/core/contract"
	"github.com/jinford/contract-rag/internal/core/tokens"
)

const (
	// DefaultMaxChunkTokens は1チャンクあたりのトークン上限のデフォルト値
	DefaultMaxChunkTokens = 100_000
)

// ChunkingError は抽出可能なテキストが存在しないページのエラー
// ドキュメント全体の失敗にはせず、該当ページをスキップして報告する
type ChunkingError struct {
	DocumentID string
	PageNumber int
}

func (e *ChunkingError) Error() string {
	return fmt.Sprintf("page %d of document %s has no extractable text", e.PageNumber, e.DocumentID)
}

// Chunker は抽出済みページをトークン制限付きのチャンクに分割する
// デフォルトポリシーは1ページ1チャンク。上限超過ページは文境界で分割する
type Chunker struct {
	counter        tokens.Counter
	maxChunkTokens int
}

// ChunkerOption は Chunker のオプション設定
type ChunkerOption func(*Chunker)

// WithMaxChunkTokens は1チャンクあたりのトークン上限を上書きする
func WithMaxChunkTokens(limit int) ChunkerOption {
	return func(c *Chunker) {
		if limit > 0 {
			c.maxChunkTokens = limit
		}
	}
}

// NewChunker は新しいChunkerを作成する
func NewChunker(counter tokens.Counter, opts ...ChunkerOption) *Chunker {
	c := &Chunker{
		counter:        counter,
		maxChunkTokens: DefaultMaxChunkTokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Chunk はドキュメントをチャンク列に分割する
// 戻り値のチャンクはドキュメント順。抽出不能ページはChunkingErrorとして返し、処理は継続する
func (c *Chunker) Chunk(doc *contract.Document) ([]contract.Chunk, []*ChunkingError) {
	var chunks []contract.Chunk
	var failures []*ChunkingError

	for _, page := range doc.Pages {
		if strings.TrimSpace(page.Text) == "" {
			failures = append(failures, &ChunkingError{
				DocumentID: doc.ID,
				PageNumber: page.Number,
			})
			continue
		}

		sectionLabel := inferSectionLabel(page.Text)

		if c.counter.Count(page.Text) <= c.maxChunkTokens {
			chunks = append(chunks, c.newChunk(doc, page, 0, page.Text, sectionLabel))
			continue
		}

		// 上限超過ページは文境界（必要なら単語境界）で連続した部分チャンクに分割する
		// 部分チャンクを順に連結すると元のページテキストが復元される
		for i, segment := range c.splitPageText(page.Text) {
			chunks = append(chunks, c.newChunk(doc, page, i+1, segment, sectionLabel))
		}
	}

	return chunks, failures
}

func (c *Chunker) newChunk(doc *contract.Document, page contract.Page, ordinal int, text, sectionLabel string) contract.Chunk {
	return contract.Chunk{
		ID:           contract.ChunkID(doc.ID, page.Number, ordinal),
		DocumentID:   doc.ID,
		PageNumber:   page.Number,
		Ordinal:      ordinal,
		SectionLabel: sectionLabel,
		Title:        fmt.Sprintf("%s - Page %d", doc.Metadata.Title, page.Number),
		Text:         text,
		TokenCount:   c.counter.Count(text),
	}
}

// splitPageText はページテキストを上限以内の連続セグメントに分割する
// セグメントの切れ目は文境界に置き、単一の文が上限を超える場合のみ単語境界に落とす
// 空白を含まない長大な連なりは最終手段としてルーン位置で強制分割する
func (c *Chunker) splitPageText(text string) []string {
	segments := c.splitAtBoundaries(text, sentenceBoundaries(text))

	// 文単位で収まらなかったセグメントは単語境界で再分割する
	var result []string
	for _, seg := range segments {
		if c.counter.Count(seg) <= c.maxChunkTokens {
			result = append(result, seg)
			continue
		}
		for _, sub := range c.splitAtBoundaries(seg, wordBoundaries(seg)) {
			if c.counter.Count(sub) <= c.maxChunkTokens {
				result = append(result, sub)
				continue
			}
			result = append(result, c.hardSplit(sub)...)
		}
	}
	return result
}

// hardSplit は境界候補のないテキストをルーン位置で強制分割する
// 上限以内に収まる最長のルーン接頭辞を順に切り出す
func (c *Chunker) hardSplit(text string) []string {
	runes := []rune(text)
	var segments []string
	for len(runes) > 0 {
		if c.counter.Count(string(runes)) <= c.maxChunkTokens {
			segments = append(segments, string(runes))
			break
		}
		lo, hi := 1, len(runes)-1
		for lo < hi {
			mid := (lo + hi + 1) / 2
			if c.counter.Count(string(runes[:mid])) <= c.maxChunkTokens {
				lo = mid
			} else {
				hi = mid - 1
			}
		}
		segments = append(segments, string(runes[:lo]))
		runes = runes[lo:]
	}
	return segments
}

// splitAtBoundaries は境界位置の候補から、上限を超えない最長のセグメントを順に切り出す
// 切り出しは元テキストの部分文字列で行うため、全セグメントの連結は元テキストと一致する
func (c *Chunker) splitAtBoundaries(text string, boundaries []int) []string {
	if len(boundaries) == 0 || boundaries[len(boundaries)-1] != len(text) {
		boundaries = append(boundaries, len(text))
	}

	var segments []string
	start := 0
	prev := 0
	for _, b := range boundaries {
		if b <= start {
			continue
		}
		if c.counter.Count(text[start:b]) > c.maxChunkTokens && prev > start {
			segments = append(segments, text[start:prev])
			start = prev
		}
		prev = b
	}
	if start < len(text) {
		segments = append(segments, text[start:])
	}
	return segments
}

// sentenceBoundaries は文末記号直後のオフセット一覧を返す
func sentenceBoundaries(text string) []int {
	matches := sentenceEndPattern.FindAllStringIndex(text, -1)
	boundaries := make([]int, 0, len(matches))
	for _, m := range matches {
		boundaries = append(boundaries, m[1])
	}
	return boundaries
}

// wordBoundaries は空白の直後のオフセット一覧を返す
func wordBoundaries(text string) []int {
	matches := wordPattern.FindAllStringIndex(text, -1)
	boundaries := make([]int, 0, len(matches))
	for _, m := range matches {
		boundaries = append(boundaries, m[1])
	}
	return boundaries
}

var (
	sentenceEndPattern = regexp.MustCompile(`[.!?](\s+|$)|\n`)
	wordPattern        = regexp.MustCompile(`\S+\s*`)

	// 見出し行の検出パターン
	// 番号付き見出し（"7.2 Termination" / "3) Fees"）と "ARTICLE IV" / "Section 12" 形式に対応
	numberedHeadingPattern = regexp.MustCompile(`^\d+(\.\d+)*[.)]?\s+\S`)
	namedHeadingPattern    = regexp.MustCompile(`(?i)^(article|section)\s+[0-9IVXLC]+`)
)

// inferSectionLabel はページ先頭付近の見出し風の行からセクションラベルを推測する
// 検出できない場合は空文字を返す（失敗にはしない）
func inferSectionLabel(pageText string) string {
	for _, line := range strings.Split(pageText, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// 長い行は本文とみなす
		if len(line) > 80 {
			continue
		}
		if numberedHeadingPattern.MatchString(line) || namedHeadingPattern.MatchString(line) {
			return line
		}
	}
	return ""
}
