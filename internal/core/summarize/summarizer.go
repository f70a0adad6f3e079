package summarize

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jinford/contract-rag/internal/core/contract"
	"github.com/jinford/contract-rag/internal/core/ingestion"
	"github.com/jinford/contract-rag/internal/core/tokens"
)

const (
	// DefaultContextCeiling は1回のモデル呼び出しが受け付ける最大トークン数
	DefaultContextCeiling = 128_000

	// DefaultReservedMargin は指示文と出力用に確保するマージン
	DefaultReservedMargin = 8_000

	// DefaultDigestTarget は最終要約の目標トークン数
	DefaultDigestTarget = 10_000

	// DefaultLeafNodeLimit はレベル0ノードのトークン上限
	// 超過するチャンクは末尾側を削った抽出的縮約をレベル0要約とする
	DefaultLeafNodeLimit = 20_000

	// DefaultMaxOutputTokens は縮約1回の出力トークン上限
	DefaultMaxOutputTokens = 4_096

	// mergeTemperature は縮約呼び出しの温度（決定的な出力が望ましいため0）
	mergeTemperature = 0.0
)

// CompletionClient は補完サービスとの通信インターフェース
type CompletionClient interface {
	Complete(ctx context.Context, prompt string, temperature float64, maxOutputTokens int) (string, error)
}

// TokenCounter はトークン数の計測と予算内への切り詰めのインターフェース
type TokenCounter interface {
	Count(text string) int
	TruncateToFit(text string, limit int, end tokens.TrimEnd) (string, error)
}

// Config は再帰要約の設定
type Config struct {
	ContextCeiling  int
	ReservedMargin  int
	DigestTarget    int
	LeafNodeLimit   int
	MaxOutputTokens int
	MaxConcurrency  int
}

// DefaultConfig はデフォルトの要約設定を返す
func DefaultConfig() Config {
	return Config{
		ContextCeiling:  DefaultContextCeiling,
		ReservedMargin:  DefaultReservedMargin,
		DigestTarget:    DefaultDigestTarget,
		LeafNodeLimit:   DefaultLeafNodeLimit,
		MaxOutputTokens: DefaultMaxOutputTokens,
		MaxConcurrency:  ingestion.DefaultMaxConcurrency,
	}
}

// Summarizer は長大なドキュメントをコンテキストに収まる要約に圧縮する
// 再帰呼び出しではなく明示的なレベル単位の反復で縮約する
type Summarizer struct {
	llm       CompletionClient
	budget    TokenCounter
	processor *ingestion.Processor
	config    Config
	logger    *slog.Logger
}

// SummarizerOption は Summarizer のオプション設定
type SummarizerOption func(*Summarizer)

// WithSummarizerLogger は Summarizer にロガーを設定する
func WithSummarizerLogger(logger *slog.Logger) SummarizerOption {
	return func(s *Summarizer) {
		s.logger = logger
	}
}

// WithSummarizerConfig は要約設定を上書きする
func WithSummarizerConfig(config Config) SummarizerOption {
	return func(s *Summarizer) {
		if config.ContextCeiling > 0 {
			s.config.ContextCeiling = config.ContextCeiling
		}
		if config.ReservedMargin > 0 {
			s.config.ReservedMargin = config.ReservedMargin
		}
		if config.DigestTarget > 0 {
			s.config.DigestTarget = config.DigestTarget
		}
		if config.LeafNodeLimit > 0 {
			s.config.LeafNodeLimit = config.LeafNodeLimit
		}
		if config.MaxOutputTokens > 0 {
			s.config.MaxOutputTokens = config.MaxOutputTokens
		}
		if config.MaxConcurrency > 0 {
			s.config.MaxConcurrency = config.MaxConcurrency
		}
	}
}

// NewSummarizer は新しいSummarizerを作成する
func NewSummarizer(llm CompletionClient, budget TokenCounter, opts ...SummarizerOption) *Summarizer {
	s := &Summarizer{
		llm:    llm,
		budget: budget,
		config: DefaultConfig(),
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	// バッチの縮約失敗はバッチ単位でリトライするため、プロセッサ側の閾値中止は無効にする
	s.processor = ingestion.NewProcessor(ingestion.ProcessorConfig{
		MaxConcurrency: s.config.MaxConcurrency,
		AbortThreshold: 1.0,
	})

	return s
}

// NeedsSummarization はチャンク合計がダイジェスト予算を超えるかを判定する
func (s *Summarizer) NeedsSummarization(chunks []contract.Chunk) bool {
	total := 0
	for _, chunk := range chunks {
		total += chunk.TokenCount
	}
	return total > s.config.DigestTarget
}

// Summarize はチャンク列をレベル単位の縮約で最終ダイジェストまで圧縮する
// バッチ縮約に失敗した場合は半分に割って1回だけリトライし、それでも失敗した
// バッチは欠落として記録する（ドキュメント全体は破棄しない）
// 欠落があった場合、ダイジェストとあわせてSummarizationErrorを返す
func (s *Summarizer) Summarize(ctx context.Context, documentID string, chunks []contract.Chunk) (*contract.Digest, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("no chunks to summarize")
	}

	nodes := s.buildLeafNodes(chunks)
	levels := 0
	var missingChunkIDs []string

	for len(nodes) > 1 && s.totalTokens(nodes) > s.config.DigestTarget {
		batches := s.batchNodes(nodes)

		s.logger.Info("reducing summary level",
			"documentID", documentID,
			"level", levels,
			"nodes", len(nodes),
			"batches", len(batches),
		)

		reduced, missing, err := s.reduceLevel(ctx, levels, batches)
		if err != nil {
			return nil, err
		}
		missingChunkIDs = append(missingChunkIDs, missing...)

		if len(reduced) == 0 {
			return nil, &SummarizationError{
				DocumentID:     documentID,
				SourceChunkIDs: unionSourceIDs(nodes),
			}
		}

		// 縮約が進まない場合は打ち切る（全バッチが単独ノードの異常ケース）
		if len(reduced) >= len(nodes) {
			s.logger.Warn("summary reduction made no progress",
				"documentID", documentID,
				"level", levels,
			)
			nodes = reduced
			levels++
			break
		}

		nodes = reduced
		levels++
	}

	digest := s.buildDigest(documentID, nodes, levels, missingChunkIDs)

	if len(missingChunkIDs) > 0 {
		return digest, &SummarizationError{
			DocumentID:     documentID,
			SourceChunkIDs: missingChunkIDs,
		}
	}

	return digest, nil
}

// buildLeafNodes はチャンクごとにレベル0ノードを作る
// レベル0の「要約」はチャンクテキストそのもの。上限超過時のみ末尾を削る
func (s *Summarizer) buildLeafNodes(chunks []contract.Chunk) []SummaryNode {
	nodes := make([]SummaryNode, 0, len(chunks))
	for _, chunk := range chunks {
		text := chunk.Text
		count := chunk.TokenCount
		if count == 0 {
			count = s.budget.Count(text)
		}

		if count > s.config.LeafNodeLimit {
			truncated, err := s.budget.TruncateToFit(text, s.config.LeafNodeLimit, tokens.TrimTail)
			if err == nil {
				text = truncated
				count = s.budget.Count(text)
			}
		}

		nodes = append(nodes, SummaryNode{
			Level:          0,
			SourceChunkIDs: []string{chunk.ID},
			Text:           text,
			TokenCount:     count,
		})
	}
	return nodes
}

// batchNodes は連続するノードをドキュメント順のまま、バッチ予算以内のグループにまとめる
// 条項の並び順に意味があるため、類似度や長さでの並べ替えは決して行わない
func (s *Summarizer) batchNodes(nodes []SummaryNode) [][]SummaryNode {
	batchBudget := s.config.ContextCeiling - s.config.ReservedMargin

	var batches [][]SummaryNode
	var current []SummaryNode
	currentTokens := 0

	for _, node := range nodes {
		if len(current) > 0 && currentTokens+node.TokenCount > batchBudget {
			batches = append(batches, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, node)
		currentTokens += node.TokenCount
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// indexedBatch はバッチとそのレベル内での位置
type indexedBatch struct {
	index int
	nodes []SummaryNode
}

// reducedBatch は縮約結果とその元バッチの位置
type reducedBatch struct {
	index int
	nodes []SummaryNode
}

// reduceLevel は1レベル分のバッチを並列に縮約する
// 結果の順序はバッチの入力順（＝ドキュメント順）を維持する
func (s *Summarizer) reduceLevel(ctx context.Context, level int, batches [][]SummaryNode) ([]SummaryNode, []string, error) {
	indexed := make([]indexedBatch, len(batches))
	for i, batch := range batches {
		indexed[i] = indexedBatch{index: i, nodes: batch}
	}

	results, failures, err := ingestion.ProcessAll(ctx, s.processor, indexed,
		func(ctx context.Context, batch indexedBatch) (reducedBatch, error) {
			node, err := s.reduceBatch(ctx, level, batch.nodes)
			if err != nil {
				return reducedBatch{}, err
			}
			return reducedBatch{index: batch.index, nodes: []SummaryNode{node}}, nil
		},
	)
	if err != nil {
		return nil, nil, fmt.Errorf("summary level %d reduction failed: %w", level, err)
	}

	// 失敗したバッチは半分に割って1回だけリトライする
	var missing []string
	for _, failure := range failures {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}

		s.logger.Warn("batch reduction failed, retrying with split batch",
			"level", level,
			"batchNodes", len(failure.Item.nodes),
			"error", failure.Err,
		)

		recovered, lost := s.retrySplitBatch(ctx, level, failure.Item.nodes)
		if len(lost) > 0 {
			missing = append(missing, lost...)
		}
		if len(recovered) > 0 {
			results = append(results, reducedBatch{index: failure.Item.index, nodes: recovered})
		}
	}

	// 元のバッチ順にマージする
	sort.Slice(results, func(i, j int) bool { return results[i].index < results[j].index })
	merged := make([]SummaryNode, 0, len(batches))
	for _, r := range results {
		merged = append(merged, r.nodes...)
	}

	return merged, missing, nil
}

// retrySplitBatch はバッチを半分に割って各半分を1回ずつ縮約する
// 再失敗した半分のチャンクIDを欠落として返す
func (s *Summarizer) retrySplitBatch(ctx context.Context, level int, batch []SummaryNode) ([]SummaryNode, []string) {
	if len(batch) == 1 {
		// 分割できない単独ノードの失敗は即座に欠落扱い
		return nil, batch[0].SourceChunkIDs
	}

	mid := len(batch) / 2
	halves := [][]SummaryNode{batch[:mid], batch[mid:]}

	var recovered []SummaryNode
	var lost []string
	for _, half := range halves {
		node, err := s.reduceBatch(ctx, level, half)
		if err != nil {
			lost = append(lost, unionSourceIDs(half)...)
			continue
		}
		recovered = append(recovered, node)
	}
	return recovered, lost
}

// reduceBatch はバッチをモデル1回の呼び出しで1ノードに縮約する
func (s *Summarizer) reduceBatch(ctx context.Context, level int, batch []SummaryNode) (SummaryNode, error) {
	prompt := buildMergePrompt(batch)

	text, err := s.llm.Complete(ctx, prompt, mergeTemperature, s.config.MaxOutputTokens)
	if err != nil {
		return SummaryNode{}, fmt.Errorf("failed to reduce batch at level %d: %w", level, err)
	}

	return SummaryNode{
		Level:          level + 1,
		SourceChunkIDs: unionSourceIDs(batch),
		Text:           text,
		TokenCount:     s.budget.Count(text),
	}, nil
}

// buildDigest は残ったノード列から最終ダイジェストを構築する
func (s *Summarizer) buildDigest(documentID string, nodes []SummaryNode, levels int, missingChunkIDs []string) *contract.Digest {
	text := ""
	for i, node := range nodes {
		if i > 0 {
			text += "\n\n"
		}
		text += node.Text
	}

	return &contract.Digest{
		DocumentID:      documentID,
		Text:            text,
		TokenCount:      s.budget.Count(text),
		Levels:          levels,
		HasGaps:         len(missingChunkIDs) > 0,
		MissingChunkIDs: missingChunkIDs,
	}
}

func (s *Summarizer) totalTokens(nodes []SummaryNode) int {
	total := 0
	for _, node := range nodes {
		total += node.TokenCount
	}
	return total
}
