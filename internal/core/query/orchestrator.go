package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jinford/contract-rag/internal/core/contract"
	"github.com/jinford/contract-rag/internal/core/tokens"
)

const (
	// DefaultTopK は取得する関連チャンク数のデフォルト値
	DefaultTopK = 30

	// DefaultContextCeiling はモデル1呼び出しのコンテキスト上限トークン数
	DefaultContextCeiling = 128_000

	// DefaultMaxOutputTokens は回答出力用に確保するトークン数
	DefaultMaxOutputTokens = 4_096

	// answerTemperature は回答生成の温度
	// 同一入力に対して出力が再現しやすいよう低めに固定する
	answerTemperature = 0.3
)

// Retriever はドキュメントのチャンクに対する関連検索のインターフェース
type Retriever interface {
	Query(ctx context.Context, documentID string, query string, topK int) ([]contract.ScoredChunk, error)
}

// CompletionClient は補完サービスとの通信インターフェース
type CompletionClient interface {
	Complete(ctx context.Context, prompt string, temperature float64, maxOutputTokens int) (string, error)
}

// OrchestratorConfig はクエリ処理の設定
type OrchestratorConfig struct {
	TopK            int
	ContextCeiling  int
	MaxOutputTokens int
}

// Orchestrator はクエリ1件の検索・プロンプト組み立て・生成・パースを統括する
type Orchestrator struct {
	retriever Retriever
	llm       CompletionClient
	counter   tokens.Counter
	config    OrchestratorConfig
	logger    *slog.Logger
}

// OrchestratorOption は Orchestrator のオプション設定
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorLogger は Orchestrator にロガーを設定する
func WithOrchestratorLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithOrchestratorConfig はクエリ処理の設定を上書きする
func WithOrchestratorConfig(config OrchestratorConfig) OrchestratorOption {
	return func(o *Orchestrator) {
		if config.TopK > 0 {
			o.config.TopK = config.TopK
		}
		if config.ContextCeiling > 0 {
			o.config.ContextCeiling = config.ContextCeiling
		}
		if config.MaxOutputTokens > 0 {
			o.config.MaxOutputTokens = config.MaxOutputTokens
		}
	}
}

// NewOrchestrator は新しいOrchestratorを作成する
func NewOrchestrator(retriever Retriever, llm CompletionClient, counter tokens.Counter, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		retriever: retriever,
		llm:       llm,
		counter:   counter,
		config: OrchestratorConfig{
			TopK:            DefaultTopK,
			ContextCeiling:  DefaultContextCeiling,
			MaxOutputTokens: DefaultMaxOutputTokens,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	return o
}

// Answer はクエリに対する引用付きの構造化回答を生成する
// 処理は取得→組み立て→生成→パースの順に進み、パース失敗時のみ
// 厳格な形式指示で1回リトライする。2回目も失敗した場合は
// ResponseParsingError（生テキスト付き）を返す
func (o *Orchestrator) Answer(ctx context.Context, documentID string, queryText string, history []ConversationTurn) (*QueryResult, error) {
	// 取得
	retrieved, err := o.retriever.Query(ctx, documentID, queryText, o.config.TopK)
	if err != nil {
		return nil, &StageError{Stage: StageRetrieving, Err: fmt.Errorf("failed to retrieve chunks: %w", err)}
	}

	// 組み立て
	packed, trimmedHistory, historyDropped, err := o.assemble(queryText, retrieved, history)
	if err != nil {
		return nil, &StageError{Stage: StageAssembling, Err: err}
	}

	o.logger.Info("クエリプロンプトを組み立てました",
		"documentID", documentID,
		"retrievedChunks", len(retrieved),
		"packedChunks", len(packed),
		"historyTurns", len(trimmedHistory),
	)

	// 生成→パース（パース失敗時のみ1回リトライ）
	findings, noMatches, raw, err := o.generateAndParse(ctx, promptInput{
		query:   queryText,
		chunks:  packed,
		history: trimmedHistory,
	})
	if err != nil {
		return nil, err
	}

	sortFindings(findings, packed)

	return &QueryResult{
		Query:          queryText,
		Findings:       findings,
		NoMatches:      noMatches,
		HistoryTrimmed: historyDropped,
		RawResponse:    raw,
	}, nil
}

// assemble は予約トークンを見積もったうえで履歴をトリミングし、
// 取得チャンクを関連度の高い順に上限まで詰め込む
// 上限超過時はチャンクリストを打ち切る（チャンク本文の途中では切らない）
// 履歴もチャンクも、プロンプトに実際に載る整形後のテキストでトークン数を数える
func (o *Orchestrator) assemble(queryText string, retrieved []contract.ScoredChunk, history []ConversationTurn) ([]contract.ScoredChunk, []ConversationTurn, bool, error) {
	// 指示文・質問・出力分を予約する（リトライ時の厳格指示の方が長いため、そちらで見積もる）
	scaffold := buildAnswerPrompt(promptInput{query: queryText, strict: true})
	reserved := o.counter.Count(scaffold) + o.config.MaxOutputTokens
	if len(history) > 0 {
		reserved += o.counter.Count(historyHeader)
	}

	if reserved >= o.config.ContextCeiling {
		return nil, nil, false, &tokens.BudgetExceededError{
			Unit:       "prompt instructions",
			TokenCount: reserved,
			Limit:      o.config.ContextCeiling,
		}
	}

	// 履歴はラベル行を含む整形後のターンで数える
	rendered := make([]ConversationTurn, len(history))
	for i, turn := range history {
		turn.TokenCount = o.counter.Count(formatHistoryTurn(turn))
		rendered[i] = turn
	}

	conversation := NewConversationContext(o.counter, o.config.ContextCeiling)
	trimmedHistory, historyDropped := conversation.Assemble(rendered, reserved)

	historyTokens := 0
	for _, turn := range trimmedHistory {
		historyTokens += turn.TokenCount
	}

	chunkBudget := o.config.ContextCeiling - reserved - historyTokens

	var packed []contract.ScoredChunk
	used := 0
	for _, scored := range retrieved {
		block := formatChunkContext(scored.Chunk)
		if len(packed) > 0 {
			block = chunkSeparator + block
		}
		count := o.counter.Count(block)
		if used+count > chunkBudget {
			break
		}
		packed = append(packed, scored)
		used += count
	}

	return packed, trimmedHistory, historyDropped, nil
}

// generateAndParse は補完サービスを呼び出して応答をパースする
// パース失敗時は厳格な形式指示を付けて1回だけ再生成する
func (o *Orchestrator) generateAndParse(ctx context.Context, in promptInput) ([]Finding, bool, string, error) {
	prompt := buildAnswerPrompt(in)

	raw, err := o.llm.Complete(ctx, prompt, answerTemperature, o.config.MaxOutputTokens)
	if err != nil {
		return nil, false, "", &StageError{Stage: StageGenerating, Err: fmt.Errorf("failed to generate answer: %w", err)}
	}

	findings, noMatches, parseErr := parseFindings(raw)
	if parseErr == nil {
		return findings, noMatches, raw, nil
	}

	o.logger.Warn("応答のパースに失敗したため、厳格な形式指示でリトライします", "error", parseErr)

	in.strict = true
	retryPrompt := buildAnswerPrompt(in)

	raw, err = o.llm.Complete(ctx, retryPrompt, answerTemperature, o.config.MaxOutputTokens)
	if err != nil {
		return nil, false, "", &StageError{Stage: StageGenerating, Err: fmt.Errorf("failed to generate answer on retry: %w", err)}
	}

	findings, noMatches, parseErr = parseFindings(raw)
	if parseErr != nil {
		var respErr *ResponseParsingError
		if !errors.As(parseErr, &respErr) {
			respErr = &ResponseParsingError{RawResponse: raw}
		}
		return nil, false, "", &StageError{Stage: StageParsing, Err: respErr}
	}

	return findings, noMatches, raw, nil
}

// sortFindings はFindingを関連度ランク順、同ランクならページ番号昇順に並べる
// ランクは詰め込んだチャンクの並び（関連度降順）における最初の出現位置とする
func sortFindings(findings []Finding, packed []contract.ScoredChunk) {
	rankByPage := make(map[int]int, len(packed))
	for i, scored := range packed {
		if _, ok := rankByPage[scored.Chunk.PageNumber]; !ok {
			rankByPage[scored.Chunk.PageNumber] = i
		}
	}

	rank := func(f Finding) int {
		if r, ok := rankByPage[f.PageNumber]; ok {
			return r
		}
		return len(packed)
	}

	sort.SliceStable(findings, func(i, j int) bool {
		ri, rj := rank(findings[i]), rank(findings[j])
		if ri != rj {
			return ri < rj
		}
		return findings[i].PageNumber < findings[j].PageNumber
	})
}
