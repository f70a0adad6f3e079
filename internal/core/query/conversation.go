package query

import "github.com/jinford/contract-rag/internal/core/tokens"

// ConversationContext は会話履歴をトークン予算内に収めるトリミングを担当する
type ConversationContext struct {
	counter tokens.Counter
	ceiling int
}

// NewConversationContext は新しいConversationContextを作成する
// ceilingはモデル1呼び出しのコンテキスト上限トークン数
func NewConversationContext(counter tokens.Counter, ceiling int) *ConversationContext {
	return &ConversationContext{
		counter: counter,
		ceiling: ceiling,
	}
}

// Assemble は履歴の合計トークン数＋reservedTokensが上限に収まるよう、
// 最古のターンからターン単位で削除する。ターンの本文を途中で切ることはない
// 直近のターン単独でも収まらない場合は空の履歴を返し、第2戻り値のフラグを立てる
// （クエリ自体は失敗させない）
func (c *ConversationContext) Assemble(history []ConversationTurn, reservedTokens int) ([]ConversationTurn, bool) {
	budget := c.ceiling - reservedTokens
	if budget <= 0 {
		return nil, len(history) > 0
	}

	counts := make([]int, len(history))
	total := 0
	for i, turn := range history {
		count := turn.TokenCount
		if count == 0 {
			count = c.counter.Count(turn.Text)
		}
		counts[i] = count
		total += count
	}

	start := 0
	for start < len(history) && total > budget {
		total -= counts[start]
		start++
	}

	if start >= len(history) {
		return nil, len(history) > 0
	}

	trimmed := make([]ConversationTurn, 0, len(history)-start)
	for i := start; i < len(history); i++ {
		turn := history[i]
		turn.TokenCount = counts[i]
		trimmed = append(trimmed, turn)
	}
	return trimmed, false
}
