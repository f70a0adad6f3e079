package tokens

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// Counter はテキストのトークン数をカウントするインターフェース
// 予算計算を行うコンポーネントはこのインターフェース経由でカウントする
type Counter interface {
	Count(text string) int
}

// TrimEnd はTruncateToFitで切り詰める側を指定する
type TrimEnd int

const (
	// TrimHead は先頭側から削る（会話履歴の古い方を落とす場合）
	TrimHead TrimEnd = iota
	// TrimTail は末尾側から削る（関連度の低いチャンクを落とす場合）
	TrimTail
)

// BudgetExceededError は単一の分割不能な単位（1チャンク、1ターン等）が
// 単独でも上限に収まらない場合のエラー
type BudgetExceededError struct {
	Unit       string
	TokenCount int
	Limit      int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("token budget exceeded: %s requires %d tokens but limit is %d", e.Unit, e.TokenCount, e.Limit)
}

// Budget はtiktokenによる正確なトークンカウントとサイズ上限の判定を提供する
// 下流の言語モデルと同じカウント方式を使うため、予算計算は推定ではなく厳密になる
type Budget struct {
	encoding *tiktoken.Tiktoken
}

// NewBudget は新しいBudgetを作成する
// GPT-4o系モデルおよびtext-embedding-3系と互換のcl100k_baseエンコーディングを使用する
func NewBudget() (*Budget, error) {
	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoding: %w", err)
	}

	return &Budget{encoding: encoding}, nil
}

// Count はテキストのトークン数を返す
// 同じ入力に対しては常に同じ値を返す（決定的）
func (b *Budget) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(b.encoding.Encode(text, nil, nil))
}

// Fits はテキストがlimitトークン以内に収まるかを判定する
func (b *Budget) Fits(text string, limit int) bool {
	return b.Count(text) <= limit
}

// TruncateToFit は指定した側から文単位（必要なら単語単位）で内容を削り、
// limitトークン以内に収まるテキストを返す。文や単語の途中では切らない
// 単語1つでもlimitに収まらない場合はBudgetExceededErrorを返す
func (b *Budget) TruncateToFit(text string, limit int, end TrimEnd) (string, error) {
	if b.Fits(text, limit) {
		return text, nil
	}

	// まず文単位で削る
	units := SplitSentences(text)
	if truncated, ok := b.dropUnits(units, " ", limit, end); ok {
		return truncated, nil
	}

	// 文単位では収まらない場合、単語単位で削る
	words := strings.Fields(text)
	if truncated, ok := b.dropUnits(words, " ", limit, end); ok {
		return truncated, nil
	}

	return "", &BudgetExceededError{
		Unit:       "single word",
		TokenCount: b.Count(text),
		Limit:      limit,
	}
}

// dropUnits は指定した側から単位を1つずつ落とし、limitに収まった時点の結合結果を返す
func (b *Budget) dropUnits(units []string, sep string, limit int, end TrimEnd) (string, bool) {
	for len(units) > 0 {
		joined := strings.Join(units, sep)
		if b.Fits(joined, limit) {
			return joined, true
		}
		if end == TrimHead {
			units = units[1:]
		} else {
			units = units[:len(units)-1]
		}
	}
	return "", false
}

// sentencePattern は文末記号（.!?および改行）までを1文として抽出する
var sentencePattern = regexp.MustCompile(`[^.!?\n]+[.!?\n]?`)

// SplitSentences はテキストを文単位に分割する
// 文末記号が検出できない場合は全体を1文として扱う
func SplitSentences(text string) []string {
	matches := sentencePattern.FindAllString(text, -1)

	sentences := make([]string, 0, len(matches))
	for _, m := range matches {
		trimmed := strings.TrimSpace(m)
		if trimmed != "" {
			sentences = append(sentences, trimmed)
		}
	}

	if len(sentences) == 0 {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil
		}
		return []string{trimmed}
	}

	return sentences
}

// インターフェース実装の確認
var _ Counter = (*Budget)(nil)
