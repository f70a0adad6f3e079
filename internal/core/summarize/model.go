package summarize

import (
	"fmt"
	"sort"
	"strings"
)

// SummaryNode は再帰要約の1ノード
// レベル0はチャンクと1対1対応し、レベルNのノードは子ノードのsource集合の和集合を持つ
type SummaryNode struct {
	Level          int
	SourceChunkIDs []string
	Text           string
	TokenCount     int
}

// SummarizationError はリトライ後も縮約できなかったバッチのエラー
// 縮約できなかったチャンクのIDを保持する
type SummarizationError struct {
	DocumentID     string
	SourceChunkIDs []string
}

func (e *SummarizationError) Error() string {
	return fmt.Sprintf("failed to reduce summary batch for document %s (chunks: %s)",
		e.DocumentID, strings.Join(e.SourceChunkIDs, ", "))
}

// unionSourceIDs は複数ノードのsource集合の和集合を重複なしで返す
// 兄弟ノード間でsourceが重複しないことが呼び出し側の前提（引用忠実性の不変条件）
func unionSourceIDs(nodes []SummaryNode) []string {
	seen := make(map[string]bool)
	ids := make([]string, 0)
	for _, node := range nodes {
		for _, id := range node.SourceChunkIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
