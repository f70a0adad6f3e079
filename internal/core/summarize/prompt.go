package summarize

import (
	"fmt"
	"strings"
)

// mergePromptTemplate はバッチ内の抜粋を1つの要約に縮約させるプロンプト
// ページ番号とセクション参照を保持するよう指示し、後段の引用付き回答を可能にする
const mergePromptTemplate = `You are an advanced AI assistant specialized in summarizing legal contract content.
Your task is to condense the following contract excerpts into a single coherent summary.

Requirements:
- Preserve every page number and section reference that appears in the excerpts.
- Keep clause-level detail for obligations, deadlines, notice periods, fees, and termination terms.
- Keep the excerpts' original document order. Do not reorder clauses.
- Do not add information that is not present in the excerpts.

Excerpts (separated by <excerpt> tags):

%s`

// excerptSeparator はバッチ内の抜粋同士の区切り
const excerptSeparator = "\n\n<excerpt>\n\n"

// buildMergePrompt はバッチ内のノードテキストから縮約プロンプトを構築する
func buildMergePrompt(nodes []SummaryNode) string {
	texts := make([]string, 0, len(nodes))
	for _, node := range nodes {
		texts = append(texts, node.Text)
	}
	return fmt.Sprintf(mergePromptTemplate, strings.Join(texts, excerptSeparator))
}
