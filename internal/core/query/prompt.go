package query

import (
	"fmt"
	"strings"

	"github.com/jinford/contract-rag/internal/core/contract"
)

// systemPrompt は法務チーム向け契約分析アシスタントとしての役割定義
const systemPrompt = `You are an advanced AI assistant specialized in supporting the legal team with contract analysis.
Your primary function is to help identify, extract, and summarize specific clauses or language within various types of contracts.
Ensure all responses strictly adhere to the provided guidelines and formats.`

// noMatchesSentinel は一致なしを示す固定文言。パース側はこの文言で判定する
const noMatchesSentinel = "No matches found for the query"

// formatInstructions は構造化出力の形式指定
// ページ番号・セクション・逐語引用を必須とし、後段のパースを可能にする
const formatInstructions = `Provide a concise answer based on the given context and conversation history.
The context is from a subset of a document. If there are no matches, simply return '` + noMatchesSentinel + `' exactly.
If there are match(es):
- Always mention the page number the information comes from. Also identify the section of the document the citation is under and mention it in the response.
- Cite the actual words from the document as well. Make sure there is enough context around the match in the citation.
- Give a brief summary of the section the citation is from.
- If a citation spans across multiple pages then always mention the page number as the lowest page where the citation starts from.
- Use the following as an example output to ensure the formatting closely matches exactly like the example. Do not deviate from this format in any way:

Example Output:

1. **Page: page_number**
    - Under Section : Section Number and Section Heading
    - Section Summary: "summary of the section the citation is derived from"
    - Cited Text: "content to be cited"

2. **Page: page_number**
    - Under Section : Section Number and Section Heading
    - Section Summary: "summary of the section the citation is derived from"
    - Cited Text: "content to be cited"

Only provide the result in the given format. Do not hallucinate or use information that is not provided in the prompt.`

// strictFormatInstructions はパース失敗後のリトライで追加する厳格化指示
const strictFormatInstructions = formatInstructions + `

IMPORTANT: Your previous response did not follow the required format.
Every finding MUST start with a numbered line of the exact form "N. **Page: <number>**" where <number> is a digit-only page number,
followed by the "Under Section", "Section Summary", and "Cited Text" lines. Output nothing outside this structure.`

// プロンプトの区切りと見出し
// トークン予算の見積もりが実際の組み立てとずれないよう、両方で同じ断片を使う
const (
	contextHeader  = "\n\nContext (contract excerpts, most relevant first):\n\n"
	historyHeader  = "\n\nConversation history:\n"
	chunkSeparator = "\n\n"
)

// promptInput はプロンプト組み立ての入力一式
type promptInput struct {
	query   string
	chunks  []contract.ScoredChunk
	history []ConversationTurn
	strict  bool
}

// buildAnswerPrompt はコンテキスト・会話履歴・質問・形式指示を1つのプロンプトに組み立てる
func buildAnswerPrompt(in promptInput) string {
	var b strings.Builder

	b.WriteString(systemPrompt)
	b.WriteString(contextHeader)

	for i, scored := range in.chunks {
		if i > 0 {
			b.WriteString(chunkSeparator)
		}
		b.WriteString(formatChunkContext(scored.Chunk))
	}

	if len(in.history) > 0 {
		b.WriteString(historyHeader)
		for _, turn := range in.history {
			b.WriteString(formatHistoryTurn(turn))
		}
	}

	fmt.Fprintf(&b, "\n\nUser's question: %s\n\n", in.query)

	if in.strict {
		b.WriteString(strictFormatInstructions)
	} else {
		b.WriteString(formatInstructions)
	}

	return b.String()
}

// formatHistoryTurn は会話履歴の1ターンをラベル付きで整形する
func formatHistoryTurn(turn ConversationTurn) string {
	label := "User"
	if turn.Role == TurnRoleAnswer {
		label = "Assistant"
	}
	return fmt.Sprintf("\n%s: %s", label, turn.Text)
}

// formatChunkContext は1チャンク分のコンテキストブロックを整形する
// ページ番号とセクションを前置し、モデルが引用元を特定できるようにする
func formatChunkContext(chunk contract.Chunk) string {
	header := fmt.Sprintf("[Page %d", chunk.PageNumber)
	if chunk.SectionLabel != "" {
		header += fmt.Sprintf(" | Section: %s", chunk.SectionLabel)
	}
	header += "]"
	return header + "\n" + chunk.Text
}
