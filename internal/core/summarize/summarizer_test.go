package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/contract-rag/internal/core/contract"
	"github.com/jinford/contract-rag/internal/core/tokens"
)

// wordCounter は1単語=1トークンとして数えるテスト用カウンタ
type wordCounter struct{}

func (wordCounter) Count(text string) int {
	return len(strings.Fields(text))
}

func (wordCounter) TruncateToFit(text string, limit int, end tokens.TrimEnd) (string, error) {
	words := strings.Fields(text)
	if len(words) <= limit {
		return text, nil
	}
	if end == tokens.TrimHead {
		return strings.Join(words[len(words)-limit:], " "), nil
	}
	return strings.Join(words[:limit], " "), nil
}

// stubLLM は呼び出しを記録しつつ設定した応答を返すテスト用クライアント
type stubLLM struct {
	mu       sync.Mutex
	prompts  []string
	complete func(prompt string) (string, error)
}

func (s *stubLLM) Complete(ctx context.Context, prompt string, temperature float64, maxOutputTokens int) (string, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()
	return s.complete(prompt)
}

func (s *stubLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

func makeSummaryChunks(texts ...string) []contract.Chunk {
	counter := wordCounter{}
	chunks := make([]contract.Chunk, 0, len(texts))
	for i, text := range texts {
		page := i + 1
		chunks = append(chunks, contract.Chunk{
			ID:         contract.ChunkID("DOC-001", page, 0),
			DocumentID: "DOC-001",
			PageNumber: page,
			Text:       text,
			TokenCount: counter.Count(text),
		})
	}
	return chunks
}

func TestSummarizer_NeedsSummarization(t *testing.T) {
	llm := &stubLLM{complete: func(string) (string, error) { return "", nil }}
	summarizer := NewSummarizer(llm, wordCounter{}, WithSummarizerConfig(Config{DigestTarget: 10}))

	assert.False(t, summarizer.NeedsSummarization(makeSummaryChunks("three word clause", "two words")))
	assert.True(t, summarizer.NeedsSummarization(makeSummaryChunks(
		"governing law of the state of delaware shall apply here",
		"termination for convenience requires ninety days written notice",
	)))
}

func TestSummarizer_EmptyChunks(t *testing.T) {
	llm := &stubLLM{complete: func(string) (string, error) { return "", nil }}
	summarizer := NewSummarizer(llm, wordCounter{})

	digest, err := summarizer.Summarize(context.Background(), "DOC-001", nil)
	require.Error(t, err)
	assert.Nil(t, digest)
}

func TestSummarizer_NoReductionNeeded(t *testing.T) {
	llm := &stubLLM{complete: func(string) (string, error) {
		t.Error("completion should not be called when chunks fit the digest target")
		return "", nil
	}}
	summarizer := NewSummarizer(llm, wordCounter{}, WithSummarizerConfig(Config{DigestTarget: 100}))

	chunks := makeSummaryChunks("payment terms net thirty", "late fees accrue monthly", "notices sent by mail")
	digest, err := summarizer.Summarize(context.Background(), "DOC-001", chunks)
	require.NoError(t, err)
	require.NotNil(t, digest)

	assert.Equal(t, 0, digest.Levels)
	assert.False(t, digest.HasGaps)
	// 縮約が不要な場合もドキュメント順は維持される
	assert.Equal(t, "payment terms net thirty\n\nlate fees accrue monthly\n\nnotices sent by mail", digest.Text)
}

func TestSummarizer_MultiLevelReduction(t *testing.T) {
	llm := &stubLLM{complete: func(string) (string, error) {
		return "condensed batch summary", nil
	}}
	summarizer := NewSummarizer(llm, wordCounter{}, WithSummarizerConfig(Config{
		ContextCeiling: 30,
		ReservedMargin: 10,
		DigestTarget:   5,
	}))

	// 8トークンのチャンク9個＝72トークン。バッチ予算20なので2個ずつの縮約となり、
	// ダイジェスト目標に達するまで複数レベルの反復が必要になる
	texts := make([]string, 9)
	for i := range texts {
		texts[i] = fmt.Sprintf("clause %d one two three four five six", i+1)
	}
	chunks := makeSummaryChunks(texts...)

	digest, err := summarizer.Summarize(context.Background(), "DOC-001", chunks)
	require.NoError(t, err)
	require.NotNil(t, digest)

	assert.GreaterOrEqual(t, digest.Levels, 2)
	assert.LessOrEqual(t, digest.TokenCount, 5)
	assert.False(t, digest.HasGaps)
	assert.Empty(t, digest.MissingChunkIDs)
}

func TestSummarizer_BatchesFollowDocumentOrder(t *testing.T) {
	summarizer := NewSummarizer(
		&stubLLM{complete: func(string) (string, error) { return "", nil }},
		wordCounter{},
		WithSummarizerConfig(Config{ContextCeiling: 15, ReservedMargin: 5}),
	)

	nodes := []SummaryNode{
		{SourceChunkIDs: []string{"DOC-001-p1"}, Text: "a", TokenCount: 4},
		{SourceChunkIDs: []string{"DOC-001-p2"}, Text: "b", TokenCount: 4},
		{SourceChunkIDs: []string{"DOC-001-p3"}, Text: "c", TokenCount: 4},
		{SourceChunkIDs: []string{"DOC-001-p4"}, Text: "d", TokenCount: 4},
		{SourceChunkIDs: []string{"DOC-001-p5"}, Text: "e", TokenCount: 4},
	}

	batches := summarizer.batchNodes(nodes)
	require.Len(t, batches, 3)

	// 連続したノードのみが同じバッチに入り、並べ替えは行われない
	assert.Equal(t, []string{"DOC-001-p1"}, batches[0][0].SourceChunkIDs)
	assert.Equal(t, []string{"DOC-001-p2"}, batches[0][1].SourceChunkIDs)
	assert.Equal(t, []string{"DOC-001-p3"}, batches[1][0].SourceChunkIDs)
	assert.Equal(t, []string{"DOC-001-p5"}, batches[2][0].SourceChunkIDs)
}

func TestSummarizer_CitationFidelity(t *testing.T) {
	llm := &stubLLM{complete: func(string) (string, error) {
		return "condensed batch summary", nil
	}}
	summarizer := NewSummarizer(llm, wordCounter{}, WithSummarizerConfig(Config{
		ContextCeiling: 30,
		ReservedMargin: 10,
		DigestTarget:   5,
	}))

	chunks := makeSummaryChunks(
		"indemnification clause one two three four five",
		"limitation of liability one two three four",
		"confidentiality obligations survive for five years",
		"assignment requires prior written consent of parties",
	)

	nodes := summarizer.buildLeafNodes(chunks)
	batches := summarizer.batchNodes(nodes)
	reduced, missing, err := summarizer.reduceLevel(context.Background(), 0, batches)
	require.NoError(t, err)
	require.Empty(t, missing)

	// 各レベルで、ノードのsource集合の和集合は全リーフ集合と一致し、
	// 兄弟ノード間で重複しない
	union := unionSourceIDs(reduced)
	want := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		want = append(want, chunk.ID)
	}
	assert.ElementsMatch(t, want, union)

	total := 0
	for _, node := range reduced {
		total += len(node.SourceChunkIDs)
		assert.Equal(t, 1, node.Level)
	}
	assert.Equal(t, len(chunks), total)
}

func TestSummarizer_RetrySplitsFailedBatch(t *testing.T) {
	// 2チャンク分の抜粋を含むプロンプトだけ失敗させ、分割リトライで回復させる
	llm := &stubLLM{complete: func(prompt string) (string, error) {
		if strings.Count(prompt, "<excerpt>") >= 1 {
			return "", errors.New("model returned an empty completion")
		}
		return "condensed batch summary", nil
	}}
	summarizer := NewSummarizer(llm, wordCounter{}, WithSummarizerConfig(Config{
		ContextCeiling: 30,
		ReservedMargin: 10,
		DigestTarget:   10,
	}))

	chunks := makeSummaryChunks(
		"first clause one two three four five six",
		"second clause one two three four five six",
	)

	digest, err := summarizer.Summarize(context.Background(), "DOC-001", chunks)
	require.NoError(t, err)
	require.NotNil(t, digest)

	assert.False(t, digest.HasGaps)
	assert.Empty(t, digest.MissingChunkIDs)
	// 失敗1回＋分割後の半分ずつで計3回の呼び出し
	assert.Equal(t, 3, llm.callCount())
}

func TestSummarizer_PersistentFailureRecordsGaps(t *testing.T) {
	// 特定チャンクを含むプロンプトは分割リトライ後も失敗させる
	llm := &stubLLM{complete: func(prompt string) (string, error) {
		if strings.Contains(prompt, "poison clause") {
			return "", errors.New("model returned an empty completion")
		}
		return "condensed batch summary", nil
	}}
	summarizer := NewSummarizer(llm, wordCounter{}, WithSummarizerConfig(Config{
		ContextCeiling: 30,
		ReservedMargin: 10,
		DigestTarget:   5,
	}))

	chunks := makeSummaryChunks(
		"first clause one two three four five six",
		"poison clause one two three four five six",
		"third clause one two three four five six",
		"fourth clause one two three four five six",
	)

	digest, err := summarizer.Summarize(context.Background(), "DOC-001", chunks)
	require.Error(t, err)
	require.NotNil(t, digest, "partial digest should still be returned alongside the error")

	var sumErr *SummarizationError
	require.ErrorAs(t, err, &sumErr)
	assert.Equal(t, "DOC-001", sumErr.DocumentID)
	assert.Contains(t, sumErr.SourceChunkIDs, "DOC-001-p2")

	assert.True(t, digest.HasGaps)
	assert.Contains(t, digest.MissingChunkIDs, "DOC-001-p2")
	assert.NotContains(t, digest.MissingChunkIDs, "DOC-001-p1")
	assert.NotContains(t, digest.MissingChunkIDs, "DOC-001-p3")
}

func TestSummarizer_OversizedLeafIsTruncated(t *testing.T) {
	llm := &stubLLM{complete: func(string) (string, error) { return "summary", nil }}
	summarizer := NewSummarizer(llm, wordCounter{}, WithSummarizerConfig(Config{
		LeafNodeLimit: 5,
	}))

	chunks := makeSummaryChunks("one two three four five six seven eight nine ten")
	nodes := summarizer.buildLeafNodes(chunks)
	require.Len(t, nodes, 1)

	assert.LessOrEqual(t, nodes[0].TokenCount, 5)
	assert.True(t, strings.HasPrefix(chunks[0].Text, nodes[0].Text))
}
