package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/contract-rag/internal/core/contract"
)

type stubExtractor struct {
	pages []contract.Page
	err   error
}

func (s *stubExtractor) Extract(ctx context.Context, raw []byte, filename string) ([]contract.Page, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.pages, nil
}

type stubEmbedder struct {
	mu       sync.Mutex
	calls    int
	failText string
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.failText != "" && text == s.failText {
		return nil, errors.New("embedding service unavailable")
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type memoryDocuments struct {
	mu   sync.Mutex
	docs map[string]*contract.Document
}

func newMemoryDocuments() *memoryDocuments {
	return &memoryDocuments{docs: make(map[string]*contract.Document)}
}

func (m *memoryDocuments) GetDocumentByID(ctx context.Context, id string) (mo.Option[*contract.Document], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc, ok := m.docs[id]; ok {
		return mo.Some(doc), nil
	}
	return mo.None[*contract.Document](), nil
}

func (m *memoryDocuments) ListDocuments(ctx context.Context) ([]*contract.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs := make([]*contract.Document, 0, len(m.docs))
	for _, doc := range m.docs {
		docs = append(docs, doc)
	}
	return docs, nil
}

func (m *memoryDocuments) SaveDocument(ctx context.Context, doc *contract.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ID] = doc
	return nil
}

func (m *memoryDocuments) DeleteDocument(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
	return nil
}

type memoryIndex struct {
	mu     sync.Mutex
	chunks map[string][]contract.Chunk
}

func newMemoryIndex() *memoryIndex {
	return &memoryIndex{chunks: make(map[string][]contract.Chunk)}
}

func (m *memoryIndex) UpsertChunks(ctx context.Context, chunks []contract.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, chunk := range chunks {
		m.chunks[chunk.DocumentID] = append(m.chunks[chunk.DocumentID], chunk)
	}
	return nil
}

func (m *memoryIndex) ListChunksByDocument(ctx context.Context, documentID string) ([]contract.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chunks[documentID], nil
}

func (m *memoryIndex) DeleteChunksByDocument(ctx context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, documentID)
	return nil
}

type memoryDigests struct {
	mu      sync.Mutex
	digests map[string]*contract.Digest
}

func newMemoryDigests() *memoryDigests {
	return &memoryDigests{digests: make(map[string]*contract.Digest)}
}

func (m *memoryDigests) GetDigestByDocument(ctx context.Context, documentID string) (mo.Option[*contract.Digest], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if digest, ok := m.digests[documentID]; ok {
		return mo.Some(digest), nil
	}
	return mo.None[*contract.Digest](), nil
}

func (m *memoryDigests) SaveDigest(ctx context.Context, digest *contract.Digest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.digests[digest.DocumentID] = digest
	return nil
}

func (m *memoryDigests) DeleteDigestByDocument(ctx context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.digests, documentID)
	return nil
}

type stubSummarizer struct {
	needed bool
	digest *contract.Digest
	err    error
	called bool
}

func (s *stubSummarizer) NeedsSummarization(chunks []contract.Chunk) bool {
	return s.needed
}

func (s *stubSummarizer) Summarize(ctx context.Context, documentID string, chunks []contract.Chunk) (*contract.Digest, error) {
	s.called = true
	return s.digest, s.err
}

func newTestService(extractor *stubExtractor, embedder *stubEmbedder, index *memoryIndex, digests *memoryDigests, opts ...IngestServiceOption) *IngestService {
	chunker := NewChunker(wordCounter{})
	return NewIngestService(extractor, embedder, chunker, newMemoryDocuments(), index, digests, opts...)
}

func threePages() []contract.Page {
	return []contract.Page{
		{Number: 1, Text: "1. Definitions. Terms used in this agreement are defined below."},
		{Number: 2, Text: "2. Payment. Fees are due within thirty days of invoice."},
		{Number: 3, Text: "3. Termination. Either party may terminate with ninety days notice."},
	}
}

func TestIngestService_ThreePageDocument(t *testing.T) {
	extractor := &stubExtractor{pages: threePages()}
	embedder := &stubEmbedder{}
	index := newMemoryIndex()
	digests := newMemoryDigests()
	summarizer := &stubSummarizer{needed: false}

	service := newTestService(extractor, embedder, index, digests, WithIngestSummarizer(summarizer))

	report, err := service.Ingest(context.Background(), IngestParams{
		Raw:      []byte("pdf bytes"),
		Filename: "msa.pdf",
		Metadata: contract.Metadata{Title: "Master Services Agreement"},
	})
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, 3, report.ChunksProcessed)
	assert.Empty(t, report.FailedPages)
	assert.False(t, report.Summarized)
	assert.False(t, summarizer.called)
	assert.NotEmpty(t, report.DocumentID)

	indexed, err := index.ListChunksByDocument(context.Background(), report.DocumentID)
	require.NoError(t, err)
	require.Len(t, indexed, 3)
	for _, chunk := range indexed {
		assert.NotEmpty(t, chunk.ContentVector)
		assert.NotEmpty(t, chunk.TitleVector)
	}
}

func TestIngestService_ReingestReplacesChunks(t *testing.T) {
	extractor := &stubExtractor{pages: threePages()}
	embedder := &stubEmbedder{}
	index := newMemoryIndex()
	digests := newMemoryDigests()

	service := newTestService(extractor, embedder, index, digests)

	params := IngestParams{
		DocumentID: "DOC-001",
		Raw:        []byte("pdf bytes"),
		Filename:   "msa.pdf",
		Metadata:   contract.Metadata{Title: "Master Services Agreement"},
	}

	first, err := service.Ingest(context.Background(), params)
	require.NoError(t, err)
	second, err := service.Ingest(context.Background(), params)
	require.NoError(t, err)

	// 同一入力の再実行はチャンク数とページ対応を変えない（全置換で重複もしない）
	assert.Equal(t, first.ChunksProcessed, second.ChunksProcessed)

	indexed, err := index.ListChunksByDocument(context.Background(), "DOC-001")
	require.NoError(t, err)
	require.Len(t, indexed, 3)

	ids := make(map[string]int)
	for _, chunk := range indexed {
		ids[chunk.ID]++
	}
	assert.Equal(t, map[string]int{
		"DOC-001-p1": 1,
		"DOC-001-p2": 1,
		"DOC-001-p3": 1,
	}, ids)
}

func TestIngestService_ReportsFailedPages(t *testing.T) {
	pages := threePages()
	extractor := &stubExtractor{pages: pages}
	embedder := &stubEmbedder{failText: pages[1].Text}
	index := newMemoryIndex()
	digests := newMemoryDigests()

	service := newTestService(extractor, embedder, index, digests)

	report, err := service.Ingest(context.Background(), IngestParams{
		DocumentID: "DOC-001",
		Raw:        []byte("pdf bytes"),
		Filename:   "msa.pdf",
	})
	require.NoError(t, err)

	// 1ページの失敗は取り込み全体を失敗にしない
	assert.Equal(t, 2, report.ChunksProcessed)
	assert.Equal(t, []int{2}, report.FailedPages)
}

func TestIngestService_AbortsWhenMostPagesFail(t *testing.T) {
	index := newMemoryIndex()

	// 全ページのベクトル化を失敗させ、失敗率が閾値を超えるケースを再現する
	service := NewIngestService(
		&stubExtractor{pages: threePages()},
		&alwaysFailEmbedder{},
		NewChunker(wordCounter{}),
		newMemoryDocuments(),
		index,
		newMemoryDigests(),
	)

	report, err := service.Ingest(context.Background(), IngestParams{
		DocumentID: "DOC-001",
		Raw:        []byte("pdf bytes"),
	})
	require.Error(t, err)

	var tooMany *TooManyFailuresError
	require.ErrorAs(t, err, &tooMany)
	assert.Equal(t, 3, tooMany.Failed)

	// 部分データはインデックスに登録されない
	require.NotNil(t, report)
	assert.Equal(t, []int{1, 2, 3}, report.FailedPages)
	indexed, _ := index.ListChunksByDocument(context.Background(), "DOC-001")
	assert.Empty(t, indexed)
}

func TestIngestService_SummarizesLongDocument(t *testing.T) {
	extractor := &stubExtractor{pages: threePages()}
	embedder := &stubEmbedder{}
	index := newMemoryIndex()
	digests := newMemoryDigests()
	summarizer := &stubSummarizer{
		needed: true,
		digest: &contract.Digest{DocumentID: "DOC-001", Text: "digest", Levels: 2},
	}

	service := newTestService(extractor, embedder, index, digests, WithIngestSummarizer(summarizer))

	report, err := service.Ingest(context.Background(), IngestParams{
		DocumentID: "DOC-001",
		Raw:        []byte("pdf bytes"),
	})
	require.NoError(t, err)

	assert.True(t, summarizer.called)
	assert.True(t, report.Summarized)
	assert.Equal(t, 2, report.SummaryLevels)
	assert.False(t, report.SummarizedWithGaps)

	saved, err := digests.GetDigestByDocument(context.Background(), "DOC-001")
	require.NoError(t, err)
	assert.True(t, saved.IsPresent())
}

func TestIngestService_SummaryGapsAreNotFatal(t *testing.T) {
	extractor := &stubExtractor{pages: threePages()}
	embedder := &stubEmbedder{}
	index := newMemoryIndex()
	digests := newMemoryDigests()
	summarizer := &stubSummarizer{
		needed: true,
		digest: &contract.Digest{
			DocumentID:      "DOC-001",
			Text:            "digest",
			Levels:          1,
			HasGaps:         true,
			MissingChunkIDs: []string{"DOC-001-p2"},
		},
		err: fmt.Errorf("failed to reduce summary batch for document DOC-001"),
	}

	service := newTestService(extractor, embedder, index, digests, WithIngestSummarizer(summarizer))

	report, err := service.Ingest(context.Background(), IngestParams{
		DocumentID: "DOC-001",
		Raw:        []byte("pdf bytes"),
	})
	require.NoError(t, err)

	assert.True(t, report.Summarized)
	assert.True(t, report.SummarizedWithGaps)

	saved, err := digests.GetDigestByDocument(context.Background(), "DOC-001")
	require.NoError(t, err)
	require.True(t, saved.IsPresent())
	assert.True(t, saved.MustGet().HasGaps)
}

// recordingTransactor は渡したストア一式をトランザクション境界として差し出すテスト用Transactor
type recordingTransactor struct {
	calls     int
	documents *memoryDocuments
	index     *memoryIndex
	digests   *memoryDigests
}

func (r *recordingTransactor) WithinTx(ctx context.Context, fn func(Stores) error) error {
	r.calls++
	return fn(Stores{
		Documents: r.documents,
		Index:     r.index,
		Digests:   r.digests,
	})
}

func TestIngestService_ReplacementRunsInTransaction(t *testing.T) {
	tx := &recordingTransactor{
		documents: newMemoryDocuments(),
		index:     newMemoryIndex(),
		digests:   newMemoryDigests(),
	}

	// サービスへ直接渡したストアとは別物を境界側に持たせ、書き込み先を区別できるようにする
	directIndex := newMemoryIndex()
	service := NewIngestService(
		&stubExtractor{pages: threePages()},
		&stubEmbedder{},
		NewChunker(wordCounter{}),
		newMemoryDocuments(),
		directIndex,
		newMemoryDigests(),
		WithIngestTransactor(tx),
	)

	report, err := service.Ingest(context.Background(), IngestParams{
		DocumentID: "DOC-001",
		Raw:        []byte("pdf bytes"),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, report.ChunksProcessed)

	// 削除・登録・保存はすべてトランザクション側のストアに対して1回の境界内で実行される
	assert.Equal(t, 1, tx.calls)

	indexed, err := tx.index.ListChunksByDocument(context.Background(), "DOC-001")
	require.NoError(t, err)
	assert.Len(t, indexed, 3)

	saved, err := tx.documents.GetDocumentByID(context.Background(), "DOC-001")
	require.NoError(t, err)
	assert.True(t, saved.IsPresent())

	direct, err := directIndex.ListChunksByDocument(context.Background(), "DOC-001")
	require.NoError(t, err)
	assert.Empty(t, direct)
}

func TestIngestService_ExtractionFailure(t *testing.T) {
	extractor := &stubExtractor{err: errors.New("extraction service timeout")}
	service := newTestService(extractor, &stubEmbedder{}, newMemoryIndex(), newMemoryDigests())

	report, err := service.Ingest(context.Background(), IngestParams{Raw: []byte("pdf bytes")})
	require.Error(t, err)
	assert.Nil(t, report)
}

type alwaysFailEmbedder struct{}

func (alwaysFailEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("embedding service unavailable")
}
