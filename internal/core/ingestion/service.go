package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/contract-rag/internal/core/contract"
)

// IngestParams はドキュメント取り込みのパラメータ
type IngestParams struct {
	// DocumentID は再取り込み時に既存ドキュメントを置き換えるための識別子
	// 空の場合は新規IDを採番する
	DocumentID string
	// Raw は抽出サービスに渡すドキュメントのバイト列
	Raw []byte
	// Filename は抽出サービスへのヒント（拡張子でフォーマットを判別する）
	Filename string
	Metadata contract.Metadata
}

// IngestReport は取り込み処理の結果を表す
// 一部のページが失敗しても処理は継続し、失敗ページの一覧を報告する
type IngestReport struct {
	DocumentID         string
	ChunksProcessed    int
	FailedPages        []int
	Summarized         bool
	SummaryLevels      int
	SummarizedWithGaps bool
	Duration           time.Duration
}

// IngestService はドキュメント取り込みのユースケースを提供する
type IngestService struct {
	extractor  Extractor
	embedder   Embedder
	chunker    *Chunker
	summarizer Summarizer
	documents  DocumentRepository
	index      ChunkIndex
	digests    DigestRepository
	transactor Transactor
	processor  *Processor
	logger     *slog.Logger
}

type ingestServiceOptions struct {
	summarizer Summarizer
	transactor Transactor
	processor  *Processor
	logger     *slog.Logger
}

// IngestServiceOption は IngestService のオプション設定
type IngestServiceOption func(*ingestServiceOptions)

// WithIngestLogger は IngestService にロガーを設定する
func WithIngestLogger(logger *slog.Logger) IngestServiceOption {
	return func(o *ingestServiceOptions) {
		o.logger = logger
	}
}

// WithIngestSummarizer は長大ドキュメント用のSummarizerを設定する
// 未設定の場合、ダイジェスト生成はスキップされる
func WithIngestSummarizer(summarizer Summarizer) IngestServiceOption {
	return func(o *ingestServiceOptions) {
		o.summarizer = summarizer
	}
}

// WithIngestTransactor はチャンク置換一式のトランザクション境界を設定する
// 未設定の場合、各リポジトリ操作は個別に実行される
func WithIngestTransactor(transactor Transactor) IngestServiceOption {
	return func(o *ingestServiceOptions) {
		o.transactor = transactor
	}
}

// WithIngestProcessor は並列処理のProcessorを上書きする
func WithIngestProcessor(processor *Processor) IngestServiceOption {
	return func(o *ingestServiceOptions) {
		o.processor = processor
	}
}

// NewIngestService は新しいIngestServiceを作成する
func NewIngestService(
	extractor Extractor,
	embedder Embedder,
	chunker *Chunker,
	documents DocumentRepository,
	index ChunkIndex,
	digests DigestRepository,
	opts ...IngestServiceOption,
) *IngestService {
	options := ingestServiceOptions{
		processor: NewProcessor(ProcessorConfig{}),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	if options.processor == nil {
		options.processor = NewProcessor(ProcessorConfig{})
	}

	return &IngestService{
		extractor:  extractor,
		embedder:   embedder,
		chunker:    chunker,
		summarizer: options.summarizer,
		documents:  documents,
		index:      index,
		digests:    digests,
		transactor: options.transactor,
		processor:  options.processor,
		logger:     options.logger,
	}
}

// Ingest はドキュメントを抽出・チャンク化・ベクトル化してインデックスに登録する
// 同一ドキュメントIDでの再実行は古いチャンクを全置換する（部分更新はしない）
// 途中キャンセルで残った部分データも、再実行時の全置換で解消される
func (s *IngestService) Ingest(ctx context.Context, params IngestParams) (*IngestReport, error) {
	startTime := time.Now()

	documentID := params.DocumentID
	if documentID == "" {
		documentID = strings.ToUpper(uuid.New().String())
	}

	s.logger.Info("ドキュメントの取り込みを開始します",
		"documentID", documentID,
		"title", params.Metadata.Title,
		"bytes", len(params.Raw),
	)

	pages, err := s.extractor.Extract(ctx, params.Raw, params.Filename)
	if err != nil {
		return nil, fmt.Errorf("failed to extract document pages: %w", err)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("extraction produced no pages for document %s", documentID)
	}

	doc := &contract.Document{
		ID:        documentID,
		Metadata:  params.Metadata,
		Pages:     pages,
		PageCount: len(pages),
	}

	chunks, chunkFailures := s.chunker.Chunk(doc)
	failedPages := make(map[int]bool)
	for _, failure := range chunkFailures {
		s.logger.Warn("ページのチャンク化に失敗しました",
			"documentID", documentID,
			"page", failure.PageNumber,
		)
		failedPages[failure.PageNumber] = true
	}

	embedded, embedFailures, err := s.embedChunks(ctx, chunks)
	for _, failure := range embedFailures {
		s.logger.Warn("チャンクのベクトル化に失敗しました",
			"documentID", documentID,
			"chunkID", failure.Item.ID,
			"error", failure.Err,
		)
		failedPages[failure.Item.PageNumber] = true
	}
	if err != nil {
		// 失敗率が閾値を超えた場合は部分データを登録せずに中断する
		return &IngestReport{
			DocumentID:  documentID,
			FailedPages: SortedPages(failedPages),
			Duration:    time.Since(startTime),
		}, fmt.Errorf("document ingestion aborted: %w", err)
	}

	// 全置換: 旧チャンクの削除・新チャンクの登録・ドキュメント保存を一続きに行う
	// トランザクション境界が設定されていれば置換一式を1トランザクションにまとめる
	replace := func(documents DocumentRepository, index ChunkIndex) error {
		if err := index.DeleteChunksByDocument(ctx, documentID); err != nil {
			return fmt.Errorf("failed to delete existing chunks: %w", err)
		}
		if err := index.UpsertChunks(ctx, embedded); err != nil {
			return fmt.Errorf("failed to upsert chunks: %w", err)
		}
		if err := documents.SaveDocument(ctx, doc); err != nil {
			return fmt.Errorf("failed to save document: %w", err)
		}
		return nil
	}
	if s.transactor != nil {
		err = s.transactor.WithinTx(ctx, func(stores Stores) error {
			return replace(stores.Documents, stores.Index)
		})
	} else {
		err = replace(s.documents, s.index)
	}
	if err != nil {
		return nil, err
	}

	report := &IngestReport{
		DocumentID:      documentID,
		ChunksProcessed: len(embedded),
		FailedPages:     SortedPages(failedPages),
	}

	if err := s.maybeSummarize(ctx, documentID, embedded, report); err != nil {
		return report, err
	}

	report.Duration = time.Since(startTime)

	s.logger.Info("ドキュメントの取り込みが完了しました",
		"documentID", documentID,
		"chunks", report.ChunksProcessed,
		"failedPages", len(report.FailedPages),
		"summarized", report.Summarized,
		"duration", report.Duration,
	)

	return report, nil
}

// embedChunks は各チャンクの本文ベクトルとタイトルベクトルを並列に生成する
func (s *IngestService) embedChunks(ctx context.Context, chunks []contract.Chunk) ([]contract.Chunk, []Failure[contract.Chunk], error) {
	return ProcessAll(ctx, s.processor, chunks,
		func(ctx context.Context, chunk contract.Chunk) (contract.Chunk, error) {
			contentVector, err := s.embedder.Embed(ctx, chunk.Text)
			if err != nil {
				return chunk, fmt.Errorf("failed to embed chunk content: %w", err)
			}
			chunk.ContentVector = contentVector

			if chunk.Title != "" {
				titleVector, err := s.embedder.Embed(ctx, chunk.Title)
				if err != nil {
					return chunk, fmt.Errorf("failed to embed chunk title: %w", err)
				}
				chunk.TitleVector = titleVector
			}

			return chunk, nil
		},
	)
}

// maybeSummarize はチャンク合計がダイジェスト予算を超える場合のみ要約を実行する
// 欠落付きの要約はダイジェストごと保存し、レポートに記録する（取り込みは失敗にしない）
func (s *IngestService) maybeSummarize(ctx context.Context, documentID string, chunks []contract.Chunk, report *IngestReport) error {
	if s.summarizer == nil || len(chunks) == 0 || !s.summarizer.NeedsSummarization(chunks) {
		return nil
	}

	digest, err := s.summarizer.Summarize(ctx, documentID, chunks)
	if err != nil {
		// 欠落付きのダイジェストが返っている場合はエラーにせず保存して記録する
		if digest == nil || !digest.HasGaps {
			return fmt.Errorf("failed to summarize document: %w", err)
		}

		s.logger.Warn("一部のチャンクを縮約できなかったため、欠落付きのダイジェストを保存します",
			"documentID", documentID,
			"missingChunks", len(digest.MissingChunkIDs),
		)
		report.SummarizedWithGaps = true
	}

	if err := s.digests.SaveDigest(ctx, digest); err != nil {
		return fmt.Errorf("failed to save digest: %w", err)
	}

	report.Summarized = true
	report.SummaryLevels = digest.Levels
	return nil
}
