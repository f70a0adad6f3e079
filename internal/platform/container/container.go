package container

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jinford/contract-rag/internal/core/ingestion"
	"github.com/jinford/contract-rag/internal/core/query"
	"github.com/jinford/contract-rag/internal/core/summarize"
	"github.com/jinford/contract-rag/internal/core/tokens"
	"github.com/jinford/contract-rag/internal/infra/extraction"
	"github.com/jinford/contract-rag/internal/infra/openai"
	"github.com/jinford/contract-rag/internal/infra/postgres"
	"github.com/jinford/contract-rag/internal/platform/config"
	"github.com/jinford/contract-rag/internal/platform/database"
)

// SearchIndex はチャンクの登録とベクトル検索を両方提供するインデックス
type SearchIndex interface {
	ingestion.ChunkIndex
	query.VectorSearcher
}

// ServiceContainer はアプリケーションの依存関係を保持する。
// CLIコマンドとHTTPサーバーの両方から利用される。
type ServiceContainer struct {
	IngestService *ingestion.IngestService
	QueryService  *query.Orchestrator
	Documents     ingestion.DocumentRepository
	Index         SearchIndex
	Digests       ingestion.DigestRepository

	logger   *slog.Logger
	database *database.Database
	errorLog *openai.ErrorLog
}

type containerOptions struct {
	logger    *slog.Logger
	embedder  ingestion.Embedder
	extractor ingestion.Extractor
	llmClient summarize.CompletionClient
	index     SearchIndex
}

// ContainerOption は ServiceContainer 構築時のオプション
type ContainerOption func(*containerOptions)

// WithContainerLogger はロガーを差し替える
func WithContainerLogger(logger *slog.Logger) ContainerOption {
	return func(opts *containerOptions) {
		opts.logger = logger
	}
}

// WithContainerEmbedder はカスタム Embedder を注入する
func WithContainerEmbedder(embedder ingestion.Embedder) ContainerOption {
	return func(opts *containerOptions) {
		opts.embedder = embedder
	}
}

// WithContainerExtractor は Extractor を差し替える
func WithContainerExtractor(extractor ingestion.Extractor) ContainerOption {
	return func(opts *containerOptions) {
		opts.extractor = extractor
	}
}

// WithContainerLLMClient は LLM クライアントを差し替える
func WithContainerLLMClient(client summarize.CompletionClient) ContainerOption {
	return func(opts *containerOptions) {
		opts.llmClient = client
	}
}

// WithContainerSearchIndex はチャンクインデックスを差し替える（インメモリ検証用）
func WithContainerSearchIndex(index SearchIndex) ContainerOption {
	return func(opts *containerOptions) {
		opts.index = index
	}
}

// NewContainer は設定からコンテナを生成する。
func NewContainer(ctx context.Context, cfg *config.Config, opts ...ContainerOption) (*ServiceContainer, error) {
	db, err := database.New(ctx, database.ConnectionParams{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		return nil, fmt.Errorf("データベース初期化に失敗しました: %w", err)
	}

	return NewContainerWithDB(cfg, db, opts...)
}

// NewContainerWithDB は既存の Database を受け取りコンテナを生成する。
func NewContainerWithDB(cfg *config.Config, db *database.Database, opts ...ContainerOption) (*ServiceContainer, error) {
	options := containerOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	// トークンカウンタ（tiktoken cl100k_base）
	budget, err := tokens.NewBudget()
	if err != nil {
		return nil, fmt.Errorf("トークンカウンタ初期化に失敗しました: %w", err)
	}

	// Embedder (OpenAI)
	embedder := options.embedder
	if embedder == nil {
		embedder = openai.NewEmbedder(
			cfg.OpenAI.APIKey,
			openai.WithEmbeddingModel(cfg.OpenAI.EmbeddingModel),
			openai.WithEmbeddingDimension(cfg.OpenAI.EmbeddingDimension),
		)
	}

	// Extractor（ドキュメント抽出サービス）
	extractor := options.extractor
	if extractor == nil {
		extractor = extraction.NewClient(cfg.Extraction.BaseURL, cfg.Extraction.APIKey)
	}

	// LLMエラーログ（出力先未指定なら無効）
	errorLog, err := openai.NewErrorLog(cfg.OpenAI.ErrorLogDir, options.logger)
	if err != nil {
		return nil, fmt.Errorf("LLMエラーログ初期化に失敗しました: %w", err)
	}

	// LLMClient (OpenAI + レート制限)
	llmClient := options.llmClient
	if llmClient == nil {
		openaiClient, err := openai.NewClientWithAPIKey(cfg.OpenAI.APIKey, cfg.OpenAI.CompletionModel)
		if err != nil {
			return nil, fmt.Errorf("OpenAI LLMクライアント初期化に失敗しました: %w", err)
		}
		if cfg.OpenAI.MaxRequestsPerMinute > 0 {
			llmClient = openai.NewThrottledClient(openaiClient, cfg.OpenAI.MaxRequestsPerMinute)
		} else {
			llmClient = openaiClient
		}
	}
	answerLLM := openai.NewLoggedClient(llmClient, errorLog, openai.CallKindAnswer)
	summaryLLM := openai.NewLoggedClient(llmClient, errorLog, openai.CallKindSummaryReduce)

	// Repository (PostgreSQL)
	documents := postgres.NewDocumentRepository(db.Pool)
	digests := postgres.NewDigestRepository(db.Pool)

	var index SearchIndex = postgres.NewChunkRepository(db.Pool)
	if options.index != nil {
		index = options.index
	}

	// Summarizer（再帰要約）
	summarizer := summarize.NewSummarizer(
		summaryLLM,
		budget,
		summarize.WithSummarizerLogger(options.logger),
	)

	// IngestService
	ingestOpts := []ingestion.IngestServiceOption{
		ingestion.WithIngestLogger(options.logger),
		ingestion.WithIngestSummarizer(summarizer),
	}
	if options.index == nil {
		// PostgreSQL利用時はチャンク置換一式を1トランザクションで実行する
		// インデックス差し替え時は書き込み先が分かれるため使わない
		ingestOpts = append(ingestOpts, ingestion.WithIngestTransactor(database.NewTransactionProvider(db.Pool)))
	}
	ingestService := ingestion.NewIngestService(
		extractor,
		embedder,
		ingestion.NewChunker(budget),
		documents,
		index,
		digests,
		ingestOpts...,
	)

	// QueryService
	retriever := query.NewVectorRetriever(embedder, index)
	queryService := query.NewOrchestrator(
		retriever,
		answerLLM,
		budget,
		query.WithOrchestratorLogger(options.logger),
	)

	return &ServiceContainer{
		IngestService: ingestService,
		QueryService:  queryService,
		Documents:     documents,
		Index:         index,
		Digests:       digests,
		logger:        options.logger,
		database:      db,
		errorLog:      errorLog,
	}, nil
}

// Close は内部リソースを解放する。
func (c *ServiceContainer) Close() {
	if c == nil {
		return
	}
	if c.errorLog != nil {
		_ = c.errorLog.Close()
	}
	if c.database != nil {
		c.database.Close()
	}
}

// Logger はロガーを返す。
func (c *ServiceContainer) Logger() *slog.Logger {
	if c == nil || c.logger == nil {
		return slog.Default()
	}
	return c.logger
}

// Database はデータベースを返す。
func (c *ServiceContainer) Database() *database.Database {
	if c == nil {
		return nil
	}
	return c.database
}
