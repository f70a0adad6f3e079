package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jinford/contract-rag/internal/core/contract"
	"github.com/jinford/contract-rag/internal/core/ingestion"
	"github.com/jinford/contract-rag/internal/core/query"
)

const (
	// maxUploadBytes はアップロード可能なドキュメントの上限サイズ
	maxUploadBytes = 64 << 20 // 64MB

	shutdownTimeout = 10 * time.Second
)

// Ingestor はドキュメント取り込みのインターフェース
// テスト時のモック用に消費者側で定義
type Ingestor interface {
	Ingest(ctx context.Context, params ingestion.IngestParams) (*ingestion.IngestReport, error)
}

// Answerer は質問応答のインターフェース
type Answerer interface {
	Answer(ctx context.Context, documentID string, queryText string, history []query.ConversationTurn) (*query.QueryResult, error)
}

// Server は取り込みと検索を提供するHTTP APIサーバーです
type Server struct {
	ingestor  Ingestor
	answerer  Answerer
	documents ingestion.DocumentRepository
	logger    *slog.Logger
}

// ServerOption は Server 構築時のオプション
type ServerOption func(*Server)

// WithServerLogger はロガーを差し替える
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer は新しい Server を作成します
func NewServer(ingestor Ingestor, answerer Answerer, documents ingestion.DocumentRepository, opts ...ServerOption) *Server {
	s := &Server{
		ingestor:  ingestor,
		answerer:  answerer,
		documents: documents,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler はルーティング済みの http.Handler を返します
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("POST /search", s.handleSearch)
	mux.HandleFunc("GET /documents", s.handleListDocuments)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// Start はHTTPサーバーを起動し、コンテキストのキャンセルで安全に停止します
func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTPサーバーを起動します", slog.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to serve: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("HTTPサーバーを停止します")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// uploadResponse は POST /upload のレスポンス
type uploadResponse struct {
	DocumentID      string `json:"document_id"`
	ChunksProcessed int    `json:"chunks_processed"`
	FailedPages     []int  `json:"failed_pages,omitempty"`
	Summarized      bool   `json:"summarized"`
	SummarizedGaps  bool   `json:"summarized_with_gaps,omitempty"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	file, header, err := r.FormFile("document")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "document file is required")
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read document file")
		return
	}

	params := ingestion.IngestParams{
		DocumentID: r.FormValue("document_id"),
		Raw:        raw,
		Filename:   header.Filename,
		Metadata: contract.Metadata{
			Title:      r.FormValue("title"),
			Link:       r.FormValue("link"),
			Account:    r.FormValue("account"),
			ClientName: r.FormValue("client_name"),
			Category:   contract.DocumentCategory(r.FormValue("category")),
		},
	}

	report, err := s.ingestor.Ingest(r.Context(), params)
	if err != nil {
		s.logger.Error("ドキュメント取り込みに失敗しました",
			slog.String("filename", header.Filename),
			slog.String("error", err.Error()),
		)
		var tooMany *ingestion.TooManyFailuresError
		if errors.As(err, &tooMany) {
			s.writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to ingest document")
		return
	}

	s.writeJSON(w, http.StatusOK, uploadResponse{
		DocumentID:      report.DocumentID,
		ChunksProcessed: report.ChunksProcessed,
		FailedPages:     report.FailedPages,
		Summarized:      report.Summarized,
		SummarizedGaps:  report.SummarizedWithGaps,
	})
}

// searchRequest は POST /search のリクエスト
type searchRequest struct {
	DocumentID string       `json:"document_id"`
	Query      string       `json:"query"`
	History    []searchTurn `json:"history,omitempty"`
}

type searchTurn struct {
	Role string `json:"role"` // "query" or "answer"
	Text string `json:"text"`
}

// searchResponse は POST /search のレスポンス
type searchResponse struct {
	Query          string          `json:"query"`
	Findings       []searchFinding `json:"findings"`
	NoMatches      bool            `json:"no_matches"`
	HistoryTrimmed bool            `json:"history_trimmed"`
}

type searchFinding struct {
	PageNumber     int    `json:"page_number"`
	SectionLabel   string `json:"section_label,omitempty"`
	SectionSummary string `json:"section_summary,omitempty"`
	CitedText      string `json:"cited_text"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DocumentID == "" || req.Query == "" {
		s.writeError(w, http.StatusBadRequest, "document_id and query are required")
		return
	}

	history := make([]query.ConversationTurn, 0, len(req.History))
	for i, turn := range req.History {
		role := query.TurnRoleQuery
		if turn.Role == "answer" {
			role = query.TurnRoleAnswer
		}
		history = append(history, query.ConversationTurn{
			Role:          role,
			Text:          turn.Text,
			SequenceIndex: i,
		})
	}

	result, err := s.answerer.Answer(r.Context(), req.DocumentID, req.Query, history)
	if err != nil {
		s.logger.Error("質問応答に失敗しました",
			slog.String("documentID", req.DocumentID),
			slog.String("error", err.Error()),
		)
		var stageErr *query.StageError
		if errors.As(err, &stageErr) && stageErr.Stage == query.StageParsing {
			s.writeError(w, http.StatusBadGateway, "model response could not be parsed")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to answer query")
		return
	}

	findings := make([]searchFinding, 0, len(result.Findings))
	for _, f := range result.Findings {
		findings = append(findings, searchFinding{
			PageNumber:     f.PageNumber,
			SectionLabel:   f.SectionLabel,
			SectionSummary: f.SectionSummary,
			CitedText:      f.CitedText,
		})
	}

	s.writeJSON(w, http.StatusOK, searchResponse{
		Query:          result.Query,
		Findings:       findings,
		NoMatches:      result.NoMatches,
		HistoryTrimmed: result.HistoryTrimmed,
	})
}

// documentSummary は GET /documents のレスポンス要素
type documentSummary struct {
	ID         string `json:"id"`
	Title      string `json:"title,omitempty"`
	ClientName string `json:"client_name,omitempty"`
	Category   string `json:"category,omitempty"`
	PageCount  int    `json:"page_count"`
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.documents.ListDocuments(r.Context())
	if err != nil {
		s.logger.Error("ドキュメント一覧取得に失敗しました", slog.String("error", err.Error()))
		s.writeError(w, http.StatusInternalServerError, "failed to list documents")
		return
	}

	summaries := make([]documentSummary, 0, len(docs))
	for _, doc := range docs {
		summaries = append(summaries, documentSummary{
			ID:         doc.ID,
			Title:      doc.Metadata.Title,
			ClientName: doc.Metadata.ClientName,
			Category:   string(doc.Metadata.Category),
			PageCount:  doc.PageCount,
		})
	}

	s.writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("レスポンス書き込みに失敗しました", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
