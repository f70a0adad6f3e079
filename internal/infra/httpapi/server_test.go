package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/contract-rag/internal/core/contract"
	"github.com/jinford/contract-rag/internal/core/ingestion"
	"github.com/jinford/contract-rag/internal/core/query"
)

type stubIngestor struct {
	report *ingestion.IngestReport
	err    error
	params ingestion.IngestParams
}

func (s *stubIngestor) Ingest(_ context.Context, params ingestion.IngestParams) (*ingestion.IngestReport, error) {
	s.params = params
	return s.report, s.err
}

type stubAnswerer struct {
	result     *query.QueryResult
	err        error
	documentID string
	query      string
	history    []query.ConversationTurn
}

func (s *stubAnswerer) Answer(_ context.Context, documentID, queryText string, history []query.ConversationTurn) (*query.QueryResult, error) {
	s.documentID = documentID
	s.query = queryText
	s.history = history
	return s.result, s.err
}

type stubDocuments struct {
	docs []*contract.Document
	err  error
}

func (s *stubDocuments) GetDocumentByID(_ context.Context, id string) (mo.Option[*contract.Document], error) {
	for _, doc := range s.docs {
		if doc.ID == id {
			return mo.Some(doc), nil
		}
	}
	return mo.None[*contract.Document](), nil
}

func (s *stubDocuments) ListDocuments(_ context.Context) ([]*contract.Document, error) {
	return s.docs, s.err
}

func (s *stubDocuments) SaveDocument(_ context.Context, _ *contract.Document) error { return nil }

func (s *stubDocuments) DeleteDocument(_ context.Context, _ string) error { return nil }

func newUploadRequest(t *testing.T, fields map[string]string) *http.Request {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("document", "contract.pdf")
	require.NoError(t, err)
	_, err = part.Write([]byte("%PDF-1.7 dummy"))
	require.NoError(t, err)

	for key, value := range fields {
		require.NoError(t, writer.WriteField(key, value))
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func TestServer_HandleUpload(t *testing.T) {
	ingestor := &stubIngestor{
		report: &ingestion.IngestReport{
			DocumentID:      "DOC-001",
			ChunksProcessed: 12,
		},
	}
	server := NewServer(ingestor, &stubAnswerer{}, &stubDocuments{})

	req := newUploadRequest(t, map[string]string{
		"title":       "業務委託契約書",
		"client_name": "Acme",
		"category":    "NDA",
	})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp uploadResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "DOC-001", resp.DocumentID)
	assert.Equal(t, 12, resp.ChunksProcessed)

	// メタデータがフォームフィールドから渡されている
	assert.Equal(t, "業務委託契約書", ingestor.params.Metadata.Title)
	assert.Equal(t, "Acme", ingestor.params.Metadata.ClientName)
	assert.Equal(t, contract.CategoryNDA, ingestor.params.Metadata.Category)
	assert.Equal(t, "contract.pdf", ingestor.params.Filename)
}

func TestServer_HandleUpload_MissingFile(t *testing.T) {
	server := NewServer(&stubIngestor{}, &stubAnswerer{}, &stubDocuments{})

	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("not multipart"))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_HandleUpload_TooManyFailures(t *testing.T) {
	ingestor := &stubIngestor{
		err: &ingestion.TooManyFailuresError{Failed: 3, Total: 4},
	}
	server := NewServer(ingestor, &stubAnswerer{}, &stubDocuments{})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, newUploadRequest(t, nil))

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestServer_HandleSearch(t *testing.T) {
	answerer := &stubAnswerer{
		result: &query.QueryResult{
			Query: "支払条件は？",
			Findings: []query.Finding{
				{PageNumber: 12, SectionLabel: "第5条", CitedText: "支払いは月末締め翌月末払いとする。"},
			},
		},
	}
	server := NewServer(&stubIngestor{}, answerer, &stubDocuments{})

	body := `{"document_id":"DOC-001","query":"支払条件は？","history":[{"role":"query","text":"契約期間は？"},{"role":"answer","text":"1年間です。"}]}`
	req := httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp searchResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Findings, 1)
	assert.Equal(t, 12, resp.Findings[0].PageNumber)
	assert.Equal(t, "第5条", resp.Findings[0].SectionLabel)

	// 会話履歴がロール付きで引き渡されている
	assert.Equal(t, "DOC-001", answerer.documentID)
	require.Len(t, answerer.history, 2)
	assert.Equal(t, query.TurnRoleQuery, answerer.history[0].Role)
	assert.Equal(t, query.TurnRoleAnswer, answerer.history[1].Role)
}

func TestServer_HandleSearch_MissingFields(t *testing.T) {
	server := NewServer(&stubIngestor{}, &stubAnswerer{}, &stubDocuments{})

	req := httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(`{"query":"支払条件は？"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_HandleSearch_ParseFailure(t *testing.T) {
	answerer := &stubAnswerer{
		err: &query.StageError{Stage: query.StageParsing, Err: errors.New("malformed response")},
	}
	server := NewServer(&stubIngestor{}, answerer, &stubDocuments{})

	body := `{"document_id":"DOC-001","query":"支払条件は？"}`
	req := httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestServer_HandleListDocuments(t *testing.T) {
	docs := &stubDocuments{
		docs: []*contract.Document{
			{
				ID:        "DOC-001",
				Metadata:  contract.Metadata{Title: "秘密保持契約書", Category: contract.CategoryNDA},
				PageCount: 8,
			},
		},
	}
	server := NewServer(&stubIngestor{}, &stubAnswerer{}, docs)

	req := httptest.NewRequest(http.MethodGet, "/documents", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp []documentSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "DOC-001", resp[0].ID)
	assert.Equal(t, 8, resp[0].PageCount)
}
