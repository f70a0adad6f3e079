package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/jinford/contract-rag/internal/core/contract"
	"github.com/jinford/contract-rag/internal/core/ingestion"
)

const (
	// DefaultTimeout は抽出APIのデフォルトタイムアウト
	// ページ数の多いPDFの解析に時間がかかるため長めに取る
	DefaultTimeout = 5 * time.Minute

	// MaxRetries は一時的なエラー時の最大リトライ回数
	MaxRetries = 3

	// BaseBackoff はExponential Backoffの基底時間
	BaseBackoff = 2 * time.Second
)

// page は抽出APIのレスポンスに含まれる1ページ分のデータ
type page struct {
	PageNumber  int            `json:"page_number"`
	Text        string         `json:"text"`
	LayoutHints map[string]any `json:"layout_hints,omitempty"`
}

// analyzeResponse は抽出APIのレスポンス
type analyzeResponse struct {
	Pages []page `json:"pages"`
}

// Client はレイアウト解析付きテキスト抽出サービスのHTTPクライアント
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	baseBackoff time.Duration
}

// ClientOption は Client のオプション設定
type ClientOption func(*Client)

// WithHTTPClient はHTTPクライアントを上書きする（テスト用）
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithBaseBackoff はリトライ待機の基底時間を上書きする
func WithBaseBackoff(backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.baseBackoff = backoff
	}
}

// NewClient は新しい Client を作成する
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		baseBackoff: BaseBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Extract はドキュメントのバイト列を抽出サービスに送信し、ページ列を取得する
// 429と5xxは一時的なエラーとしてExponential Backoffでリトライする
func (c *Client) Extract(ctx context.Context, raw []byte, filename string) ([]contract.Page, error) {
	var lastErr error

	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			backoffDuration := time.Duration(math.Pow(2, float64(attempt-1))) * c.baseBackoff

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoffDuration):
			}
		}

		pages, retryable, err := c.analyze(ctx, raw, filename)
		if err == nil {
			return pages, nil
		}

		lastErr = err
		if !retryable {
			return nil, err
		}
	}

	return nil, fmt.Errorf("extraction failed after %d retries: %w", MaxRetries, lastErr)
}

// analyze は抽出APIを1回呼び出す
// 戻り値の第2値はリトライ可能なエラーかどうか
func (c *Client) analyze(ctx context.Context, raw []byte, filename string) ([]contract.Page, bool, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("document", filename)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create multipart form: %w", err)
	}
	if _, err := part.Write(raw); err != nil {
		return nil, false, fmt.Errorf("failed to write document bytes: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, false, fmt.Errorf("failed to finalize multipart form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", &body)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// ネットワークエラーはリトライ可能として扱う
		return nil, true, fmt.Errorf("extraction request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, retryable, fmt.Errorf("extraction service returned status %d: %s", resp.StatusCode, string(msg))
	}

	var decoded analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, false, fmt.Errorf("failed to decode extraction response: %w", err)
	}

	pages := make([]contract.Page, 0, len(decoded.Pages))
	for _, p := range decoded.Pages {
		pages = append(pages, contract.Page{
			Number:      p.PageNumber,
			Text:        p.Text,
			LayoutHints: p.LayoutHints,
		})
	}

	return pages, false, nil
}

// インターフェース実装の確認
var _ ingestion.Extractor = (*Client)(nil)
