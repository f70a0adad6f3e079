package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CallKind は失敗したLLM呼び出しの種別
type CallKind string

const (
	// CallKindAnswer はクエリ回答の生成呼び出し
	CallKindAnswer CallKind = "answer"
	// CallKindSummaryReduce は要約バッチの縮約呼び出し
	CallKindSummaryReduce CallKind = "summary_reduce"
	// CallKindEmbedding はEmbedding生成呼び出し
	CallKindEmbedding CallKind = "embedding"
)

// ErrorRecord は失敗したLLM呼び出しのログレコード
type ErrorRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	Kind         CallKind  `json:"kind"`
	DocumentID   string    `json:"document_id,omitempty"`
	Prompt       string    `json:"prompt"`
	Response     string    `json:"response,omitempty"`
	ErrorMessage string    `json:"error_message"`
	RetryCount   int       `json:"retry_count"`
}

// ErrorLog は失敗したLLM呼び出しをJSON Lines形式で記録する
// ログディレクトリ未指定の場合は何も記録しない
type ErrorLog struct {
	logFile  *os.File
	logMutex sync.Mutex
	enabled  bool
	logger   *slog.Logger
}

// NewErrorLog は新しいErrorLogを作成する
// ログファイルは日付単位でローテーションされる
func NewErrorLog(logDir string, logger *slog.Logger) (*ErrorLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if logDir == "" {
		return &ErrorLog{enabled: false, logger: logger}, nil
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logFileName := fmt.Sprintf("llm_errors_%s.jsonl", time.Now().Format("2006-01-02"))
	logFilePath := filepath.Join(logDir, logFileName)

	logFile, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &ErrorLog{
		logFile: logFile,
		enabled: true,
		logger:  logger,
	}, nil
}

// Close はログファイルを閉じる
func (l *ErrorLog) Close() error {
	if l.logFile != nil {
		return l.logFile.Close()
	}
	return nil
}

// Record はエラーをログに記録する
func (l *ErrorLog) Record(record ErrorRecord) error {
	l.logger.Warn("LLM呼び出しが失敗しました",
		"kind", record.Kind,
		"documentID", record.DocumentID,
		"error", record.ErrorMessage,
		"retries", record.RetryCount,
	)

	if !l.enabled {
		return nil
	}

	l.logMutex.Lock()
	defer l.logMutex.Unlock()

	jsonBytes, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal error record: %w", err)
	}

	if _, err := l.logFile.Write(append(jsonBytes, '\n')); err != nil {
		return fmt.Errorf("failed to write log: %w", err)
	}

	return nil
}

// maxLoggedPromptLen はログに残すプロンプトの最大長
const maxLoggedPromptLen = 2000

// LoggedClient は呼び出し失敗をErrorLogへ記録する補完クライアントのデコレータ
type LoggedClient struct {
	client   completer
	errorLog *ErrorLog
	kind     CallKind
}

// NewLoggedClient は失敗記録付きの補完クライアントを作成する
func NewLoggedClient(client completer, errorLog *ErrorLog, kind CallKind) *LoggedClient {
	return &LoggedClient{
		client:   client,
		errorLog: errorLog,
		kind:     kind,
	}
}

// Complete は補完APIを呼び出し、失敗した場合のみErrorLogに記録する
func (c *LoggedClient) Complete(ctx context.Context, prompt string, temperature float64, maxOutputTokens int) (string, error) {
	text, err := c.client.Complete(ctx, prompt, temperature, maxOutputTokens)
	if err != nil {
		recordErr := c.errorLog.Record(ErrorRecord{
			Timestamp:    time.Now(),
			Kind:         c.kind,
			Prompt:       TruncateForLog(prompt, maxLoggedPromptLen),
			ErrorMessage: err.Error(),
		})
		if recordErr != nil {
			c.errorLog.logger.Warn("エラーログの書き込みに失敗しました", "error", recordErr)
		}
	}
	return text, err
}

// TruncateForLog はログ記録用に文字列を指定長へ切り詰める
func TruncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "... (truncated)"
}
