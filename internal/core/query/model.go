package query

import "fmt"

// TurnRole は会話ターンの役割
type TurnRole string

const (
	TurnRoleQuery  TurnRole = "query"
	TurnRoleAnswer TurnRole = "answer"
)

// ConversationTurn は1回の質問または回答
// セッション中は末尾追加のみで、トリミングは先頭（最古）からターン単位で行う
type ConversationTurn struct {
	Role          TurnRole
	Text          string
	TokenCount    int
	SequenceIndex int
}

// Finding は引用付き回答の1項目
// CitedTextは元ドキュメントからの逐語的な引用であることが期待される
type Finding struct {
	PageNumber     int
	SectionLabel   string
	SectionSummary string
	CitedText      string
}

// QueryResult は1クエリに対する構造化された回答
type QueryResult struct {
	Query    string
	Findings []Finding
	// NoMatches はモデルが一致なしと判断した場合にtrue
	NoMatches bool
	// HistoryTrimmed は会話履歴が予算超過でトリミングされた場合にtrue（参考情報）
	HistoryTrimmed bool
	RawResponse    string
}

// ResponseParsingError はリトライ後も構造化回答をパースできなかった場合のエラー
// 失敗時の生テキストを保持する
type ResponseParsingError struct {
	RawResponse string
}

func (e *ResponseParsingError) Error() string {
	return "failed to parse structured findings from completion response"
}

// Stage はクエリ処理の段階
type Stage string

const (
	StageRetrieving Stage = "retrieving"
	StageAssembling Stage = "assembling"
	StageGenerating Stage = "generating"
	StageParsing    Stage = "parsing"
)

// StageError はクエリ処理の失敗段階を特定するエラー
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("query failed at %s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
