package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/manifoldco/promptui"
	"github.com/urfave/cli/v3"

	"github.com/jinford/contract-rag/internal/core/query"
)

// QueryAction は契約書への質問応答コマンドのアクション
// 引数に質問を渡すと一問一答、省略すると対話モードになる
func QueryAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	documentID := cmd.String("document")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	question := cmd.Args().First()
	if question != "" {
		_, err := runQuery(ctx, appCtx, documentID, question, nil)
		return err
	}

	return runInteractive(ctx, appCtx, documentID)
}

// runInteractive は会話履歴を保持しながら質問を繰り返す対話モード
func runInteractive(ctx context.Context, appCtx *AppContext, documentID string) error {
	fmt.Println("契約書への質問を入力してください（Ctrl+Cで終了）")

	var history []query.ConversationTurn

	for {
		prompt := promptui.Prompt{
			Label: "質問",
		}
		question, err := prompt.Run()
		if err != nil {
			if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
				return nil
			}
			return fmt.Errorf("入力の読み取りに失敗: %w", err)
		}
		if question == "" {
			continue
		}

		result, err := runQuery(ctx, appCtx, documentID, question, history)
		if err != nil {
			// 1問の失敗で対話を打ち切らない
			appCtx.Logger().Error("質問応答に失敗しました", "error", err)
			fmt.Printf("エラー: %v\n", err)
			continue
		}

		seq := len(history)
		history = append(history,
			query.ConversationTurn{Role: query.TurnRoleQuery, Text: question, SequenceIndex: seq},
			query.ConversationTurn{Role: query.TurnRoleAnswer, Text: result.RawResponse, SequenceIndex: seq + 1},
		)
	}
}

// runQuery は1つの質問を実行して結果を表示する
func runQuery(ctx context.Context, appCtx *AppContext, documentID, question string, history []query.ConversationTurn) (*query.QueryResult, error) {
	result, err := appCtx.Container.QueryService.Answer(ctx, documentID, question, history)
	if err != nil {
		return nil, err
	}

	printResult(result)
	return result, nil
}

func printResult(result *query.QueryResult) {
	if result.NoMatches {
		fmt.Println("該当する記載は見つかりませんでした")
		return
	}

	for i, finding := range result.Findings {
		fmt.Printf("%d. ページ %d\n", i+1, finding.PageNumber)
		if finding.SectionLabel != "" {
			fmt.Printf("   条項: %s\n", finding.SectionLabel)
		}
		if finding.SectionSummary != "" {
			fmt.Printf("   要旨: %s\n", finding.SectionSummary)
		}
		fmt.Printf("   引用: %s\n", finding.CitedText)
	}

	if result.HistoryTrimmed {
		fmt.Println("（注）コンテキスト上限のため会話履歴は参照されていません")
	}
}
