package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/jinford/contract-rag/internal/core/contract"
	"github.com/jinford/contract-rag/internal/core/ingestion"
)

// DocumentIngestAction は契約書ファイルを取り込むコマンドのアクション
func DocumentIngestAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	filePath := cmd.String("file")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	raw, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("ファイルの読み込みに失敗: %w", err)
	}

	params := ingestion.IngestParams{
		DocumentID: cmd.String("id"),
		Raw:        raw,
		Filename:   filepath.Base(filePath),
		Metadata: contract.Metadata{
			Title:      cmd.String("title"),
			Link:       cmd.String("link"),
			Account:    cmd.String("account"),
			ClientName: cmd.String("client"),
			Category:   contract.DocumentCategory(cmd.String("category")),
		},
	}
	if params.Metadata.Title == "" {
		params.Metadata.Title = filepath.Base(filePath)
	}

	report, err := appCtx.Container.IngestService.Ingest(ctx, params)
	if err != nil {
		appCtx.Logger().Error("ドキュメント取り込みに失敗しました", "error", err)
		return err
	}

	fmt.Printf("取り込み完了: %s\n", report.DocumentID)
	fmt.Printf("  チャンク数: %d\n", report.ChunksProcessed)
	if len(report.FailedPages) > 0 {
		fmt.Printf("  失敗ページ: %v\n", report.FailedPages)
	}
	if report.Summarized {
		fmt.Printf("  要約: %dレベル", report.SummaryLevels)
		if report.SummarizedWithGaps {
			fmt.Print("（一部欠落あり）")
		}
		fmt.Println()
	}
	fmt.Printf("  所要時間: %s\n", report.Duration)

	return nil
}

// DocumentListAction はドキュメント一覧を表示するコマンドのアクション
func DocumentListAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	docs, err := appCtx.Container.Documents.ListDocuments(ctx)
	if err != nil {
		return fmt.Errorf("ドキュメント一覧の取得に失敗: %w", err)
	}

	if len(docs) == 0 {
		fmt.Println("ドキュメントが登録されていません")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Title", "Client", "Category", "Pages")
	for _, doc := range docs {
		table.Append(
			doc.ID,
			truncateString(doc.Metadata.Title, 40),
			doc.Metadata.ClientName,
			string(doc.Metadata.Category),
			fmt.Sprintf("%d", doc.PageCount),
		)
	}
	table.Render()

	return nil
}

// DocumentShowAction はドキュメント詳細を表示するコマンドのアクション
func DocumentShowAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	documentID := cmd.String("id")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	docOpt, err := appCtx.Container.Documents.GetDocumentByID(ctx, documentID)
	if err != nil {
		return fmt.Errorf("ドキュメント取得に失敗: %w", err)
	}
	doc, ok := docOpt.Get()
	if !ok {
		return fmt.Errorf("ドキュメントが見つかりません: %s", documentID)
	}

	fmt.Printf("ID:         %s\n", doc.ID)
	fmt.Printf("Title:      %s\n", doc.Metadata.Title)
	fmt.Printf("Client:     %s\n", doc.Metadata.ClientName)
	fmt.Printf("Account:    %s\n", doc.Metadata.Account)
	fmt.Printf("Category:   %s\n", doc.Metadata.Category)
	fmt.Printf("Pages:      %d\n", doc.PageCount)
	if doc.Metadata.Link != "" {
		fmt.Printf("Link:       %s\n", doc.Metadata.Link)
	}

	chunks, err := appCtx.Container.Index.ListChunksByDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("チャンク一覧の取得に失敗: %w", err)
	}
	fmt.Printf("Chunks:     %d\n", len(chunks))

	digestOpt, err := appCtx.Container.Digests.GetDigestByDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("ダイジェスト取得に失敗: %w", err)
	}
	if digest, ok := digestOpt.Get(); ok {
		fmt.Printf("Digest:     %dトークン（%dレベル）\n", digest.TokenCount, digest.Levels)
		if digest.HasGaps {
			fmt.Printf("  欠落チャンク: %d件\n", len(digest.MissingChunkIDs))
		}
	}

	return nil
}

// DocumentDeleteAction はドキュメントとその派生データを削除するコマンドのアクション
func DocumentDeleteAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	documentID := cmd.String("id")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if err := appCtx.Container.Index.DeleteChunksByDocument(ctx, documentID); err != nil {
		return fmt.Errorf("チャンク削除に失敗: %w", err)
	}
	if err := appCtx.Container.Digests.DeleteDigestByDocument(ctx, documentID); err != nil {
		return fmt.Errorf("ダイジェスト削除に失敗: %w", err)
	}
	if err := appCtx.Container.Documents.DeleteDocument(ctx, documentID); err != nil {
		return fmt.Errorf("ドキュメント削除に失敗: %w", err)
	}

	fmt.Printf("削除しました: %s\n", documentID)
	return nil
}
