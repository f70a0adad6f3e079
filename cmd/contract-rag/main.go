package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/jinford/contract-rag/cmd/contract-rag/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 構造化ログの設定
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	app := &cli.Command{
		Name:  "contract-rag",
		Usage: "契約書向けRAG検索・質問応答システム",
		Commands: []*cli.Command{
			{
				Name:  "document",
				Usage: "契約書ドキュメント管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "ingest",
						Usage: "契約書ファイルを取り込む",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "env",
								Usage: "環境変数ファイルパス",
								Value: ".env",
							},
							&cli.StringFlag{
								Name:     "file",
								Usage:    "契約書ファイルパス",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "id",
								Usage: "ドキュメントID（省略時は自動生成）",
							},
							&cli.StringFlag{
								Name:  "title",
								Usage: "ドキュメントタイトル（省略時はファイル名）",
							},
							&cli.StringFlag{
								Name:  "client",
								Usage: "クライアント名",
							},
							&cli.StringFlag{
								Name:  "account",
								Usage: "アカウント名",
							},
							&cli.StringFlag{
								Name:  "link",
								Usage: "原本へのリンク",
							},
							&cli.StringFlag{
								Name:  "category",
								Usage: "契約カテゴリ（IMA / NDA / general）",
								Value: "general",
							},
						},
						Action: commands.DocumentIngestAction,
					},
					{
						Name:  "list",
						Usage: "ドキュメント一覧を表示",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "env",
								Usage: "環境変数ファイルパス",
								Value: ".env",
							},
						},
						Action: commands.DocumentListAction,
					},
					{
						Name:  "show",
						Usage: "ドキュメント詳細を表示",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "env",
								Usage: "環境変数ファイルパス",
								Value: ".env",
							},
							&cli.StringFlag{
								Name:     "id",
								Usage:    "ドキュメントID",
								Required: true,
							},
						},
						Action: commands.DocumentShowAction,
					},
					{
						Name:  "delete",
						Usage: "ドキュメントと派生データを削除",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "env",
								Usage: "環境変数ファイルパス",
								Value: ".env",
							},
							&cli.StringFlag{
								Name:     "id",
								Usage:    "ドキュメントID",
								Required: true,
							},
						},
						Action: commands.DocumentDeleteAction,
					},
				},
			},
			{
				Name:      "query",
				Usage:     "契約書に質問する（引数省略で対話モード）",
				ArgsUsage: "[質問文]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "env",
						Usage: "環境変数ファイルパス",
						Value: ".env",
					},
					&cli.StringFlag{
						Name:     "document",
						Usage:    "対象のドキュメントID",
						Required: true,
					},
				},
				Action: commands.QueryAction,
			},
			{
				Name:  "server",
				Usage: "サーバ関連コマンド",
				Commands: []*cli.Command{
					{
						Name:  "start",
						Usage: "HTTP APIサーバーを起動",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "env",
								Usage: "環境変数ファイルパス",
								Value: ".env",
							},
							&cli.IntFlag{
								Name:  "port",
								Usage: "HTTPポート（省略時は環境変数またはデフォルトの8080）",
							},
						},
						Action: commands.ServerStartAction,
					},
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
