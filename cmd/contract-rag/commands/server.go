package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/jinford/contract-rag/internal/infra/httpapi"
)

// ServerStartAction はHTTP APIサーバーを起動するコマンドのアクション
func ServerStartAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	addr := appCtx.Config.Server.Addr
	if port := cmd.Int("port"); port > 0 {
		addr = fmt.Sprintf(":%d", port)
	}

	server := httpapi.NewServer(
		appCtx.Container.IngestService,
		appCtx.Container.QueryService,
		appCtx.Container.Documents,
		httpapi.WithServerLogger(appCtx.Logger()),
	)

	return server.Start(ctx, addr)
}
