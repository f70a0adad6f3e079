package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jinford/contract-rag/internal/core/ingestion"
	"github.com/jinford/contract-rag/internal/infra/postgres"
)

// コンパイル時の型チェック
var _ ingestion.Transactor = (*TransactionProvider)(nil)

// TransactionProvider follows the pattern described in https://threedots.tech/post/database-transactions-in-go/
// It hides pgx transactions behind a callback that receives data-access adapters.
type TransactionProvider struct {
	pool *pgxpool.Pool
}

// NewTransactionProvider は新しいTransactionProviderを作成します
func NewTransactionProvider(pool *pgxpool.Pool) *TransactionProvider {
	return &TransactionProvider{pool: pool}
}

// Adapter bundles repository adapters that operate inside a single transaction.
type Adapter struct {
	Documents *postgres.DocumentRepository
	Chunks    *postgres.ChunkRepository
	Digests   *postgres.DigestRepository
}

func newAdapter(tx pgx.Tx) *Adapter {
	return &Adapter{
		Documents: postgres.NewDocumentRepository(tx),
		Chunks:    postgres.NewChunkRepository(tx),
		Digests:   postgres.NewDigestRepository(tx),
	}
}

// WithinTx はリポジトリ一式を1トランザクションに束ねてfnに渡す
func (p *TransactionProvider) WithinTx(ctx context.Context, fn func(ingestion.Stores) error) error {
	_, err := Transact(ctx, p, func(a *Adapter) (struct{}, error) {
		return struct{}{}, fn(ingestion.Stores{
			Documents: a.Documents,
			Index:     a.Chunks,
			Digests:   a.Digests,
		})
	})
	return err
}

// Transact opens a transaction, builds adapters, and passes them to fn.
func Transact[T any](ctx context.Context, p *TransactionProvider, fn func(*Adapter) (T, error)) (T, error) {
	var zero T
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}

	adapters := newAdapter(tx)

	result, err := fn(adapters)
	if err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return zero, fmt.Errorf("tx rollback failed: %v (original err: %w)", rbErr, err)
		}
		return zero, err
	}

	if err := tx.Commit(ctx); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}
