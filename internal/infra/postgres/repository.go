package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/mo"

	"github.com/jinford/contract-rag/internal/core/contract"
	"github.com/jinford/contract-rag/internal/core/ingestion"
)

// DBTX はプールとトランザクションの両方で使える最小のクエリインターフェース
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DocumentRepository は ingestion.DocumentRepository を実装する PostgreSQL リポジトリです
type DocumentRepository struct {
	db DBTX
}

// NewDocumentRepository は新しい DocumentRepository を作成します
func NewDocumentRepository(db DBTX) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// コンパイル時の型チェック
var _ ingestion.DocumentRepository = (*DocumentRepository)(nil)

// GetDocumentByID はIDでドキュメントをページ込みで取得します
func (r *DocumentRepository) GetDocumentByID(ctx context.Context, id string) (mo.Option[*contract.Document], error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, title, link, account, client_name, category
		FROM documents
		WHERE id = $1
	`, id)

	var doc contract.Document
	var title, link, account, clientName, category *string
	if err := row.Scan(&doc.ID, &title, &link, &account, &clientName, &category); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mo.None[*contract.Document](), nil
		}
		return mo.None[*contract.Document](), fmt.Errorf("failed to get document: %w", err)
	}

	doc.Metadata = contract.Metadata{
		Title:      deref(title),
		Link:       deref(link),
		Account:    deref(account),
		ClientName: deref(clientName),
		Category:   contract.DocumentCategory(deref(category)),
	}

	pages, err := r.listPages(ctx, id)
	if err != nil {
		return mo.None[*contract.Document](), err
	}
	doc.Pages = pages
	doc.PageCount = len(pages)

	return mo.Some(&doc), nil
}

// ListDocuments は全ドキュメントをページ本文なしで一覧取得します
func (r *DocumentRepository) ListDocuments(ctx context.Context) ([]*contract.Document, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, title, link, account, client_name, category, page_count
		FROM documents
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*contract.Document
	for rows.Next() {
		var doc contract.Document
		var title, link, account, clientName, category *string
		if err := rows.Scan(&doc.ID, &title, &link, &account, &clientName, &category, &doc.PageCount); err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		doc.Metadata = contract.Metadata{
			Title:      deref(title),
			Link:       deref(link),
			Account:    deref(account),
			ClientName: deref(clientName),
			Category:   contract.DocumentCategory(deref(category)),
		}
		docs = append(docs, &doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate document rows: %w", err)
	}

	return docs, nil
}

// SaveDocument はドキュメントとページを保存します
// 既存ドキュメントはメタデータを更新し、ページは全置換します
func (r *DocumentRepository) SaveDocument(ctx context.Context, doc *contract.Document) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO documents (id, title, link, account, client_name, category, page_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			link = EXCLUDED.link,
			account = EXCLUDED.account,
			client_name = EXCLUDED.client_name,
			category = EXCLUDED.category,
			page_count = EXCLUDED.page_count,
			updated_at = now()
	`,
		doc.ID,
		StringToNullableText(doc.Metadata.Title),
		StringToNullableText(doc.Metadata.Link),
		StringToNullableText(doc.Metadata.Account),
		StringToNullableText(doc.Metadata.ClientName),
		StringToNullableText(string(doc.Metadata.Category)),
		len(doc.Pages),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}

	if _, err := r.db.Exec(ctx, `DELETE FROM document_pages WHERE document_id = $1`, doc.ID); err != nil {
		return fmt.Errorf("failed to delete old pages: %w", err)
	}

	for _, page := range doc.Pages {
		hints, err := MapToJSON(page.LayoutHints)
		if err != nil {
			return err
		}
		_, err = r.db.Exec(ctx, `
			INSERT INTO document_pages (document_id, page_number, content, layout_hints)
			VALUES ($1, $2, $3, $4)
		`, doc.ID, page.Number, page.Text, hints)
		if err != nil {
			return fmt.Errorf("failed to insert page %d: %w", page.Number, err)
		}
	}

	return nil
}

// DeleteDocument はドキュメントを削除します（ページはCASCADEで削除される）
func (r *DocumentRepository) DeleteDocument(ctx context.Context, id string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

func (r *DocumentRepository) listPages(ctx context.Context, documentID string) ([]contract.Page, error) {
	rows, err := r.db.Query(ctx, `
		SELECT page_number, content, layout_hints
		FROM document_pages
		WHERE document_id = $1
		ORDER BY page_number
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}
	defer rows.Close()

	var pages []contract.Page
	for rows.Next() {
		var page contract.Page
		var hints []byte
		if err := rows.Scan(&page.Number, &page.Text, &hints); err != nil {
			return nil, fmt.Errorf("failed to scan page row: %w", err)
		}
		page.LayoutHints, err = JSONToMap(hints)
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate page rows: %w", err)
	}

	return pages, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
