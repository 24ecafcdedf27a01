package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/joshdurbin/linkbottle/internal/domain"
	"github.com/joshdurbin/linkbottle/internal/repository"
)

const linkColumns = `id, short_code, alias, original_url, title, clicks, qr_path, created_at`

// unique constraint and index names from the migrations
var uniqueFields = map[string]string{
	"links_short_code_key":     domain.FieldShortCode,
	"links_alias_key":          domain.FieldAlias,
	"links_coded_url_key":      domain.FieldOriginalURL,
	"user_links_user_link_key": domain.FieldBinding,
}

// Repository implements repository.LinkRepository on PostgreSQL
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New migrates the database at databaseURL and opens a connection pool to it
func New(ctx context.Context, databaseURL string, maxConns int32, logger *zap.Logger) (*Repository, error) {
	if err := Migrate(databaseURL, logger); err != nil {
		return nil, err
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Repository{pool: pool, logger: logger}, nil
}

func scanLink(row pgx.Row) (*domain.LinkRecord, error) {
	var record domain.LinkRecord
	err := row.Scan(&record.ID, &record.ShortCode, &record.Alias, &record.OriginalURL,
		&record.Title, &record.Clicks, &record.QRPath, &record.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// mapError converts constraint errors to domain errors
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		if field, ok := uniqueFields[pgErr.ConstraintName]; ok {
			return &domain.UniqueViolationError{Field: field, Err: err}
		}
	case "23503":
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}
	return err
}

func (r *Repository) queryLink(ctx context.Context, query string, args ...any) (*domain.LinkRecord, error) {
	record, err := scanLink(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return record, err
}

// FindByCodeOrAlias returns the record whose short code or alias equals key
func (r *Repository) FindByCodeOrAlias(ctx context.Context, key string) (*domain.LinkRecord, error) {
	record, err := r.queryLink(ctx, `SELECT `+linkColumns+` FROM links
		WHERE short_code = $1 OR alias = $1
		ORDER BY short_code = $1 DESC NULLS LAST
		LIMIT 1`, key)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to find link %q: %w", key, err)
	}
	return record, err
}

// FindByURL returns a record for originalURL, preferring ones with a generated code
func (r *Repository) FindByURL(ctx context.Context, originalURL string) (*domain.LinkRecord, error) {
	record, err := r.queryLink(ctx, `SELECT `+linkColumns+` FROM links
		WHERE original_url = $1
		ORDER BY short_code IS NULL, id
		LIMIT 1`, originalURL)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to find link by URL: %w", err)
	}
	return record, err
}

// FindUserLinkByURL returns the record for originalURL bound to userID
func (r *Repository) FindUserLinkByURL(ctx context.Context, userID int64, originalURL string) (*domain.LinkRecord, error) {
	record, err := r.queryLink(ctx, `SELECT l.id, l.short_code, l.alias, l.original_url, l.title, l.clicks, l.qr_path, l.created_at
		FROM links l JOIN user_links ul ON ul.link_id = l.id
		WHERE ul.user_id = $1 AND l.original_url = $2
		ORDER BY ul.id
		LIMIT 1`, userID, originalURL)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to find user link by URL: %w", err)
	}
	return record, err
}

// CodeTaken reports whether code is used as a short code or alias
func (r *Repository) CodeTaken(ctx context.Context, code string) (bool, error) {
	var taken bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM links WHERE short_code = $1 OR alias = $1)`, code).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("failed to check code: %w", err)
	}
	return taken, nil
}

// CreateLink inserts a record and its first binding in one transaction
func (r *Repository) CreateLink(ctx context.Context, record *domain.LinkRecord, binding *domain.UserLinkBinding) (*domain.LinkRecord, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := scanLink(tx.QueryRow(ctx, `INSERT INTO links (short_code, alias, original_url, title, qr_path)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+linkColumns,
		record.ShortCode, record.Alias, record.OriginalURL, record.Title, record.QRPath))
	if err != nil {
		return nil, fmt.Errorf("failed to create link: %w", mapError(err))
	}

	if binding != nil {
		binding.LinkID = created.ID
		if err := insertBinding(ctx, tx, binding); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit link: %w", mapError(err))
	}
	return created, nil
}

func insertBinding(ctx context.Context, tx pgx.Tx, binding *domain.UserLinkBinding) error {
	tags := binding.Tags
	if tags == nil {
		tags = []string{}
	}
	err := tx.QueryRow(ctx, `INSERT INTO user_links (user_id, link_id, title, tags)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		binding.UserID, binding.LinkID, binding.Title, tags).Scan(&binding.ID, &binding.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create binding: %w", mapError(err))
	}
	return nil
}

// CreateBinding binds a user to an existing record. The record row is held
// FOR SHARE so a concurrent last-binding delete cannot remove it underneath.
func (r *Repository) CreateBinding(ctx context.Context, binding *domain.UserLinkBinding) (*domain.UserLinkBinding, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `SELECT id FROM links WHERE id = $1 FOR SHARE`, binding.LinkID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock link: %w", err)
	}

	created := *binding
	if err := insertBinding(ctx, tx, &created); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit binding: %w", mapError(err))
	}
	return &created, nil
}

// UpdateBinding changes the title and/or tags of a binding
func (r *Repository) UpdateBinding(ctx context.Context, userID, linkID int64, title *string, tags *[]string) error {
	var sets []string
	var args []any
	if title != nil {
		args = append(args, *title)
		sets = append(sets, "title = $"+strconv.Itoa(len(args)))
	}
	if tags != nil {
		value := *tags
		if value == nil {
			value = []string{}
		}
		args = append(args, value)
		sets = append(sets, "tags = $"+strconv.Itoa(len(args)))
	}
	if len(sets) == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM user_links WHERE user_id = $1 AND link_id = $2)`, userID, linkID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check binding: %w", err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return nil
	}

	args = append(args, userID, linkID)
	query := fmt.Sprintf(`UPDATE user_links SET %s WHERE user_id = $%d AND link_id = $%d`,
		strings.Join(sets, ", "), len(args)-1, len(args))
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update binding: %w", err)
	}
	return requireRow(tag)
}

func requireRow(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateLinkTitle changes the default title of a record
func (r *Repository) UpdateLinkTitle(ctx context.Context, linkID int64, title string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE links SET title = $1 WHERE id = $2`, title, linkID)
	if err != nil {
		return fmt.Errorf("failed to update title: %w", err)
	}
	return requireRow(tag)
}

// UpdateLink replaces the alias, URL and default title of a record
func (r *Repository) UpdateLink(ctx context.Context, linkID int64, alias *string, originalURL, title string) (*domain.LinkRecord, error) {
	record, err := r.queryLink(ctx, `UPDATE links SET alias = $1, original_url = $2, title = $3
		WHERE id = $4
		RETURNING `+linkColumns, alias, originalURL, title, linkID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to update link %d: %w", linkID, mapError(err))
	}
	return record, err
}

// UpdateQRPath records where the QR asset of a record is stored
func (r *Repository) UpdateQRPath(ctx context.Context, linkID int64, path string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE links SET qr_path = $1 WHERE id = $2`, path, linkID)
	if err != nil {
		return fmt.Errorf("failed to update qr path: %w", err)
	}
	return requireRow(tag)
}

// IncrementClicks applies every delta in one transaction as a single batch.
// Records deleted since their clicks were recorded are skipped.
func (r *Repository) IncrementClicks(ctx context.Context, deltas []domain.ClickDelta) ([]*domain.LinkRecord, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, d := range deltas {
		batch.Queue(`UPDATE links SET clicks = clicks + $1 WHERE id = $2 RETURNING `+linkColumns, d.Delta, d.LinkID)
	}

	results := tx.SendBatch(ctx, batch)
	updated := make([]*domain.LinkRecord, 0, len(deltas))
	for _, d := range deltas {
		record, err := scanLink(results.QueryRow())
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			results.Close()
			return nil, fmt.Errorf("failed to increment clicks for link %d: %w", d.LinkID, err)
		}
		updated = append(updated, record)
	}
	if err := results.Close(); err != nil {
		return nil, fmt.Errorf("failed to close click batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit clicks: %w", err)
	}
	return updated, nil
}

// CountBindings returns how many users are bound to a record
func (r *Repository) CountBindings(ctx context.Context, linkID int64) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM user_links WHERE link_id = $1`, linkID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count bindings: %w", err)
	}
	return count, nil
}

// DeleteBinding removes a binding and, when none remain, the record itself.
// The record row is locked FOR UPDATE so concurrent deletes and binds on it
// are serialized.
func (r *Repository) DeleteBinding(ctx context.Context, userID, linkID int64) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `SELECT id FROM links WHERE id = $1 FOR UPDATE`, linkID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, domain.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock link: %w", err)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM user_links WHERE user_id = $1 AND link_id = $2`, userID, linkID)
	if err != nil {
		return false, fmt.Errorf("failed to delete binding: %w", err)
	}
	if err := requireRow(tag); err != nil {
		return false, err
	}

	var remaining int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM user_links WHERE link_id = $1`, linkID).Scan(&remaining); err != nil {
		return false, fmt.Errorf("failed to count bindings: %w", err)
	}

	deleted := false
	if remaining == 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM links WHERE id = $1`, linkID); err != nil {
			return false, fmt.Errorf("failed to delete link: %w", err)
		}
		deleted = true
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit delete: %w", err)
	}
	return deleted, nil
}

// DeleteLink removes a record; bindings go with it through ON DELETE CASCADE
func (r *Repository) DeleteLink(ctx context.Context, linkID int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM links WHERE id = $1`, linkID)
	if err != nil {
		return fmt.Errorf("failed to delete link: %w", err)
	}
	return requireRow(tag)
}

// ListLinks returns records newest first
func (r *Repository) ListLinks(ctx context.Context, limit, offset int) ([]*domain.LinkRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+linkColumns+` FROM links
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	defer rows.Close()

	records := []*domain.LinkRecord{}
	for rows.Next() {
		record, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// ListUserLinks returns a user's bindings joined with their records, newest first
func (r *Repository) ListUserLinks(ctx context.Context, userID int64) ([]*domain.UserLinkView, error) {
	rows, err := r.pool.Query(ctx, `SELECT ul.id, l.id, l.short_code, l.alias, l.original_url,
			COALESCE(NULLIF(ul.title, ''), l.title), l.title, ul.tags, l.clicks, ul.created_at, l.qr_path
		FROM user_links ul JOIN links l ON l.id = ul.link_id
		WHERE ul.user_id = $1
		ORDER BY ul.created_at DESC, ul.id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user links: %w", err)
	}
	defer rows.Close()

	views := []*domain.UserLinkView{}
	for rows.Next() {
		var view domain.UserLinkView
		if err := rows.Scan(&view.UserLinkID, &view.ID, &view.ShortCode, &view.Alias, &view.OriginalURL,
			&view.Title, &view.DefaultTitle, &view.Tags, &view.Clicks, &view.CreatedAt, &view.QRPath); err != nil {
			return nil, fmt.Errorf("failed to scan user link: %w", err)
		}
		views = append(views, &view)
	}
	return views, rows.Err()
}

// BoundUserIDs returns the distinct users bound to any of the given records
func (r *Repository) BoundUserIDs(ctx context.Context, linkIDs ...int64) ([]int64, error) {
	if len(linkIDs) == 0 {
		return nil, nil
	}

	rows, err := r.pool.Query(ctx, `SELECT DISTINCT user_id FROM user_links WHERE link_id = ANY($1) ORDER BY user_id`, linkIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list bound users: %w", err)
	}
	userIDs, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("failed to scan user ids: %w", err)
	}
	return userIDs, nil
}

// Ping checks the connection
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close closes the pool
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

var _ repository.LinkRepository = (*Repository)(nil)
