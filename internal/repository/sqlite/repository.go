package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/joshdurbin/linkbottle/internal/domain"
	"github.com/joshdurbin/linkbottle/internal/repository"
)

const linkColumns = `id, short_code, alias, original_url, title, clicks, qr_path, created_at`

// Repository implements repository.LinkRepository using SQLite
type Repository struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// New opens the database at databasePath and applies migrations. Every
// transaction is opened with BEGIN IMMEDIATE so that read-count-delete and
// bind sequences on a link are serialized across connections and processes.
func New(databasePath string, logger *zap.Logger) (*Repository, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate", databasePath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := &Repository{
		db:     db,
		logger: logger,
		now:    time.Now,
	}

	if err := repo.runMigrations(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

type scanner interface {
	Scan(dest ...any) error
}

// timestamp scans DATETIME values that the driver may hand back either
// parsed or as text, depending on whether the column type is known
type timestamp struct {
	time.Time
}

func (t *timestamp) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		t.Time = v
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case nil:
		t.Time = time.Time{}
		return nil
	}
	return fmt.Errorf("unsupported timestamp type %T", src)
}

func (t *timestamp) parse(s string) error {
	s = strings.TrimSuffix(s, "Z")
	for _, layout := range sqlite3.SQLiteTimestampFormats {
		if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("cannot parse timestamp %q", s)
}

func scanLink(row scanner) (*domain.LinkRecord, error) {
	var (
		record    domain.LinkRecord
		shortCode sql.NullString
		alias     sql.NullString
		qrPath    sql.NullString
		createdAt timestamp
	)
	if err := row.Scan(&record.ID, &shortCode, &alias, &record.OriginalURL, &record.Title, &record.Clicks, &qrPath, &createdAt); err != nil {
		return nil, err
	}
	record.CreatedAt = createdAt.Time
	record.ShortCode = nullable(shortCode)
	record.Alias = nullable(alias)
	record.QRPath = nullable(qrPath)
	return &record, nil
}

func nullable(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// mapError converts driver constraint errors to domain errors
func mapError(err error) error {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}

	switch sqliteErr.ExtendedCode {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		msg := sqliteErr.Error()
		switch {
		case strings.Contains(msg, "links.short_code"):
			return &domain.UniqueViolationError{Field: domain.FieldShortCode, Err: err}
		case strings.Contains(msg, "links.alias"):
			return &domain.UniqueViolationError{Field: domain.FieldAlias, Err: err}
		case strings.Contains(msg, "links.original_url"):
			return &domain.UniqueViolationError{Field: domain.FieldOriginalURL, Err: err}
		case strings.Contains(msg, "user_links."):
			return &domain.UniqueViolationError{Field: domain.FieldBinding, Err: err}
		}
	case sqlite3.ErrConstraintForeignKey:
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}
	return err
}

func (r *Repository) queryLink(ctx context.Context, query string, args ...any) (*domain.LinkRecord, error) {
	record, err := scanLink(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// FindByCodeOrAlias returns the record whose short code or alias equals key
func (r *Repository) FindByCodeOrAlias(ctx context.Context, key string) (*domain.LinkRecord, error) {
	record, err := r.queryLink(ctx, `SELECT `+linkColumns+` FROM links
		WHERE short_code = ? OR alias = ?
		ORDER BY CASE WHEN short_code = ? THEN 0 ELSE 1 END
		LIMIT 1`, key, key, key)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to find link %q: %w", key, err)
	}
	return record, err
}

// FindByURL returns a record for originalURL, preferring ones with a generated code
func (r *Repository) FindByURL(ctx context.Context, originalURL string) (*domain.LinkRecord, error) {
	record, err := r.queryLink(ctx, `SELECT `+linkColumns+` FROM links
		WHERE original_url = ?
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
		WHERE ul.user_id = ? AND l.original_url = ?
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
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM links WHERE short_code = ? OR alias = ?)`, code, code).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("failed to check code: %w", err)
	}
	return taken, nil
}

// CreateLink inserts a record and its first binding in one transaction
func (r *Repository) CreateLink(ctx context.Context, record *domain.LinkRecord, binding *domain.UserLinkBinding) (*domain.LinkRecord, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.now().UTC()
	}

	created, err := scanLink(tx.QueryRowContext(ctx, `INSERT INTO links (short_code, alias, original_url, title, qr_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING `+linkColumns,
		nullString(record.ShortCode), nullString(record.Alias), record.OriginalURL, record.Title, nullString(record.QRPath), createdAt))
	if err != nil {
		return nil, fmt.Errorf("failed to create link: %w", mapError(err))
	}

	if binding != nil {
		binding.LinkID = created.ID
		if err := insertBinding(ctx, tx, binding, createdAt); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit link: %w", mapError(err))
	}
	return created, nil
}

func insertBinding(ctx context.Context, tx *sql.Tx, binding *domain.UserLinkBinding, createdAt time.Time) error {
	tags, err := json.Marshal(normalizeTags(binding.Tags))
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	err = tx.QueryRowContext(ctx, `INSERT INTO user_links (user_id, link_id, title, tags, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`,
		binding.UserID, binding.LinkID, binding.Title, string(tags), createdAt).Scan(&binding.ID)
	if err != nil {
		return fmt.Errorf("failed to create binding: %w", mapError(err))
	}
	binding.CreatedAt = createdAt
	return nil
}

func normalizeTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

// CreateBinding binds a user to an existing record
func (r *Repository) CreateBinding(ctx context.Context, binding *domain.UserLinkBinding) (*domain.UserLinkBinding, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM links WHERE id = ?)`, binding.LinkID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to lock link: %w", err)
	}
	if !exists {
		return nil, domain.ErrNotFound
	}

	created := *binding
	if err := insertBinding(ctx, tx, &created, r.now().UTC()); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit binding: %w", mapError(err))
	}
	return &created, nil
}

// UpdateBinding changes the title and/or tags of a binding
func (r *Repository) UpdateBinding(ctx context.Context, userID, linkID int64, title *string, tags *[]string) error {
	var sets []string
	var args []any
	if title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *title)
	}
	if tags != nil {
		encoded, err := json.Marshal(normalizeTags(*tags))
		if err != nil {
			return fmt.Errorf("failed to encode tags: %w", err)
		}
		sets = append(sets, "tags = ?")
		args = append(args, string(encoded))
	}
	if len(sets) == 0 {
		// Nothing to change, but the binding must still exist
		var exists bool
		if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM user_links WHERE user_id = ? AND link_id = ?)`, userID, linkID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check binding: %w", err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return nil
	}

	args = append(args, userID, linkID)
	res, err := r.db.ExecContext(ctx, `UPDATE user_links SET `+strings.Join(sets, ", ")+` WHERE user_id = ? AND link_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update binding: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateLinkTitle changes the default title of a record
func (r *Repository) UpdateLinkTitle(ctx context.Context, linkID int64, title string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE links SET title = ? WHERE id = ?`, title, linkID)
	if err != nil {
		return fmt.Errorf("failed to update title: %w", err)
	}
	return requireRow(res)
}

// UpdateLink replaces the alias, URL and default title of a record
func (r *Repository) UpdateLink(ctx context.Context, linkID int64, alias *string, originalURL, title string) (*domain.LinkRecord, error) {
	record, err := r.queryLink(ctx, `UPDATE links SET alias = ?, original_url = ?, title = ?
		WHERE id = ?
		RETURNING `+linkColumns, nullString(alias), originalURL, title, linkID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to update link %d: %w", linkID, mapError(err))
	}
	return record, err
}

// UpdateQRPath records where the QR asset of a record is stored
func (r *Repository) UpdateQRPath(ctx context.Context, linkID int64, path string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE links SET qr_path = ? WHERE id = ?`, path, linkID)
	if err != nil {
		return fmt.Errorf("failed to update qr path: %w", err)
	}
	return requireRow(res)
}

// IncrementClicks applies every delta in one transaction. Records deleted since
// their clicks were recorded are skipped.
func (r *Repository) IncrementClicks(ctx context.Context, deltas []domain.ClickDelta) ([]*domain.LinkRecord, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE links SET clicks = clicks + ? WHERE id = ? RETURNING `+linkColumns)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare click update: %w", err)
	}
	defer stmt.Close()

	updated := make([]*domain.LinkRecord, 0, len(deltas))
	for _, d := range deltas {
		record, err := scanLink(stmt.QueryRowContext(ctx, d.Delta, d.LinkID))
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to increment clicks for link %d: %w", d.LinkID, err)
		}
		updated = append(updated, record)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit clicks: %w", err)
	}
	return updated, nil
}

// CountBindings returns how many users are bound to a record
func (r *Repository) CountBindings(ctx context.Context, linkID int64) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_links WHERE link_id = ?`, linkID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count bindings: %w", err)
	}
	return count, nil
}

// DeleteBinding removes a binding and, when none remain, the record itself
func (r *Repository) DeleteBinding(ctx context.Context, userID, linkID int64) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM user_links WHERE user_id = ? AND link_id = ?`, userID, linkID)
	if err != nil {
		return false, fmt.Errorf("failed to delete binding: %w", err)
	}
	if err := requireRow(res); err != nil {
		return false, err
	}

	var remaining int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_links WHERE link_id = ?`, linkID).Scan(&remaining); err != nil {
		return false, fmt.Errorf("failed to count bindings: %w", err)
	}

	deleted := false
	if remaining == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM links WHERE id = ?`, linkID); err != nil {
			return false, fmt.Errorf("failed to delete link: %w", err)
		}
		deleted = true
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit delete: %w", err)
	}
	return deleted, nil
}

// DeleteLink removes a record; bindings go with it through ON DELETE CASCADE
func (r *Repository) DeleteLink(ctx context.Context, linkID int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM links WHERE id = ?`, linkID)
	if err != nil {
		return fmt.Errorf("failed to delete link: %w", err)
	}
	return requireRow(res)
}

// ListLinks returns records newest first
func (r *Repository) ListLinks(ctx context.Context, limit, offset int) ([]*domain.LinkRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+linkColumns+` FROM links
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`, limit, offset)
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
	rows, err := r.db.QueryContext(ctx, `SELECT ul.id, l.id, l.short_code, l.alias, l.original_url, ul.title, l.title, ul.tags, l.clicks, ul.created_at, l.qr_path
		FROM user_links ul JOIN links l ON l.id = ul.link_id
		WHERE ul.user_id = ?
		ORDER BY ul.created_at DESC, ul.id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user links: %w", err)
	}
	defer rows.Close()

	views := []*domain.UserLinkView{}
	for rows.Next() {
		var (
			view      domain.UserLinkView
			shortCode sql.NullString
			alias     sql.NullString
			qrPath    sql.NullString
			tags      string
			createdAt timestamp
		)
		if err := rows.Scan(&view.UserLinkID, &view.ID, &shortCode, &alias, &view.OriginalURL, &view.Title, &view.DefaultTitle, &tags, &view.Clicks, &createdAt, &qrPath); err != nil {
			return nil, fmt.Errorf("failed to scan user link: %w", err)
		}
		view.CreatedAt = createdAt.Time
		view.ShortCode = nullable(shortCode)
		view.Alias = nullable(alias)
		view.QRPath = nullable(qrPath)
		if err := json.Unmarshal([]byte(tags), &view.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags: %w", err)
		}
		if view.Title == "" {
			view.Title = view.DefaultTitle
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

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(linkIDs)), ",")
	args := make([]any, len(linkIDs))
	for i, id := range linkIDs {
		args[i] = id
	}

	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM user_links WHERE link_id IN (`+placeholders+`) ORDER BY user_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bound users: %w", err)
	}
	defer rows.Close()

	var userIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		userIDs = append(userIDs, id)
	}
	return userIDs, rows.Err()
}

// Ping checks the connection
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the repository connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ensure Repository implements the interface
var _ repository.LinkRepository = (*Repository)(nil)
