package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/faultline/internal/dialect"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// errRowVanished means the conflicting row seen by INSERT ... ON CONFLICT was
// gone by the time it was locked, i.e. the racing inserter rolled back.
var errRowVanished = errors.New("issue group vanished during find-or-create")

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool exposes the underlying pool for components that share the connection.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Issue Groups ---

const groupColumns = `id, fingerprint, exception_class, sanitized_message, file_path, line_number, method_name,
	occurrences_count, first_seen_at, last_seen_at, status, resolved_at, last_notified_at, created_at, updated_at`

func scanGroup(row pgx.Row) (*models.IssueGroup, error) {
	var g models.IssueGroup
	err := row.Scan(&g.ID, &g.Fingerprint, &g.ExceptionClass, &g.SanitizedMessage, &g.FilePath,
		&g.LineNumber, &g.MethodName, &g.OccurrencesCount, &g.FirstSeenAt, &g.LastSeenAt, &g.Status,
		&g.ResolvedAt, &g.LastNotifiedAt, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *PostgresStore) FindOrCreateIssueGroup(ctx context.Context, candidate *models.IssueGroup) (*models.IssueGroup, error) {
	g, err := s.findOrCreate(ctx, candidate)
	if errors.Is(err, errRowVanished) {
		g, err = s.findOrCreate(ctx, candidate)
	}
	if err != nil {
		return nil, fmt.Errorf("find or create issue group: %w", err)
	}
	return g, nil
}

func (s *PostgresStore) findOrCreate(ctx context.Context, c *models.IssueGroup) (*models.IssueGroup, error) {
	seenAt := c.LastSeenAt
	if seenAt.IsZero() {
		seenAt = time.Now().UTC()
	}
	id := c.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	g, err := scanGroup(tx.QueryRow(ctx,
		`INSERT INTO issue_groups (id, fingerprint, exception_class, sanitized_message, file_path, line_number,
		   method_name, occurrences_count, first_seen_at, last_seen_at, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $8, 'unresolved', NOW(), NOW())
		 ON CONFLICT (fingerprint) DO NOTHING
		 RETURNING `+groupColumns,
		id, c.Fingerprint, c.ExceptionClass, c.SanitizedMessage, c.FilePath, c.LineNumber, c.MethodName, seenAt))
	switch {
	case err == nil:
		g.Created = true
	case errors.Is(err, pgx.ErrNoRows):
		g, err = s.touchExisting(ctx, tx, c.Fingerprint, seenAt)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return g, nil
}

// touchExisting locks the existing row and either reopens it or bumps last_seen_at.
func (s *PostgresStore) touchExisting(ctx context.Context, tx pgx.Tx, fingerprint string, seenAt time.Time) (*models.IssueGroup, error) {
	existing, err := scanGroup(tx.QueryRow(ctx,
		`SELECT `+groupColumns+` FROM issue_groups WHERE fingerprint = $1 FOR UPDATE`, fingerprint))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errRowVanished
	}
	if err != nil {
		return nil, fmt.Errorf("lock: %w", err)
	}

	if existing.Status == models.StatusResolved {
		g, err := scanGroup(tx.QueryRow(ctx,
			`UPDATE issue_groups SET status = 'unresolved', resolved_at = NULL,
			   last_seen_at = GREATEST(last_seen_at, $2), updated_at = NOW()
			 WHERE id = $1 RETURNING `+groupColumns, existing.ID, seenAt))
		if err != nil {
			return nil, fmt.Errorf("reopen: %w", err)
		}
		g.Reopened = true
		return g, nil
	}

	g, err := scanGroup(tx.QueryRow(ctx,
		`UPDATE issue_groups SET last_seen_at = GREATEST(last_seen_at, $2), updated_at = NOW()
		 WHERE id = $1 RETURNING `+groupColumns, existing.ID, seenAt))
	if err != nil {
		return nil, fmt.Errorf("touch: %w", err)
	}
	return g, nil
}

func (s *PostgresStore) GetIssueGroup(ctx context.Context, id uuid.UUID) (*models.IssueGroup, error) {
	g, err := scanGroup(s.pool.QueryRow(ctx, `SELECT `+groupColumns+` FROM issue_groups WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get issue group: %w", err)
	}
	return g, nil
}

func (s *PostgresStore) GetIssueGroupByFingerprint(ctx context.Context, fingerprint string) (*models.IssueGroup, error) {
	g, err := scanGroup(s.pool.QueryRow(ctx, `SELECT `+groupColumns+` FROM issue_groups WHERE fingerprint = $1`, fingerprint))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get issue group by fingerprint: %w", err)
	}
	return g, nil
}

const searchVector = `to_tsvector('simple', exception_class || ' ' || sanitized_message)`

var reSearchToken = regexp.MustCompile(`[A-Za-z0-9_]+`)

// prefixQuery turns free text into a prefix tsquery ("tok:* & tok:*").
// Returns "" when nothing searchable is left.
func prefixQuery(q string) string {
	tokens := reSearchToken.FindAllString(q, -1)
	for i, tok := range tokens {
		tokens[i] = strings.ToLower(tok) + ":*"
	}
	return strings.Join(tokens, " & ")
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (s *PostgresStore) ListIssueGroups(ctx context.Context, filter GroupFilter) ([]*models.IssueGroup, int, error) {
	var conditions []string
	var args []any
	if filter.Status != "" {
		conditions = append(conditions, "status = $1")
		args = append(args, filter.Status)
	}

	q := strings.TrimSpace(filter.Query)
	if q == "" {
		return s.listGroups(ctx, conditions, args, filter)
	}

	if tsq := prefixQuery(q); tsq != "" {
		cond := fmt.Sprintf("%s @@ to_tsquery('simple', $%d)", searchVector, len(args)+1)
		groups, total, err := s.listGroups(ctx, append(conditions, cond), append(args, tsq), filter)
		if err != nil || total > 0 {
			return groups, total, err
		}
	}

	n := len(args) + 1
	cond := fmt.Sprintf("(exception_class ILIKE $%d OR sanitized_message ILIKE $%d)", n, n)
	return s.listGroups(ctx, append(conditions, cond), append(args, "%"+escapeLike(q)+"%"), filter)
}

func (s *PostgresStore) listGroups(ctx context.Context, conditions []string, args []any, filter GroupFilter) ([]*models.IssueGroup, int, error) {
	where := "TRUE"
	if len(conditions) > 0 {
		where = strings.Join(conditions, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM issue_groups WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count issue groups: %w", err)
	}

	limit, offset := Pagination(filter.Page, filter.Limit)
	argIdx := len(args) + 1
	dataQuery := fmt.Sprintf(
		`SELECT %s FROM issue_groups WHERE %s ORDER BY last_seen_at DESC, id LIMIT $%d OFFSET $%d`,
		groupColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list issue groups: %w", err)
	}
	defer rows.Close()

	groups := []*models.IssueGroup{}
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan issue group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, total, rows.Err()
}

func (s *PostgresStore) UpdateIssueGroupStatus(ctx context.Context, id uuid.UUID, status string) (*models.IssueGroup, error) {
	if !models.ValidStatus(status) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	var resolvedAt *time.Time
	if status == models.StatusResolved {
		now := time.Now().UTC()
		resolvedAt = &now
	}

	g, err := scanGroup(s.pool.QueryRow(ctx,
		`UPDATE issue_groups SET status = $2, resolved_at = $3, updated_at = NOW()
		 WHERE id = $1 RETURNING `+groupColumns, id, status, resolvedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update issue group status: %w", err)
	}
	return g, nil
}

func (s *PostgresStore) MarkNotified(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE issue_groups SET last_notified_at = $2, updated_at = NOW() WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteStaleIssueGroups(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM issue_groups WHERE last_seen_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete stale issue groups: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Occurrences ---

const occurrenceColumns = `id, group_id, exception_class, message, backtrace, local_variables, request_method,
	request_url, request_params, request_headers, user_agent, ip_address, session_id, user_id, user_type,
	environment, hostname, process_id, created_at`

func scanOccurrence(row pgx.Row) (*models.Occurrence, error) {
	var (
		o                      models.Occurrence
		locals, params, header []byte
	)
	err := row.Scan(&o.ID, &o.GroupID, &o.ExceptionClass, &o.Message, &o.Backtrace, &locals,
		&o.Request.Method, &o.Request.URL, &params, &header, &o.Request.UserAgent, &o.Request.IP,
		&o.Request.SessionID, &o.UserID, &o.UserType, &o.Environment, &o.Hostname, &o.ProcessID, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(locals, &o.LocalVariables); err != nil {
		return nil, fmt.Errorf("decode local variables: %w", err)
	}
	if err := decodeJSON(params, &o.Request.Params); err != nil {
		return nil, fmt.Errorf("decode request params: %w", err)
	}
	if err := decodeJSON(header, &o.Request.Headers); err != nil {
		return nil, fmt.Errorf("decode request headers: %w", err)
	}
	return &o, nil
}

// encodeJSON returns nil (SQL NULL) for empty maps.
func encodeJSON[M ~map[string]V, V any](m M) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func decodeJSON(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

func (s *PostgresStore) CreateOccurrence(ctx context.Context, occ *models.Occurrence) error {
	if occ.ID == uuid.Nil {
		occ.ID = uuid.New()
	}
	if occ.CreatedAt.IsZero() {
		occ.CreatedAt = time.Now().UTC()
	}
	if occ.Backtrace == nil {
		occ.Backtrace = []string{}
	}
	locals, err := encodeJSON(occ.LocalVariables)
	if err != nil {
		return fmt.Errorf("encode local variables: %w", err)
	}
	params, err := encodeJSON(occ.Request.Params)
	if err != nil {
		return fmt.Errorf("encode request params: %w", err)
	}
	headers, err := encodeJSON(occ.Request.Headers)
	if err != nil {
		return fmt.Errorf("encode request headers: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("create occurrence: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO occurrences (`+occurrenceColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		occ.ID, occ.GroupID, occ.ExceptionClass, occ.Message, occ.Backtrace, locals,
		occ.Request.Method, occ.Request.URL, params, headers, occ.Request.UserAgent, occ.Request.IP,
		occ.Request.SessionID, occ.UserID, occ.UserType, occ.Environment, occ.Hostname, occ.ProcessID, occ.CreatedAt)
	if err != nil {
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("create occurrence: %w", err)
	}

	for i := range occ.Context {
		e := &occ.Context[i]
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		e.OccurrenceID = occ.ID
		if _, err := tx.Exec(ctx,
			`INSERT INTO context_entries (id, occurrence_id, key, value) VALUES ($1, $2, $3, $4)`,
			e.ID, e.OccurrenceID, e.Key, e.Value); err != nil {
			return fmt.Errorf("create context entry %q: %w", e.Key, err)
		}
	}

	tag, err := tx.Exec(ctx,
		`UPDATE issue_groups SET occurrences_count = occurrences_count + 1, updated_at = NOW() WHERE id = $1`,
		occ.GroupID)
	if err != nil {
		return fmt.Errorf("increment occurrences count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("create occurrence: commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOccurrence(ctx context.Context, id uuid.UUID) (*models.Occurrence, error) {
	o, err := scanOccurrence(s.pool.QueryRow(ctx, `SELECT `+occurrenceColumns+` FROM occurrences WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get occurrence: %w", err)
	}
	if o.Context, err = s.contextEntries(ctx, o.ID); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *PostgresStore) LatestOccurrence(ctx context.Context, groupID uuid.UUID) (*models.Occurrence, error) {
	o, err := scanOccurrence(s.pool.QueryRow(ctx,
		`SELECT `+occurrenceColumns+` FROM occurrences WHERE group_id = $1 ORDER BY created_at DESC, id LIMIT 1`, groupID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest occurrence: %w", err)
	}
	if o.Context, err = s.contextEntries(ctx, o.ID); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *PostgresStore) contextEntries(ctx context.Context, occurrenceID uuid.UUID) ([]models.ContextEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, occurrence_id, key, value FROM context_entries WHERE occurrence_id = $1 ORDER BY key`, occurrenceID)
	if err != nil {
		return nil, fmt.Errorf("list context entries: %w", err)
	}
	defer rows.Close()

	var entries []models.ContextEntry
	for rows.Next() {
		var e models.ContextEntry
		if err := rows.Scan(&e.ID, &e.OccurrenceID, &e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("scan context entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) ListOccurrences(ctx context.Context, groupID uuid.UUID, page, limit int) ([]*models.Occurrence, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM occurrences WHERE group_id = $1`, groupID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count occurrences: %w", err)
	}

	limit, offset := Pagination(page, limit)
	rows, err := s.pool.Query(ctx,
		`SELECT `+occurrenceColumns+` FROM occurrences WHERE group_id = $1
		 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, groupID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list occurrences: %w", err)
	}
	defer rows.Close()

	occs := []*models.Occurrence{}
	for rows.Next() {
		o, err := scanOccurrence(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan occurrence: %w", err)
		}
		occs = append(occs, o)
	}
	return occs, total, rows.Err()
}

func (s *PostgresStore) OccurrenceCounts(ctx context.Context, groupID uuid.UUID, since time.Time, g dialect.Granularity) ([]models.CountBucket, error) {
	bucket := dialect.Postgres.TruncateTime("created_at AT TIME ZONE 'UTC'", g)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s AS bucket, COUNT(*) FROM occurrences
		 WHERE group_id = $1 AND created_at >= $2 GROUP BY bucket ORDER BY bucket`, bucket), groupID, since)
	if err != nil {
		return nil, fmt.Errorf("occurrence counts: %w", err)
	}
	defer rows.Close()

	counts := []models.CountBucket{}
	for rows.Next() {
		var (
			raw string
			c   models.CountBucket
		)
		if err := rows.Scan(&raw, &c.Count); err != nil {
			return nil, fmt.Errorf("scan occurrence count: %w", err)
		}
		if c.Bucket, err = dialect.ParseBucket(raw); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

func (s *PostgresStore) DeleteOccurrencesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM occurrences WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete occurrences: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- API Keys ---

const apiKeyColumns = `id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at`

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	defer rows.Close()
	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

func isForeignKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503" // foreign_key_violation
	}
	return false
}
