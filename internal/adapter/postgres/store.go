package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/couchcryptid/outage-engine/internal/domain"
	"github.com/couchcryptid/outage-engine/internal/geo"
)

const outageColumns = `id, provider_id, service_type, severity, status, lat, lng, address, zip_code,
	city, state, description, reported_by, reported_at, resolved_at, estimated_restoration,
	verification_count, is_verified, dispute_count, last_confirmed_at, metadata, created_at,
	updated_at, version, original_severity`

const providerColumns = `id, name, service_type, logo_url, official_status_url, created_at, updated_at`

// Store implements the engine's persistence contract on a pgx pool.
type Store struct {
	pool  *pgxpool.Pool
	slots chan struct{}
}

// New wraps pool. At most half the pool's connections are ever pinned by region
// locks so lock holders can always reach the database.
func New(pool *pgxpool.Pool) *Store {
	n := int(pool.Config().MaxConns / 2)
	if n < 1 {
		n = 1
	}
	return &Store{pool: pool, slots: make(chan struct{}, n)}
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return classify(s.pool.Ping(ctx))
}

// InsertOutage stores o at version 1 with the reporter's confirmation.
func (s *Store) InsertOutage(ctx context.Context, o domain.Outage, first domain.Signal) error {
	meta, err := encodeMetadata(o.Metadata)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO outages (`+outageColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
				$17, $18, $19, $20, $21, $22, $23, 1, $24)`,
			o.ID, nullable(o.ProviderID), string(o.ServiceType), string(o.Severity), string(o.Status),
			o.Location.Lat, o.Location.Lng, o.Address, o.ZipCode, o.City, o.State, o.Description,
			o.ReportedBy, o.ReportedAt, o.ResolvedAt, o.EstimatedRestoration, o.VerificationCount,
			o.IsVerified, o.DisputeCount, o.LastConfirmedAt, meta, o.CreatedAt, o.UpdatedAt,
			string(originalSeverity(o)),
		); err != nil {
			return fmt.Errorf("insert outage %s: %w", o.ID, classify(err))
		}
		first.OutageID = o.ID
		if _, err := insertConfirmation(ctx, tx, first); err != nil {
			return fmt.Errorf("insert reporter confirmation: %w", classify(err))
		}
		return nil
	})
}

// GetOutage returns the outage in any status, or domain.ErrNotFound.
func (s *Store) GetOutage(ctx context.Context, id string) (domain.Outage, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+outageColumns+` FROM outages WHERE id = $1`, id)
	o, err := scanOutage(row)
	if err != nil {
		return domain.Outage{}, fmt.Errorf("outage %s: %w", id, classify(err))
	}
	return o, nil
}

// GetOutages returns the outages found among ids, in the order given.
func (s *Store) GetOutages(ctx context.Context, ids []string) ([]domain.Outage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+outageColumns+` FROM outages WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("load outages: %w", classify(err))
	}
	found, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Outage, error) {
		return scanOutage(r)
	})
	if err != nil {
		return nil, fmt.Errorf("load outages: %w", classify(err))
	}

	byID := make(map[string]domain.Outage, len(found))
	for _, o := range found {
		byID[o.ID] = o
	}
	out := make([]domain.Outage, 0, len(found))
	for _, id := range ids {
		if o, ok := byID[id]; ok {
			out = append(out, o)
		}
	}
	return out, nil
}

// CommitOutage updates o when the stored version still matches and applies sig in
// the same transaction.
func (s *Store) CommitOutage(ctx context.Context, o domain.Outage, sig *domain.Signal) (domain.Outage, error) {
	meta, err := encodeMetadata(o.Metadata)
	if err != nil {
		return domain.Outage{}, err
	}

	var committed domain.Outage
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `UPDATE outages SET
				provider_id = $3, service_type = $4, severity = $5, status = $6, lat = $7, lng = $8,
				address = $9, zip_code = $10, city = $11, state = $12, description = $13,
				resolved_at = $14, estimated_restoration = $15, verification_count = $16,
				is_verified = $17, dispute_count = $18, last_confirmed_at = $19, metadata = $20,
				updated_at = $21, version = version + 1, changed_at = clock_timestamp()
			WHERE id = $1 AND version = $2
			RETURNING `+outageColumns,
			o.ID, o.Version, nullable(o.ProviderID), string(o.ServiceType), string(o.Severity),
			string(o.Status), o.Location.Lat, o.Location.Lng, o.Address, o.ZipCode, o.City, o.State,
			o.Description, o.ResolvedAt, o.EstimatedRestoration, o.VerificationCount, o.IsVerified,
			o.DisputeCount, o.LastConfirmedAt, meta, o.UpdatedAt,
		)
		var err error
		committed, err = scanOutage(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return missingOrStale(ctx, tx, o.ID)
		}
		if err != nil {
			return fmt.Errorf("update outage %s: %w", o.ID, classify(err))
		}
		if sig != nil {
			return applySignal(ctx, tx, *sig)
		}
		return nil
	})
	if err != nil {
		return domain.Outage{}, err
	}
	return committed, nil
}

func missingOrStale(ctx context.Context, tx pgx.Tx, id string) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM outages WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check outage %s: %w", id, classify(err))
	}
	if !exists {
		return fmt.Errorf("%w: outage %s", domain.ErrNotFound, id)
	}
	return domain.ErrVersionConflict
}

func applySignal(ctx context.Context, tx pgx.Tx, sig domain.Signal) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	switch sig.Kind {
	case domain.SignalConfirm:
		tag, err = insertConfirmation(ctx, tx, sig)
	case domain.SignalDispute:
		tag, err = tx.Exec(ctx, `INSERT INTO outage_disputes (id, outage_id, user_id, reason, disputed_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (outage_id, user_id) DO NOTHING`,
			signalID(sig), sig.OutageID, sig.UserID, sig.Reason, sig.At)
	case domain.SignalRetract:
		tag, err = tx.Exec(ctx, `UPDATE outage_confirmations SET retracted_at = $3
			WHERE outage_id = $1 AND user_id = $2 AND retracted_at IS NULL`,
			sig.OutageID, sig.UserID, sig.At)
	default:
		return fmt.Errorf("%w: unknown signal kind %q", domain.ErrInvalidArgument, sig.Kind)
	}
	if err != nil {
		return fmt.Errorf("record %s signal: %w", sig.Kind, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDuplicateSignal
	}
	return nil
}

// insertConfirmation adds the user's confirmation or renews a retracted one. It
// affects no rows when an active confirmation already exists.
func insertConfirmation(ctx context.Context, tx pgx.Tx, sig domain.Signal) (pgconn.CommandTag, error) {
	return tx.Exec(ctx, `INSERT INTO outage_confirmations (id, outage_id, user_id, confirmed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (outage_id, user_id) DO UPDATE
			SET confirmed_at = EXCLUDED.confirmed_at, retracted_at = NULL
			WHERE outage_confirmations.retracted_at IS NOT NULL`,
		signalID(sig), sig.OutageID, sig.UserID, sig.At)
}

// HasSignal reports whether the user holds an active signal of kind.
func (s *Store) HasSignal(ctx context.Context, outageID, userID string, kind domain.SignalKind) (bool, error) {
	var q string
	switch kind {
	case domain.SignalConfirm:
		q = `SELECT EXISTS (SELECT 1 FROM outage_confirmations
			WHERE outage_id = $1 AND user_id = $2 AND retracted_at IS NULL)`
	case domain.SignalDispute:
		q = `SELECT EXISTS (SELECT 1 FROM outage_disputes WHERE outage_id = $1 AND user_id = $2)`
	default:
		return false, fmt.Errorf("%w: unknown signal kind %q", domain.ErrInvalidArgument, kind)
	}
	var has bool
	if err := s.pool.QueryRow(ctx, q, outageID, userID).Scan(&has); err != nil {
		return false, fmt.Errorf("check %s signal: %w", kind, classify(err))
	}
	return has, nil
}

// ListStale returns active outages not created as complete and last confirmed at or
// before cutoff.
func (s *Store) ListStale(ctx context.Context, cutoff time.Time) ([]domain.Outage, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+outageColumns+` FROM outages
		WHERE status = 'active' AND original_severity <> 'complete' AND last_confirmed_at <= $1
		ORDER BY id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale outages: %w", classify(err))
	}
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Outage, error) {
		return scanOutage(r)
	})
	if err != nil {
		return nil, fmt.Errorf("list stale outages: %w", classify(err))
	}
	return out, nil
}

// ActivePoints lists every active outage location.
func (s *Store) ActivePoints(ctx context.Context) ([]geo.Entry, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, lat, lng FROM outages WHERE status = 'active'`)
	if err != nil {
		return nil, fmt.Errorf("list active points: %w", classify(err))
	}
	out, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return nil, fmt.Errorf("list active points: %w", classify(err))
	}
	return out, nil
}

// changeOverlap is how far back each feed read reaches before its cursor. A write
// whose transaction commits later than this after its UPDATE ran can be missed until
// the next full rebuild.
const changeOverlap = 5 * time.Second

// ChangeCursor returns the database clock in microseconds. Cursors are compared
// against changed_at, which the database stamps on every outage write, so process
// clocks never take part.
func (s *Store) ChangeCursor(ctx context.Context) (int64, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT clock_timestamp()`).Scan(&now); err != nil {
		return 0, fmt.Errorf("read change cursor: %w", classify(err))
	}
	return now.UnixMicro(), nil
}

// ChangesSince returns outages written after cursor, re-reading the last
// changeOverlap so rows whose transactions committed late are not skipped.
func (s *Store) ChangesSince(ctx context.Context, cursor int64) ([]geo.Change, int64, error) {
	since := time.UnixMicro(cursor).Add(-changeOverlap)
	rows, err := s.pool.Query(ctx, `SELECT id, lat, lng, status = 'active', changed_at
		FROM outages WHERE changed_at > $1 ORDER BY changed_at`, since)
	if err != nil {
		return nil, cursor, fmt.Errorf("read outage changes: %w", classify(err))
	}
	next := cursor
	changes, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (geo.Change, error) {
		var (
			c  geo.Change
			at time.Time
		)
		if err := r.Scan(&c.ID, &c.Point.Lat, &c.Point.Lng, &c.Active, &at); err != nil {
			return geo.Change{}, err
		}
		if us := at.UnixMicro(); us > next {
			next = us
		}
		return c, nil
	})
	if err != nil {
		return nil, cursor, fmt.Errorf("read outage changes: %w", classify(err))
	}
	return changes, next, nil
}

// QueryRadius prefilters active outages with the circle's bounding box and keeps
// those within radiusMeters by great-circle distance, nearest first.
func (s *Store) QueryRadius(ctx context.Context, center domain.Point, radiusMeters float64) ([]geo.Hit, error) {
	if err := geo.ValidateRadius(center, radiusMeters); err != nil {
		return nil, err
	}
	entries, err := s.entriesIn(ctx, geo.Around(center, radiusMeters))
	if err != nil {
		return nil, err
	}
	hits := make([]geo.Hit, 0, len(entries))
	for _, e := range entries {
		if d := geo.Distance(center, e.Point); d <= radiusMeters {
			hits = append(hits, geo.Hit{ID: e.ID, DistanceMeters: d})
		}
	}
	geo.SortHits(hits)
	return hits, nil
}

// QueryBounds returns ids of active outages inside box, sorted.
func (s *Store) QueryBounds(ctx context.Context, box geo.Box) ([]string, error) {
	if err := box.Validate(); err != nil {
		return nil, err
	}
	entries, err := s.entriesIn(ctx, box)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids, nil
}

// entriesIn returns active outages inside box ordered by id, one query per
// non-wrapping piece.
func (s *Store) entriesIn(ctx context.Context, box geo.Box) ([]geo.Entry, error) {
	seen := make(map[string]struct{})
	var out []geo.Entry
	for _, b := range box.Split() {
		rows, err := s.pool.Query(ctx, `SELECT id, lat, lng FROM outages
			WHERE status = 'active' AND lat BETWEEN $1 AND $2 AND lng BETWEEN $3 AND $4`,
			b.MinLat, b.MaxLat, b.MinLng, b.MaxLng)
		if err != nil {
			return nil, fmt.Errorf("spatial query: %w", classify(err))
		}
		entries, err := pgx.CollectRows(rows, scanEntry)
		if err != nil {
			return nil, fmt.Errorf("spatial query: %w", classify(err))
		}
		for _, e := range entries {
			if _, ok := seen[e.ID]; ok {
				continue
			}
			seen[e.ID] = struct{}{}
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

// AppendComment stores c, or returns domain.ErrNotFound for an unknown outage.
func (s *Store) AppendComment(ctx context.Context, c domain.Comment) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO outage_comments (id, outage_id, user_id, comment, comment_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.OutageID, c.UserID, c.Text, string(c.Type), c.At)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == sqlstateForeignKeyViolation {
		return fmt.Errorf("%w: outage %s", domain.ErrNotFound, c.OutageID)
	}
	if err != nil {
		return fmt.Errorf("append comment: %w", classify(err))
	}
	return nil
}

// ListComments returns comments oldest first.
func (s *Store) ListComments(ctx context.Context, outageID string) ([]domain.Comment, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, outage_id, user_id, comment, comment_type, created_at
		FROM outage_comments WHERE outage_id = $1 ORDER BY created_at, seq`, outageID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", classify(err))
	}
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Comment, error) {
		var (
			c    domain.Comment
			kind string
		)
		if err := r.Scan(&c.ID, &c.OutageID, &c.UserID, &c.Text, &kind, &c.At); err != nil {
			return domain.Comment{}, err
		}
		c.Type = domain.CommentType(kind)
		c.At = c.At.UTC()
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", classify(err))
	}
	return out, nil
}

// ResolutionClaimants returns distinct users with resolution comments in [from, to].
func (s *Store) ResolutionClaimants(ctx context.Context, outageID string, from, to time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT user_id FROM outage_comments
		WHERE outage_id = $1 AND comment_type = 'resolution' AND created_at BETWEEN $2 AND $3
		ORDER BY user_id`, outageID, from, to)
	if err != nil {
		return nil, fmt.Errorf("resolution claimants: %w", classify(err))
	}
	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("resolution claimants: %w", classify(err))
	}
	return users, nil
}

// UpsertProvider creates or replaces a provider, keeping its creation time.
func (s *Store) UpsertProvider(ctx context.Context, p domain.Provider) (domain.Provider, error) {
	row := s.pool.QueryRow(ctx, `INSERT INTO providers (`+providerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, service_type = EXCLUDED.service_type, logo_url = EXCLUDED.logo_url,
			official_status_url = EXCLUDED.official_status_url, updated_at = EXCLUDED.updated_at
		RETURNING `+providerColumns,
		p.ID, p.Name, string(p.ServiceType), p.LogoURL, p.OfficialStatusURL, p.CreatedAt, p.UpdatedAt)
	out, err := scanProvider(row)
	if err != nil {
		return domain.Provider{}, fmt.Errorf("upsert provider %s: %w", p.ID, classify(err))
	}
	return out, nil
}

// GetProvider returns the provider or domain.ErrNotFound.
func (s *Store) GetProvider(ctx context.Context, id string) (domain.Provider, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+providerColumns+` FROM providers WHERE id = $1`, id)
	p, err := scanProvider(row)
	if err != nil {
		return domain.Provider{}, fmt.Errorf("provider %s: %w", id, classify(err))
	}
	return p, nil
}

// ListProviders returns providers ordered by name.
func (s *Store) ListProviders(ctx context.Context) ([]domain.Provider, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+providerColumns+` FROM providers ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", classify(err))
	}
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Provider, error) {
		return scanProvider(r)
	})
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", classify(err))
	}
	return out, nil
}

func scanOutage(row pgx.Row) (domain.Outage, error) {
	var (
		o                                  domain.Outage
		provider                           *string
		serviceType, severity, state, orig string
		meta                               []byte
	)
	err := row.Scan(
		&o.ID, &provider, &serviceType, &severity, &state, &o.Location.Lat, &o.Location.Lng,
		&o.Address, &o.ZipCode, &o.City, &o.State, &o.Description, &o.ReportedBy, &o.ReportedAt,
		&o.ResolvedAt, &o.EstimatedRestoration, &o.VerificationCount, &o.IsVerified,
		&o.DisputeCount, &o.LastConfirmedAt, &meta, &o.CreatedAt, &o.UpdatedAt, &o.Version,
		&orig,
	)
	if err != nil {
		return domain.Outage{}, err
	}
	if provider != nil {
		o.ProviderID = *provider
	}
	o.ServiceType = domain.ServiceType(serviceType)
	o.Severity = domain.Severity(severity)
	o.OriginalSeverity = domain.Severity(orig)
	o.Status = domain.Status(state)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &o.Metadata); err != nil {
			return domain.Outage{}, fmt.Errorf("decode metadata of %s: %w", o.ID, err)
		}
		if len(o.Metadata) == 0 {
			o.Metadata = nil
		}
	}

	o.ReportedAt = o.ReportedAt.UTC()
	o.LastConfirmedAt = o.LastConfirmedAt.UTC()
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	o.ResolvedAt = utcPtr(o.ResolvedAt)
	o.EstimatedRestoration = utcPtr(o.EstimatedRestoration)
	return o, nil
}

func originalSeverity(o domain.Outage) domain.Severity {
	if o.OriginalSeverity != "" {
		return o.OriginalSeverity
	}
	return o.Severity
}

func scanProvider(row pgx.Row) (domain.Provider, error) {
	var (
		p           domain.Provider
		serviceType string
	)
	if err := row.Scan(&p.ID, &p.Name, &serviceType, &p.LogoURL, &p.OfficialStatusURL, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Provider{}, err
	}
	p.ServiceType = domain.ServiceType(serviceType)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func scanEntry(r pgx.CollectableRow) (geo.Entry, error) {
	var e geo.Entry
	err := r.Scan(&e.ID, &e.Point.Lat, &e.Point.Lng)
	return e, err
}

func sortEntries(entries []geo.Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
}

func encodeMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata is not JSON encodable: %w", domain.ErrInvalidArgument, err)
	}
	return b, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func signalID(sig domain.Signal) string {
	if sig.ID != "" {
		return sig.ID
	}
	return uuid.NewString()
}
