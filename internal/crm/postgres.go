package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the CRM tables. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS properties (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL,
    location     TEXT NOT NULL DEFAULT '',
    unit_types   TEXT NOT NULL DEFAULT '',
    base_price   BIGINT NOT NULL DEFAULT 0,
    amenities    TEXT NOT NULL DEFAULT '',
    highlights   TEXT NOT NULL DEFAULT '',
    availability TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_properties_name ON properties(name);
CREATE INDEX IF NOT EXISTS idx_properties_location ON properties(location);

CREATE TABLE IF NOT EXISTS property_faqs (
    id          TEXT PRIMARY KEY,
    property_id TEXT NOT NULL REFERENCES properties(id) ON DELETE CASCADE,
    question    TEXT NOT NULL,
    answer      TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_property_faqs_property ON property_faqs(property_id);

CREATE TABLE IF NOT EXISTS leads (
    id                     TEXT PRIMARY KEY,
    full_name              TEXT NOT NULL DEFAULT '',
    phone                  TEXT NOT NULL DEFAULT '',
    email                  TEXT NOT NULL DEFAULT '',
    property_type          TEXT NOT NULL DEFAULT '',
    preferred_location     TEXT NOT NULL DEFAULT '',
    budget                 BIGINT NOT NULL DEFAULT 0,
    intent_level           TEXT NOT NULL DEFAULT '',
    conversion_probability JSONB NOT NULL DEFAULT '{}',
    stage                  TEXT NOT NULL DEFAULT 'New',
    created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS activities (
    id         TEXT PRIMARY KEY,
    lead_id    TEXT NOT NULL REFERENCES leads(id) ON DELETE CASCADE,
    type       TEXT NOT NULL CHECK (type IN ('note','task','status')),
    message    TEXT NOT NULL,
    due_at     TIMESTAMPTZ,
    created_by TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_activities_lead ON activities(lead_id);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store over the given connection or pool. Call
// [PostgresStore.Migrate] before issuing queries on a fresh database.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Connect opens a pgx pool for dsn and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("crm: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("crm: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("crm: ping: %w", err)
	}
	return pool, nil
}

// Migrate executes the [Schema] DDL, creating the CRM tables and indexes
// if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("crm: migrate: %w", err)
	}
	return nil
}

// SearchProperties returns catalog entries matching q, ordered by name.
// Name and location match as case-insensitive substrings; a zero MaxPrice
// applies no price cap.
func (s *PostgresStore) SearchProperties(ctx context.Context, q Query) ([]Property, error) {
	query := `
		SELECT id, name, location, unit_types, base_price,
		       amenities, highlights, availability
		FROM properties`

	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.Name != "" {
		conds = append(conds, "name ILIKE "+arg("%"+q.Name+"%"))
	}
	if q.Location != "" {
		conds = append(conds, "location ILIKE "+arg("%"+q.Location+"%"))
	}
	if q.MaxPrice > 0 {
		conds = append(conds, "base_price <= "+arg(q.MaxPrice))
	}
	if q.UnitType != "" {
		conds = append(conds, "unit_types ILIKE "+arg("%"+q.UnitType+"%"))
	}
	if len(conds) > 0 {
		query += "\n\t\tWHERE " + strings.Join(conds, " AND ")
	}
	query += "\n\t\tORDER BY name"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("crm: search properties: %w", err)
	}
	defer rows.Close()

	var props []Property
	for rows.Next() {
		var p Property
		if err := rows.Scan(
			&p.ID, &p.Name, &p.Location, &p.UnitTypes, &p.BasePrice,
			&p.Amenities, &p.Highlights, &p.Availability,
		); err != nil {
			return nil, fmt.Errorf("crm: search scan: %w", err)
		}
		props = append(props, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("crm: search properties: %w", err)
	}
	return props, nil
}

// PropertyFAQs returns the FAQ entries attached to a property.
func (s *PostgresStore) PropertyFAQs(ctx context.Context, propertyID string) ([]FAQ, error) {
	const query = `
		SELECT question, answer
		FROM property_faqs
		WHERE property_id = $1
		ORDER BY created_at`

	rows, err := s.db.Query(ctx, query, propertyID)
	if err != nil {
		return nil, fmt.Errorf("crm: property faqs: %w", err)
	}
	defer rows.Close()

	var faqs []FAQ
	for rows.Next() {
		var f FAQ
		if err := rows.Scan(&f.Question, &f.Answer); err != nil {
			return nil, fmt.Errorf("crm: faq scan: %w", err)
		}
		faqs = append(faqs, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("crm: property faqs: %w", err)
	}
	return faqs, nil
}

// CreateLead inserts the lead and, when a summary is present, its first
// note activity. A missing ID is generated; a missing stage defaults to
// "New". The generated timestamps are written back to the lead.
func (s *PostgresStore) CreateLead(ctx context.Context, lead *Lead) error {
	if err := lead.Validate(); err != nil {
		return err
	}
	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}
	if lead.Stage == "" {
		lead.Stage = "New"
	}

	cpJSON, err := json.Marshal(lead.ConversionProbability)
	if err != nil {
		return fmt.Errorf("crm: marshal conversion_probability: %w", err)
	}

	const query = `
		INSERT INTO leads (
			id, full_name, phone, email, property_type, preferred_location,
			budget, intent_level, conversion_probability, stage
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, query,
		lead.ID, lead.FullName, lead.Phone, lead.Email, lead.PropertyType,
		lead.PreferredLocation, lead.Budget, string(lead.IntentLevel),
		cpJSON, lead.Stage,
	).Scan(&lead.CreatedAt, &lead.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("crm: lead %q already exists", lead.ID)
		}
		return fmt.Errorf("crm: create lead: %w", err)
	}

	if strings.TrimSpace(lead.Summary) != "" {
		note := &Activity{
			LeadID:  lead.ID,
			Type:    ActivityNote,
			Message: lead.Summary,
		}
		if err := s.LogActivity(ctx, note); err != nil {
			return fmt.Errorf("crm: create lead summary note: %w", err)
		}
	}
	return nil
}

// LogActivity appends one activity to a lead's trail. A missing ID is
// generated and written back.
func (s *PostgresStore) LogActivity(ctx context.Context, activity *Activity) error {
	if err := activity.Validate(); err != nil {
		return err
	}
	if activity.ID == "" {
		activity.ID = uuid.NewString()
	}

	const query = `
		INSERT INTO activities (id, lead_id, type, message, due_at, created_by)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at`

	err := s.db.QueryRow(ctx, query,
		activity.ID, activity.LeadID, string(activity.Type),
		activity.Message, activity.DueAt, activity.CreatedBy,
	).Scan(&activity.CreatedAt)
	if err != nil {
		return fmt.Errorf("crm: log activity: %w", err)
	}
	return nil
}

// KnownNames returns all property names and locations, de-duplicated, for
// aligning recognized speech with the catalog.
func (s *PostgresStore) KnownNames(ctx context.Context) ([]string, error) {
	const query = `
		SELECT DISTINCT name FROM properties
		UNION
		SELECT DISTINCT location FROM properties WHERE location <> ''`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("crm: known names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("crm: known names scan: %w", err)
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("crm: known names: %w", err)
	}
	return names, nil
}

// isDuplicateKeyError checks whether a PostgreSQL error is a
// unique-violation (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
