package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/model"
)

// PostgresStore is the PostgreSQL-backed implementation of Store.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// schema is the DDL applied by EnsureSchema. All tables are keyed by
// actor_id first for tenant isolation.
const schema = `
CREATE TABLE IF NOT EXISTS actors (
	id TEXT PRIMARY KEY,
	creator TEXT NOT NULL,
	passphrase_hash TEXT NOT NULL,
	base_uri TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT '',
	last_response_code INT NOT NULL DEFAULT 0,
	last_response_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS properties (
	actor_id TEXT NOT NULL,
	name TEXT NOT NULL,
	value JSONB NOT NULL,
	PRIMARY KEY (actor_id, name)
);
CREATE TABLE IF NOT EXISTS property_list_items (
	actor_id TEXT NOT NULL,
	name TEXT NOT NULL,
	idx INT NOT NULL,
	item JSONB NOT NULL,
	PRIMARY KEY (actor_id, name, idx)
);
CREATE TABLE IF NOT EXISTS property_list_meta (
	actor_id TEXT NOT NULL,
	name TEXT NOT NULL,
	meta JSONB NOT NULL,
	PRIMARY KEY (actor_id, name)
);
CREATE TABLE IF NOT EXISTS trusts (
	actor_id TEXT NOT NULL,
	peer_id TEXT NOT NULL,
	base_uri TEXT NOT NULL DEFAULT '',
	secret TEXT NOT NULL,
	peer_type TEXT NOT NULL DEFAULT '',
	relationship TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	approved BOOL NOT NULL DEFAULT false,
	peer_approved BOOL NOT NULL DEFAULT false,
	verified BOOL NOT NULL DEFAULT false,
	verification_token TEXT NOT NULL DEFAULT '',
	established_via TEXT NOT NULL DEFAULT 'trust',
	client_name TEXT NOT NULL DEFAULT '',
	client_version TEXT NOT NULL DEFAULT '',
	client_platform TEXT NOT NULL DEFAULT '',
	oauth_client_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (actor_id, peer_id)
);
CREATE INDEX IF NOT EXISTS trusts_secret_idx ON trusts (actor_id, secret);
CREATE TABLE IF NOT EXISTS subscriptions (
	actor_id TEXT NOT NULL,
	peer_id TEXT NOT NULL,
	subscription_id TEXT NOT NULL,
	is_callback BOOL NOT NULL DEFAULT false,
	target TEXT NOT NULL,
	subtarget TEXT NOT NULL DEFAULT '',
	resource TEXT NOT NULL DEFAULT '',
	granularity TEXT NOT NULL DEFAULT 'high',
	sequence INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (actor_id, peer_id, subscription_id)
);
CREATE TABLE IF NOT EXISTS subscription_diffs (
	actor_id TEXT NOT NULL,
	subscription_id TEXT NOT NULL,
	sequence INT NOT NULL,
	blob TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (actor_id, subscription_id, sequence)
);
CREATE TABLE IF NOT EXISTS attributes (
	actor_id TEXT NOT NULL,
	bucket TEXT NOT NULL,
	name TEXT NOT NULL,
	data JSONB NOT NULL,
	version INT NOT NULL DEFAULT 1,
	timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (actor_id, bucket, name)
);`

// EnsureSchema creates all tables if they do not exist.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// ── ActorStore ───────────────────────────────────────────────────────────

// CreateActor implements ActorStore.
func (p *PostgresStore) CreateActor(ctx context.Context, a *model.Actor) error {
	const q = `
		INSERT INTO actors (id, creator, passphrase_hash, base_uri, type)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`

	row := p.pool.QueryRow(ctx, q, a.ID, a.Creator, a.PassphraseHash, a.BaseURI, a.Type)
	if err := row.Scan(&a.CreatedAt); err != nil {
		return fmt.Errorf("create actor: %w", err)
	}
	return nil
}

// GetActor implements ActorStore.
func (p *PostgresStore) GetActor(ctx context.Context, actorID string) (*model.Actor, error) {
	const q = `
		SELECT id, creator, passphrase_hash, base_uri, type,
		       last_response_code, last_response_message, created_at
		FROM actors WHERE id = $1`

	a := &model.Actor{}
	err := p.pool.QueryRow(ctx, q, actorID).Scan(
		&a.ID, &a.Creator, &a.PassphraseHash, &a.BaseURI, &a.Type,
		&a.LastResponseCode, &a.LastResponseMessage, &a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get actor: %w", err)
	}
	return a, nil
}

// UpdateActor implements ActorStore.
func (p *PostgresStore) UpdateActor(ctx context.Context, a *model.Actor) error {
	const q = `
		UPDATE actors
		SET creator = $2, passphrase_hash = $3, base_uri = $4, type = $5,
		    last_response_code = $6, last_response_message = $7
		WHERE id = $1`

	tag, err := p.pool.Exec(ctx, q, a.ID, a.Creator, a.PassphraseHash, a.BaseURI, a.Type,
		a.LastResponseCode, a.LastResponseMessage)
	if err != nil {
		return fmt.Errorf("update actor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteActor implements ActorStore.
func (p *PostgresStore) DeleteActor(ctx context.Context, actorID string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM actors WHERE id = $1`, actorID)
	if err != nil {
		return fmt.Errorf("delete actor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActorIDs implements ActorStore.
func (p *PostgresStore) ListActorIDs(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT id FROM actors ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list actor ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list actor ids: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ── PropertyStore ────────────────────────────────────────────────────────

// PutProperty implements PropertyStore.
func (p *PostgresStore) PutProperty(ctx context.Context, actorID, name string, value json.RawMessage) error {
	const q = `
		INSERT INTO properties (actor_id, name, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (actor_id, name) DO UPDATE SET value = EXCLUDED.value`

	if _, err := p.pool.Exec(ctx, q, actorID, name, value); err != nil {
		return fmt.Errorf("put property: %w", err)
	}
	return nil
}

// GetProperty implements PropertyStore.
func (p *PostgresStore) GetProperty(ctx context.Context, actorID, name string) (json.RawMessage, error) {
	var value json.RawMessage
	err := p.pool.QueryRow(ctx,
		`SELECT value FROM properties WHERE actor_id = $1 AND name = $2`,
		actorID, name,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get property: %w", err)
	}
	return value, nil
}

// DeleteProperty implements PropertyStore.
func (p *PostgresStore) DeleteProperty(ctx context.Context, actorID, name string) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM properties WHERE actor_id = $1 AND name = $2`, actorID, name)
	if err != nil {
		return fmt.Errorf("delete property: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListProperties implements PropertyStore.
func (p *PostgresStore) ListProperties(ctx context.Context, actorID string) ([]model.Property, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT name, value FROM properties WHERE actor_id = $1 ORDER BY name`, actorID)
	if err != nil {
		return nil, fmt.Errorf("list properties: %w", err)
	}
	defer rows.Close()

	var out []model.Property
	for rows.Next() {
		prop := model.Property{ActorID: actorID}
		if err := rows.Scan(&prop.Name, &prop.Value); err != nil {
			return nil, fmt.Errorf("scan property: %w", err)
		}
		out = append(out, prop)
	}
	return out, rows.Err()
}

// PutListItems implements PropertyStore. The full item slice replaces the
// stored list in one transaction.
func (p *PostgresStore) PutListItems(ctx context.Context, actorID, name string, items []json.RawMessage) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`DELETE FROM property_list_items WHERE actor_id = $1 AND name = $2`,
		actorID, name); err != nil {
		return fmt.Errorf("clear list items: %w", err)
	}
	for i, item := range items {
		if _, err := tx.Exec(ctx,
			`INSERT INTO property_list_items (actor_id, name, idx, item) VALUES ($1, $2, $3, $4)`,
			actorID, name, i, item); err != nil {
			return fmt.Errorf("insert list item: %w", err)
		}
	}
	// An empty list keeps its meta row; ensure one exists so GetListItems
	// can distinguish an empty list from a missing one.
	if _, err := tx.Exec(ctx,
		`INSERT INTO property_list_meta (actor_id, name, meta)
		 VALUES ($1, $2, '{}'::jsonb)
		 ON CONFLICT (actor_id, name) DO NOTHING`,
		actorID, name); err != nil {
		return fmt.Errorf("ensure list meta: %w", err)
	}
	return tx.Commit(ctx)
}

// GetListItems implements PropertyStore.
func (p *PostgresStore) GetListItems(ctx context.Context, actorID, name string) ([]json.RawMessage, error) {
	var exists bool
	if err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM property_list_meta WHERE actor_id = $1 AND name = $2)`,
		actorID, name).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check list: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := p.pool.Query(ctx,
		`SELECT item FROM property_list_items WHERE actor_id = $1 AND name = $2 ORDER BY idx`,
		actorID, name)
	if err != nil {
		return nil, fmt.Errorf("get list items: %w", err)
	}
	defer rows.Close()

	items := []json.RawMessage{}
	for rows.Next() {
		var item json.RawMessage
		if err := rows.Scan(&item); err != nil {
			return nil, fmt.Errorf("scan list item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// PutListMeta implements PropertyStore.
func (p *PostgresStore) PutListMeta(ctx context.Context, actorID, name string, meta *model.ListMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal list meta: %w", err)
	}
	const q = `
		INSERT INTO property_list_meta (actor_id, name, meta)
		VALUES ($1, $2, $3)
		ON CONFLICT (actor_id, name) DO UPDATE SET meta = EXCLUDED.meta`
	if _, err := p.pool.Exec(ctx, q, actorID, name, data); err != nil {
		return fmt.Errorf("put list meta: %w", err)
	}
	return nil
}

// GetListMeta implements PropertyStore.
func (p *PostgresStore) GetListMeta(ctx context.Context, actorID, name string) (*model.ListMeta, error) {
	var data []byte
	err := p.pool.QueryRow(ctx,
		`SELECT meta FROM property_list_meta WHERE actor_id = $1 AND name = $2`,
		actorID, name).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get list meta: %w", err)
	}
	meta := &model.ListMeta{}
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, fmt.Errorf("decode list meta: %w", err)
	}
	return meta, nil
}

// DeleteList implements PropertyStore.
func (p *PostgresStore) DeleteList(ctx context.Context, actorID, name string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`DELETE FROM property_list_meta WHERE actor_id = $1 AND name = $2`, actorID, name)
	if err != nil {
		return fmt.Errorf("delete list meta: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM property_list_items WHERE actor_id = $1 AND name = $2`, actorID, name); err != nil {
		return fmt.Errorf("delete list items: %w", err)
	}
	return tx.Commit(ctx)
}

// ListListNames implements PropertyStore.
func (p *PostgresStore) ListListNames(ctx context.Context, actorID string) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT name FROM property_list_meta WHERE actor_id = $1 ORDER BY name`, actorID)
	if err != nil {
		return nil, fmt.Errorf("list list names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan list name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DeleteAllProperties implements PropertyStore.
func (p *PostgresStore) DeleteAllProperties(ctx context.Context, actorID string) error {
	for _, q := range []string{
		`DELETE FROM properties WHERE actor_id = $1`,
		`DELETE FROM property_list_items WHERE actor_id = $1`,
		`DELETE FROM property_list_meta WHERE actor_id = $1`,
	} {
		if _, err := p.pool.Exec(ctx, q, actorID); err != nil {
			return fmt.Errorf("delete all properties: %w", err)
		}
	}
	return nil
}

// ── TrustStore ───────────────────────────────────────────────────────────

// PutTrust implements TrustStore.
func (p *PostgresStore) PutTrust(ctx context.Context, t *model.Trust) error {
	const q = `
		INSERT INTO trusts (actor_id, peer_id, base_uri, secret, peer_type, relationship,
			description, approved, peer_approved, verified, verification_token,
			established_via, client_name, client_version, client_platform, oauth_client_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (actor_id, peer_id) DO UPDATE SET
			base_uri = EXCLUDED.base_uri,
			peer_type = EXCLUDED.peer_type,
			relationship = EXCLUDED.relationship,
			description = EXCLUDED.description,
			approved = EXCLUDED.approved,
			peer_approved = EXCLUDED.peer_approved,
			verified = EXCLUDED.verified,
			verification_token = EXCLUDED.verification_token
		RETURNING created_at`

	row := p.pool.QueryRow(ctx, q,
		t.ActorID, t.PeerID, t.BaseURI, t.Secret, t.PeerType, t.Relationship,
		t.Desc, t.Approved, t.PeerApproved, t.Verified, t.VerificationToken,
		string(t.EstablishedVia), t.ClientName, t.ClientVersion, t.ClientPlatform, t.OAuthClientID,
	)
	if err := row.Scan(&t.CreatedAt); err != nil {
		return fmt.Errorf("put trust: %w", err)
	}
	return nil
}

const trustColumns = `actor_id, peer_id, base_uri, secret, peer_type, relationship,
	description, approved, peer_approved, verified, verification_token,
	established_via, client_name, client_version, client_platform, oauth_client_id, created_at`

func scanTrust(row pgx.Row) (*model.Trust, error) {
	t := &model.Trust{}
	var via string
	err := row.Scan(
		&t.ActorID, &t.PeerID, &t.BaseURI, &t.Secret, &t.PeerType, &t.Relationship,
		&t.Desc, &t.Approved, &t.PeerApproved, &t.Verified, &t.VerificationToken,
		&via, &t.ClientName, &t.ClientVersion, &t.ClientPlatform, &t.OAuthClientID, &t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan trust: %w", err)
	}
	t.EstablishedVia = model.EstablishedVia(via)
	return t, nil
}

// GetTrust implements TrustStore.
func (p *PostgresStore) GetTrust(ctx context.Context, actorID, peerID string) (*model.Trust, error) {
	q := `SELECT ` + trustColumns + ` FROM trusts WHERE actor_id = $1 AND peer_id = $2`
	return scanTrust(p.pool.QueryRow(ctx, q, actorID, peerID))
}

// FindTrustBySecret implements TrustStore.
func (p *PostgresStore) FindTrustBySecret(ctx context.Context, actorID, secret string) (*model.Trust, error) {
	q := `SELECT ` + trustColumns + ` FROM trusts WHERE actor_id = $1 AND secret = $2`
	return scanTrust(p.pool.QueryRow(ctx, q, actorID, secret))
}

// ListTrusts implements TrustStore.
func (p *PostgresStore) ListTrusts(ctx context.Context, actorID string) ([]*model.Trust, error) {
	q := `SELECT ` + trustColumns + ` FROM trusts WHERE actor_id = $1 ORDER BY peer_id`
	rows, err := p.pool.Query(ctx, q, actorID)
	if err != nil {
		return nil, fmt.Errorf("list trusts: %w", err)
	}
	defer rows.Close()

	var out []*model.Trust
	for rows.Next() {
		t, scanErr := scanTrust(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTrust implements TrustStore.
func (p *PostgresStore) DeleteTrust(ctx context.Context, actorID, peerID string) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM trusts WHERE actor_id = $1 AND peer_id = $2`, actorID, peerID)
	if err != nil {
		return fmt.Errorf("delete trust: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAllTrusts implements TrustStore.
func (p *PostgresStore) DeleteAllTrusts(ctx context.Context, actorID string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM trusts WHERE actor_id = $1`, actorID); err != nil {
		return fmt.Errorf("delete all trusts: %w", err)
	}
	return nil
}

// ── SubscriptionStore ────────────────────────────────────────────────────

// CreateSubscription implements SubscriptionStore.
func (p *PostgresStore) CreateSubscription(ctx context.Context, s *model.Subscription) error {
	const q = `
		INSERT INTO subscriptions (actor_id, peer_id, subscription_id, is_callback,
			target, subtarget, resource, granularity, sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`

	row := p.pool.QueryRow(ctx, q,
		s.ActorID, s.PeerID, s.SubscriptionID, s.IsCallback,
		s.Target, s.Subtarget, s.Resource, string(s.Granularity), s.Sequence,
	)
	if err := row.Scan(&s.CreatedAt); err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

const subColumns = `actor_id, peer_id, subscription_id, is_callback,
	target, subtarget, resource, granularity, sequence, created_at`

func scanSubscription(row pgx.Row) (*model.Subscription, error) {
	s := &model.Subscription{}
	var gran string
	err := row.Scan(
		&s.ActorID, &s.PeerID, &s.SubscriptionID, &s.IsCallback,
		&s.Target, &s.Subtarget, &s.Resource, &gran, &s.Sequence, &s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	s.Granularity = model.Granularity(gran)
	return s, nil
}

// GetSubscription implements SubscriptionStore.
func (p *PostgresStore) GetSubscription(ctx context.Context, actorID, peerID, subID string) (*model.Subscription, error) {
	q := `SELECT ` + subColumns + ` FROM subscriptions
		WHERE actor_id = $1 AND peer_id = $2 AND subscription_id = $3`
	return scanSubscription(p.pool.QueryRow(ctx, q, actorID, peerID, subID))
}

func (p *PostgresStore) querySubscriptions(ctx context.Context, q string, args ...any) ([]*model.Subscription, error) {
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*model.Subscription
	for rows.Next() {
		s, scanErr := scanSubscription(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListSubscriptions implements SubscriptionStore.
func (p *PostgresStore) ListSubscriptions(ctx context.Context, actorID string) ([]*model.Subscription, error) {
	q := `SELECT ` + subColumns + ` FROM subscriptions WHERE actor_id = $1 ORDER BY subscription_id`
	return p.querySubscriptions(ctx, q, actorID)
}

// ListSubscriptionsByPeer implements SubscriptionStore.
func (p *PostgresStore) ListSubscriptionsByPeer(ctx context.Context, actorID, peerID string) ([]*model.Subscription, error) {
	q := `SELECT ` + subColumns + ` FROM subscriptions
		WHERE actor_id = $1 AND peer_id = $2 ORDER BY subscription_id`
	return p.querySubscriptions(ctx, q, actorID, peerID)
}

// UpdateSequence implements SubscriptionStore.
func (p *PostgresStore) UpdateSequence(ctx context.Context, actorID, peerID, subID string, seq int) error {
	const q = `
		UPDATE subscriptions SET sequence = $4
		WHERE actor_id = $1 AND peer_id = $2 AND subscription_id = $3`

	tag, err := p.pool.Exec(ctx, q, actorID, peerID, subID, seq)
	if err != nil {
		return fmt.Errorf("update sequence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSubscription implements SubscriptionStore. The subscription's
// diffs are removed in the same transaction.
func (p *PostgresStore) DeleteSubscription(ctx context.Context, actorID, peerID, subID string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`DELETE FROM subscriptions WHERE actor_id = $1 AND peer_id = $2 AND subscription_id = $3`,
		actorID, peerID, subID)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM subscription_diffs WHERE actor_id = $1 AND subscription_id = $2`,
		actorID, subID); err != nil {
		return fmt.Errorf("delete subscription diffs: %w", err)
	}
	return tx.Commit(ctx)
}

// DeleteAllSubscriptions implements SubscriptionStore.
func (p *PostgresStore) DeleteAllSubscriptions(ctx context.Context, actorID string) error {
	for _, q := range []string{
		`DELETE FROM subscriptions WHERE actor_id = $1`,
		`DELETE FROM subscription_diffs WHERE actor_id = $1`,
	} {
		if _, err := p.pool.Exec(ctx, q, actorID); err != nil {
			return fmt.Errorf("delete all subscriptions: %w", err)
		}
	}
	return nil
}

// ── DiffStore ────────────────────────────────────────────────────────────

// RegisterDiff implements DiffStore. The sequence increment and the diff
// insert run in one transaction; the row lock taken by the UPDATE
// serialises concurrent registrations for the same subscription.
func (p *PostgresStore) RegisterDiff(ctx context.Context, actorID, peerID, subID, blob string, ts time.Time) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var seq int
	err = tx.QueryRow(ctx, `
		UPDATE subscriptions SET sequence = sequence + 1
		WHERE actor_id = $1 AND peer_id = $2 AND subscription_id = $3
		RETURNING sequence`,
		actorID, peerID, subID,
	).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("increment sequence: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO subscription_diffs (actor_id, subscription_id, sequence, blob, timestamp)
		VALUES ($1, $2, $3, $4, $5)`,
		actorID, subID, seq, blob, ts,
	); err != nil {
		return 0, fmt.Errorf("insert diff: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit diff tx: %w", err)
	}
	return seq, nil
}

// ListDiffs implements DiffStore.
func (p *PostgresStore) ListDiffs(ctx context.Context, actorID, subID string) ([]model.Diff, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT sequence, blob, timestamp FROM subscription_diffs
		WHERE actor_id = $1 AND subscription_id = $2
		ORDER BY sequence`,
		actorID, subID)
	if err != nil {
		return nil, fmt.Errorf("list diffs: %w", err)
	}
	defer rows.Close()

	var out []model.Diff
	for rows.Next() {
		d := model.Diff{ActorID: actorID, SubscriptionID: subID}
		if err := rows.Scan(&d.Sequence, &d.Blob, &d.Timestamp); err != nil {
			return nil, fmt.Errorf("scan diff: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ClearDiffs implements DiffStore.
func (p *PostgresStore) ClearDiffs(ctx context.Context, actorID, subID string, upToSeq int) error {
	if _, err := p.pool.Exec(ctx, `
		DELETE FROM subscription_diffs
		WHERE actor_id = $1 AND subscription_id = $2 AND sequence <= $3`,
		actorID, subID, upToSeq); err != nil {
		return fmt.Errorf("clear diffs: %w", err)
	}
	return nil
}

// DeleteAllDiffs implements DiffStore.
func (p *PostgresStore) DeleteAllDiffs(ctx context.Context, actorID, subID string) error {
	if _, err := p.pool.Exec(ctx, `
		DELETE FROM subscription_diffs WHERE actor_id = $1 AND subscription_id = $2`,
		actorID, subID); err != nil {
		return fmt.Errorf("delete all diffs: %w", err)
	}
	return nil
}

// ── AttributeStore ───────────────────────────────────────────────────────

// PutAttr implements AttributeStore.
func (p *PostgresStore) PutAttr(ctx context.Context, actorID, bucket, name string, data json.RawMessage) error {
	const q = `
		INSERT INTO attributes (actor_id, bucket, name, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (actor_id, bucket, name) DO UPDATE
		SET data = EXCLUDED.data, version = attributes.version + 1, timestamp = now()`

	if _, err := p.pool.Exec(ctx, q, actorID, bucket, name, data); err != nil {
		return fmt.Errorf("put attribute: %w", err)
	}
	return nil
}

// PutAttrCAS implements AttributeStore.
func (p *PostgresStore) PutAttrCAS(ctx context.Context, actorID, bucket, name string, data json.RawMessage, expectedVersion int) (int, error) {
	if expectedVersion == 0 {
		const q = `
			INSERT INTO attributes (actor_id, bucket, name, data)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (actor_id, bucket, name) DO NOTHING`
		tag, err := p.pool.Exec(ctx, q, actorID, bucket, name, data)
		if err != nil {
			return 0, fmt.Errorf("insert attribute: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return 0, ErrConflict
		}
		return 1, nil
	}

	const q = `
		UPDATE attributes
		SET data = $4, version = version + 1, timestamp = now()
		WHERE actor_id = $1 AND bucket = $2 AND name = $3 AND version = $5
		RETURNING version`

	var version int
	err := p.pool.QueryRow(ctx, q, actorID, bucket, name, data, expectedVersion).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("update attribute: %w", err)
	}
	return version, nil
}

// GetAttr implements AttributeStore.
func (p *PostgresStore) GetAttr(ctx context.Context, actorID, bucket, name string) (*model.Attribute, error) {
	a := &model.Attribute{ActorID: actorID, Bucket: bucket}
	err := p.pool.QueryRow(ctx, `
		SELECT name, data, version, timestamp FROM attributes
		WHERE actor_id = $1 AND bucket = $2 AND name = $3`,
		actorID, bucket, name,
	).Scan(&a.Name, &a.Data, &a.Version, &a.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get attribute: %w", err)
	}
	return a, nil
}

// ListBucket implements AttributeStore.
func (p *PostgresStore) ListBucket(ctx context.Context, actorID, bucket string) ([]model.Attribute, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT name, data, version, timestamp FROM attributes
		WHERE actor_id = $1 AND bucket = $2 ORDER BY name`,
		actorID, bucket)
	if err != nil {
		return nil, fmt.Errorf("list bucket: %w", err)
	}
	defer rows.Close()

	var out []model.Attribute
	for rows.Next() {
		a := model.Attribute{ActorID: actorID, Bucket: bucket}
		if err := rows.Scan(&a.Name, &a.Data, &a.Version, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("scan attribute: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAttr implements AttributeStore.
func (p *PostgresStore) DeleteAttr(ctx context.Context, actorID, bucket, name string) error {
	if _, err := p.pool.Exec(ctx, `
		DELETE FROM attributes WHERE actor_id = $1 AND bucket = $2 AND name = $3`,
		actorID, bucket, name); err != nil {
		return fmt.Errorf("delete attribute: %w", err)
	}
	return nil
}

// DeleteBucket implements AttributeStore.
func (p *PostgresStore) DeleteBucket(ctx context.Context, actorID, bucket string) error {
	if _, err := p.pool.Exec(ctx, `
		DELETE FROM attributes WHERE actor_id = $1 AND bucket = $2`,
		actorID, bucket); err != nil {
		return fmt.Errorf("delete bucket: %w", err)
	}
	return nil
}

// DeleteAllBuckets implements AttributeStore.
func (p *PostgresStore) DeleteAllBuckets(ctx context.Context, actorID string) error {
	if _, err := p.pool.Exec(ctx, `
		DELETE FROM attributes WHERE actor_id = $1`, actorID); err != nil {
		return fmt.Errorf("delete all buckets: %w", err)
	}
	return nil
}
