package repository

import (
	"context"
	"strings"

	"github.com/convergent/chatservice/pkg/api"
	"github.com/georgysavva/scany/pgxscan"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
)

const accountIndexSchema = `
CREATE TABLE IF NOT EXISTS account_index (
	id        TEXT PRIMARY KEY,
	username  TEXT NOT NULL,
	name      TEXT,
	image_url TEXT
);
CREATE INDEX IF NOT EXISTS account_index_username ON account_index (lower(username));
`

type searchIndex struct {
	db *pgxpool.Pool
}

// NewSearchIndex returns the Postgres account index.
func NewSearchIndex(db *pgxpool.Pool) api.SearchIndex {
	return &searchIndex{db: db}
}

// EnsureSchema creates the account index table when it is missing.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, accountIndexSchema)
	return errors.Wrap(err, "creating account index schema")
}

func (s *searchIndex) Upsert(ctx context.Context, id string, projection api.Projection) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO account_index (id, username, name, image_url)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET username = EXCLUDED.username, name = EXCLUDED.name, image_url = EXCLUDED.image_url`,
		id, projection.Username, projection.Name, projection.ImageUrl)
	return errors.Wrapf(err, "upserting account %s", id)
}

const partialUpdateAccount = `
	UPDATE account_index
	SET username = COALESCE($2, username),
	    name = $3,
	    image_url = $4
	WHERE id = $1`

// PartialUpdate writes projection over the indexed row. Name and image are
// taken as given, so a cleared field is cleared in the index too; an empty
// username keeps the indexed one. A missing row is not created.
func (s *searchIndex) PartialUpdate(ctx context.Context, id string, projection api.Projection) error {
	_, err := s.db.Exec(ctx, partialUpdateAccount, partialUpdateArgs(id, projection)...)
	return errors.Wrapf(err, "updating account %s", id)
}

func partialUpdateArgs(id string, projection api.Projection) []interface{} {
	var username *string
	if projection.Username != "" {
		username = &projection.Username
	}
	return []interface{}{id, username, projection.Name, projection.ImageUrl}
}

func (s *searchIndex) Delete(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, "DELETE FROM account_index WHERE id = $1", id)
	return errors.Wrapf(err, "deleting account %s", id)
}

// Query matches text against usernames and names, case-insensitively. Username
// prefix matches rank first.
func (s *searchIndex) Query(ctx context.Context, text string, limit int) ([]api.Projection, error) {
	pattern := escapeLike(strings.ToLower(text))
	var results []api.Projection
	err := pgxscan.Select(ctx, s.db, &results, `
		SELECT id, username, name, image_url
		FROM account_index
		WHERE lower(username) LIKE '%' || $1 || '%' ESCAPE '\'
		   OR lower(coalesce(name, '')) LIKE '%' || $1 || '%' ESCAPE '\'
		ORDER BY (lower(username) LIKE $1 || '%' ESCAPE '\') DESC, username
		LIMIT $2`,
		pattern, limit)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, api.Transient("searching accounts", errors.Wrap(err, "querying account index"))
	}
	return results, nil
}

// escapeLike makes text match literally inside a LIKE pattern.
func escapeLike(text string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(text)
}
