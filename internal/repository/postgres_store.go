package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rpattn/ddfstore/internal/db"
	"github.com/rpattn/ddfstore/internal/errors"
	"github.com/rpattn/ddfstore/internal/mquery"
)

// PostgresStore keeps every document of every collection in one JSONB table.
type PostgresStore struct {
	conn *db.Connection
}

// NewPostgresStore wires a store backed by the connection pool.
func NewPostgresStore(conn *db.Connection) *PostgresStore {
	return &PostgresStore{conn: conn}
}

func (s *PostgresStore) ready() error {
	if s.conn == nil || s.conn.Pool == nil {
		return errors.New("postgres store not initialized")
	}
	return nil
}

// uniqueViolation is the SQLSTATE of a unique index conflict.
const uniqueViolation = "23505"

// Insert writes all docs in one transaction. A conflict on the open-gid
// indexes is reported as ErrDuplicateGid and nothing is written.
func (s *PostgresStore) Insert(ctx context.Context, collection Collection, docs ...mquery.Document) error {
	if err := s.ready(); err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, doc := range docs {
		id, _ := doc["_id"].(string)
		if id == "" {
			return errors.Newf("%s: document without _id", collection)
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return errors.Wrapf(err, "encode %s document %s", collection, id)
		}
		batch.Queue(
			`INSERT INTO ddf_documents (collection, id, doc) VALUES ($1, $2, $3::jsonb)`,
			string(collection), id, string(raw),
		)
	}

	return s.conn.WithTx(ctx, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		defer results.Close()
		for range docs {
			if _, err := results.Exec(); err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
					return errors.Wrapf(errors.ErrDuplicateGid, "%s: %s", collection, pgErr.ConstraintName)
				}
				return errors.Wrapf(err, "insert %s documents", collection)
			}
		}
		return results.Close()
	})
}

func (s *PostgresStore) Find(ctx context.Context, collection Collection, filter mquery.Filter, opts FindOptions) ([]mquery.Document, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	builder := newSQLBuilder()
	collIdx := builder.addArg(string(collection))
	where, err := builder.where(filter)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		"SELECT doc FROM ddf_documents WHERE collection = %s AND %s %s",
		builder.placeholder(collIdx), where, builder.orderBy(opts.Sort),
	)
	if opts.Limit > 0 {
		limitIdx := builder.addArg(opts.Limit)
		query += " LIMIT " + builder.placeholder(limitIdx)
	}

	rows, err := s.conn.Pool.Query(ctx, query, builder.args...)
	if err != nil {
		return nil, errors.Wrapf(err, "find %s", collection)
	}
	defer rows.Close()

	docs := make([]mquery.Document, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.Wrapf(err, "scan %s document", collection)
		}
		var doc mquery.Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, errors.Wrapf(err, "decode %s document", collection)
		}
		docs = append(docs, mquery.Project(doc, opts.Projection))
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "iterate %s", collection)
	}
	return docs, nil
}

// FindOneAndUpdate locks the first matching row and re-checks the filter in the
// outer UPDATE, so a concurrent writer that already changed the row (for example
// closed it) makes this call report no match instead of updating it twice.
func (s *PostgresStore) FindOneAndUpdate(ctx context.Context, collection Collection, filter mquery.Filter, update Update) (mquery.Document, bool, error) {
	if err := s.ready(); err != nil {
		return nil, false, err
	}

	builder := newSQLBuilder()
	collIdx := builder.addArg(string(collection))
	where, err := builder.where(filter)
	if err != nil {
		return nil, false, err
	}
	set, err := builder.updateExpr(update)
	if err != nil {
		return nil, false, err
	}
	coll := builder.placeholder(collIdx)
	query := fmt.Sprintf(`UPDATE ddf_documents SET doc = %s
		WHERE collection = %s AND %s AND seq = (
			SELECT seq FROM ddf_documents WHERE collection = %s AND %s ORDER BY seq LIMIT 1 FOR UPDATE
		)
		RETURNING doc`, set, coll, where, coll, where)

	var raw []byte
	err = s.conn.Pool.QueryRow(ctx, query, builder.args...).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "find and update %s", collection)
	}

	var doc mquery.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false, errors.Wrapf(err, "decode %s document", collection)
	}
	return doc, true, nil
}

func (s *PostgresStore) UpdateOne(ctx context.Context, collection Collection, filter mquery.Filter, update Update) (bool, error) {
	_, ok, err := s.FindOneAndUpdate(ctx, collection, filter, update)
	return ok, err
}
