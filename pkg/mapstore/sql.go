// Copyright 2024-2026 Aiku AI

package mapstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/aiku/mattermost-mirror/pkg/mapstore/upgrades"
	"github.com/aiku/mattermost-mirror/pkg/mirror"
)

const (
	putMappingQuery = `
		INSERT INTO mirror_mapping (source_id, target_feed, target_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (source_id, target_feed) DO UPDATE
			SET target_id = excluded.target_id
			WHERE mirror_mapping.target_id IS NULL
	`
	getMappingsQuery = `
		SELECT target_feed, target_id FROM mirror_mapping
		WHERE source_id = $1
		ORDER BY target_feed
	`
	existsMappingQuery = `
		SELECT EXISTS(SELECT 1 FROM mirror_mapping WHERE source_id = $1)
	`
	deleteMappingsQuery = `
		DELETE FROM mirror_mapping WHERE source_id = $1
	`
	deleteTargetMappingQuery = `
		DELETE FROM mirror_mapping WHERE source_id = $1 AND target_feed = $2
	`
	statsQuery = `
		SELECT COUNT(target_id), COUNT(*) - COUNT(target_id), COUNT(DISTINCT source_id)
		FROM mirror_mapping
	`
	getCursorQuery = `
		SELECT source_id, position FROM mirror_cursor WHERE source_feed = $1
	`
	advanceCursorQuery = `
		INSERT INTO mirror_cursor (source_feed, source_id, position)
		VALUES ($1, $2, $3)
		ON CONFLICT (source_feed) DO UPDATE
			SET source_id = excluded.source_id, position = excluded.position
			WHERE mirror_cursor.position < excluded.position
	`
)

// SQLStore is a mapping store on SQLite or Postgres.
type SQLStore struct {
	db *dbutil.Database
}

var _ mirror.MappingStore = (*SQLStore)(nil)

// OpenSQLite opens (creating if needed) a SQLite mapping database.
func OpenSQLite(ctx context.Context, path string, log zerolog.Logger) (*SQLStore, error) {
	params := url.Values{}
	params.Set("_busy_timeout", "5000")
	params.Set("_journal_mode", "WAL")
	params.Set("_txlock", "immediate")
	uri := "file:" + path + "?" + params.Encode()
	return openSQL(ctx, uri, "sqlite3", log)
}

// OpenPostgres connects to a Postgres mapping database.
func OpenPostgres(ctx context.Context, dsn string, log zerolog.Logger) (*SQLStore, error) {
	return openSQL(ctx, dsn, "postgres", log)
}

func openSQL(ctx context.Context, uri, dialect string, log zerolog.Logger) (*SQLStore, error) {
	log = log.With().Str("component", "mapstore").Str("dialect", dialect).Logger()
	db, err := dbutil.NewWithDialect(uri, dialect)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}
	if db.Dialect == dbutil.SQLite {
		// One writer avoids SQLITE_BUSY under concurrent lanes.
		db.RawDB.SetMaxOpenConns(1)
		db.RawDB.SetMaxIdleConns(1)
	}
	db.Log = dbutil.ZeroLogger(log)
	db.VersionTable = "mirror_version"
	db.UpgradeTable = upgrades.Table

	if err := db.RawDB.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", dialect, err)
	}
	if err := db.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to upgrade %s database: %w", dialect, err)
	}
	log.Debug().Msg("Mapping database ready")
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Put(ctx context.Context, source mirror.MessageID, target mirror.FeedID, targetID mirror.MessageID) error {
	var value sql.NullString
	if targetID != "" {
		value = sql.NullString{String: string(targetID), Valid: true}
	}
	_, err := s.db.Exec(ctx, putMappingQuery, string(source), string(target), value)
	return err
}

func (s *SQLStore) Get(ctx context.Context, source mirror.MessageID) ([]mirror.Mapping, error) {
	rows, err := s.db.Query(ctx, getMappingsQuery, string(source))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []mirror.Mapping{}
	for rows.Next() {
		var (
			target   string
			targetID sql.NullString
		)
		if err := rows.Scan(&target, &targetID); err != nil {
			return nil, err
		}
		out = append(out, mirror.Mapping{
			SourceID:   source,
			TargetFeed: mirror.FeedID(target),
			TargetID:   mirror.MessageID(targetID.String),
		})
	}
	return out, rows.Err()
}

func (s *SQLStore) Exists(ctx context.Context, source mirror.MessageID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, existsMappingQuery, string(source)).Scan(&exists)
	return exists, err
}

func (s *SQLStore) Delete(ctx context.Context, source mirror.MessageID) error {
	_, err := s.db.Exec(ctx, deleteMappingsQuery, string(source))
	return err
}

func (s *SQLStore) DeleteTarget(ctx context.Context, source mirror.MessageID, target mirror.FeedID) error {
	_, err := s.db.Exec(ctx, deleteTargetMappingQuery, string(source), string(target))
	return err
}

func (s *SQLStore) Stats(ctx context.Context) (mirror.Stats, error) {
	var st mirror.Stats
	err := s.db.QueryRow(ctx, statsQuery).Scan(&st.Mapped, &st.Placeholders, &st.Sources)
	return st, err
}

func (s *SQLStore) Cursor(ctx context.Context, feed mirror.FeedID) (*mirror.Cursor, error) {
	var (
		id       string
		position int64
	)
	err := s.db.QueryRow(ctx, getCursorQuery, string(feed)).Scan(&id, &position)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &mirror.Cursor{MessageID: mirror.MessageID(id), Position: position}, nil
}

func (s *SQLStore) AdvanceCursor(ctx context.Context, feed mirror.FeedID, cursor mirror.Cursor) error {
	_, err := s.db.Exec(ctx, advanceCursorQuery, string(feed), string(cursor.MessageID), cursor.Position)
	return err
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
