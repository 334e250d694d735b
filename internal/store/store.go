// Package store persists interest groups in SQLite.
//
// Enumeration order is part of the storage contract: ForEach visits groups
// alphabetically by name, and ads inside a group keep their join order.
// The auction's tie-break and the trusted-scoring-signals key order both
// lean on this.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	_ "modernc.org/sqlite"

	"github.com/google/fledge-shim-sub000/internal/protocol"
)

// ErrAborted is returned by ForEach when the callback stopped iteration.
var ErrAborted = errors.New("store: iteration aborted")

// Store persists interest groups in SQLite. All access flows through one
// *sql.DB, so an enumeration started after a Put or Delete completes
// observes that mutation.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS interest_groups (
  name                        TEXT PRIMARY KEY,
  bidding_logic_url           TEXT NOT NULL DEFAULT '',
  trusted_bidding_signals_url TEXT NOT NULL DEFAULT '',
  ads                         TEXT NOT NULL DEFAULT '[]',
  joined_at                   INTEGER NOT NULL
)`

// Open opens a SQLite store at path and creates the schema. The special
// path ":memory:" opens an ephemeral in-memory store.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("store: path is required")
	}

	dsn := path
	if path != ":memory:" {
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite db: %w", err)
	}
	if path == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put creates or fully overwrites the record for group.Name.
func (s *Store) Put(ctx context.Context, group *protocol.InterestGroup) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if group.Name == "" {
		return fmt.Errorf("store: group name is required")
	}

	ads, err := encodeAds(group.Ads)
	if err != nil {
		return fmt.Errorf("store: encode ads for %q: %w", group.Name, err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO interest_groups (name, bidding_logic_url, trusted_bidding_signals_url, ads, joined_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   bidding_logic_url = excluded.bidding_logic_url,
		   trusted_bidding_signals_url = excluded.trusted_bidding_signals_url,
		   ads = excluded.ads,
		   joined_at = excluded.joined_at`,
		group.Name,
		group.BiddingLogicURL,
		group.TrustedBiddingSignalsURL,
		ads,
		time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: put %q: %w", group.Name, err)
	}
	return nil
}

// Delete fully removes the record for name. Deleting an absent name is not
// an error.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM interest_groups WHERE name = ?`, name); err != nil {
		return fmt.Errorf("store: delete %q: %w", name, err)
	}
	return nil
}

// Get returns the record for name, or nil when absent.
func (s *Store) Get(ctx context.Context, name string) (*protocol.InterestGroup, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT name, bidding_logic_url, trusted_bidding_signals_url, ads
		   FROM interest_groups WHERE name = ?`,
		name,
	)
	group, err := scanGroup(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return group, err
}

// ForEach visits every stored group alphabetically by name. A callback
// error aborts iteration immediately and is wrapped in ErrAborted.
func (s *Store) ForEach(ctx context.Context, fn func(*protocol.InterestGroup) error) error {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT name, bidding_logic_url, trusted_bidding_signals_url, ads
		   FROM interest_groups ORDER BY name ASC`,
	)
	if err != nil {
		return fmt.Errorf("store: enumerate groups: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		group, err := scanGroup(rows.Scan)
		if err != nil {
			return err
		}
		if err := fn(group); err != nil {
			return fmt.Errorf("%w: %s", ErrAborted, err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: enumerate groups: %w", err)
	}
	return nil
}

func scanGroup(scan func(dest ...any) error) (*protocol.InterestGroup, error) {
	var group protocol.InterestGroup
	var ads string
	if err := scan(&group.Name, &group.BiddingLogicURL, &group.TrustedBiddingSignalsURL, &ads); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan group: %w", err)
	}
	decoded, err := decodeAds(ads)
	if err != nil {
		return nil, fmt.Errorf("store: decode ads for %q: %w", group.Name, err)
	}
	group.Ads = decoded
	return &group, nil
}

// Ads persist as [renderUrl, metadataJson] pairs, mirroring the wire shape.
func encodeAds(ads []protocol.Ad) (string, error) {
	pairs := make([][2]string, 0, len(ads))
	for _, ad := range ads {
		metadata, err := sonic.Marshal(ad.Metadata)
		if err != nil {
			return "", err
		}
		pairs = append(pairs, [2]string{ad.RenderURL, string(metadata)})
	}
	encoded, err := sonic.Marshal(pairs)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func decodeAds(encoded string) ([]protocol.Ad, error) {
	var pairs [][2]string
	if err := sonic.Unmarshal([]byte(encoded), &pairs); err != nil {
		return nil, err
	}
	ads := make([]protocol.Ad, 0, len(pairs))
	for _, pair := range pairs {
		var metadata any
		if err := sonic.Unmarshal([]byte(pair[1]), &metadata); err != nil {
			return nil, err
		}
		ads = append(ads, protocol.Ad{RenderURL: pair[0], Metadata: metadata})
	}
	return ads, nil
}
