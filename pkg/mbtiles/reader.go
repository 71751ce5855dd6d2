// Package mbtiles reads tile coordinates and tile content out of an
// MBTiles file. Readers are independent: every worker may open its own
// handle for read-only access to a shared store.
package mbtiles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/mapgrid/tilereduce/pkg/tile"
)

type Reader struct {
	path string
	db   *sql.DB
}

func Open(path string) (*Reader, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening tile store %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening tile store %s: %w", path, err)
	}
	return &Reader{path: path, db: db}, nil
}

func (r *Reader) Path() string { return r.path }

// ZXYStream streams every tile address in the store as "z/x/y" records.
// MBTiles rows index tiles in TMS row order; the row is flipped to the XYZ
// scheme before emission. The record channel is closed when the store is
// exhausted or the context is cancelled; at most one error is sent on the
// error channel afterwards.
func (r *Reader) ZXYStream(ctx context.Context) (<-chan string, <-chan error) {
	records := make(chan string)
	errc := make(chan error, 1)

	go func() {
		defer close(records)
		defer close(errc)

		rows, err := r.db.QueryContext(ctx, `SELECT zoom_level, tile_column, tile_row FROM tiles`)
		if err != nil {
			errc <- fmt.Errorf("scanning tile store %s: %w", r.path, err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var z, x, row uint32
			if err := rows.Scan(&z, &x, &row); err != nil {
				errc <- fmt.Errorf("scanning tile store %s: %w", r.path, err)
				return
			}
			y := flipY(row, z)
			select {
			case records <- fmt.Sprintf("%d/%d/%d", z, x, y):
			case <-ctx.Done():
				return
			}
		}
		if err := rows.Err(); err != nil {
			errc <- fmt.Errorf("scanning tile store %s: %w", r.path, err)
		}
	}()

	return records, errc
}

// ReadTile returns the raw content stored for the tile, or nil when the
// store has no data at that address.
func (r *Reader) ReadTile(t tile.Tile) ([]byte, error) {
	var data []byte
	err := r.db.QueryRow(
		`SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`,
		t.Z, t.X, flipY(t.Y, t.Z),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading tile %s from %s: %w", t.ZXY(), r.path, err)
	}
	return data, nil
}

// Metadata returns the store's metadata table as a map.
func (r *Reader) Metadata() (map[string]string, error) {
	rows, err := r.db.Query(`SELECT name, value FROM metadata`)
	if err != nil {
		return nil, fmt.Errorf("reading metadata from %s: %w", r.path, err)
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("reading metadata from %s: %w", r.path, err)
		}
		meta[name] = value
	}
	return meta, rows.Err()
}

func (r *Reader) Close() error {
	return r.db.Close()
}

func flipY(y, z uint32) uint32 {
	return (1 << z) - 1 - y
}
