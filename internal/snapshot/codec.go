// Package snapshot converts the in-memory SQLite store to and from its native
// database image, and wraps images for the local durability slot.
package snapshot

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"modernc.org/sqlite"
)

var (
	// ErrCorruptSnapshot is returned when bytes do not form a usable database image.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
	// ErrEngineInit is returned when the SQLite engine cannot produce a handle at all.
	ErrEngineInit = errors.New("sqlite engine init failed")
)

const headerSize = 100

var sqliteMagic = []byte("SQLite format 3\x00")

// serializer is implemented by the modernc.org/sqlite driver connection.
type serializer interface {
	Serialize() ([]byte, error)
}

// restorer is the driver's online backup API, used in restore direction. The
// pages are copied into memory owned by SQLite itself.
type restorer interface {
	NewRestore(srcURI string) (*sqlite.Backup, error)
}

// Codec opens in-memory handles and moves database images in and out of them.
type Codec struct {
	driver string
	dsn    string
}

func NewCodec() *Codec {
	return &Codec{driver: "sqlite", dsn: ":memory:"}
}

// Open returns a fresh, empty in-memory handle. The pool is pinned to a single
// connection because every connection to ":memory:" is a separate database.
func (c *Codec) Open(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open(c.driver, c.dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite db: %v", ErrEngineInit, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: connect: %v", ErrEngineInit, err)
	}
	return db, nil
}

// Serialize returns the database image of db. It waits for the single
// connection, so in-flight statements and transactions finish first.
func (c *Codec) Serialize(ctx context.Context, db *sql.DB) ([]byte, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	var image []byte
	err = conn.Raw(func(driverConn any) error {
		s, ok := driverConn.(serializer)
		if !ok {
			return fmt.Errorf("driver connection %T cannot serialize", driverConn)
		}
		data, err := s.Serialize()
		if err != nil {
			return err
		}
		image = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("serialize database: %w", err)
	}
	return image, nil
}

// Deserialize builds a new handle from image. On any failure the new handle is
// closed and the error wraps ErrCorruptSnapshot; no other handle is affected.
func (c *Codec) Deserialize(ctx context.Context, image []byte) (*sql.DB, error) {
	if err := checkHeader(image); err != nil {
		return nil, err
	}

	db, err := c.Open(ctx)
	if err != nil {
		return nil, err
	}

	if err := load(ctx, db, image); err != nil {
		db.Close()
		return nil, err
	}
	if err := verify(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// load copies image into db. The image is staged in a temporary file and
// pulled in through the backup API; the destination page size is set from the
// header first since an in-memory target cannot change it mid-copy.
func load(ctx context.Context, db *sql.DB, image []byte) error {
	path, err := stageImage(image)
	if err != nil {
		return err
	}
	defer removeStaged(path)

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA page_size = %d", pageSize(image))); err != nil {
		return fmt.Errorf("%w: set page size: %v", ErrCorruptSnapshot, err)
	}

	err = conn.Raw(func(driverConn any) error {
		r, ok := driverConn.(restorer)
		if !ok {
			return fmt.Errorf("driver connection %T cannot restore", driverConn)
		}
		bk, err := r.NewRestore(path)
		if err != nil {
			return err
		}
		for {
			more, err := bk.Step(-1)
			if err != nil {
				bk.Finish()
				return err
			}
			if !more {
				break
			}
		}
		return bk.Finish()
	})
	if err != nil {
		return fmt.Errorf("%w: load image: %v", ErrCorruptSnapshot, err)
	}
	return nil
}

// removeStaged deletes a staged image and any sidecar files SQLite created
// next to it.
func removeStaged(path string) {
	for _, p := range []string{path, path + "-journal", path + "-wal", path + "-shm"} {
		os.Remove(p)
	}
}

func stageImage(image []byte) (string, error) {
	f, err := os.CreateTemp("", "pos-restore-*.sqlite")
	if err != nil {
		return "", fmt.Errorf("stage image: %w", err)
	}
	path := f.Name()
	if _, err := f.Write(image); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("stage image: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("stage image: %w", err)
	}
	return path, nil
}

func verify(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `PRAGMA quick_check`)
	if err != nil {
		return fmt.Errorf("%w: quick check: %v", ErrCorruptSnapshot, err)
	}
	defer rows.Close()

	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return fmt.Errorf("%w: scan quick check: %v", ErrCorruptSnapshot, err)
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: quick check: %v", ErrCorruptSnapshot, err)
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrCorruptSnapshot, problems[0])
	}

	var objects int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master`).Scan(&objects); err != nil {
		return fmt.Errorf("%w: read schema: %v", ErrCorruptSnapshot, err)
	}
	return nil
}

// checkHeader validates the fixed 100 byte SQLite file header and that the
// image is a whole number of pages.
func checkHeader(image []byte) error {
	if len(image) < headerSize {
		return fmt.Errorf("%w: %d bytes is shorter than a database header", ErrCorruptSnapshot, len(image))
	}
	if !bytes.Equal(image[:len(sqliteMagic)], sqliteMagic) {
		return fmt.Errorf("%w: invalid magic bytes", ErrCorruptSnapshot)
	}

	size := pageSize(image)
	if size < 512 || size&(size-1) != 0 {
		return fmt.Errorf("%w: invalid page size %d", ErrCorruptSnapshot, size)
	}
	if len(image)%size != 0 {
		return fmt.Errorf("%w: image size %d is not a multiple of page size %d", ErrCorruptSnapshot, len(image), size)
	}
	return nil
}

// pageSize reads the page size from a header already known to be present.
func pageSize(image []byte) int {
	size := int(binary.BigEndian.Uint16(image[16:18]))
	if size == 1 {
		size = 65536
	}
	return size
}
