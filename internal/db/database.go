package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("document not found")

type Database struct {
	db *sql.DB
}

// Document is one uploaded file in the catalog.
type Document struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	Title       string    `json:"title"`
	TotalPages  int       `json:"totalPages"`
	UploadedAt  time.Time `json:"uploadedAt"`
	UploadedBy  string    `json:"uploadedBy"`
	FileSize    int64     `json:"fileSize"`
	ContentType string    `json:"contentType"`
	// where the file lives in blob storage
	StorageKey string `json:"-"`
	// filled in by the API layer
	URL string `json:"url,omitempty"`
}

// New opens the catalog. dsn is a file path or a sqlite URI such as
// "file:folio?mode=memory&cache=shared".
func New(dsn string) (*Database, error) {
	onDisk := !strings.HasPrefix(dsn, "file:") && dsn != ":memory:"

	if onDisk {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if onDisk {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, err
		}
	} else {
		// an in-memory database lives as long as its last connection, and
		// without cache=shared every connection gets a database of its own
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		total_pages INTEGER NOT NULL DEFAULT 0,
		uploaded_at DATETIME NOT NULL,
		uploaded_by TEXT NOT NULL DEFAULT '',
		file_size INTEGER NOT NULL DEFAULT 0,
		content_type TEXT NOT NULL DEFAULT 'application/pdf',
		storage_key TEXT NOT NULL UNIQUE
	);

	CREATE INDEX IF NOT EXISTS idx_documents_uploaded_at ON documents(uploaded_at DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Ping() error {
	return d.db.Ping()
}

// CreateDocument inserts doc, assigning an id and upload time when unset.
func (d *Database) CreateDocument(doc Document) (*Document, error) {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now().UTC()
	}
	if doc.StorageKey == "" {
		return nil, errors.New("document has no storage key")
	}

	_, err := d.db.Exec(`
		INSERT INTO documents (id, filename, title, total_pages, uploaded_at, uploaded_by, file_size, content_type, storage_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, doc.ID, doc.Filename, doc.Title, doc.TotalPages, doc.UploadedAt, doc.UploadedBy, doc.FileSize, doc.ContentType, doc.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}
	return d.GetDocument(doc.ID)
}

const documentColumns = `id, filename, title, total_pages, uploaded_at, uploaded_by, file_size, content_type, storage_key`

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*Document, error) {
	var doc Document
	err := row.Scan(&doc.ID, &doc.Filename, &doc.Title, &doc.TotalPages, &doc.UploadedAt,
		&doc.UploadedBy, &doc.FileSize, &doc.ContentType, &doc.StorageKey)
	if err != nil {
		return nil, err
	}
	doc.UploadedAt = doc.UploadedAt.UTC()
	return &doc, nil
}

func (d *Database) GetDocument(id string) (*Document, error) {
	row := d.db.QueryRow("SELECT "+documentColumns+" FROM documents WHERE id = ?", id)

	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return doc, err
}

// ListDocuments returns documents newest first.
func (d *Database) ListDocuments(limit, offset int) ([]Document, error) {
	rows, err := d.db.Query(
		"SELECT "+documentColumns+" FROM documents ORDER BY uploaded_at DESC, id ASC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

func (d *Database) DeleteDocument(id string) error {
	res, err := d.db.Exec("DELETE FROM documents WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// StorageKeys returns the blob key of every catalogued document.
func (d *Database) StorageKeys() (map[string]bool, error) {
	rows, err := d.db.Query("SELECT storage_key FROM documents")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make(map[string]bool)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys[key] = true
	}
	return keys, rows.Err()
}

func (d *Database) DocumentCount() (int, error) {
	var count int
	err := d.db.QueryRow("SELECT COUNT(*) FROM documents").Scan(&count)
	return count, err
}

// Stats

func (d *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	count, err := d.DocumentCount()
	if err != nil {
		return nil, err
	}
	stats["document_count"] = count

	var totalBytes int64
	if err := d.db.QueryRow("SELECT COALESCE(SUM(file_size), 0) FROM documents").Scan(&totalBytes); err != nil {
		return nil, err
	}
	stats["total_bytes"] = totalBytes

	return stats, nil
}
