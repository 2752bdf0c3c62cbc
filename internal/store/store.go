package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"driftboard/internal/protocol"
)

// Store is the durable side of the collaboration server: canvas stroke logs,
// scratchpad documents and their version history.
type Store struct {
	db *sql.DB
}

type Canvas struct {
	ID          string
	Strokes     []protocol.Stroke
	StrokeCount int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Scratchpad struct {
	ID        string
	Content   string
	Mode      string
	Lines     int
	Chars     int
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Version struct {
	ID          int       `json:"id"`
	DocID       string    `json:"doc_id"`
	Content     string    `json:"content"`
	ContentHash string    `json:"content_hash"`
	CreatedBy   string    `json:"created_by"`
	IsAuto      bool      `json:"is_auto"`
	CreatedAt   time.Time `json:"created_at"`
}

func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Printf("Store initialized at %s", dbPath)
	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS canvases (
		id TEXT PRIMARY KEY,
		strokes TEXT NOT NULL DEFAULT '[]',
		stroke_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS scratchpads (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL DEFAULT '',
		mode TEXT NOT NULL DEFAULT 'plaintext',
		line_count INTEGER NOT NULL DEFAULT 0,
		char_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS scratchpad_versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		doc_id TEXT NOT NULL,
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		created_by TEXT DEFAULT '',
		is_auto BOOLEAN DEFAULT TRUE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_versions_doc_id ON scratchpad_versions(doc_id);
	CREATE INDEX IF NOT EXISTS idx_versions_created_at ON scratchpad_versions(doc_id, created_at DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// HashContent returns the short content hash used for version dedup.
func HashContent(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:8])
}

// Canvas operations

func (s *Store) SaveCanvas(id string, strokes []protocol.Stroke) error {
	if strokes == nil {
		strokes = []protocol.Stroke{}
	}
	data, err := json.Marshal(strokes)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO canvases (id, strokes, stroke_count, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			strokes = excluded.strokes,
			stroke_count = excluded.stroke_count,
			updated_at = CURRENT_TIMESTAMP
	`, id, string(data), len(strokes))
	return err
}

func (s *Store) LoadCanvas(id string) (*Canvas, error) {
	row := s.db.QueryRow(
		"SELECT id, strokes, stroke_count, created_at, updated_at FROM canvases WHERE id = ?",
		id,
	)

	var c Canvas
	var raw string
	err := row.Scan(&c.ID, &raw, &c.StrokeCount, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(raw), &c.Strokes); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListCanvases() ([]protocol.SessionInfo, error) {
	rows, err := s.db.Query(
		"SELECT id, stroke_count, updated_at FROM canvases ORDER BY updated_at DESC",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []protocol.SessionInfo
	for rows.Next() {
		var info protocol.SessionInfo
		var updatedAt time.Time
		if err := rows.Scan(&info.ID, &info.StrokeCount, &updatedAt); err != nil {
			return nil, err
		}
		info.LastModified = updatedAt.UTC().Format(time.RFC3339)
		sessions = append(sessions, info)
	}
	return sessions, rows.Err()
}

func (s *Store) DeleteCanvas(id string) error {
	_, err := s.db.Exec("DELETE FROM canvases WHERE id = ?", id)
	return err
}

// Scratchpad operations

func (s *Store) SaveScratchpad(id, content string, meta protocol.DocumentMetadata) error {
	mode := meta.Mode
	if mode == "" {
		mode = "plaintext"
	}
	lines := meta.Lines
	if lines == 0 && content != "" {
		lines = strings.Count(content, "\n") + 1
	}

	_, err := s.db.Exec(`
		INSERT INTO scratchpads (id, content, mode, line_count, char_count, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			mode = excluded.mode,
			line_count = excluded.line_count,
			char_count = excluded.char_count,
			updated_at = CURRENT_TIMESTAMP
	`, id, content, mode, lines, len(content))
	return err
}

func (s *Store) LoadScratchpad(id string) (*Scratchpad, error) {
	row := s.db.QueryRow(
		"SELECT id, content, mode, line_count, char_count, created_at, updated_at FROM scratchpads WHERE id = ?",
		id,
	)

	var d Scratchpad
	err := row.Scan(&d.ID, &d.Content, &d.Mode, &d.Lines, &d.Chars, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) ListScratchpads() ([]protocol.SessionInfo, error) {
	rows, err := s.db.Query(
		"SELECT id, char_count, updated_at FROM scratchpads ORDER BY updated_at DESC",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []protocol.SessionInfo
	for rows.Next() {
		var info protocol.SessionInfo
		var updatedAt time.Time
		if err := rows.Scan(&info.ID, &info.Characters, &updatedAt); err != nil {
			return nil, err
		}
		info.LastModified = updatedAt.UTC().Format(time.RFC3339)
		sessions = append(sessions, info)
	}
	return sessions, rows.Err()
}

func (s *Store) DeleteScratchpad(id string) error {
	if _, err := s.db.Exec("DELETE FROM scratchpad_versions WHERE doc_id = ?", id); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM scratchpads WHERE id = ?", id)
	return err
}

// Version operations

// AddVersion records a document version, deduplicating auto-saves against the
// latest stored hash. Returns the version row, which is the existing latest
// one when the content was unchanged.
func (s *Store) AddVersion(docID, content, createdBy string, isAuto bool) (*Version, error) {
	hash := HashContent(content)

	latest, err := s.LatestVersion(docID)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.ContentHash == hash && isAuto {
		return latest, nil
	}

	result, err := s.db.Exec(`
		INSERT INTO scratchpad_versions (doc_id, content, content_hash, created_by, is_auto)
		VALUES (?, ?, ?, ?, ?)
	`, docID, content, hash, createdBy, isAuto)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetVersion(int(id))
}

func (s *Store) GetVersion(id int) (*Version, error) {
	row := s.db.QueryRow(`
		SELECT id, doc_id, content, content_hash, created_by, is_auto, created_at
		FROM scratchpad_versions WHERE id = ?
	`, id)

	var v Version
	err := row.Scan(&v.ID, &v.DocID, &v.Content, &v.ContentHash, &v.CreatedBy, &v.IsAuto, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// LatestVersion returns the most recent version for a document, or nil.
func (s *Store) LatestVersion(docID string) (*Version, error) {
	row := s.db.QueryRow(`
		SELECT id, doc_id, content, content_hash, created_by, is_auto, created_at
		FROM scratchpad_versions
		WHERE doc_id = ?
		ORDER BY id DESC
		LIMIT 1
	`, docID)

	var v Version
	err := row.Scan(&v.ID, &v.DocID, &v.Content, &v.ContentHash, &v.CreatedBy, &v.IsAuto, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ListVersions returns versions for a document, newest first.
func (s *Store) ListVersions(docID string, limit, offset int) ([]Version, error) {
	rows, err := s.db.Query(`
		SELECT id, doc_id, content_hash, created_by, is_auto, created_at
		FROM scratchpad_versions
		WHERE doc_id = ?
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, docID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []Version
	for rows.Next() {
		var v Version
		if err := rows.Scan(&v.ID, &v.DocID, &v.ContentHash, &v.CreatedBy, &v.IsAuto, &v.CreatedAt); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *Store) VersionCount(docID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM scratchpad_versions WHERE doc_id = ?", docID,
	).Scan(&count)
	return count, err
}

func (s *Store) DeleteVersion(id int) error {
	_, err := s.db.Exec("DELETE FROM scratchpad_versions WHERE id = ?", id)
	return err
}

// DeleteOldAutoVersions removes old auto-saved versions, keeping the most
// recent keepCount.
func (s *Store) DeleteOldAutoVersions(docID string, keepCount int) error {
	_, err := s.db.Exec(`
		DELETE FROM scratchpad_versions
		WHERE doc_id = ? AND is_auto = TRUE AND id NOT IN (
			SELECT id FROM scratchpad_versions
			WHERE doc_id = ? AND is_auto = TRUE
			ORDER BY id DESC
			LIMIT ?
		)
	`, docID, docID, keepCount)
	return err
}

// Stats

func (s *Store) Stats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var canvasCount int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM canvases").Scan(&canvasCount); err != nil {
		return nil, err
	}
	stats["canvas_count"] = canvasCount

	var docCount int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM scratchpads").Scan(&docCount); err != nil {
		return nil, err
	}
	stats["scratchpad_count"] = docCount

	var versionCount int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM scratchpad_versions").Scan(&versionCount); err != nil {
		return nil, err
	}
	stats["version_count"] = versionCount

	return stats, nil
}
