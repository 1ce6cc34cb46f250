// Package pairing implements pairing-based access control for unknown
// WhatsApp contacts: unknown -> pending (code sent) -> approved or blocked.
package pairing

import (
	"crypto/rand"
	"database/sql"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// ContactStatus is the access state of a WhatsApp contact.
type ContactStatus string

const (
	StatusUnknown  ContactStatus = "unknown"
	StatusPending  ContactStatus = "pending"
	StatusApproved ContactStatus = "approved"
	StatusBlocked  ContactStatus = "blocked"
)

// ParseStatus validates a status string.
func ParseStatus(s string) (ContactStatus, error) {
	switch ContactStatus(s) {
	case StatusUnknown, StatusPending, StatusApproved, StatusBlocked:
		return ContactStatus(s), nil
	}
	return "", fmt.Errorf("unknown contact status %q", s)
}

// Contact is a row in the contacts table.
type Contact struct {
	JID           string
	Status        ContactStatus
	PairingCode   string
	CodeExpiresAt time.Time
	ApprovedAt    time.Time
	Name          string
}

// Store persists contacts in a SQLite database.
type Store struct {
	db         *sql.DB
	codeExpiry time.Duration
	codeLength int
	logger     *zap.Logger
}

// Options tune pairing code generation.
type Options struct {
	CodeExpiry time.Duration
	CodeLength int
}

// NewStore opens (creating if needed) the pairing database at path.
func NewStore(path string, opts Options, logger *zap.Logger) (*Store, error) {
	if opts.CodeExpiry <= 0 {
		opts.CodeExpiry = 10 * time.Minute
	}
	if opts.CodeLength <= 0 {
		opts.CodeLength = 6
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open pairing db: %w", err)
	}

	s := &Store{
		db:         db,
		codeExpiry: opts.CodeExpiry,
		codeLength: opts.CodeLength,
		logger:     logger,
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS contacts (
			jid TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'unknown',
			pairing_code TEXT,
			code_expires_at TIMESTAMP,
			approved_at TIMESTAMP,
			name TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		return fmt.Errorf("init contacts table: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanContact(row interface{ Scan(...any) error }) (Contact, error) {
	var (
		c          Contact
		status     string
		code, name sql.NullString
		expires    sql.NullString
		approved   sql.NullString
	)
	if err := row.Scan(&c.JID, &status, &code, &expires, &approved, &name); err != nil {
		return Contact{}, err
	}
	c.Status = ContactStatus(status)
	c.PairingCode = code.String
	c.Name = name.String
	if expires.Valid {
		if t, err := time.Parse(time.RFC3339, expires.String); err == nil {
			c.CodeExpiresAt = t
		}
	}
	if approved.Valid {
		if t, err := time.Parse(time.RFC3339, approved.String); err == nil {
			c.ApprovedAt = t
		}
	}
	return c, nil
}

const contactColumns = "jid, status, pairing_code, code_expires_at, approved_at, name"

// GetContact returns the stored contact, or an unknown one if absent.
func (s *Store) GetContact(jid string) (Contact, error) {
	row := s.db.QueryRow(
		"SELECT "+contactColumns+" FROM contacts WHERE jid = ?", jid)
	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		return Contact{JID: jid, Status: StatusUnknown}, nil
	}
	if err != nil {
		return Contact{}, fmt.Errorf("get contact: %w", err)
	}
	return c, nil
}

// CheckAccess returns the effective status of a contact, expiring stale
// pending codes back to unknown.
func (s *Store) CheckAccess(jid string) (ContactStatus, error) {
	c, err := s.GetContact(jid)
	if err != nil {
		return StatusUnknown, err
	}
	if c.Status == StatusPending && !c.CodeExpiresAt.IsZero() && time.Now().After(c.CodeExpiresAt) {
		s.logger.Info("pairing code expired", zap.String("jid", jid))
		if err := s.updateStatus(jid, StatusUnknown); err != nil {
			return StatusUnknown, err
		}
		return StatusUnknown, nil
	}
	return c.Status, nil
}

// GeneratePairingCode creates a fresh numeric code for the contact and marks
// it pending.
func (s *Store) GeneratePairingCode(jid, name string) (string, error) {
	code, err := randomDigits(s.codeLength)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	expiresAt := time.Now().Add(s.codeExpiry)

	_, err = s.db.Exec(`
		INSERT INTO contacts (jid, status, pairing_code, code_expires_at, name, updated_at)
		VALUES (?, 'pending', ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(jid) DO UPDATE SET
			status = 'pending',
			pairing_code = excluded.pairing_code,
			code_expires_at = excluded.code_expires_at,
			name = COALESCE(excluded.name, contacts.name),
			updated_at = CURRENT_TIMESTAMP`,
		jid, code, expiresAt.Format(time.RFC3339), nullable(name))
	if err != nil {
		return "", fmt.Errorf("store pairing code: %w", err)
	}

	s.logger.Info("pairing code generated",
		zap.String("jid", jid),
		zap.Time("expires_at", expiresAt))
	return code, nil
}

// ApproveContact marks a contact approved, inserting it if unseen.
func (s *Store) ApproveContact(jid string) error {
	now := time.Now().Format(time.RFC3339)
	res, err := s.db.Exec(
		"UPDATE contacts SET status = 'approved', approved_at = ?, updated_at = ? WHERE jid = ?",
		now, now, jid)
	if err != nil {
		return fmt.Errorf("approve contact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err = s.db.Exec(
			"INSERT INTO contacts (jid, status, approved_at, updated_at) VALUES (?, 'approved', ?, ?)",
			jid, now, now)
		if err != nil {
			return fmt.Errorf("approve contact: %w", err)
		}
	}
	s.logger.Info("contact approved", zap.String("jid", jid))
	return nil
}

// ApproveByCode approves the pending contact holding the given code and
// returns its JID. Returns empty string when the code is unknown or expired.
func (s *Store) ApproveByCode(code string) (string, error) {
	row := s.db.QueryRow(
		"SELECT jid, code_expires_at FROM contacts WHERE pairing_code = ? AND status = 'pending'",
		code)

	var jid string
	var expires sql.NullString
	if err := row.Scan(&jid, &expires); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("lookup code: %w", err)
	}

	if expires.Valid {
		if t, err := time.Parse(time.RFC3339, expires.String); err == nil && time.Now().After(t) {
			s.logger.Warn("attempted to use expired pairing code", zap.String("code", code))
			return "", nil
		}
	}

	if err := s.ApproveContact(jid); err != nil {
		return "", err
	}
	s.logger.Info("contact approved via pairing code", zap.String("jid", jid))
	return jid, nil
}

// BlockContact marks a contact blocked.
func (s *Store) BlockContact(jid string) error {
	if err := s.updateStatus(jid, StatusBlocked); err != nil {
		return err
	}
	s.logger.Info("contact blocked", zap.String("jid", jid))
	return nil
}

// ListContacts returns contacts, optionally filtered by status, newest first.
func (s *Store) ListContacts(status ContactStatus) ([]Contact, error) {
	query := "SELECT " + contactColumns + " FROM contacts ORDER BY updated_at DESC"
	args := []any{}
	if status != "" {
		query = "SELECT " + contactColumns + " FROM contacts WHERE status = ? ORDER BY updated_at DESC"
		args = append(args, string(status))
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var contacts []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

func (s *Store) updateStatus(jid string, status ContactStatus) error {
	res, err := s.db.Exec(
		"UPDATE contacts SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE jid = ?",
		string(status), jid)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err = s.db.Exec(
			"INSERT INTO contacts (jid, status, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)",
			jid, string(status))
		if err != nil {
			return fmt.Errorf("insert status: %w", err)
		}
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func randomDigits(n int) (string, error) {
	digits := make([]byte, n)
	for i := range digits {
		v, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + v.Int64())
	}
	return string(digits), nil
}
