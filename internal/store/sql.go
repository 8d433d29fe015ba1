package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"agora/api/internal/fault"
)

// SQLStore keeps one row per proposal with the full record as a JSON
// document. Ids are stored in canonical form so lookups compare loosely.
type SQLStore struct {
	db *sqlx.DB
}

func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Name() string { return "sql:" + s.db.DriverName() }

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func encodeDoc(p Proposal) (string, error) {
	doc, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode proposal %s: %w", p.ID, err)
	}
	return string(doc), nil
}

func decodeDoc(doc string) (Proposal, error) {
	var p Proposal
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return Proposal{}, fmt.Errorf("decode proposal: %w", err)
	}
	return p, nil
}

func (s *SQLStore) Append(ctx context.Context, p Proposal) error {
	id := CanonicalID(string(p.ID))
	if id == "" {
		return fault.Invalid("append", "proposal id is required")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	doc, err := encodeDoc(p)
	if err != nil {
		return err
	}

	const insert = `INSERT INTO proposals (id, status, created_at, updated_at, doc) VALUES (?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, s.db.Rebind(insert), id, p.Status, p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli(), doc)
	if err != nil {
		if isUniqueViolation(err) {
			return fault.New(fault.Conflict, "append", "proposal "+id+" already exists")
		}
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

func (s *SQLStore) Find(ctx context.Context, id string) (*Proposal, error) {
	var doc string
	err := s.db.GetContext(ctx, &doc, s.db.Rebind(`SELECT doc FROM proposals WHERE id = ?`), CanonicalID(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup proposal: %w", err)
	}
	p, err := decodeDoc(doc)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLStore) List(ctx context.Context) ([]Proposal, error) {
	var docs []string
	if err := s.db.SelectContext(ctx, &docs, `SELECT doc FROM proposals ORDER BY created_at DESC, id DESC`); err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	out := make([]Proposal, 0, len(docs))
	for _, doc := range docs {
		p, err := decodeDoc(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *SQLStore) Replace(ctx context.Context, id string, p Proposal) error {
	key := CanonicalID(id)
	existing, err := s.Find(ctx, key)
	if err != nil {
		return err
	}
	if existing == nil {
		return fault.New(fault.NotFound, "replace", "proposal "+id+" not found")
	}
	p.ID = existing.ID
	doc, err := encodeDoc(p)
	if err != nil {
		return err
	}

	const update = `UPDATE proposals SET status = ?, updated_at = ?, doc = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, s.db.Rebind(update), p.Status, p.UpdatedAt.UnixMilli(), doc, key)
	if err != nil {
		return fmt.Errorf("update proposal: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fault.New(fault.NotFound, "replace", "proposal "+id+" not found")
	}
	return nil
}

func (s *SQLStore) Remove(ctx context.Context, id string) (int, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM proposals WHERE id = ?`), CanonicalID(id))
	if err != nil {
		return 0, fmt.Errorf("delete proposal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete proposal: %w", err)
	}
	return int(n), nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
