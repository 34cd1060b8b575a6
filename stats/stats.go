// Package stats computes per-contact message statistics over a Messages
// chat.db: sent/received counts and word-frequency rankings.
//
// Contacts are rows of the handle table, matched exactly on handle.id (a
// phone number or email). An unknown contact is a valid zero answer, never an
// error. Functions only read, and take any Querier so they run against a
// snapshot *sql.DB, a transaction or an sqlx handle alike.
package stats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Querier is the read subset of *sql.DB / *sql.Tx used here.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Counts holds the sent/received message counts for one contact.
type Counts struct {
	Sent     int `json:"sent"`
	Received int `json:"received"`
}

// Total returns Sent + Received.
func (c Counts) Total() int { return c.Sent + c.Received }

// LookupHandle returns the ROWID of the handle whose id equals contactID.
// When the identifier appears under several services (iMessage, SMS) the
// lowest ROWID wins. ok is false when no handle matches.
func LookupHandle(ctx context.Context, q Querier, contactID string) (rowID int64, ok bool, err error) {
	err = q.QueryRowContext(ctx,
		`SELECT ROWID FROM handle WHERE id = ? ORDER BY ROWID LIMIT 1`, contactID).Scan(&rowID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("stats: lookup handle: %w", err)
	}
	return rowID, true, nil
}

// CountMessages counts messages exchanged with contactID. Sent are rows with
// is_from_me = 1, received those with is_from_me = 0. An unknown contact
// yields Counts{}.
func CountMessages(ctx context.Context, q Querier, contactID string) (Counts, error) {
	handleID, ok, err := LookupHandle(ctx, q, contactID)
	if err != nil || !ok {
		return Counts{}, err
	}

	var c Counts
	err = q.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN is_from_me = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_from_me = 0 THEN 1 ELSE 0 END), 0)
		FROM message
		WHERE handle_id = ?`, handleID).Scan(&c.Sent, &c.Received)
	if err != nil {
		return Counts{}, fmt.Errorf("stats: count messages: %w", err)
	}
	return c, nil
}

// WordFrequency ranks the words of every non-NULL message body exchanged with
// contactID and returns the top limit entries, highest count first. Bodies
// are scanned in ROWID order and ties keep first-seen order, so the result is
// stable across calls on the same data. An unknown contact or limit <= 0
// yields an empty slice.
func WordFrequency(ctx context.Context, q Querier, contactID string, limit int) ([]WordCount, error) {
	if limit <= 0 {
		return []WordCount{}, nil
	}
	handleID, ok, err := LookupHandle(ctx, q, contactID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []WordCount{}, nil
	}

	counter, err := countWords(ctx, q, handleID)
	if err != nil {
		return nil, err
	}
	return counter.Top(limit), nil
}

func countWords(ctx context.Context, q Querier, handleID int64) (*Counter, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT text FROM message WHERE handle_id = ? AND text IS NOT NULL ORDER BY ROWID`, handleID)
	if err != nil {
		return nil, fmt.Errorf("stats: query bodies: %w", err)
	}
	defer rows.Close()

	counter := NewCounter()
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("stats: scan body: %w", err)
		}
		counter.Add(Tokenize(body)...)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stats: iterate bodies: %w", err)
	}
	return counter, nil
}
