// Package chattest builds small Messages-style chat.db files for tests.
package chattest

import (
	"fmt"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/msgstats/dbopen"
)

// Schema is the subset of the macOS Messages chat.db layout read by msgstats.
const Schema = `
CREATE TABLE handle (
	ROWID INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL,
	country TEXT,
	service TEXT NOT NULL,
	uncanonicalized_id TEXT
);
CREATE TABLE message (
	ROWID INTEGER PRIMARY KEY AUTOINCREMENT,
	guid TEXT NOT NULL,
	text TEXT,
	handle_id INTEGER DEFAULT 0,
	date INTEGER,
	date_read INTEGER,
	date_delivered INTEGER,
	is_from_me INTEGER DEFAULT 0,
	is_read INTEGER DEFAULT 0,
	is_delivered INTEGER DEFAULT 0,
	is_empty INTEGER DEFAULT 0
);
CREATE TABLE chat (
	ROWID INTEGER PRIMARY KEY AUTOINCREMENT,
	guid TEXT NOT NULL,
	chat_identifier TEXT,
	service_name TEXT,
	room_name TEXT,
	display_name TEXT
);
CREATE TABLE chat_message_join (chat_id INTEGER, message_id INTEGER, message_date INTEGER);
CREATE TABLE chat_handle_join (chat_id INTEGER, handle_id INTEGER);
`

// Message is one row to insert. A nil Text stores NULL.
type Message struct {
	Contact  string
	Text     *string
	IsFromMe bool
}

// Text returns a pointer to s, for Message literals.
func Text(s string) *string { return &s }

// Sample is the conversation used across msgstats tests:
// "+1234567890" has 2 sent and 1 received message, "test@example.com" has 2
// received messages, one of them with a NULL body.
func Sample() ([]string, []Message) {
	contacts := []string{"+1234567890", "test@example.com"}
	msgs := []Message{
		{Contact: "+1234567890", Text: Text("Hello world"), IsFromMe: true},
		{Contact: "+1234567890", Text: Text("How are you?"), IsFromMe: false},
		{Contact: "+1234567890", Text: Text("Hello world again"), IsFromMe: true},
		{Contact: "test@example.com", Text: Text("Different contact"), IsFromMe: false},
		{Contact: "test@example.com", Text: nil, IsFromMe: false},
	}
	return contacts, msgs
}

// Write creates a chat.db at path with the given handles and messages.
// Handles are inserted in order so their ROWIDs follow the slice.
func Write(t testing.TB, path string, contacts []string, msgs []Message) {
	t.Helper()
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		t.Fatalf("chattest: open %s: %v", path, err)
	}
	defer db.Close()

	ids := make(map[string]int64, len(contacts))
	for _, c := range contacts {
		res, err := db.Exec(`INSERT INTO handle (id, country, service) VALUES (?, 'US', 'iMessage')`, c)
		if err != nil {
			t.Fatalf("chattest: insert handle %s: %v", c, err)
		}
		id, _ := res.LastInsertId()
		if _, seen := ids[c]; !seen {
			ids[c] = id
		}
	}
	for i, m := range msgs {
		fromMe := 0
		if m.IsFromMe {
			fromMe = 1
		}
		handleID := ids[m.Contact]
		if _, err := db.Exec(`INSERT INTO message (guid, text, handle_id, date, is_from_me) VALUES (?, ?, ?, ?, ?)`,
			fmt.Sprintf("msg%d", i+1), m.Text, handleID, (i+1)*1000, fromMe); err != nil {
			t.Fatalf("chattest: insert message %d: %v", i, err)
		}
	}
	// Fold the WAL back into the main file so a plain copy sees every row.
	if _, err := db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		t.Fatalf("chattest: checkpoint: %v", err)
	}
}

// WriteSample writes Sample() to dir/chat.db and returns the path.
func WriteSample(t testing.TB, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "chat.db")
	contacts, msgs := Sample()
	Write(t, path, contacts, msgs)
	return path
}
