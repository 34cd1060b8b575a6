package stats

import (
	"context"
	"database/sql"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/hazyhaar/msgstats/dbopen"
	"github.com/hazyhaar/msgstats/internal/chattest"
)

func sampleDB(t *testing.T) *sql.DB {
	t.Helper()
	path := chattest.WriteSample(t, t.TempDir())
	db, err := dbopen.Open(path, dbopen.WithQueryOnly(), dbopen.WithMaxOpenConns(1))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"Hello, hello WORLD!", []string{"hello", "hello", "world"}},
		{"", nil},
		{"   ...!?  ", nil},
		{"snake_case and-dash 42x", []string{"snake_case", "and", "dash", "42x"}},
		{"Café CRÈME", []string{"café", "crème"}},
		{"line1\nline2\ttab", []string{"line1", "line2", "tab"}},
		{"don't", []string{"don", "t"}},
		{"👋 hi 👋", []string{"hi"}},
	}
	for _, tt := range tests {
		got := Tokenize(tt.in)
		if len(got) == 0 && len(tt.want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Tokenize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCounter_TopBreaksTiesByFirstSeen(t *testing.T) {
	c := NewCounter()
	c.Add("b", "a", "c", "a", "b", "d")

	got := c.Top(10)
	want := []WordCount{{"b", 2}, {"a", 2}, {"c", 1}, {"d", 1}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Top(10) = %v, want %v", got, want)
	}
	if c.Len() != 4 {
		t.Fatalf("Len = %d, want 4", c.Len())
	}
	if c.Count("a") != 2 {
		t.Fatalf("Count(a) = %d, want 2", c.Count("a"))
	}
}

func TestCounter_TopBounds(t *testing.T) {
	c := NewCounter()
	c.Add("x", "y")

	if got := c.Top(0); got == nil || len(got) != 0 {
		t.Fatalf("Top(0) = %v, want empty non-nil", got)
	}
	if got := c.Top(-3); len(got) != 0 {
		t.Fatalf("Top(-3) = %v, want empty", got)
	}
	if got := c.Top(1); len(got) != 1 || got[0].Word != "x" {
		t.Fatalf("Top(1) = %v", got)
	}
	if got := NewCounter().Top(5); got == nil || len(got) != 0 {
		t.Fatalf("empty counter Top(5) = %v", got)
	}
}

func TestCountMessages(t *testing.T) {
	db := sampleDB(t)
	ctx := context.Background()

	tests := []struct {
		contact string
		want    Counts
	}{
		{"+1234567890", Counts{Sent: 2, Received: 1}},
		{"test@example.com", Counts{Sent: 0, Received: 2}},
		{"nonexistent", Counts{}},
		{"+123456789", Counts{}}, // prefix of a real id: exact match only
	}
	for _, tt := range tests {
		got, err := CountMessages(ctx, db, tt.contact)
		if err != nil {
			t.Fatalf("CountMessages(%q): %v", tt.contact, err)
		}
		if got != tt.want {
			t.Errorf("CountMessages(%q) = %+v, want %+v", tt.contact, got, tt.want)
		}
	}
}

func TestCountMessages_Idempotent(t *testing.T) {
	db := sampleDB(t)
	ctx := context.Background()

	first, err := CountMessages(ctx, db, "+1234567890")
	if err != nil {
		t.Fatal(err)
	}
	second, err := CountMessages(ctx, db, "+1234567890")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("counts differ between calls: %+v vs %+v", first, second)
	}
	if first.Total() != 3 {
		t.Fatalf("Total = %d, want 3", first.Total())
	}
}

func TestWordFrequency(t *testing.T) {
	db := sampleDB(t)
	ctx := context.Background()

	got, err := WordFrequency(ctx, db, "+1234567890", 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []WordCount{
		{"hello", 2}, {"world", 2},
		{"how", 1}, {"are", 1}, {"you", 1}, {"again", 1},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("WordFrequency = %v, want %v", got, want)
	}
}

func TestWordFrequency_TopTwoDeterministic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	chattest.Write(t, path, []string{"+1"}, []chattest.Message{
		{Contact: "+1", Text: chattest.Text("Hello world"), IsFromMe: true},
		{Contact: "+1", Text: chattest.Text("Hello world again"), IsFromMe: true},
	})
	db, err := dbopen.Open(path, dbopen.WithQueryOnly(), dbopen.WithMaxOpenConns(1))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	want := []WordCount{{"hello", 2}, {"world", 2}}
	for i := 0; i < 3; i++ {
		got, err := WordFrequency(context.Background(), db, "+1", 2)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("call %d: WordFrequency = %v, want %v", i, got, want)
		}
	}
}

func TestWordFrequency_EmptyCases(t *testing.T) {
	db := sampleDB(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		contact string
		limit   int
	}{
		{"unknown contact", "nonexistent", 10},
		{"zero limit", "+1234567890", 0},
		{"negative limit", "+1234567890", -1},
	}
	for _, tt := range tests {
		got, err := WordFrequency(ctx, db, tt.contact, tt.limit)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if got == nil || len(got) != 0 {
			t.Errorf("%s: got %v, want empty non-nil slice", tt.name, got)
		}
	}
}

func TestWordFrequency_SkipsNullBodies(t *testing.T) {
	db := sampleDB(t)

	got, err := WordFrequency(context.Background(), db, "test@example.com", 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []WordCount{{"different", 1}, {"contact", 1}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("WordFrequency = %v, want %v", got, want)
	}
}

func TestWordFrequency_LimitLargerThanVocabulary(t *testing.T) {
	db := sampleDB(t)

	got, err := WordFrequency(context.Background(), db, "+1234567890", 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 6 {
		t.Fatalf("len = %d, want 6 distinct words without padding", len(got))
	}
}

func TestLookupHandle_LowestRowIDWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	// Same identifier registered for two services.
	chattest.Write(t, path, []string{"+1", "+1"}, nil)
	db, err := dbopen.Open(path, dbopen.WithQueryOnly(), dbopen.WithMaxOpenConns(1))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	id, ok, err := LookupHandle(context.Background(), db, "+1")
	if err != nil || !ok {
		t.Fatalf("LookupHandle: id=%d ok=%v err=%v", id, ok, err)
	}
	if id != 1 {
		t.Fatalf("ROWID = %d, want 1", id)
	}
}

func TestCountMessages_ClosedDBIsError(t *testing.T) {
	db := sampleDB(t)
	db.Close()

	if _, err := CountMessages(context.Background(), db, "+1234567890"); err == nil {
		t.Fatal("expected error on closed database")
	}
}
