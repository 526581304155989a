package memory

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// Each :memory: connection is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLayer_StringAndParse(t *testing.T) {
	for _, l := range AllLayers() {
		got, err := ParseLayer(l.String())
		if err != nil {
			t.Fatalf("ParseLayer(%q): %v", l, err)
		}
		if got != l {
			t.Errorf("round trip %v -> %v", l, got)
		}
	}
	if _, err := ParseLayer("dreams"); err == nil {
		t.Error("expected error for unknown layer")
	}
}

func TestLayer_PriorityOrder(t *testing.T) {
	want := []string{"profile", "session", "symbolic", "journal", "external"}
	for i, l := range AllLayers() {
		if l.String() != want[i] {
			t.Errorf("AllLayers()[%d] = %s, want %s", i, l, want[i])
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%d chars) = %d, want %d", len(tt.text), got, tt.want)
		}
	}
}

func TestTerms(t *testing.T) {
	got := Terms("What do I think about the Garden, and the garden's roses?")
	want := []string{"think", "garden", "garden's", "roses"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Terms() = %v, want %v", got, want)
	}
}

func TestProfileStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewProfileStore(openTestDB(t))
	if err != nil {
		t.Fatalf("NewProfileStore: %v", err)
	}

	if err := s.SetAttribute(ctx, "u1", "name", "Ada"); err != nil {
		t.Fatalf("SetAttribute: %v", err)
	}
	if err := s.SetAttribute(ctx, "u1", "favorite_music", "jazz"); err != nil {
		t.Fatalf("SetAttribute: %v", err)
	}
	if err := s.SetAttribute(ctx, "u1", "name", "Ada L."); err != nil {
		t.Fatalf("SetAttribute overwrite: %v", err)
	}
	if err := s.SetAttribute(ctx, "u2", "name", "Bob"); err != nil {
		t.Fatalf("SetAttribute: %v", err)
	}

	frags, err := s.Query(ctx, Query{UserID: "u1", Text: "play some music"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(frags) != 2 {
		t.Fatalf("got %d fragments, want 2", len(frags))
	}
	if frags[0].Text != "favorite_music: jazz" {
		t.Errorf("top fragment = %q, want the music preference", frags[0].Text)
	}
	if frags[1].Text != "name: Ada L." || frags[1].Relevance != 0.5 {
		t.Errorf("second fragment = %+v", frags[1])
	}

	if err := s.SetAttribute(ctx, "u1", "name", ""); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n, _ := s.Count(ctx, "u1"); n != 1 {
		t.Errorf("Count after delete = %d, want 1", n)
	}
}

func TestSQLiteSessionStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteSessionStore(openTestDB(t), 3)
	if err != nil {
		t.Fatalf("NewSQLiteSessionStore: %v", err)
	}

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	inputs := []string{"one", "two", "three", "four"}
	for i, in := range inputs {
		e := SessionEntry{
			TurnID:    "t" + in,
			UserID:    "u1",
			SessionID: "s1",
			Input:     in,
			Reply:     "ok " + in,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	// Same turn again is a no-op.
	if err := s.Append(ctx, SessionEntry{TurnID: "tone", UserID: "u1", SessionID: "s1", Input: "dup", Reply: "dup"}); err != nil {
		t.Fatalf("Append duplicate: %v", err)
	}

	recent, err := s.Recent(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 3 || recent[0].Input != "four" {
		t.Fatalf("Recent = %+v, want 3 newest first", recent)
	}

	frags, err := s.Query(ctx, Query{UserID: "u1", SessionID: "s1", Text: "anything", K: 2})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(frags) != 2 {
		t.Fatalf("got %d fragments, want 2", len(frags))
	}
	if !strings.Contains(frags[0].Text, "User: four") {
		t.Errorf("newest exchange should rank first, got %q", frags[0].Text)
	}

	if n, _ := s.Count(ctx, "u1"); n != 4 {
		t.Errorf("Count = %d, want 4", n)
	}
	other, _ := s.Query(ctx, Query{UserID: "u1", SessionID: "s2"})
	if len(other) != 0 {
		t.Errorf("other session leaked %d fragments", len(other))
	}
}

func TestSymbolicStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewSymbolicStore(openTestDB(t))
	if err != nil {
		t.Fatalf("NewSymbolicStore: %v", err)
	}

	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(48 * time.Hour)
	if err := s.Observe(ctx, "u1", "turn-1", []string{"Water", "dreams"}, t0); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if err := s.Observe(ctx, "u1", "turn-2", []string{"water"}, t1); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	// Replaying a turn does not double count.
	if err := s.Observe(ctx, "u1", "turn-2", []string{"water"}, t1); err != nil {
		t.Fatalf("Observe replay: %v", err)
	}

	themes, err := s.Themes(ctx, "u1")
	if err != nil {
		t.Fatalf("Themes: %v", err)
	}
	if len(themes) != 2 {
		t.Fatalf("got %d themes, want 2", len(themes))
	}
	water := themes[0]
	if water.Tag != "water" || water.Count != 2 {
		t.Errorf("top theme = %+v, want water x2", water)
	}
	if !water.FirstSeen.Equal(t0) || !water.LastSeen.Equal(t1) {
		t.Errorf("first/last = %v/%v, want %v/%v", water.FirstSeen, water.LastSeen, t0, t1)
	}

	frags, err := s.Query(ctx, Query{UserID: "u1", Text: "I keep having dreams"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(frags) != 2 || frags[0].Source != "dreams" {
		t.Errorf("named theme should rank first, got %+v", frags)
	}
}

func TestJournalStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewJournalStore(openTestDB(t))
	if err != nil {
		t.Fatalf("NewJournalStore: %v", err)
	}

	entries := []JournalEntry{
		{ID: "j1", UserID: "u1", Body: "Walked by the river and felt calm."},
		{ID: "j2", UserID: "u1", Body: "Work deadlines are piling up."},
	}
	for _, e := range entries {
		if err := s.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := s.Append(ctx, JournalEntry{ID: "j1", UserID: "u1", Body: "overwritten?"}); err != nil {
		t.Fatalf("Append duplicate: %v", err)
	}

	frags, err := s.Query(ctx, Query{UserID: "u1", Text: "the river", K: 1})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(frags) != 1 || frags[0].Source != "j1" {
		t.Fatalf("Query = %+v, want j1", frags)
	}
	if frags[0].Text != "Walked by the river and felt calm." {
		t.Errorf("duplicate append changed body: %q", frags[0].Text)
	}

	err = s.ReplaceSource(ctx, "u1", "notes.md", []JournalEntry{
		{ID: "notes.md#a", Title: "A", Body: "first"},
		{ID: "notes.md#b", Title: "B", Body: "second"},
	})
	if err != nil {
		t.Fatalf("ReplaceSource: %v", err)
	}
	err = s.ReplaceSource(ctx, "u1", "notes.md", []JournalEntry{{ID: "notes.md#a", Title: "A", Body: "only"}})
	if err != nil {
		t.Fatalf("ReplaceSource again: %v", err)
	}
	if n, _ := s.Count(ctx, "u1"); n != 3 {
		t.Errorf("Count = %d, want 3", n)
	}
}

type stubEmbedder struct {
	vecs map[string][]float32
	err  error
}

func (e stubEmbedder) Generate(ctx context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	if v, ok := e.vecs[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func TestJournalStore_Embeddings(t *testing.T) {
	ctx := context.Background()
	emb := stubEmbedder{vecs: map[string][]float32{
		"ocean waves":        {1, 0, 0},
		"salt water surfing": {0.9, 0.1, 0},
		"tax forms":          {0, 1, 0},
	}}
	s, err := NewJournalStore(openTestDB(t), WithEmbedder(emb))
	if err != nil {
		t.Fatalf("NewJournalStore: %v", err)
	}
	_ = s.Append(ctx, JournalEntry{ID: "a", UserID: "u1", Body: "salt water surfing"})
	_ = s.Append(ctx, JournalEntry{ID: "b", UserID: "u1", Body: "tax forms"})

	frags, err := s.Query(ctx, Query{UserID: "u1", Text: "ocean waves"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(frags) != 2 || frags[0].Source != "a" {
		t.Errorf("semantic match should rank first, got %+v", frags)
	}
}

func TestJournalStore_EmbedderFailureFallsBack(t *testing.T) {
	ctx := context.Background()
	s, err := NewJournalStore(openTestDB(t), WithEmbedder(stubEmbedder{err: errors.New("down")}))
	if err != nil {
		t.Fatalf("NewJournalStore: %v", err)
	}
	_ = s.Append(ctx, JournalEntry{ID: "a", UserID: "u1", Body: "garden roses"})
	frags, err := s.Query(ctx, Query{UserID: "u1", Text: "roses"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(frags) != 1 || frags[0].Relevance < 0.8 {
		t.Errorf("lexical fallback = %+v", frags)
	}
}

func TestExternalStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewExternalStore(openTestDB(t))
	if err != nil {
		t.Fatalf("NewExternalStore: %v", err)
	}

	doc := ExternalDoc{
		UserID:   "u1",
		URL:      "https://example.com/moon",
		Title:    "Moon phases",
		Passages: []string{"The full moon rises at sunset.", "Tides follow the moon."},
	}
	if err := s.Put(ctx, doc); err != nil {
		t.Fatalf("Put: %v", err)
	}
	doc.Passages = doc.Passages[:1]
	if err := s.Put(ctx, doc); err != nil {
		t.Fatalf("Put replace: %v", err)
	}

	frags, err := s.Query(ctx, Query{UserID: "u1", Text: "when is the full moon"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(frags) != 1 {
		t.Fatalf("got %d fragments, want 1 after replace", len(frags))
	}
	if !strings.HasPrefix(frags[0].Text, "Moon phases: ") {
		t.Errorf("text = %q", frags[0].Text)
	}

	none, _ := s.Query(ctx, Query{UserID: "u1", Text: "recipes"})
	if len(none) != 0 {
		t.Errorf("unrelated query returned %d passages", len(none))
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	profile, _ := NewProfileStore(db)
	journal, _ := NewJournalStore(db)
	_ = profile.SetAttribute(ctx, "u1", "name", "Ada")
	_ = journal.Append(ctx, JournalEntry{ID: "j", UserID: "u1", Body: "x"})

	stats, err := Stats(ctx, "u1", profile, journal)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats["profile"] != 1 || stats["journal"] != 1 {
		t.Errorf("stats = %v", stats)
	}
}
