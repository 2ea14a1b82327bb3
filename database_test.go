package main

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := openDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testPost(id int64, date string, tags string) Item {
	return Item{
		ID:         id,
		Author:     "author",
		Date:       date,
		Body:       "body",
		BodyMarkup: "<p>body</p>",
		Permalink:  "https://www.wykop.pl/wpis/1",
		Score:      "5",
		Tags:       tags,
	}
}

func testComment(id, parent int64) Item {
	c := testPost(id, "2024-01-01 12:00:00", noTags)
	c.ParentID = parent
	return c
}

func TestOpenDB_CreatesTables(t *testing.T) {
	db := setupTestDB(t)

	for _, table := range []string{"post", "comment"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Fatalf("Table '%s' was not created: %v", table, err)
		}
	}

	// Creating the schema again is harmless
	if err := createTables(db); err != nil {
		t.Errorf("Expected createTables to be idempotent, got %v", err)
	}
}

func TestInsertItem_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	post := testPost(1, "2024-01-01 12:00:00", " x ")

	added, err := insertItem(db, post)
	if err != nil || !added {
		t.Fatalf("Expected first insert to succeed, got added=%v err=%v", added, err)
	}
	added, err = insertItem(db, post)
	if err != nil {
		t.Fatalf("Duplicate insert should not fail: %v", err)
	}
	if added {
		t.Error("Expected duplicate insert to return false")
	}

	ids, err := getIDs(db, postTable, "", false)
	if err != nil {
		t.Fatalf("getIDs failed: %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("Expected 1 post, got %d", len(ids))
	}
}

func TestInsertItem_Empty(t *testing.T) {
	db := setupTestDB(t)
	added, err := insertItem(db, Item{})
	if err != nil || added {
		t.Errorf("Expected empty item to be ignored, got added=%v err=%v", added, err)
	}
}

func TestInsertItem_EmptyTagsUseSentinel(t *testing.T) {
	db := setupTestDB(t)
	post := testPost(1, "2024-01-01 12:00:00", "")
	if _, err := insertItem(db, post); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	stored, err := getPost(db, 1)
	if err != nil || stored == nil {
		t.Fatalf("Expected stored post, got %v %v", stored, err)
	}
	if stored.Tags != noTags {
		t.Errorf("Expected tags '%s', got '%s'", noTags, stored.Tags)
	}
}

func TestInsertItem_CommentNeedsPost(t *testing.T) {
	db := setupTestDB(t)
	if _, err := insertItem(db, testComment(10, 99)); err == nil {
		t.Error("Expected foreign key error for comment without post")
	}
}

func TestGetWithComments_RoundTrip(t *testing.T) {
	db := setupTestDB(t)
	post := testPost(1, "2024-01-01 12:00:00", " cats dogs ")
	post.MediaURL = "https://example.com/a.jpg"
	post.IsAdult = true
	comments := []Item{testComment(11, 1), testComment(12, 1), testComment(13, 1)}
	comments[1].MediaURL = "https://example.com/b.png"

	for _, item := range append([]Item{post}, comments...) {
		if _, err := insertItem(db, item); err != nil {
			t.Fatalf("insert %d failed: %v", item.ID, err)
		}
	}

	thread, err := getWithComments(db, 1)
	if err != nil {
		t.Fatalf("getWithComments failed: %v", err)
	}
	if thread == nil {
		t.Fatal("Expected thread, got nil")
	}
	if thread.Post != post {
		t.Errorf("Expected post %+v, got %+v", post, thread.Post)
	}

	got := slices.Collect(thread.Comments)
	if len(got) != len(comments) {
		t.Fatalf("Expected %d comments, got %d", len(comments), len(got))
	}
	for i := range comments {
		if got[i] != comments[i] {
			t.Errorf("Comment %d: expected %+v, got %+v", i, comments[i], got[i])
		}
	}

	count, err := countComments(db, 1)
	if err != nil || count != 3 {
		t.Errorf("Expected 3 comments, got %d (%v)", count, err)
	}
}

func TestGetWithComments_NotFound(t *testing.T) {
	db := setupTestDB(t)
	thread, err := getWithComments(db, 42)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if thread != nil {
		t.Errorf("Expected nil thread, got %+v", thread)
	}
}

func TestDeletePost_Cascades(t *testing.T) {
	db := setupTestDB(t)
	_, _ = insertItem(db, testPost(1, "2024-01-01 12:00:00", noTags))
	_, _ = insertItem(db, testComment(11, 1))
	_, _ = insertItem(db, testComment(12, 1))

	deleted, err := deletePost(db, 1)
	if err != nil || !deleted {
		t.Fatalf("Expected post to be deleted, got %v %v", deleted, err)
	}

	ids, err := getIDs(db, commentTable, "", false)
	if err != nil {
		t.Fatalf("getIDs failed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("Expected comments to be deleted with their post, got %v", ids)
	}

	deleted, err = deletePost(db, 1)
	if err != nil || deleted {
		t.Errorf("Expected second delete to report false, got %v %v", deleted, err)
	}
}

func TestGetIDs_OrderAndFilters(t *testing.T) {
	db := setupTestDB(t)
	old := testPost(1, "2024-01-01 12:00:00", " cats ")
	newer := testPost(2, "2024-02-01 12:00:00", " dogs ")
	adult := testPost(3, "2024-03-01 12:00:00", " cats nsfw ")
	adult.IsAdult = true
	for _, p := range []Item{old, newer, adult} {
		_, _ = insertItem(db, p)
	}

	ids, _ := getIDs(db, postTable, "", false)
	if !slices.Equal(ids, []int64{3, 2, 1}) {
		t.Errorf("Expected newest first [3 2 1], got %v", ids)
	}

	ids, _ = getIDs(db, postTable, "cats", false)
	if !slices.Equal(ids, []int64{3, 1}) {
		t.Errorf("Expected tag filter [3 1], got %v", ids)
	}

	ids, _ = getIDs(db, postTable, "#cats", true)
	if !slices.Equal(ids, []int64{1}) {
		t.Errorf("Expected tag and adult filter [1], got %v", ids)
	}

	// "cat" must not match "cats"
	ids, _ = getIDs(db, postTable, "cat", false)
	if len(ids) != 0 {
		t.Errorf("Expected partial tag to match nothing, got %v", ids)
	}
}

func TestGetIDs_TagWildcards(t *testing.T) {
	db := setupTestDB(t)
	_, _ = insertItem(db, testPost(1, "2024-01-01 12:00:00", " axb "))
	_, _ = insertItem(db, testPost(2, "2024-01-02 12:00:00", " a_b "))
	_, _ = insertItem(db, testPost(3, "2024-01-03 12:00:00", " 100pct "))

	ids, _ := getIDs(db, postTable, "a_b", false)
	if !slices.Equal(ids, []int64{2}) {
		t.Errorf("Expected '_' to match literally [2], got %v", ids)
	}

	ids, _ = getIDs(db, postTable, "%", false)
	if len(ids) != 0 {
		t.Errorf("Expected '%%' to match nothing, got %v", ids)
	}
}

func TestGetIDs_UnknownTable(t *testing.T) {
	db := setupTestDB(t)
	_, err := getIDs(db, "items; DROP TABLE post", "", false)
	if !errors.Is(err, ErrQueryFailed) {
		t.Errorf("Expected ErrQueryFailed, got %v", err)
	}
}

func TestCountTags(t *testing.T) {
	db := setupTestDB(t)
	_, _ = insertItem(db, testPost(1, "2024-01-01 12:00:00", " x "))
	_, _ = insertItem(db, testPost(2, "2024-01-02 12:00:00", " x y "))
	_, _ = insertItem(db, testPost(3, "2024-01-03 12:00:00", " y "))
	_, _ = insertItem(db, testPost(4, "2024-01-04 12:00:00", noTags))

	counts, err := countTags(db, "", false)
	if err != nil {
		t.Fatalf("countTags failed: %v", err)
	}
	expected := []TagCount{{Tag: "x", Count: 2}, {Tag: "y", Count: 2}}
	if !slices.Equal(counts, expected) {
		t.Errorf("Expected %v, got %v", expected, counts)
	}
}

func TestCountTags_MostUsedFirst(t *testing.T) {
	db := setupTestDB(t)
	_, _ = insertItem(db, testPost(1, "2024-01-01 12:00:00", " b "))
	_, _ = insertItem(db, testPost(2, "2024-01-02 12:00:00", " a b "))

	counts, _ := countTags(db, "", false)
	if len(counts) != 2 || counts[0].Tag != "b" || counts[0].Count != 2 {
		t.Errorf("Expected 'b' first with 2 posts, got %v", counts)
	}
}

func TestKnownPostIDs(t *testing.T) {
	db := setupTestDB(t)
	_, _ = insertItem(db, testPost(5, "2024-01-01 12:00:00", noTags))
	_, _ = insertItem(db, testComment(6, 5))

	known, err := knownPostIDs(db)
	if err != nil {
		t.Fatalf("knownPostIDs failed: %v", err)
	}
	if len(known) != 1 || !known[5] {
		t.Errorf("Expected only post 5 to be known, got %v", known)
	}
}

func TestStoredDownloads(t *testing.T) {
	db := setupTestDB(t)
	post := testPost(1, "2024-01-01 12:00:00", noTags)
	post.MediaURL = "https://example.com/a.jpg"
	comment := testComment(2, 1)
	comment.MediaURL = "https://example.com/b.gif"
	_, _ = insertItem(db, post)
	_, _ = insertItem(db, comment)
	_, _ = insertItem(db, testComment(3, 1))

	downloads, err := storedDownloads(db, false)
	if err != nil {
		t.Fatalf("storedDownloads failed: %v", err)
	}
	got := slices.Collect(downloads)
	if len(got) != 2 {
		t.Fatalf("Expected 2 downloads, got %d", len(got))
	}
	if got[1].LocalPath != filepath.Join("files", "comments", "1_2.gif") {
		t.Errorf("Unexpected comment path '%s'", got[1].LocalPath)
	}
}

func TestListDatabases(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.db", "b.db", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}

	names, err := listDatabases(dir)
	if err != nil {
		t.Fatalf("listDatabases failed: %v", err)
	}
	if !slices.Equal(names, []string{"a.db", "b.db"}) {
		t.Errorf("Expected [a.db b.db], got %v", names)
	}

	names, err = listDatabases(filepath.Join(dir, "missing"))
	if err != nil || names != nil {
		t.Errorf("Expected empty result for missing dir, got %v %v", names, err)
	}
}

func TestNewDatabaseName(t *testing.T) {
	now := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"timestamped", "", "favsync-20240506070809.db"},
		{"plain name", "archive", "archive.db"},
		{"with extension", "archive.db", "archive.db"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := newDatabaseName(tc.input, now); got != tc.expected {
				t.Errorf("Expected '%s', got '%s'", tc.expected, got)
			}
		})
	}
}

type failingRows struct {
	left int
}

func (r *failingRows) Next() bool {
	r.left--
	return r.left >= 0
}

func (r *failingRows) Scan(dest ...any) error {
	*(dest[0].(*int64)) = int64(10 + r.left)
	return nil
}

func (r *failingRows) Err() error   { return errors.New("connection lost") }
func (r *failingRows) Close() error { return nil }

func TestScanComments_RowError(t *testing.T) {
	comments, err := scanComments(&failingRows{left: 2})
	if !errors.Is(err, ErrQueryFailed) {
		t.Errorf("Expected ErrQueryFailed, got %v", err)
	}
	if len(comments) != 2 {
		t.Errorf("Expected the 2 rows read before the failure, got %d", len(comments))
	}
}
