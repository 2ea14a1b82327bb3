package main

import (
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// ErrQueryFailed marks a store query that could not be executed
var ErrQueryFailed = errors.New("query failed")

const itemColumns = "id, author, date, body, body_markup, permalink, score, media_url, tags, is_adult"

// openDB opens the SQLite database at path, creating the file and the schema if needed.
// The handle holds a single connection and is meant to be opened once per run.
func openDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	slog.Debug("Initializing database", "path", path)

	// foreign_keys is a per-connection setting, so it goes in the DSN
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite doesn't support multiple writers
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Debug("Database initialized successfully")
	return db, nil
}

// createTables creates the post and comment tables. Running it again is harmless.
func createTables(db *sql.DB) error {
	createPostTable := `
	CREATE TABLE IF NOT EXISTS post (
		id INTEGER NOT NULL PRIMARY KEY,       -- Site post ID
		author TEXT NOT NULL,
		date TEXT NOT NULL,
		body TEXT,
		body_markup TEXT,
		permalink TEXT NOT NULL,
		score TEXT NOT NULL,
		media_url TEXT,
		tags TEXT NOT NULL DEFAULT ' # ',
		is_adult BOOLEAN NOT NULL DEFAULT FALSE
	)`
	if _, err := db.Exec(createPostTable); err != nil {
		return fmt.Errorf("failed to create post table: %w", err)
	}

	createCommentTable := `
	CREATE TABLE IF NOT EXISTS comment (
		id INTEGER NOT NULL PRIMARY KEY,       -- Site comment ID
		author TEXT NOT NULL,
		date TEXT NOT NULL,
		body TEXT,
		body_markup TEXT,
		permalink TEXT NOT NULL,
		score TEXT NOT NULL,
		media_url TEXT,
		tags TEXT NOT NULL DEFAULT ' # ',
		is_adult BOOLEAN NOT NULL DEFAULT FALSE,
		post_id INTEGER NOT NULL REFERENCES post (id) ON DELETE CASCADE
	)`
	if _, err := db.Exec(createCommentTable); err != nil {
		return fmt.Errorf("failed to create comment table: %w", err)
	}

	createIndexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_post_date ON post(date)",
		"CREATE INDEX IF NOT EXISTS idx_comment_post ON comment(post_id)",
	}
	for _, indexSQL := range createIndexes {
		if _, err := db.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// insertItem stores a post or comment. It returns false without an error for
// an empty item or an id that is already stored.
func insertItem(db *sql.DB, item Item) (bool, error) {
	if item.ID == 0 {
		slog.Debug("Item is empty, not inserting")
		return false, nil
	}
	tags := item.Tags
	if strings.TrimSpace(tags) == "" {
		tags = noTags
	}

	columns := itemColumns
	placeholders := "?, ?, ?, ?, ?, ?, ?, ?, ?, ?"
	args := []any{item.ID, item.Author, item.Date, item.Body, item.BodyMarkup, item.Permalink,
		item.Score, nullString(item.MediaURL), tags, item.IsAdult}
	if item.IsComment() {
		columns += ", post_id"
		placeholders += ", ?"
		args = append(args, item.ParentID)
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO NOTHING`,
		item.table(), columns, placeholders)
	result, err := db.Exec(query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to insert %s %s: %w", item.table(), item.Name(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		slog.Debug("Item already stored", "table", item.table(), "id", item.ID)
		return false, nil
	}
	return true, nil
}

// getIDs returns the ids of a table, newest first. A non-empty tag keeps only
// rows carrying it; adultFilter drops adult rows.
func getIDs(db *sql.DB, table string, tag string, adultFilter bool) ([]int64, error) {
	if table != postTable && table != commentTable {
		return nil, fmt.Errorf("%w: unknown table %q", ErrQueryFailed, table)
	}
	condition, args := filterCondition(tag, adultFilter)
	query := fmt.Sprintf("SELECT id FROM %s %s ORDER BY date DESC, id DESC", table, condition)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching ids from %s: %w", ErrQueryFailed, table, err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scanning id: %w", ErrQueryFailed, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: fetching ids from %s: %w", ErrQueryFailed, table, err)
	}
	return ids, nil
}

// knownPostIDs snapshots the stored post ids for a sync run
func knownPostIDs(db *sql.DB) (map[int64]bool, error) {
	ids, err := getIDs(db, postTable, "", false)
	if err != nil {
		return nil, err
	}
	known := make(map[int64]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}
	return known, nil
}

// countComments returns the number of comments stored for a post
func countComments(db *sql.DB, postID int64) (int, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM comment WHERE post_id = ?", postID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: counting comments of %d: %w", ErrQueryFailed, postID, err)
	}
	return count, nil
}

// getPost retrieves a single post, nil when it is not stored
func getPost(db *sql.DB, id int64) (*Item, error) {
	row := db.QueryRow("SELECT "+itemColumns+" FROM post WHERE id = ?", id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		slog.Debug("Post not found", "id", id)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: fetching post %d: %w", ErrQueryFailed, id, err)
	}
	return &item, nil
}

// commentsOf returns the comments of a post in id order. The query runs when the
// sequence is first consumed and all rows are read before the first yield, so
// consumers may call the store while ranging.
func commentsOf(db *sql.DB, postID int64) iter.Seq[Item] {
	return func(yield func(Item) bool) {
		rows, err := db.Query("SELECT "+itemColumns+", post_id FROM comment WHERE post_id = ? ORDER BY id", postID)
		if err != nil {
			slog.Warn("Failed to fetch comments", "error", err, "post", postID)
			return
		}

		comments, err := scanComments(rows)
		if err != nil {
			slog.Error("Comments of post read partially", "error", err, "post", postID, "read", len(comments))
		}

		for _, comment := range comments {
			if !yield(comment) {
				return
			}
		}
	}
}

// rowIterator is the part of *sql.Rows that scanComments reads
type rowIterator interface {
	rowScanner
	Next() bool
	Err() error
	Close() error
}

// scanComments reads every comment row and closes rows. The comments read
// before a failure are returned with the error.
func scanComments(rows rowIterator) ([]Item, error) {
	defer func() { _ = rows.Close() }()
	var comments []Item
	for rows.Next() {
		var comment Item
		var mediaURL sql.NullString
		err := rows.Scan(&comment.ID, &comment.Author, &comment.Date, &comment.Body, &comment.BodyMarkup,
			&comment.Permalink, &comment.Score, &mediaURL, &comment.Tags, &comment.IsAdult, &comment.ParentID)
		if err != nil {
			slog.Error("Error scanning row", "error", err)
			continue
		}
		comment.MediaURL = mediaURL.String
		comments = append(comments, comment)
	}
	if err := rows.Err(); err != nil {
		return comments, fmt.Errorf("%w: reading comments: %w", ErrQueryFailed, err)
	}
	return comments, nil
}

// getWithComments retrieves a post with its comments attached, nil when the post is not stored
func getWithComments(db *sql.DB, id int64) (*Thread, error) {
	post, err := getPost(db, id)
	if err != nil || post == nil {
		return nil, err
	}
	return &Thread{Post: *post, Comments: commentsOf(db, id)}, nil
}

// allWithComments yields every post matching the filters, newest first
func allWithComments(db *sql.DB, tag string, adultFilter bool) (iter.Seq[Thread], error) {
	ids, err := getIDs(db, postTable, tag, adultFilter)
	if err != nil {
		return nil, err
	}
	return func(yield func(Thread) bool) {
		for _, id := range ids {
			thread, err := getWithComments(db, id)
			if err != nil {
				slog.Warn("Failed to fetch post", "error", err, "id", id)
				continue
			}
			if thread == nil {
				continue
			}
			if !yield(*thread) {
				return
			}
		}
	}, nil
}

// deletePost removes a post; its comments go with it through the foreign key
func deletePost(db *sql.DB, id int64) (bool, error) {
	result, err := db.Exec("DELETE FROM post WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("%w: deleting post %d: %w", ErrQueryFailed, id, err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		slog.Info("Deleted post from database", "id", id)
	}
	return rowsAffected > 0, nil
}

// countTags counts posts per tag, most used first. Ties are ordered by tag name.
func countTags(db *sql.DB, tag string, adultFilter bool) ([]TagCount, error) {
	condition, args := filterCondition(tag, adultFilter)
	rows, err := db.Query("SELECT tags FROM post "+condition, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching tags: %w", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var tags string
		if err := rows.Scan(&tags); err != nil {
			return nil, fmt.Errorf("%w: scanning tags: %w", ErrQueryFailed, err)
		}
		seen := make(map[string]bool)
		for _, t := range splitTags(tags) {
			if !seen[t] {
				seen[t] = true
				counts[t]++
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: fetching tags: %w", ErrQueryFailed, err)
	}

	result := make([]TagCount, 0, len(counts))
	for t, c := range counts {
		result = append(result, TagCount{Tag: t, Count: c})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].Tag < result[j].Tag
	})
	return result, nil
}

// listDatabases returns the database files found in dir
func listDatabases(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list databases: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".db") {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// newDatabaseName returns the file name for a new database, timestamped when no name is given
func newDatabaseName(name string, now time.Time) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "favsync-" + now.Format("20060102150405") + ".db"
	}
	return strings.TrimSuffix(name, ".db") + ".db"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (Item, error) {
	var item Item
	var mediaURL sql.NullString
	err := row.Scan(&item.ID, &item.Author, &item.Date, &item.Body, &item.BodyMarkup,
		&item.Permalink, &item.Score, &mediaURL, &item.Tags, &item.IsAdult)
	item.MediaURL = mediaURL.String
	return item, err
}

// likeEscaper escapes the LIKE wildcards of a tag
var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

func filterCondition(tag string, adultFilter bool) (string, []any) {
	var clauses []string
	var args []any
	if adultFilter {
		clauses = append(clauses, "is_adult = 0")
	}
	if tag = strings.TrimSpace(strings.TrimLeft(tag, "#")); tag != "" {
		clauses = append(clauses, `tags LIKE ? ESCAPE '\'`)
		args = append(args, "% "+likeEscaper.Replace(tag)+" %")
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// storedDownloads yields the media descriptors of every stored post and comment
func storedDownloads(db *sql.DB, adultFilter bool) (iter.Seq[DownloadInfo], error) {
	threads, err := allWithComments(db, "", adultFilter)
	if err != nil {
		return nil, err
	}
	return func(yield func(DownloadInfo) bool) {
		for thread := range threads {
			items := append([]Item{thread.Post}, slices.Collect(thread.Comments)...)
			for _, item := range items {
				if item.MediaURL == "" {
					continue
				}
				if !yield(item.DownloadInfo()) {
					return
				}
			}
		}
	}, nil
}
