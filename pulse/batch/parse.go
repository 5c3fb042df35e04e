package batch

import (
	"encoding/csv"
	"io"
	"strings"
)

// Columns is the fixed schema of every batch output and of the merged CSV
var Columns = []string{"username", "tweet_id", "created_at", "text", "original_url"}

// Post is one row returned by the provider, keyed by Columns
type Post map[string]string

// Record returns the post's fields in Columns order
func (p Post) Record() []string {
	record := make([]string, len(Columns))
	for i, col := range Columns {
		record[i] = p[col]
	}
	return record
}

// ParseResponse extracts posts from model output.
//
// The table starts at the first line mentioning the username column; if no
// line does, every line is used. Code fences are dropped. Records that fail
// to parse are skipped, and a reader failure yields no posts.
func ParseResponse(text string) []Post {
	lines := strings.Split(strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n")), "\n")

	start := -1
	for i, line := range lines {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "username,") || strings.Contains(lower, `"username"`) {
			start = i
			break
		}
	}
	if start > 0 {
		lines = lines[start:]
	}

	kept := lines[:0:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		kept = append(kept, line)
	}

	reader := csv.NewReader(strings.NewReader(strings.Join(kept, "\n")))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil
	}
	fields := make([]string, len(header))
	for i, name := range header {
		fields[i] = strings.ToLower(strings.TrimSpace(name))
	}

	var posts []Post
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			if _, ok := err.(*csv.ParseError); ok {
				continue
			}
			return nil
		}

		post := make(Post, len(Columns))
		empty := true
		for i, value := range record {
			if i >= len(fields) || fields[i] == "" {
				continue
			}
			value = strings.TrimSpace(value)
			post[fields[i]] = value
			if value != "" {
				empty = false
			}
		}
		if empty {
			continue
		}
		posts = append(posts, post)
	}
	return posts
}

// QuoteAll renders records with every field quoted and \n line endings
func QuoteAll(records [][]string) string {
	var b strings.Builder
	for _, record := range records {
		for i, field := range record {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteByte('"')
			b.WriteString(strings.ReplaceAll(field, `"`, `""`))
			b.WriteByte('"')
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// HeaderLine is the quoted header; also the merged output when no rows exist
func HeaderLine() string {
	return QuoteAll([][]string{Columns})
}

// EncodePosts renders posts as a batch output: header plus one line per post
func EncodePosts(posts []Post) string {
	records := make([][]string, 0, len(posts)+1)
	records = append(records, Columns)
	for _, p := range posts {
		records = append(records, p.Record())
	}
	return QuoteAll(records)
}
