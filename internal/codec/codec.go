// Package codec reads and writes the portable markdown snapshot format
// used for bulk export and import. A snapshot is a sequence of blocks,
// one per day:
//
//	---2024-01-01
//
//	Hello
//
//
//	---2024-01-02
//
//	World
//
// Each block opens with a delimiter line carrying the calendar-day key,
// followed by a blank line and the raw markdown body.
package codec

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	delimiter      = "---"
	blockSeparator = "\n\n\n"
	dateLayout     = "2006-01-02"
)

var dateKeyPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Entry is one day's content in a snapshot.
type Entry struct {
	DateKey string
	Body    string
}

// Marshal renders entries into a single snapshot document. Entries are
// written in the order given; callers export oldest-first.
func Marshal(entries []Entry) string {
	blocks := make([]string, 0, len(entries))
	for _, e := range entries {
		blocks = append(blocks, fmt.Sprintf("%s%s\n\n%s", delimiter, e.DateKey, e.Body))
	}
	return strings.Join(blocks, blockSeparator)
}

// ValidDateKey reports whether key is a well-formed calendar-day key:
// strict YYYY-MM-DD shape naming a real date.
func ValidDateKey(key string) bool {
	if !dateKeyPattern.MatchString(key) {
		return false
	}
	_, err := time.Parse(dateLayout, key)
	return err == nil
}

// Parse extracts entries from a snapshot document. Blocks whose key is
// malformed, names an impossible date, or repeats an earlier block's
// key are skipped, never fatal; the skipped count lets callers report
// them.
func Parse(doc string) (entries []Entry, skipped int) {
	seen := map[string]bool{}
	for _, block := range splitBlocks(doc) {
		key, body, ok := parseBlock(block)
		if !ok || seen[key] {
			skipped++
			continue
		}
		seen[key] = true
		entries = append(entries, Entry{DateKey: key, Body: body})
	}
	return entries, skipped
}

func splitBlocks(doc string) []string {
	var blocks []string
	var current []string
	flush := func() {
		if len(current) == 0 {
			return
		}
		block := strings.TrimRight(strings.Join(current, "\n"), "\n")
		if strings.TrimSpace(block) != "" {
			blocks = append(blocks, block)
		}
		current = nil
	}
	for _, line := range strings.Split(doc, "\n") {
		if strings.HasPrefix(line, delimiter) {
			flush()
		}
		if len(current) > 0 || strings.HasPrefix(line, delimiter) {
			current = append(current, line)
		}
	}
	flush()
	return blocks
}

func parseBlock(block string) (key, body string, ok bool) {
	header, rest, _ := strings.Cut(block, "\n")
	key = strings.TrimSpace(strings.TrimPrefix(header, delimiter))
	if !ValidDateKey(key) {
		return "", "", false
	}
	body = strings.TrimPrefix(rest, "\n")
	return key, body, true
}

// Filename names an export snapshot after the moment it was taken.
func Filename(now time.Time) string {
	return fmt.Sprintf("juday-data-%s.md", now.Format("20060102-1504"))
}
