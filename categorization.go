package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// dateLayouts are the date formats the site uses, API first
var dateLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// categorizeItem returns the labels shown next to an item: media kind, score badge and adult marker
func categorizeItem(item Item) []string {
	var categories []string
	if kind := mediaKind(item.MediaURL); kind != "" {
		categories = append(categories, kind)
	}
	categories = append(categories, categorizeByScore(item.Score))
	if item.IsAdult {
		categories = append(categories, "NSFW")
	}
	return categories
}

// categorizeByScore returns a badge based on the vote count
func categorizeByScore(score string) string {
	points, err := strconv.Atoi(strings.TrimSpace(score))
	if err != nil {
		return "Unrated"
	}
	switch {
	case points >= 500:
		return "Viral 500+"
	case points >= 200:
		return "Hot 200+"
	case points >= 100:
		return "High Score 100+"
	case points >= 25:
		return "Popular 25+"
	default:
		return "Rising"
	}
}

// mediaKind classifies a media URL by its extension or host
func mediaKind(mediaURL string) string {
	if mediaURL == "" {
		return ""
	}
	lower := strings.ToLower(mediaURL)
	switch mediaExt(mediaURL) {
	case ".jpg", ".jpeg", ".png", ".webp", ".bmp":
		return "Image"
	case ".gif":
		return "GIF"
	case ".mp4", ".webm", ".mov", ".gifv":
		return "Video"
	}
	switch {
	case strings.Contains(lower, "youtube.com") || strings.Contains(lower, "youtu.be") || strings.Contains(lower, "streamable.com"):
		return "Video"
	default:
		return "Link"
	}
}

// parseItemDate parses a stored item date, the zero time when it matches no known layout
func parseItemDate(date string) time.Time {
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, strings.TrimSpace(date), time.Local); err == nil {
			return t
		}
	}
	return time.Time{}
}

// calculatePostAge returns a human-readable time difference from the item date to now
func calculatePostAge(date string) string {
	t := parseItemDate(date)
	if t.IsZero() {
		return date
	}
	return humanize.Time(t)
}
