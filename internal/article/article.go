// Package article converts raw feed XML into flattened articles with stable
// identity hashes.
package article

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/mmcdole/gofeed"

	"feednotify/internal/model"
)

// HashValue returns the stable one-way digest used for article identities and
// comparison field values. Hashes carry no per-run salt so they remain
// comparable across restarts.
func HashValue(value string) string {
	sum := sha1.Sum([]byte(value))
	return hex.EncodeToString(sum[:])
}

// ItemID returns the source-provided identifier for an item. Items without a
// GUID fall back to a digest of title and link, matching how identity must
// stay stable across polls of the same feed.
func ItemID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	return "sha1:" + HashValue(item.Title + "|" + item.Link)
}

// ParseFeed parses feed XML into flattened articles, preserving document
// order (feeds typically put the newest entries first).
func ParseFeed(body string) ([]model.Article, error) {
	parser := gofeed.NewParser()
	feed, err := parser.ParseString(body)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	articles := make([]model.Article, 0, len(feed.Items))
	for _, item := range feed.Items {
		articles = append(articles, Flatten(item))
	}
	return articles, nil
}

// Flatten converts one feed item into an Article with its field map. Missing
// fields are simply absent from the map; lookups resolve them to "".
func Flatten(item *gofeed.Item) model.Article {
	id := ItemID(item)

	fields := map[string]string{
		"id":     id,
		"idHash": HashValue(id),
	}

	setField(fields, "title", item.Title)
	setField(fields, "description", item.Description)
	setField(fields, "link", item.Link)
	setField(fields, "guid", item.GUID)
	setField(fields, "content", item.Content)
	setField(fields, "pubdate", item.Published)
	setField(fields, "date", item.Updated)

	if item.Author != nil {
		setField(fields, "author", item.Author.Name)
	}
	if len(item.Categories) > 0 {
		setField(fields, "categories", strings.Join(item.Categories, ","))
	}
	if item.Image != nil {
		setField(fields, "image", item.Image.URL)
	}

	return model.Article{
		ID:     id,
		IDHash: fields["idHash"],
		Fields: fields,
	}
}

func setField(fields map[string]string, key, value string) {
	if value != "" {
		fields[key] = value
	}
}
