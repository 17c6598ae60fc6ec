package article

import (
	"os"
	"testing"

	"github.com/mmcdole/gofeed"
)

func TestHashValueIsStable(t *testing.T) {
	a := HashValue("diagnose-article-1")
	b := HashValue("diagnose-article-1")
	if a != b {
		t.Errorf("hash not stable: %q vs %q", a, b)
	}
	if a == HashValue("diagnose-article-2") {
		t.Error("distinct ids produced the same hash")
	}
	if len(a) != 40 {
		t.Errorf("expected 40 hex chars, got %d", len(a))
	}
}

func TestItemID(t *testing.T) {
	withGUID := &gofeed.Item{GUID: "guid-1", Title: "t", Link: "l"}
	if got := ItemID(withGUID); got != "guid-1" {
		t.Errorf("ItemID = %q, want guid-1", got)
	}

	noGUID := &gofeed.Item{Title: "Some Title", Link: "https://example.com/a"}
	first := ItemID(noGUID)
	second := ItemID(&gofeed.Item{Title: "Some Title", Link: "https://example.com/a"})
	if first != second {
		t.Errorf("fallback id not stable: %q vs %q", first, second)
	}
}

func TestParseFeed(t *testing.T) {
	data, err := os.ReadFile("../../testdata/sample.xml")
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}

	articles, err := ParseFeed(string(data))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(articles) != 3 {
		t.Fatalf("expected 3 articles, got %d", len(articles))
	}

	first := articles[0]
	if first.ID != "article-1" {
		t.Errorf("id = %q, want article-1", first.ID)
	}
	if first.IDHash != HashValue("article-1") {
		t.Errorf("idHash mismatch")
	}
	if first.Fields["title"] != "Kubernetes 1.32 Released" {
		t.Errorf("title = %q", first.Fields["title"])
	}
	if first.Fields["categories"] != "kubernetes,release" {
		t.Errorf("categories = %q", first.Fields["categories"])
	}
	if first.Fields["pubdate"] == "" {
		t.Error("expected pubdate field")
	}

	// Item without a guid still gets a stable identity.
	third := articles[2]
	if third.ID == "" || third.IDHash == "" {
		t.Error("expected fallback identity for item without guid")
	}
}

func TestParseFeedInvalid(t *testing.T) {
	if _, err := ParseFeed("definitely not xml"); err == nil {
		t.Fatal("expected error for invalid feed")
	}
}
