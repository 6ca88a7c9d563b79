package collector

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mmcdole/gofeed"
)

type mockTransport struct {
	body       string
	statusCode int
	err        error
}

func (m *mockTransport) Do(_ *http.Request) (*http.Response, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Body:       io.NopCloser(bytes.NewBufferString(m.body)),
	}, nil
}

func loadFixture(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile("testdata/notices.xml")
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return string(data)
}

func TestFetch(t *testing.T) {
	xml := loadFixture(t)

	tests := []struct {
		name      string
		transport *mockTransport
		wantTitle string
		wantItems int
		wantErr   bool
	}{
		{
			name:      "successful fetch",
			transport: &mockTransport{body: xml, statusCode: 200},
			wantTitle: "X Gov Notices",
			wantItems: 5,
		},
		{
			name:      "http error status",
			transport: &mockTransport{body: "not found", statusCode: 404},
			wantErr:   true,
		},
		{
			name:      "network error",
			transport: &mockTransport{err: io.ErrUnexpectedEOF},
			wantErr:   true,
		},
		{
			name:      "invalid xml",
			transport: &mockTransport{body: "not xml at all", statusCode: 200},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			feed, err := NewFetcher(tt.transport).Fetch(context.Background(), "https://x.gov/rss")
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.wantTitle, feed.Title); diff != "" {
				t.Errorf("title mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantItems, len(feed.Items)); diff != "" {
				t.Errorf("item count mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestItems(t *testing.T) {
	feed, err := gofeed.NewParser().ParseString(loadFixture(t))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	items := Items(feed)
	var links []string
	for _, it := range items {
		links = append(links, it.Link)
	}
	want := []string{
		"https://x.gov/n?id=101&page=1",
		"https://x.gov/n?page=2&id=101",
		"https://x.gov/n?id=102",
		"https://x.gov/n?id=103",
	}
	if diff := cmp.Diff(want, links); diff != "" {
		t.Errorf("links mismatch (-want +got):\n%s", diff)
	}
	if items[0].Published == nil || items[0].Published.Day() != 2 {
		t.Errorf("expected parsed publish date, got %v", items[0].Published)
	}
	if items[3].Published != nil {
		t.Errorf("expected no publish date, got %v", items[3].Published)
	}
}

func TestItemGUID(t *testing.T) {
	tests := []struct {
		name string
		item *gofeed.Item
		want string
	}{
		{
			name: "explicit guid",
			item: &gofeed.Item{GUID: "abc-123", Title: "T", Link: "https://x.gov/1"},
			want: "abc-123",
		},
		{
			name: "hash fallback is stable",
			item: &gofeed.Item{Title: "T", Link: "https://x.gov/1"},
			want: ItemGUID(&gofeed.Item{Title: "T", Link: "https://x.gov/1"}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, ItemGUID(tt.item)); diff != "" {
				t.Errorf("guid mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if g := ItemGUID(&gofeed.Item{Title: "T", Link: "https://x.gov/1"}); len(g) != len("sha256:")+32 {
		t.Errorf("unexpected fallback guid %q", g)
	}
}
