// Package royalroad fetches stories from royalroad.com.
package royalroad

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"serialarr/internal/provider"
)

const baseURL = "https://www.royalroad.com"

type Source struct {
	client   *http.Client
	settings provider.Settings
}

// New builds the RoyalRoad source. Settings carry the politeness and
// session knobs from config; the gate enforces spacing, not this type.
func New(st provider.Settings) *Source {
	return &Source{
		client:   provider.NewClient(30 * time.Second),
		settings: st,
	}
}

func (s *Source) Key() string { return "royalroad" }

func (s *Source) Recognizes(rawURL string) bool {
	return strings.Contains(rawURL, "royalroad.com")
}

func (s *Source) Metadata(ctx context.Context, sourceURL string) (*provider.Info, error) {
	doc, err := provider.FetchDocument(ctx, s.client, sourceURL, s.settings)
	if err != nil {
		return nil, err
	}

	info := &provider.Info{}

	title := strings.TrimSpace(doc.Find("h1").First().Text())
	if title == "" {
		return nil, provider.Structural(fmt.Errorf("no title heading on %s", sourceURL))
	}
	info.Title = title

	// Author lives in the first h4, either as a link or as "by <name>".
	authorTag := doc.Find("h4").First()
	if link := authorTag.Find("a").First(); link.Length() > 0 {
		info.Author = strings.TrimSpace(link.Text())
	} else {
		text := strings.TrimSpace(authorTag.Text())
		if strings.HasPrefix(strings.ToLower(text), "by ") {
			text = strings.TrimSpace(text[3:])
		}
		info.Author = text
	}

	desc := doc.Find(".description > .hidden-content").First()
	if desc.Length() == 0 {
		desc = doc.Find(".description").First()
	}
	info.Description = strings.TrimSpace(desc.Text())

	if cover, ok := doc.Find("img.thumbnail").First().Attr("src"); ok {
		info.CoverURL = absoluteURL(cover)
	}

	chapters, err := parseChapterTable(doc, sourceURL)
	if err != nil {
		return nil, err
	}
	info.Chapters = chapters
	return info, nil
}

func parseChapterTable(doc *goquery.Document, sourceURL string) ([]provider.ChapterRef, error) {
	table := doc.Find("table#chapters")
	if table.Length() == 0 {
		return nil, provider.Structural(fmt.Errorf("chapter table missing on %s", sourceURL))
	}

	var refs []provider.ChapterRef
	table.Find("tr.chapter-row").Each(func(_ int, row *goquery.Selection) {
		link := row.Find("a[href]").First()
		href, ok := link.Attr("href")
		if !ok {
			return
		}
		refs = append(refs, provider.ChapterRef{
			Ordinal: len(refs) + 1,
			Title:   strings.TrimSpace(link.Text()),
			URL:     absoluteURL(href),
		})
	})
	if len(refs) == 0 {
		return nil, provider.Structural(fmt.Errorf("chapter table empty on %s", sourceURL))
	}
	return refs, nil
}

func (s *Source) Chapter(ctx context.Context, ref provider.ChapterRef) (*provider.Chapter, error) {
	doc, err := provider.FetchDocument(ctx, s.client, ref.URL, s.settings)
	if err != nil {
		return nil, err
	}

	content := doc.Find(".chapter-inner").First()
	if content.Length() == 0 {
		content = doc.Find(".content").First()
	}
	if content.Length() == 0 {
		return nil, provider.Structural(fmt.Errorf("chapter body missing on %s", ref.URL))
	}

	// Strip scripts, styles and site chrome embedded in the chapter body.
	content.Find("script, style, .nav-buttons, .author-note-portlet").Remove()

	html, err := content.Html()
	if err != nil {
		return nil, provider.Structural(fmt.Errorf("extracting chapter body from %s: %w", ref.URL, err))
	}

	ch := &provider.Chapter{Title: ref.Title, Content: strings.TrimSpace(html)}
	if t, ok := doc.Find("time[datetime]").First().Attr("datetime"); ok {
		if parsed, perr := time.Parse(time.RFC3339, t); perr == nil {
			ch.PublishedAt = parsed
		}
	}
	return ch, nil
}

// Search implements the optional provider.Searcher capability.
func (s *Source) Search(ctx context.Context, query string) ([]provider.SearchResult, error) {
	u := baseURL + "/fictions/search?title=" + url.QueryEscape(query)
	doc, err := provider.FetchDocument(ctx, s.client, u, s.settings)
	if err != nil {
		return nil, err
	}

	var results []provider.SearchResult
	doc.Find(".fiction-list-item").Each(func(_ int, item *goquery.Selection) {
		link := item.Find("h2.fiction-title a").First()
		href, ok := link.Attr("href")
		if !ok {
			return
		}
		results = append(results, provider.SearchResult{
			Title:       strings.TrimSpace(link.Text()),
			URL:         absoluteURL(href),
			Author:      strings.TrimSpace(item.Find("span.author").First().Text()),
			Description: strings.TrimSpace(item.Find(".fiction-description").First().Text()),
		})
	})
	return results, nil
}

func absoluteURL(href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	if !strings.HasPrefix(href, "/") {
		href = "/" + href
	}
	return baseURL + href
}
