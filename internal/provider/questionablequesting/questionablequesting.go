// Package questionablequesting fetches stories from the Questionable
// Questing forum. The site runs XenForo: a story is a thread, chapters are
// threadmarked posts, and the threadmarks index lists them in reading order.
package questionablequesting

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"serialarr/internal/provider"
)

// threadPattern extracts the canonical thread URL from any thread-adjacent
// link: page numbers, post anchors, and threadmarks.rss all share the
// threads/slug.id prefix. The host is not pinned so mirrors resolve too.
var (
	threadPattern = regexp.MustCompile(`(https?://[^/]+/threads/[^/]+\.\d+)`)
	postPattern   = regexp.MustCompile(`post-(\d+)|posts/(\d+)`)
)

type Source struct {
	client   *http.Client
	settings provider.Settings
}

func New(st provider.Settings) *Source {
	return &Source{
		client:   provider.NewClient(30 * time.Second),
		settings: st,
	}
}

func (s *Source) Key() string { return "questionablequesting" }

func (s *Source) Recognizes(rawURL string) bool {
	return strings.Contains(rawURL, "questionablequesting.com/threads/")
}

// normalizeThreadURL strips page numbers, post anchors, and feed suffixes
// down to the base thread URL with a trailing slash.
func normalizeThreadURL(rawURL string) string {
	if m := threadPattern.FindString(rawURL); m != "" {
		return m + "/"
	}
	return rawURL
}

func (s *Source) Metadata(ctx context.Context, sourceURL string) (*provider.Info, error) {
	threadURL := normalizeThreadURL(sourceURL)

	doc, err := provider.FetchDocument(ctx, s.client, threadURL, s.settings)
	if err != nil {
		return nil, err
	}

	info := &provider.Info{}

	title := strings.TrimSpace(doc.Find("h1.p-title-value").First().Text())
	if title == "" {
		return nil, provider.Structural(fmt.Errorf("no thread title on %s", threadURL))
	}
	info.Title = title
	info.Author = strings.TrimSpace(doc.Find(".p-description a.username").First().Text())

	chapters, err := s.fetchThreadmarks(ctx, threadURL)
	if err != nil {
		return nil, err
	}
	info.Chapters = chapters
	return info, nil
}

// fetchThreadmarks reads the threadmarks index. An empty index is
// structural: a thread without threadmarks is not trackable as a story.
func (s *Source) fetchThreadmarks(ctx context.Context, threadURL string) ([]provider.ChapterRef, error) {
	tmURL := threadURL + "threadmarks"
	doc, err := provider.FetchDocument(ctx, s.client, tmURL, s.settings)
	if err != nil {
		return nil, err
	}

	base, err := url.Parse(threadURL)
	if err != nil {
		return nil, provider.Structural(fmt.Errorf("parsing thread url %s: %w", threadURL, err))
	}

	var refs []provider.ChapterRef
	doc.Find("div.structItem--threadmark").Each(func(_ int, mark *goquery.Selection) {
		link := mark.Find(".structItem-title a").First()
		href, ok := link.Attr("href")
		if !ok {
			return
		}
		refs = append(refs, provider.ChapterRef{
			Ordinal: len(refs) + 1,
			Title:   strings.TrimSpace(link.Text()),
			URL:     resolveAgainst(base, href),
		})
	})
	if len(refs) == 0 {
		return nil, provider.Structural(fmt.Errorf("no threadmarks on %s", tmURL))
	}
	return refs, nil
}

func (s *Source) Chapter(ctx context.Context, ref provider.ChapterRef) (*provider.Chapter, error) {
	postID := extractPostID(ref.URL)
	if postID == "" {
		return nil, provider.Structural(fmt.Errorf("no post id in chapter url %s", ref.URL))
	}

	doc, err := provider.FetchDocument(ctx, s.client, ref.URL, s.settings)
	if err != nil {
		return nil, err
	}

	post := doc.Find(fmt.Sprintf(`article.message--post[data-content="post-%s"]`, postID)).First()
	if post.Length() == 0 {
		return nil, provider.Structural(fmt.Errorf("post %s not on page %s", postID, ref.URL))
	}
	body := post.Find(".bbWrapper").First()
	if body.Length() == 0 {
		return nil, provider.Structural(fmt.Errorf("post %s has no body on %s", postID, ref.URL))
	}

	html, err := body.Html()
	if err != nil {
		return nil, provider.Structural(fmt.Errorf("extracting post %s from %s: %w", postID, ref.URL, err))
	}

	ch := &provider.Chapter{Title: ref.Title, Content: strings.TrimSpace(html)}
	if t, ok := post.Find("time[datetime]").First().Attr("datetime"); ok {
		if parsed, perr := time.Parse(time.RFC3339, t); perr == nil {
			ch.PublishedAt = parsed
		}
	}
	return ch, nil
}

// extractPostID pulls the numeric post id from post-1234 or posts/1234
// shaped URLs.
func extractPostID(rawURL string) string {
	m := postPattern.FindStringSubmatch(rawURL)
	if m == nil {
		return ""
	}
	if m[1] != "" {
		return m[1]
	}
	return m[2]
}

func resolveAgainst(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
