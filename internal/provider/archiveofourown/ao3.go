// Package archiveofourown fetches works from archiveofourown.org.
//
// AO3 has no search capability here (its search is tag-driven and not a good
// fit for title lookup), so this source deliberately exercises the
// optional-capability path: it implements provider.Source only.
package archiveofourown

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"serialarr/internal/provider"
)

const baseURL = "https://archiveofourown.org"

var workIDRe = regexp.MustCompile(`/works/(\d+)`)

type Source struct {
	client   *http.Client
	settings provider.Settings
}

// New builds the AO3 source. Restricted works need a logged-in session
// cookie supplied through Settings.Session; it is passed through opaquely.
func New(st provider.Settings) *Source {
	return &Source{
		client:   provider.NewClient(30 * time.Second),
		settings: st,
	}
}

func (s *Source) Key() string { return "archiveofourown" }

func (s *Source) Recognizes(rawURL string) bool {
	return strings.Contains(rawURL, "archiveofourown.org")
}

func (s *Source) Metadata(ctx context.Context, sourceURL string) (*provider.Info, error) {
	workID, err := workIDFrom(sourceURL)
	if err != nil {
		return nil, err
	}

	doc, err := provider.FetchDocument(ctx, s.client, sourceURL, s.settings)
	if err != nil {
		return nil, err
	}

	// A login form instead of work content means the session expired (or the
	// work is restricted and we have no credentials).
	if doc.Find("form#new_user_session, form#loginform").Length() > 0 {
		return nil, provider.Auth(fmt.Errorf("login required for %s", sourceURL))
	}

	info := &provider.Info{}

	title := strings.TrimSpace(doc.Find("h2.title.heading").First().Text())
	if title == "" {
		return nil, provider.Structural(fmt.Errorf("no work title on %s", sourceURL))
	}
	info.Title = title

	byline := doc.Find("h3.byline.heading").First()
	var authors []string
	byline.Find("a").Each(func(_ int, a *goquery.Selection) {
		authors = append(authors, strings.TrimSpace(a.Text()))
	})
	if len(authors) > 0 {
		info.Author = strings.Join(authors, ", ")
	} else {
		info.Author = strings.TrimSpace(byline.Text())
	}

	info.Description = strings.TrimSpace(doc.Find("blockquote.userstuff.summary").First().Text())

	chapters, err := s.chapterIndex(ctx, workID)
	if err != nil {
		return nil, err
	}
	info.Chapters = chapters
	return info, nil
}

// chapterIndex reads the /navigate page, which lists every chapter of a work
// as an ordered list.
func (s *Source) chapterIndex(ctx context.Context, workID string) ([]provider.ChapterRef, error) {
	navURL := fmt.Sprintf("%s/works/%s/navigate", baseURL, workID)
	doc, err := provider.FetchDocument(ctx, s.client, navURL, s.settings)
	if err != nil {
		return nil, err
	}

	var refs []provider.ChapterRef
	doc.Find("ol.chapter.index li").Each(func(_ int, li *goquery.Selection) {
		link := li.Find("a[href]").First()
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
		return nil, provider.Structural(fmt.Errorf("no chapter index on %s", navURL))
	}
	return refs, nil
}

func (s *Source) Chapter(ctx context.Context, ref provider.ChapterRef) (*provider.Chapter, error) {
	doc, err := provider.FetchDocument(ctx, s.client, ref.URL, s.settings)
	if err != nil {
		return nil, err
	}

	if doc.Find("form#new_user_session, form#loginform").Length() > 0 {
		return nil, provider.Auth(fmt.Errorf("login required for %s", ref.URL))
	}

	// The chapter body is div.userstuff; skip the summary blockquote which
	// shares the class.
	content := doc.Find("div.userstuff[role=article]").First()
	if content.Length() == 0 {
		content = doc.Find("div#chapters div.userstuff").First()
	}
	if content.Length() == 0 {
		return nil, provider.Structural(fmt.Errorf("chapter body missing on %s", ref.URL))
	}
	content.Find("script, style, h3.landmark").Remove()

	html, err := content.Html()
	if err != nil {
		return nil, provider.Structural(fmt.Errorf("extracting chapter body from %s: %w", ref.URL, err))
	}
	return &provider.Chapter{Title: ref.Title, Content: strings.TrimSpace(html)}, nil
}

func workIDFrom(rawURL string) (string, error) {
	m := workIDRe.FindStringSubmatch(rawURL)
	if m == nil {
		return "", provider.Structural(fmt.Errorf("no work id in %s", rawURL))
	}
	return m[1], nil
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
