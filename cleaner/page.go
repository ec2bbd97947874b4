package cleaner

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Link is an anchor found on the page, with an absolute href.
type Link struct {
	Href string `json:"href"`
	Text string `json:"text"`
}

// Links splits page anchors by whether they stay on the source host. The
// shape matches what the engine reports under data.links.
type Links struct {
	Internal []Link `json:"internal"`
	External []Link `json:"external"`
}

// Image is an <img> found on the page, with an absolute src.
type Image struct {
	Src string `json:"src"`
	Alt string `json:"alt"`
}

// Media mirrors the engine's data.media object.
type Media struct {
	Images []Image `json:"images"`
}

// Page holds everything read from one parse of the raw HTML.
type Page struct {
	Title       string
	Description string
	OpenGraph   map[string]string
	Links       Links
	Media       Media
}

// ParsePage reads title, description, Open Graph tags, links and images
// from rawHTML. Relative URLs are resolved against sourceURL; links are
// skipped entirely when sourceURL does not parse.
func ParsePage(rawHTML, sourceURL string) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil, err
	}

	p := &Page{
		Title:     strings.TrimSpace(doc.Find("head title").First().Text()),
		OpenGraph: map[string]string{},
		Links:     Links{Internal: []Link{}, External: []Link{}},
		Media:     Media{Images: []Image{}},
	}
	if p.Title == "" {
		p.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}

	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		content := strings.TrimSpace(s.AttrOr("content", ""))
		if content == "" {
			return
		}
		if prop := s.AttrOr("property", ""); strings.HasPrefix(prop, "og:") {
			p.OpenGraph[strings.TrimPrefix(prop, "og:")] = content
			return
		}
		if strings.EqualFold(s.AttrOr("name", ""), "description") {
			p.Description = content
		}
	})
	if p.Title == "" {
		p.Title = p.OpenGraph["title"]
	}
	if p.Description == "" {
		p.Description = p.OpenGraph["description"]
	}

	base, err := url.Parse(sourceURL)
	if err != nil || base.Host == "" {
		return p, nil
	}
	p.Links = collectLinks(doc, base)
	p.Media.Images = collectImages(doc, base)
	return p, nil
}

func collectLinks(doc *goquery.Document, base *url.URL) Links {
	links := Links{Internal: []Link{}, External: []Link{}}
	seen := make(map[string]struct{})

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		resolved, err := base.Parse(strings.TrimSpace(s.AttrOr("href", "")))
		if err != nil || (resolved.Scheme != "http" && resolved.Scheme != "https") {
			return
		}
		resolved.Fragment = ""
		abs := resolved.String()
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}

		link := Link{Href: abs, Text: strings.Join(strings.Fields(s.Text()), " ")}
		if strings.EqualFold(resolved.Host, base.Host) {
			links.Internal = append(links.Internal, link)
		} else {
			links.External = append(links.External, link)
		}
	})
	return links
}

func collectImages(doc *goquery.Document, base *url.URL) []Image {
	images := []Image{}
	seen := make(map[string]struct{})

	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		resolved, err := base.Parse(strings.TrimSpace(s.AttrOr("src", "")))
		if err != nil || resolved.Scheme == "data" {
			return
		}
		abs := resolved.String()
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		images = append(images, Image{Src: abs, Alt: strings.TrimSpace(s.AttrOr("alt", ""))})
	})
	return images
}
