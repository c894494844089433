package crawler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
)

// ErrUnreachable marks a URL that could not be fetched, either because the
// request failed outright or because the server answered with a non-200.
var ErrUnreachable = errors.New("page unreachable")

// FetchResult is one completed GET. A non-2xx status is still a result;
// only transport failures surface as errors from a Fetcher.
type FetchResult struct {
	StatusCode int
	Body       []byte
}

// Fetcher retrieves the content of a URL. Implementations must enforce
// their own deadline and be safe for concurrent use.
type Fetcher interface {
	Fetch(url string) (*FetchResult, error)
}

// FaviconFunc resolves the favicon for a fetched page. The page body is
// passed so the resolver can look for an icon link before probing the
// default location. An empty return means the site has no usable favicon.
type FaviconFunc func(pageURL string, page []byte) string

// linkRegex matches anchors of the form <a ... href=LINK ...>. LINK may be
// scheme-prefixed, must contain at least one dot-separated label, and may
// carry a /path or ?query tail terminated by a quote or space. Candidates
// whose host portion ends in .html are local page references and are
// rejected after matching (RE2 has no lookbehind for doing it inline).
var linkRegex = regexp.MustCompile(`(?i)<a [^>]*href=['"]?((https?://)?([a-z0-9\-]+\.){1,}[a-z0-9]+((\?|/)[^'" ]*)?)['" ]`)

// hostRegex matches the leading scheme://host of a URL.
var hostRegex = regexp.MustCompile(`(?i)^https?://([a-z0-9\-]+\.){1,}[a-z0-9]+`)

// Host extracts the scheme://host prefix of url. The second return is
// false when url does not start with a recognizable host.
func Host(url string) (string, bool) {
	h := hostRegex.FindString(url)
	return h, h != ""
}

// NormalizeURL strips a protocol-relative // prefix and defaults the
// scheme to http when none is present.
func NormalizeURL(url string) string {
	url = strings.TrimPrefix(url, "//")
	if !strings.HasPrefix(url, "http") {
		url = "http://" + url
	}
	return url
}

// phraseRegexp builds the matcher for an end phrase: case-insensitive,
// preceded by a quote, paren or space, and followed by a quote, paren,
// space or sentence punctuation. This keeps "error" from matching inside
// "errorHandler".
func phraseRegexp(phrase string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)['"( ]` + regexp.QuoteMeta(phrase) + `[.,?!)'" ]`)
}

// ExtractLinks scans page text for candidate outbound links, in document
// order. The text is sanitized to valid UTF-8 first; invalid bytes become
// the replacement character rather than failing the page.
func ExtractLinks(page []byte) []string {
	text := strings.ToValidUTF8(string(page), "�")
	var links []string
	for _, m := range linkRegex.FindAllStringSubmatch(text, -1) {
		link := m[1]
		base := strings.TrimPrefix(link, m[2])
		if j := strings.IndexAny(base, "/?"); j >= 0 {
			base = base[:j]
		}
		if strings.HasSuffix(base, ".html") {
			continue
		}
		links = append(links, link)
	}
	return links
}

// PageNode is one fetched page in the crawl tree. Parent is nil only for
// the seed. Links is nil on a node rehydrated from storage; the owning
// strategy reloads the page when it needs them.
type PageNode struct {
	ID          int64
	Parent      *int64
	URL         string
	Favicon     string
	Depth       int
	PhraseFound bool
	Links       []string
}

type pageNodeJSON struct {
	ID          int64   `json:"id"`
	Parent      *int64  `json:"parent"`
	URL         string  `json:"url"`
	Favicon     *string `json:"favicon"`
	Depth       int     `json:"depth"`
	PhraseFound bool    `json:"phrase_found"`
}

// MarshalJSON emits the wire form {id, parent, url, favicon, depth,
// phrase_found}. Links are never serialized.
func (n *PageNode) MarshalJSON() ([]byte, error) {
	j := pageNodeJSON{
		ID:          n.ID,
		Parent:      n.Parent,
		URL:         n.URL,
		Depth:       n.Depth,
		PhraseFound: n.PhraseFound,
	}
	if n.Favicon != "" {
		j.Favicon = &n.Favicon
	}
	return json.Marshal(j)
}

func (n *PageNode) UnmarshalJSON(b []byte) error {
	var j pageNodeJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	n.ID = j.ID
	n.Parent = j.Parent
	n.URL = j.URL
	n.Depth = j.Depth
	n.PhraseFound = j.PhraseFound
	n.Favicon = ""
	if j.Favicon != nil {
		n.Favicon = *j.Favicon
	}
	n.Links = nil
	return nil
}

// parentKey orders the seed (nil parent) before everything else.
func (n *PageNode) parentKey() int64 {
	if n.Parent == nil {
		return -1
	}
	return *n.Parent
}

// Factory builds PageNodes. It owns the fetch client, the favicon
// resolver, the end phrase and the ID generator for one crawl.
type Factory struct {
	Fetcher   Fetcher
	Favicon   FaviconFunc
	EndPhrase string
	IDs       *IDGenerator
}

// Root fetches the seed URL and returns it as the depth-0 node with id 0.
// Unlike Make, a failure is returned to the caller: an unreachable seed
// fails the whole crawl request.
func (f *Factory) Root(url string) (*PageNode, error) {
	n := &PageNode{ID: 0, URL: NormalizeURL(url)}
	if err := f.Reload(n); err != nil {
		return nil, err
	}
	return n, nil
}

// Make fetches link as a child of parent. Any failure yields nil, which
// strategies read as "try another link". The id is allocated only after a
// successful fetch so failed attempts never consume ids.
func (f *Factory) Make(link string, parent *PageNode) *PageNode {
	n := &PageNode{URL: NormalizeURL(link)}
	if err := f.Reload(n); err != nil {
		log.Printf("Skipping %q: %v", n.URL, err)
		return nil
	}
	n.ID = f.IDs.Next()
	pid := parent.ID
	n.Parent = &pid
	n.Depth = parent.Depth + 1
	return n
}

// Reload fetches the node's page and repopulates links, the phrase flag
// and the favicon. Used both on first construction and to rehydrate a
// node restored from storage without links.
func (f *Factory) Reload(n *PageNode) error {
	res, err := f.Fetcher.Fetch(n.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if res.StatusCode != 200 {
		return fmt.Errorf("%w: status %d", ErrUnreachable, res.StatusCode)
	}

	host, _ := Host(n.URL)
	seen := make(map[string]struct{})
	links := []string{}
	for _, link := range ExtractLinks(res.Body) {
		if host != "" && strings.HasPrefix(link, host) {
			continue
		}
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}
		links = append(links, link)
	}
	n.Links = links

	n.PhraseFound = false
	if f.EndPhrase != "" {
		n.PhraseFound = phraseRegexp(f.EndPhrase).Match(res.Body)
	}

	if f.Favicon != nil {
		n.Favicon = f.Favicon(n.URL, res.Body)
	}
	return nil
}
