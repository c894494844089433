/*
 * Favicon discovery with a content-addressed cache. Icons are stored in
 * a blob store under <md5>.ico and handed out as locally-served URLs, so
 * many hosts sharing one icon cost one stored blob. The host-to-hash
 * mapping and the set of known hashes are checkpointed to the same blob
 * store and reloaded at process start.
 */

package favicon

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"log"
	"regexp"
	"strings"
	"sync"

	"github.com/TheSnook/gossamer/crawler"
)

// checkpoint blob names
const (
	hostsFile  = "favicon_hosts.json"
	hashesFile = "favicon_hashes.json"
)

// saveEvery is how many new cache entries accumulate before a
// best-effort checkpoint write.
const saveEvery = 5

// maxLevels caps the download/extract recursion; some sites 404 with a
// page whose icon link 404s right back.
const maxLevels = 3

// iconRegex pulls an icon link out of a page head.
var iconRegex = regexp.MustCompile(`(?i)<link [^>]*rel=['"](?:shortcut )?icon['"] [^>]*href=['"]?\.?([^'" ]*)[^>]*>`)

// BlobStore is the slice of blob storage the resolver needs.
type BlobStore interface {
	SaveFile(data []byte, name string) error
	ReadFile(name string) ([]byte, error)
	ListFiles() (map[string]struct{}, error)
}

// Resolver caches favicons per host. One mutex covers the whole
// lookup/download/record sequence, so two pages on the same host cost at
// most one probe.
type Resolver struct {
	fetcher crawler.Fetcher
	blobs   BlobStore
	base    string

	mu         sync.Mutex
	hostToHash map[string]string // "" records a host known to have no icon
	hashes     map[string]struct{}
	newEntries int
}

// New builds a resolver serving icon URLs under base (e.g. "/favicons/")
// and loads the checkpointed cache from the blob store. A hash whose
// blob has gone missing is dropped so the mapping never points at a file
// that cannot be served.
func New(fetcher crawler.Fetcher, blobs BlobStore, base string) *Resolver {
	r := &Resolver{
		fetcher:    fetcher,
		blobs:      blobs,
		base:       base,
		hostToHash: make(map[string]string),
		hashes:     make(map[string]struct{}),
	}
	r.load()
	return r
}

func (r *Resolver) load() {
	if data, err := r.blobs.ReadFile(hostsFile); err == nil && data != nil {
		if err := json.Unmarshal(data, &r.hostToHash); err != nil {
			log.Printf("Discarding unreadable favicon host cache: %v", err)
			r.hostToHash = make(map[string]string)
		}
	}
	var hashes []string
	if data, err := r.blobs.ReadFile(hashesFile); err == nil && data != nil {
		if err := json.Unmarshal(data, &hashes); err != nil {
			log.Printf("Discarding unreadable favicon hash cache: %v", err)
			hashes = nil
		}
	}

	stored, err := r.blobs.ListFiles()
	if err != nil {
		stored = nil
	}
	for _, h := range hashes {
		if stored != nil {
			if _, ok := stored[h+".ico"]; !ok {
				continue
			}
		}
		r.hashes[h] = struct{}{}
	}
	for host, h := range r.hostToHash {
		if h == "" {
			continue
		}
		if _, ok := r.hashes[h]; !ok {
			delete(r.hostToHash, host)
		}
	}
	log.Printf("Favicon cache loaded: %d hosts, %d icons", len(r.hostToHash), len(r.hashes))
}

// Resolve returns the locally-served URL for the favicon of the page's
// host, or "" when the host has none. The page body, when given, is
// checked for an icon link before the default /favicon.ico probe.
func (r *Resolver) Resolve(pageURL string, page []byte) string {
	host, ok := crawler.Host(pageURL)
	if !ok {
		return ""
	}
	hostKey := hostKey(host)

	r.mu.Lock()
	defer r.mu.Unlock()

	if h, cached := r.hostToHash[hostKey]; cached {
		if h == "" {
			return ""
		}
		return r.base + h + ".ico"
	}

	var icon []byte
	if page != nil {
		icon = r.extractFromPage(page, pageURL, 1)
	}
	if icon == nil {
		icon = r.download(host+"/favicon.ico", 1)
	}

	if icon == nil {
		r.record(hostKey, "")
		return ""
	}

	sum := md5.Sum(icon)
	h := hex.EncodeToString(sum[:])
	if _, known := r.hashes[h]; !known {
		if err := r.blobs.SaveFile(icon, h+".ico"); err != nil {
			// without the blob the URL would dangle
			log.Printf("Could not store favicon for %s: %v", hostKey, err)
			r.record(hostKey, "")
			return ""
		}
		r.addHash(h)
	}
	r.record(hostKey, h)
	return r.base + h + ".ico"
}

// Flush writes both checkpoint files. Called at shutdown; periodic
// writes happen on their own every saveEvery new entries.
func (r *Resolver) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.save()
}

// download fetches an icon URL. A 404 that answers with an HTML body
// gets one chance to point at the real icon via its own <link> tag.
func (r *Resolver) download(iconURL string, level int) []byte {
	if level > maxLevels {
		return nil
	}
	res, err := r.fetcher.Fetch(iconURL)
	if err != nil {
		return nil
	}
	switch res.StatusCode {
	case 200:
		return res.Body
	case 404:
		return r.extractFromPage(res.Body, iconURL, level+1)
	}
	return nil
}

func (r *Resolver) extractFromPage(page []byte, pageURL string, level int) []byte {
	if level > maxLevels {
		return nil
	}
	m := iconRegex.FindSubmatch(page)
	if m == nil {
		return nil
	}
	iconURL := string(m[1])
	if strings.HasPrefix(iconURL, "//") {
		iconURL = "http:" + iconURL
	} else if strings.HasPrefix(iconURL, "/") {
		host, ok := crawler.Host(pageURL)
		if !ok {
			return nil
		}
		iconURL = host + iconURL
	}
	return r.download(iconURL, level+1)
}

// record and addHash assume the mutex is held.
func (r *Resolver) record(hostKey, hash string) {
	if _, exists := r.hostToHash[hostKey]; exists {
		return
	}
	r.hostToHash[hostKey] = hash
	r.bumpSaves()
}

func (r *Resolver) addHash(h string) {
	if _, exists := r.hashes[h]; exists {
		return
	}
	r.hashes[h] = struct{}{}
	r.bumpSaves()
}

func (r *Resolver) bumpSaves() {
	r.newEntries++
	if r.newEntries >= saveEvery {
		r.save()
	}
}

// save checkpoints both artifacts. Failures are swallowed: the
// in-memory cache stays valid and the crawl keeps going.
func (r *Resolver) save() {
	hosts, err := json.Marshal(r.hostToHash)
	if err != nil {
		return
	}
	hashes := make([]string, 0, len(r.hashes))
	for h := range r.hashes {
		hashes = append(hashes, h)
	}
	hashData, err := json.Marshal(hashes)
	if err != nil {
		return
	}

	if err := r.blobs.SaveFile(hosts, hostsFile); err != nil {
		log.Printf("Favicon cache checkpoint failed: %v", err)
		return
	}
	if err := r.blobs.SaveFile(hashData, hashesFile); err != nil {
		log.Printf("Favicon cache checkpoint failed: %v", err)
		return
	}
	r.newEntries = 0
}

// hostKey strips the scheme from a scheme://host prefix.
func hostKey(host string) string {
	if i := strings.Index(host, "//"); i >= 0 {
		return host[i+2:]
	}
	return host
}
