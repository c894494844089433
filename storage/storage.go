package storage

import (
	"log"
	"strings"
	"time"

	"github.com/TheSnook/gossamer/crawler"
)

// Job is one crawl: the seed, the traversal type, the depth bound and
// the optional end phrase. Result batches hang off the job until a poll
// sees the terminal sentinel and deletes everything.
type Job struct {
	ID        int64     `json:"id"`
	Root      string    `json:"root"`
	Type      string    `json:"type"` // "BFS" or "DFS"
	Depth     int       `json:"depth"`
	EndPhrase string    `json:"end_phrase,omitempty"`
	StartTime time.Time `json:"start_time"`
}

// Store persists jobs and their result batches. Batches for a job may
// only be appended until one of them carries the terminal sentinel.
type Store interface {
	// CreateJob assigns and returns the job id.
	CreateJob(job *Job) (int64, error)
	// Job returns nil (and no error) for an unknown id.
	Job(id int64) (*Job, error)
	Jobs() ([]*Job, error)
	DeleteJob(id int64) error

	// PutBatch appends one batch record (at most 50 entries).
	PutBatch(jobID int64, entries []crawler.Entry) error
	// UnreturnedEntries returns every entry not yet delivered to a
	// poller and marks those batches returned.
	UnreturnedEntries(jobID int64) ([]crawler.Entry, error)
	// AllEntries returns every stored entry regardless of the returned
	// flag. Resume detection reads the crawl's history through this.
	AllEntries(jobID int64) ([]crawler.Entry, error)
	HasResults(jobID int64) (bool, error)

	Close()
}

// BlobStore holds named files: favicon blobs and the favicon cache
// checkpoints.
type BlobStore interface {
	SaveFile(data []byte, name string) error
	// ReadFile returns (nil, nil) for a missing file.
	ReadFile(name string) ([]byte, error)
	ListFiles() (map[string]struct{}, error)
	Close()
}

var (
	storeRegistry map[string]storeConstructor
	blobRegistry  map[string]blobConstructor
)

type storeConstructor func(string) Store
type blobConstructor func(string) BlobStore

// NewStore constructs a job/result store for a target of the form
// "<scheme>:<path>", e.g. "bbolt:/var/lib/gossamer/jobs.db".
func NewStore(target string) Store {
	scheme, path, ok := strings.Cut(target, ":")
	if !ok {
		log.Fatalf(`Store target %q does not have expected format "<scheme>:<path>".`, target)
	}
	fn, ok := storeRegistry[scheme]
	if !ok {
		log.Fatalf("No store handler found for scheme %q.", scheme)
	}
	return fn(path)
}

// NewBlobStore constructs a blob store for a target of the form
// "<scheme>:<path>", e.g. "bbolt:/var/lib/gossamer/favicons.db" or
// "s3:us-west-2:gossamer-favicons".
func NewBlobStore(target string) BlobStore {
	scheme, path, ok := strings.Cut(target, ":")
	if !ok {
		log.Fatalf(`Blob store target %q does not have expected format "<scheme>:<path>".`, target)
	}
	fn, ok := blobRegistry[scheme]
	if !ok {
		log.Fatalf("No blob store handler found for scheme %q.", scheme)
	}
	return fn(path)
}

func registerStore(scheme string, fn storeConstructor) {
	if storeRegistry == nil {
		storeRegistry = make(map[string]storeConstructor)
	}
	storeRegistry[scheme] = fn
}

func registerBlobs(scheme string, fn blobConstructor) {
	if blobRegistry == nil {
		blobRegistry = make(map[string]blobConstructor)
	}
	blobRegistry[scheme] = fn
}
