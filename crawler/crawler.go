/*
 * The crawl engine. A Crawler drives one strategy (depth- or breadth-
 * first) over the tree rooted at a seed page, buffering the nodes the
 * strategy produces and flushing them to the result store on a timer.
 * The final flush of every job carries a terminal sentinel; that is the
 * client's only reliable end-of-stream signal.
 */

package crawler

import (
	"encoding/json"
	"log"
	"runtime"
	"sort"
	"time"
)

const (
	// flushWindow is how long nodes accumulate before a flush.
	flushWindow = 1500 * time.Millisecond
	// batchSize caps the entries stored per batch record.
	batchSize = 50
)

// Entry is one element of a stored batch: a page node, or the terminal
// sentinel as the last element of a job's last batch.
type Entry struct {
	Node     *PageNode
	Terminal bool
}

func (e Entry) MarshalJSON() ([]byte, error) {
	if e.Terminal {
		return []byte(`{"terminal":true}`), nil
	}
	return json.Marshal(e.Node)
}

func (e *Entry) UnmarshalJSON(b []byte) error {
	var probe struct {
		Terminal bool `json:"terminal"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return err
	}
	if probe.Terminal {
		*e = Entry{Terminal: true}
		return nil
	}
	n := new(PageNode)
	if err := json.Unmarshal(b, n); err != nil {
		return err
	}
	*e = Entry{Node: n}
	return nil
}

// OutputFunc receives each flushed buffer. Implementations shard into
// stored batch records; see StoreOutput.
type OutputFunc func(jobID int64, entries []Entry) error

// BatchWriter is the slice of the result store the output pipeline needs.
type BatchWriter interface {
	PutBatch(jobID int64, entries []Entry) error
}

// ResultLoader is the slice of the result store resume detection needs.
type ResultLoader interface {
	HasResults(jobID int64) (bool, error)
	AllEntries(jobID int64) ([]Entry, error)
}

// StoreOutput adapts a BatchWriter into an OutputFunc, splitting each
// flush into records of at most batchSize entries.
func StoreOutput(w BatchWriter) OutputFunc {
	return func(jobID int64, entries []Entry) error {
		log.Printf("Storing %d records for job %d", len(entries), jobID)
		for i := 0; i < len(entries); i += batchSize {
			end := i + batchSize
			if end > len(entries) {
				end = len(entries)
			}
			if err := w.PutBatch(jobID, entries[i:end]); err != nil {
				return err
			}
		}
		return nil
	}
}

// Strategy is one traversal order. Crawl lazily produces nodes on the
// returned channel and closes it when the traversal is over; the caller
// may rely on the channel being drained to completion. Unfinished
// reconstructs the strategy's start state from the nodes a previous run
// of the same job left in storage.
type Strategy interface {
	Crawl(start []*PageNode) <-chan *PageNode
	Unfinished(stored []*PageNode) []*PageNode
}

// Crawler owns the driver loop for one job.
type Crawler struct {
	JobID    int64
	Factory  *Factory
	Strategy Strategy
	Out      OutputFunc
	Results  ResultLoader
}

// Run executes the crawl to completion. root may be nil when resuming a
// job after a restart; the start state is then rebuilt from storage.
// Run never returns without writing the terminal sentinel unless the job
// already has one or its stored results cannot be loaded.
func (c *Crawler) Run(root *PageNode) {
	start, done := c.startState(root)
	if done {
		return
	}

	var buffer []Entry
	timerStart := time.Now()

	for node := range c.Strategy.Crawl(start) {
		buffer = append(buffer, Entry{Node: node})

		if time.Since(timerStart) >= flushWindow {
			sortEntries(buffer)
			if err := c.Out(c.JobID, buffer); err != nil {
				log.Printf("Error storing results for job %d: %v", c.JobID, err)
			}
			buffer = nil
			timerStart = time.Now()
			// a flush is a natural point to give memory back
			runtime.GC()
		}
	}

	sortEntries(buffer)
	buffer = append(buffer, Entry{Terminal: true})
	if err := c.Out(c.JobID, buffer); err != nil {
		log.Printf("Error storing final results for job %d: %v", c.JobID, err)
	}
}

// startState decides between a fresh start and a resume. On resume the
// id generator is reseeded past the maximum stored id and the strategy
// rebuilds its own start state; a job whose storage already holds the
// sentinel is finished and reports done.
func (c *Crawler) startState(root *PageNode) ([]*PageNode, bool) {
	has, err := c.Results.HasResults(c.JobID)
	if err != nil {
		log.Printf("Error checking for stored results of job %d: %v", c.JobID, err)
		has = false
	}
	if !has {
		if root == nil {
			return nil, false
		}
		return []*PageNode{root}, false
	}

	entries, err := c.Results.AllEntries(c.JobID)
	if err != nil {
		log.Printf("Error loading stored results of job %d: %v", c.JobID, err)
		return nil, true
	}

	var nodes []*PageNode
	maxID := int64(0)
	for _, e := range entries {
		if e.Terminal {
			log.Printf("Job %d already finished, nothing to resume", c.JobID)
			return nil, true
		}
		nodes = append(nodes, e.Node)
		if e.Node.ID > maxID {
			maxID = e.Node.ID
		}
	}

	log.Printf("Resuming job %d from %d stored nodes", c.JobID, len(nodes))
	c.Factory.IDs.Seed(maxID + 1)
	return c.Strategy.Unfinished(nodes), false
}

// sortEntries stable-sorts a buffer by (parent, id) so every stored batch
// has a canonical order. The seed's nil parent sorts first.
func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].Node, entries[j].Node
		if a.parentKey() != b.parentKey() {
			return a.parentKey() < b.parentKey()
		}
		return a.ID < b.ID
	})
}
