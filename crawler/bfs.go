package crawler

import (
	"log"
	"sort"
	"time"
)

const (
	// numWorkers is the size of the fetch pool.
	numWorkers = 10
	// pendingFutureLimit soft-caps submitted-but-unfinished fetches.
	pendingFutureLimit = 20
	// waitAnyTimeout bounds one wait for an in-flight fetch to finish.
	waitAnyTimeout = 250 * time.Millisecond
	// backoffSleep is the pause after a wait that saw no completions.
	backoffSleep = 500 * time.Millisecond
)

// BreadthFirst expands one depth level at a time, fetching the links of
// the current frontier on a fixed pool of workers. The driver goroutine
// owns the frontier and the in-flight count; workers only fetch.
type BreadthFirst struct {
	factory  *Factory
	maxDepth int
}

func NewBreadthFirst(f *Factory, maxDepth int) *BreadthFirst {
	return &BreadthFirst{factory: f, maxDepth: maxDepth}
}

type bfsTask struct {
	link   string
	parent *PageNode
}

// Crawl produces nodes as their fetches complete. Within a level the
// order is whatever the pool finishes first; the output pipeline
// restores (parent, id) order per batch.
func (b *BreadthFirst) Crawl(start []*PageNode) <-chan *PageNode {
	out := make(chan *PageNode)
	go func() {
		defer close(out)

		tasks := make(chan bfsTask, 2*pendingFutureLimit)
		results := make(chan *PageNode)
		for i := 0; i < numWorkers; i++ {
			go func() {
				for t := range tasks {
					results <- b.factory.Make(t.link, t.parent)
				}
			}()
		}

		inFlight := 0
		// every submitted task sends exactly one result; on any exit the
		// queue is closed and outstanding results drained so the pool
		// winds down instead of leaking
		defer func() {
			if r := recover(); r != nil {
				log.Printf("Breadth-first crawl aborted: %v", r)
			}
			close(tasks)
			for ; inFlight > 0; inFlight-- {
				<-results
			}
		}()

		// collect receives completed fetches: at most one blocking wait,
		// then everything already finished.
		collect := func(timeout time.Duration) []*PageNode {
			if inFlight == 0 {
				return nil
			}
			var done []*PageNode
			select {
			case n := <-results:
				inFlight--
				done = append(done, n)
			case <-time.After(timeout):
				return nil
			}
			for inFlight > 0 {
				select {
				case n := <-results:
					inFlight--
					done = append(done, n)
				default:
					return done
				}
			}
			return done
		}

		frontier := start
		for depth := 1; depth <= b.maxDepth && len(frontier) > 0; depth++ {
			var next []*PageNode

			// handle re-yields a completed fetch and reports whether the
			// whole crawl should stop.
			handle := func(n *PageNode) bool {
				if n == nil {
					return false
				}
				out <- n
				if n.PhraseFound {
					log.Printf("Phrase found on page %s at depth %d", n.URL, n.Depth)
					return true
				}
				if n.Depth < b.maxDepth {
					next = append(next, n)
				}
				return false
			}

			for _, cur := range frontier {
				if cur.Links == nil {
					// rehydrated from storage; fetch the page again
					if err := b.factory.Reload(cur); err != nil {
						log.Printf("Could not reload %s: %v", cur.URL, err)
						continue
					}
				}
				log.Printf("Processing %d links of parent %d", len(cur.Links), cur.ID)
				for _, link := range cur.Links {
					tasks <- bfsTask{link: link, parent: cur}
					inFlight++

					// keep no more than ~2x the worker count in flight
					for inFlight > pendingFutureLimit {
						done := collect(waitAnyTimeout)
						if len(done) == 0 {
							time.Sleep(backoffSleep)
							continue
						}
						for _, n := range done {
							if handle(n) {
								return
							}
						}
					}
				}
			}

			// finish this level before starting the next
			for inFlight > 0 {
				n := <-results
				inFlight--
				if handle(n) {
					return
				}
			}

			frontier = next
		}
	}()
	return out
}

// Unfinished rebuilds the frontier of an interrupted crawl. A stored
// node that appears as some node's parent has been expanded; one at
// maxDepth never will be. Whatever survives is the unexpanded frontier.
// A leaf whose children all failed to fetch looks unexpanded and will be
// expanded again; that re-fetch is accepted, and reseeding the id
// generator keeps the ids unique regardless.
func (b *BreadthFirst) Unfinished(stored []*PageNode) []*PageNode {
	nodes := sortByID(stored)
	byID := make([]*PageNode, 0, len(nodes))
	index := make(map[int64]int)
	for _, n := range nodes {
		index[n.ID] = len(byID)
		byID = append(byID, n)
	}
	for _, n := range nodes {
		if n.Parent != nil {
			if i, ok := index[*n.Parent]; ok {
				byID[i] = nil
			}
		}
		if n.Depth >= b.maxDepth {
			byID[index[n.ID]] = nil
		}
	}

	var frontier []*PageNode
	for _, n := range byID {
		if n != nil {
			frontier = append(frontier, n)
		}
	}
	sort.SliceStable(frontier, func(i, j int) bool {
		a, c := frontier[i], frontier[j]
		if a.Depth != c.Depth {
			return a.Depth < c.Depth
		}
		if a.parentKey() != c.parentKey() {
			return a.parentKey() < c.parentKey()
		}
		return a.ID < c.ID
	})
	return frontier
}

func sortByID(nodes []*PageNode) []*PageNode {
	sorted := make([]*PageNode, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return sorted
}
