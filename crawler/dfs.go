package crawler

import (
	"log"
	"math/rand"
)

// DepthFirst walks a single random path toward maxDepth, backtracking
// when a node's links are exhausted without producing a child. The walk
// is single-threaded; only the node the walk is currently at has its
// links consumed.
type DepthFirst struct {
	factory  *Factory
	maxDepth int
}

func NewDepthFirst(f *Factory, maxDepth int) *DepthFirst {
	return &DepthFirst{factory: f, maxDepth: maxDepth}
}

// Crawl produces nodes in traversal order. The start slice is the
// current path: just the seed on a fresh crawl, or every stored node
// (sorted by id) on a resume. The path is indexed by node id, so a
// backtrack is a jump to path[parent].
func (d *DepthFirst) Crawl(start []*PageNode) <-chan *PageNode {
	out := make(chan *PageNode)
	go func() {
		defer close(out)
		defer func() {
			if r := recover(); r != nil {
				log.Printf("Depth-first crawl aborted: %v", r)
			}
		}()

		if len(start) == 0 {
			return
		}
		path := start
		cur := path[len(path)-1]

		for cur.Depth < d.maxDepth {
			if cur.Links == nil {
				// rehydrated from storage; fetch the page again
				if err := d.factory.Reload(cur); err != nil {
					cur.Links = []string{}
				}
			}

			var child *PageNode
			for child == nil && len(cur.Links) > 0 {
				i := rand.Intn(len(cur.Links))
				link := cur.Links[i]
				cur.Links = append(cur.Links[:i], cur.Links[i+1:]...)
				child = d.factory.Make(link, cur)
			}

			if child == nil {
				// dead end. Step back toward the seed; a seed with no
				// links left ends the crawl.
				if cur.Parent == nil {
					return
				}
				cur = path[*cur.Parent]
				continue
			}

			out <- child
			if child.PhraseFound {
				log.Printf("Phrase found on page %s at depth %d", child.URL, child.Depth)
				return
			}
			path = append(path, child)
			cur = child
		}
	}()
	return out
}

// Unfinished resumes from every stored node: the list sorted by id is
// exactly the path the interrupted walk had built. Links are reloaded
// lazily, so a link consumed before the interruption may be retried once.
func (d *DepthFirst) Unfinished(stored []*PageNode) []*PageNode {
	return sortByID(stored)
}
