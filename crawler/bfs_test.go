package crawler

import (
	"sort"
	"testing"
)

func TestBreadthFirstTinyCrawl(t *testing.T) {
	fetcher := newFakeFetcher(map[string]string{
		"http://seed.test/": `<a href="http://a.test/">a</a><a href="http://b.test/">b</a>`,
		"http://a.test/":    `leaf`,
		"http://b.test/":    `leaf`,
	})
	f := &Factory{Fetcher: fetcher, IDs: NewIDGenerator(1)}
	root, err := f.Root("http://seed.test/")
	if err != nil {
		t.Fatal(err)
	}

	bfs := NewBreadthFirst(f, 1)
	nodes := collectNodes(t, bfs.Crawl([]*PageNode{root}))

	if len(nodes) != 2 {
		t.Fatalf("emitted %d nodes, want 2", len(nodes))
	}
	urls := map[string]bool{}
	ids := map[int64]bool{}
	for _, n := range nodes {
		urls[n.URL] = true
		ids[n.ID] = true
		if n.Parent == nil || *n.Parent != 0 {
			t.Errorf("node %d parent = %v, want 0", n.ID, n.Parent)
		}
		if n.Depth != 1 {
			t.Errorf("node %d depth = %d, want 1", n.ID, n.Depth)
		}
	}
	if !urls["http://a.test/"] || !urls["http://b.test/"] {
		t.Errorf("emitted urls = %v", urls)
	}
	if !ids[1] || !ids[2] {
		t.Errorf("emitted ids = %v, want {1, 2}", ids)
	}
}

func TestBreadthFirstRespectsDepthBound(t *testing.T) {
	fetcher := newFakeFetcher(map[string]string{
		"http://seed.test/": `<a href="http://l1.test/">x</a>`,
		"http://l1.test/":   `<a href="http://l2.test/">x</a>`,
		"http://l2.test/":   `<a href="http://l3.test/">x</a>`,
		"http://l3.test/":   `<a href="http://l4.test/">x</a>`,
	})
	f := &Factory{Fetcher: fetcher, IDs: NewIDGenerator(1)}
	root, err := f.Root("http://seed.test/")
	if err != nil {
		t.Fatal(err)
	}

	bfs := NewBreadthFirst(f, 2)
	nodes := collectNodes(t, bfs.Crawl([]*PageNode{root}))

	if len(nodes) != 2 {
		t.Fatalf("emitted %d nodes, want 2", len(nodes))
	}
	for _, n := range nodes {
		if n.Depth > 2 {
			t.Errorf("node %d exceeds the depth bound: %d", n.ID, n.Depth)
		}
	}
	if fetcher.count("http://l3.test/") != 0 {
		t.Error("fetched below the depth bound")
	}
}

func TestBreadthFirstSkipsDeadLinks(t *testing.T) {
	fetcher := newFakeFetcher(map[string]string{
		"http://seed.test/": `<a href="http://live.test/">x</a><a href="http://dead.test/">y</a>`,
		"http://live.test/": `leaf`,
	})
	f := &Factory{Fetcher: fetcher, IDs: NewIDGenerator(1)}
	root, err := f.Root("http://seed.test/")
	if err != nil {
		t.Fatal(err)
	}

	bfs := NewBreadthFirst(f, 2)
	nodes := collectNodes(t, bfs.Crawl([]*PageNode{root}))

	if len(nodes) != 1 || nodes[0].URL != "http://live.test/" {
		t.Errorf("emitted = %v, want just live.test", nodes)
	}
	if nodes[0].ID != 1 {
		t.Errorf("dead link consumed an id; got %d, want 1", nodes[0].ID)
	}
}

func TestBreadthFirstPhraseTerminates(t *testing.T) {
	fetcher := newFakeFetcher(map[string]string{
		"http://seed.test/":   `<a href="http://m.test/">m</a>`,
		"http://m.test/":      `<a href="http://x.test/">x</a>`,
		"http://x.test/":      `holds the "secret" <a href="http://beyond.test/">b</a>`,
		"http://beyond.test/": `should never be reached`,
	})
	f := &Factory{Fetcher: fetcher, EndPhrase: "secret", IDs: NewIDGenerator(1)}
	root, err := f.Root("http://seed.test/")
	if err != nil {
		t.Fatal(err)
	}

	bfs := NewBreadthFirst(f, 3)
	nodes := collectNodes(t, bfs.Crawl([]*PageNode{root}))

	last := nodes[len(nodes)-1]
	if !last.PhraseFound || last.URL != "http://x.test/" {
		t.Fatalf("crawl did not end on the phrase page: %+v", last)
	}
	if fetcher.count("http://beyond.test/") != 0 {
		t.Error("expanded past the phrase page")
	}
}

func TestBreadthFirstUnfinished(t *testing.T) {
	// depths [0,1,1,2,2], parents [-,0,0,1,2]: 0,1,2 have stored
	// children, so 3 and 4 are the unexpanded frontier
	stored := []*PageNode{
		node(4, 2, 2),
		node(0, -1, 0),
		node(3, 1, 2),
		node(1, 0, 1),
		node(2, 0, 1),
	}

	bfs := NewBreadthFirst(&Factory{IDs: NewIDGenerator(1)}, 3)
	frontier := bfs.Unfinished(stored)

	var ids []int64
	for _, n := range frontier {
		ids = append(ids, n.ID)
	}
	if len(ids) != 2 || ids[0] != 3 || ids[1] != 4 {
		t.Fatalf("frontier ids = %v, want [3 4]", ids)
	}
}

func TestBreadthFirstUnfinishedDropsMaxDepth(t *testing.T) {
	stored := []*PageNode{
		node(0, -1, 0),
		node(1, 0, 1),
		node(2, 1, 2),
	}

	// node 2 sits at the depth bound; node 1 was already expanded
	bfs := NewBreadthFirst(&Factory{IDs: NewIDGenerator(1)}, 2)
	if frontier := bfs.Unfinished(stored); len(frontier) != 0 {
		t.Errorf("frontier = %v, want empty", frontier)
	}
}

func TestBreadthFirstResume(t *testing.T) {
	// crash left nodes 0-4; 3 and 4 were never expanded
	fetcher := newFakeFetcher(map[string]string{
		"http://c.test/": `<a href="http://e.test/">e</a>`,
		"http://d.test/": `<a href="http://f.test/">f</a>`,
		"http://e.test/": `leaf`,
		"http://f.test/": `leaf`,
	})
	f := &Factory{Fetcher: fetcher, IDs: NewIDGenerator(5)}

	stored := []*PageNode{
		node(0, -1, 0),
		node(1, 0, 1),
		node(2, 0, 1),
		node(3, 1, 2),
		node(4, 2, 2),
	}
	stored[3].URL = "http://c.test/"
	stored[4].URL = "http://d.test/"

	bfs := NewBreadthFirst(f, 3)
	nodes := collectNodes(t, bfs.Crawl(bfs.Unfinished(stored)))

	if len(nodes) != 2 {
		t.Fatalf("emitted %d nodes after resume, want 2", len(nodes))
	}
	var ids []int64
	seen := map[int64]bool{0: true, 1: true, 2: true, 3: true, 4: true}
	for _, n := range nodes {
		if seen[n.ID] {
			t.Errorf("id %d reused after resume", n.ID)
		}
		seen[n.ID] = true
		ids = append(ids, n.ID)
		if n.Depth != 3 {
			t.Errorf("resumed child depth = %d, want 3", n.Depth)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if ids[0] != 5 || ids[1] != 6 {
		t.Errorf("resumed ids = %v, want [5 6]", ids)
	}
	// the pre-crash levels must not be re-expanded
	if fetcher.count("http://seed.test/") != 0 {
		t.Error("re-fetched an already expanded node")
	}
}
