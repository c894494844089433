package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/TheSnook/gossamer/crawler"
)

func testStore(t *testing.T) Store {
	t.Helper()
	s := newBBoltStore(filepath.Join(t.TempDir(), "test.db"))
	t.Cleanup(s.Close)
	return s
}

func entry(id int64, parent int64) crawler.Entry {
	n := &crawler.PageNode{ID: id, URL: "http://example.test/", Depth: 1}
	if parent >= 0 {
		p := parent
		n.Parent = &p
	}
	return crawler.Entry{Node: n}
}

func TestJobLifecycle(t *testing.T) {
	s := testStore(t)

	job := &Job{
		Root:      "http://seed.test/",
		Type:      "BFS",
		Depth:     3,
		EndPhrase: "needle",
		StartTime: time.Now(),
	}
	id, err := s.CreateJob(job)
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if id == 0 {
		t.Fatal("CreateJob() assigned id 0")
	}

	got, err := s.Job(id)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("Job() = nil for a created job")
	}
	if got.Root != job.Root || got.Type != "BFS" || got.Depth != 3 || got.EndPhrase != "needle" {
		t.Errorf("Job() = %+v", got)
	}

	if missing, err := s.Job(id + 99); err != nil || missing != nil {
		t.Errorf("Job(unknown) = %v, %v; want nil, nil", missing, err)
	}

	jobs, err := s.Jobs()
	if err != nil || len(jobs) != 1 {
		t.Errorf("Jobs() = %v, %v; want one job", jobs, err)
	}

	if err := s.DeleteJob(id); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Job(id); got != nil {
		t.Error("job survived DeleteJob")
	}
}

func TestBatchRoundTrip(t *testing.T) {
	s := testStore(t)
	id, err := s.CreateJob(&Job{Root: "http://seed.test/", Type: "DFS", Depth: 1, StartTime: time.Now()})
	if err != nil {
		t.Fatal(err)
	}

	if has, _ := s.HasResults(id); has {
		t.Error("HasResults true before any batch")
	}

	if err := s.PutBatch(id, []crawler.Entry{entry(0, -1), entry(1, 0)}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutBatch(id, []crawler.Entry{entry(2, 0), {Terminal: true}}); err != nil {
		t.Fatal(err)
	}

	if has, _ := s.HasResults(id); !has {
		t.Error("HasResults false after batches were stored")
	}

	all, err := s.AllEntries(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("AllEntries() returned %d entries, want 4", len(all))
	}
	if !all[3].Terminal {
		t.Error("batch order lost: sentinel is not last")
	}
	if all[1].Node.ID != 1 || all[1].Node.Parent == nil || *all[1].Node.Parent != 0 {
		t.Errorf("entry did not round-trip: %+v", all[1].Node)
	}
}

func TestUnreturnedEntriesFlips(t *testing.T) {
	s := testStore(t)
	id, _ := s.CreateJob(&Job{Root: "http://seed.test/", Type: "BFS", Depth: 1, StartTime: time.Now()})

	s.PutBatch(id, []crawler.Entry{entry(0, -1)})
	s.PutBatch(id, []crawler.Entry{entry(1, 0)})

	first, err := s.UnreturnedEntries(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 {
		t.Fatalf("first poll returned %d entries, want 2", len(first))
	}

	second, err := s.UnreturnedEntries(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 0 {
		t.Errorf("second poll re-delivered %d entries", len(second))
	}

	// a batch stored after the poll is new again
	s.PutBatch(id, []crawler.Entry{entry(2, 0)})
	third, _ := s.UnreturnedEntries(id)
	if len(third) != 1 || third[0].Node.ID != 2 {
		t.Errorf("third poll = %v, want just the new entry", third)
	}

	// the returned flag does not hide entries from resume
	all, _ := s.AllEntries(id)
	if len(all) != 3 {
		t.Errorf("AllEntries() = %d entries, want 3", len(all))
	}
}

func TestDeleteJobCascades(t *testing.T) {
	s := testStore(t)
	id, _ := s.CreateJob(&Job{Root: "http://seed.test/", Type: "BFS", Depth: 1, StartTime: time.Now()})
	other, _ := s.CreateJob(&Job{Root: "http://other.test/", Type: "BFS", Depth: 1, StartTime: time.Now()})

	s.PutBatch(id, []crawler.Entry{entry(0, -1)})
	s.PutBatch(other, []crawler.Entry{entry(0, -1)})

	if err := s.DeleteJob(id); err != nil {
		t.Fatal(err)
	}

	if has, _ := s.HasResults(id); has {
		t.Error("batches survived DeleteJob")
	}
	if has, _ := s.HasResults(other); !has {
		t.Error("DeleteJob removed another job's batches")
	}
}

func TestBlobStore(t *testing.T) {
	b := newBBoltBlobs(filepath.Join(t.TempDir(), "blobs.db"))
	t.Cleanup(b.Close)

	if data, err := b.ReadFile("missing.ico"); err != nil || data != nil {
		t.Errorf("ReadFile(missing) = %v, %v; want nil, nil", data, err)
	}

	if err := b.SaveFile([]byte{0xde, 0xad}, "a.ico"); err != nil {
		t.Fatal(err)
	}
	if err := b.SaveFile([]byte("hosts"), "favicon_hosts.json"); err != nil {
		t.Fatal(err)
	}

	data, err := b.ReadFile("a.ico")
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 2 || data[0] != 0xde {
		t.Errorf("ReadFile() = %v", data)
	}

	files, err := b.ListFiles()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Errorf("ListFiles() = %v, want 2 files", files)
	}
	if _, ok := files["a.ico"]; !ok {
		t.Error("a.ico missing from ListFiles()")
	}
}
