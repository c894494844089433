package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"go.etcd.io/bbolt"

	"github.com/TheSnook/gossamer/crawler"
)

const (
	jobsBucket    = "jobs"
	resultsBucket = "results"
	blobsBucket   = "blobs"
)

// batchRecord is the stored form of one flushed sub-batch.
type batchRecord struct {
	Returned bool            `json:"returned"`
	Entries  []crawler.Entry `json:"entries"`
}

type BBoltStore struct {
	db *bbolt.DB
}

func newBBoltStore(path string) Store {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		log.Fatalf("Could not open database %q: %v", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range []string{jobsBucket, resultsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return fmt.Errorf("create bucket %q: %s", b, err)
			}
		}
		return nil
	})
	if err != nil {
		log.Fatalf("Could not initialize database %q: %v", path, err)
	}

	return &BBoltStore{db: db}
}

func (s *BBoltStore) CreateJob(job *Job) (int64, error) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(jobsBucket))
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		job.ID = int64(seq)
		v, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put(itob(job.ID), v)
	})
	if err != nil {
		return 0, err
	}
	return job.ID, nil
}

func (s *BBoltStore) Job(id int64) (*Job, error) {
	var job *Job
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(jobsBucket)).Get(itob(id))
		if v == nil {
			return nil
		}
		job = new(Job)
		return json.Unmarshal(v, job)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *BBoltStore) Jobs() ([]*Job, error) {
	var jobs []*Job
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(jobsBucket)).ForEach(func(_, v []byte) error {
			job := new(Job)
			if err := json.Unmarshal(v, job); err != nil {
				return err
			}
			jobs = append(jobs, job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *BBoltStore) DeleteJob(id int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(jobsBucket)).Delete(itob(id)); err != nil {
			return err
		}
		results := tx.Bucket([]byte(resultsBucket))
		if results.Bucket(itob(id)) == nil {
			return nil
		}
		return results.DeleteBucket(itob(id))
	})
}

func (s *BBoltStore) PutBatch(jobID int64, entries []crawler.Entry) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket([]byte(resultsBucket)).CreateBucketIfNotExists(itob(jobID))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		v, err := json.Marshal(batchRecord{Entries: entries})
		if err != nil {
			return err
		}
		return b.Put(itob(int64(seq)), v)
	})
}

func (s *BBoltStore) UnreturnedEntries(jobID int64) ([]crawler.Entry, error) {
	var entries []crawler.Entry
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(resultsBucket)).Bucket(itob(jobID))
		if b == nil {
			return nil
		}
		// collect first; writing while a cursor iterates is not safe
		type flip struct {
			key []byte
			rec batchRecord
		}
		var flips []flip
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec batchRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Returned {
				continue
			}
			entries = append(entries, rec.Entries...)
			rec.Returned = true
			flips = append(flips, flip{key: append([]byte(nil), k...), rec: rec})
		}
		for _, f := range flips {
			v, err := json.Marshal(f.rec)
			if err != nil {
				return err
			}
			if err := b.Put(f.key, v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *BBoltStore) AllEntries(jobID int64) ([]crawler.Entry, error) {
	var entries []crawler.Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(resultsBucket)).Bucket(itob(jobID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var rec batchRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			entries = append(entries, rec.Entries...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *BBoltStore) HasResults(jobID int64) (bool, error) {
	var has bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(resultsBucket)).Bucket(itob(jobID))
		if b == nil {
			return nil
		}
		k, _ := b.Cursor().First()
		has = k != nil
		return nil
	})
	return has, err
}

func (s *BBoltStore) Close() {
	s.db.Close()
}

// BBoltBlobs stores named blobs in a single bucket of its own database
// file. Keep it on a different file than the job store; bbolt allows
// one process handle per file.
type BBoltBlobs struct {
	db *bbolt.DB
}

func newBBoltBlobs(path string) BlobStore {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		log.Fatalf("Could not open blob database %q: %v", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(blobsBucket))
		return err
	})
	if err != nil {
		log.Fatalf("Could not initialize blob database %q: %v", path, err)
	}
	return &BBoltBlobs{db: db}
}

func (s *BBoltBlobs) SaveFile(data []byte, name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(blobsBucket)).Put([]byte(name), data)
	})
}

func (s *BBoltBlobs) ReadFile(name string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(blobsBucket)).Get([]byte(name))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *BBoltBlobs) ListFiles() (map[string]struct{}, error) {
	files := make(map[string]struct{})
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(blobsBucket)).ForEach(func(k, _ []byte) error {
			files[string(k)] = struct{}{}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func (s *BBoltBlobs) Close() {
	s.db.Close()
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func init() {
	registerStore("bbolt", newBBoltStore)
	registerBlobs("bbolt", newBBoltBlobs)
}
