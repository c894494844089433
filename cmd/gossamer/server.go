package main

import (
	"log"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/TheSnook/gossamer/crawler"
	"github.com/TheSnook/gossamer/favicon"
	"github.com/TheSnook/gossamer/fetch"
	"github.com/TheSnook/gossamer/storage"
)

const (
	// pollDeadline bounds how long one poll request blocks for results.
	pollDeadline = 20 * time.Second
	// pollInterval is the wait between store checks while blocking.
	pollInterval = 500 * time.Millisecond
	// jobGrace is the retry pause when a poll races job creation.
	jobGrace = 1 * time.Second
)

var urlRegex = regexp.MustCompile(`(?i)(https?://)?[a-z\-]*\.[a-z]*`)
var iconNameRegex = regexp.MustCompile(`^[a-f0-9]+\.ico$`)

type server struct {
	store     storage.Store
	blobs     storage.BlobStore
	icons     *favicon.Resolver
	fetcher   *fetch.Client
	maxJobAge time.Duration
}

func (s *server) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), cors())
	r.POST("/crawler", s.startCrawl)
	r.GET("/crawler/:job_id", s.pollResults)
	r.GET("/favicons/:filename", s.serveFavicon)
	r.GET("/admin/cron/cleanup", s.cleanup)
	return r
}

// The front end runs on its own origin.
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

type crawlRequest struct {
	StartPage  string `form:"start_page" json:"start_page"`
	Depth      int    `form:"depth" json:"depth"`
	EndPhrase  string `form:"end_phrase" json:"end_phrase"`
	SearchType string `form:"search_type" json:"search_type"`
}

// newFactory builds the per-job node factory. Every job gets its own id
// generator; the fetch client and favicon cache are shared.
func (s *server) newFactory(endPhrase string) *crawler.Factory {
	return &crawler.Factory{
		Fetcher:   s.fetcher,
		Favicon:   s.icons.Resolve,
		EndPhrase: endPhrase,
		IDs:       crawler.NewIDGenerator(1),
	}
}

func newStrategy(f *crawler.Factory, searchType string, maxDepth int) crawler.Strategy {
	if searchType == "DFS" {
		return crawler.NewDepthFirst(f, maxDepth)
	}
	return crawler.NewBreadthFirst(f, maxDepth)
}

// startCrawl validates the request, fetches the seed, records the job
// and schedules the crawl in the background. The seed node goes back to
// the caller immediately so the front end can draw the root.
func (s *server) startCrawl(c *gin.Context) {
	var req crawlRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusOK, gin.H{"status": "failure", "errors": []string{err.Error()}})
		return
	}

	var errs []string
	if req.StartPage == "" || !urlRegex.MatchString(req.StartPage) {
		errs = append(errs, "Invalid URL")
	}
	if req.SearchType == "" {
		req.SearchType = "BFS"
	}
	if req.SearchType != "BFS" && req.SearchType != "DFS" {
		errs = append(errs, "search_type must be BFS or DFS")
	}
	if req.Depth == 0 {
		req.Depth = 3
	}
	if req.Depth < 1 {
		errs = append(errs, "depth must be at least 1")
	}
	if len(errs) > 0 {
		c.JSON(http.StatusOK, gin.H{"status": "failure", "errors": errs})
		return
	}

	// fetch the seed first; an unreachable seed fails the request and
	// leaves no job behind
	f := s.newFactory(req.EndPhrase)
	root, err := f.Root(req.StartPage)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"status": "failure", "errors": []string{"Invalid URL"}})
		return
	}

	job := &storage.Job{
		Root:      root.URL,
		Type:      req.SearchType,
		Depth:     req.Depth,
		EndPhrase: req.EndPhrase,
		StartTime: time.Now(),
	}
	id, err := s.store.CreateJob(job)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "failure", "errors": []string{err.Error()}})
		return
	}

	cr := &crawler.Crawler{
		JobID:    id,
		Factory:  f,
		Strategy: newStrategy(f, req.SearchType, req.Depth),
		Out:      crawler.StoreOutput(s.store),
		Results:  s.store,
	}
	go cr.Run(root)

	c.JSON(http.StatusOK, gin.H{"status": "success", "job_id": id, "root": root})
}

// pollResults blocks until the job has undelivered batches, up to
// pollDeadline. The terminal sentinel is stripped from the response; it
// flips finished and deletes the job.
func (s *server) pollResults(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("job_id"), 10, 64)
	if err != nil {
		c.String(http.StatusNotFound, "Job not scheduled")
		return
	}

	job, err := s.store.Job(id)
	if err == nil && job == nil {
		// the poll may have raced the job's creation
		time.Sleep(jobGrace)
		job, err = s.store.Job(id)
	}
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	if job == nil {
		c.String(http.StatusNotFound, "Job not scheduled")
		return
	}

	deadline := time.Now().Add(pollDeadline)
	for {
		entries, err := s.store.UnreturnedEntries(id)
		if err != nil {
			c.String(http.StatusInternalServerError, err.Error())
			return
		}

		if len(entries) > 0 {
			finished := false
			nodes := []*crawler.PageNode{}
			for _, e := range entries {
				if e.Terminal {
					finished = true
					continue
				}
				nodes = append(nodes, e.Node)
			}
			if finished {
				if err := s.store.DeleteJob(id); err != nil {
					c.String(http.StatusInternalServerError, err.Error())
					return
				}
			}
			c.JSON(http.StatusOK, gin.H{"finished": finished, "new_nodes": nodes})
			return
		}

		if time.Now().After(deadline) {
			c.JSON(http.StatusOK, gin.H{"finished": false, "new_nodes": []*crawler.PageNode{}})
			return
		}
		time.Sleep(pollInterval)
	}
}

func (s *server) serveFavicon(c *gin.Context) {
	name := c.Param("filename")
	if !iconNameRegex.MatchString(name) {
		c.Status(http.StatusNotFound)
		return
	}
	data, err := s.blobs.ReadFile(name)
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	if data == nil {
		c.Status(http.StatusNotFound)
		return
	}
	c.Data(http.StatusOK, "image/x-icon", data)
}

// cleanup removes jobs older than maxJobAge along with their batches.
// Wired to a cron schedule in deployment.
func (s *server) cleanup(c *gin.Context) {
	jobs, err := s.store.Jobs()
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	cutoff := time.Now().Add(-s.maxJobAge)
	deleted := 0
	for _, job := range jobs {
		if job.StartTime.Before(cutoff) {
			if err := s.store.DeleteJob(job.ID); err != nil {
				c.String(http.StatusInternalServerError, err.Error())
				return
			}
			deleted++
		}
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

// resumeUnfinished reschedules crawls that were interrupted by a
// restart. A job with stored batches resumes from them; one that never
// flushed starts over from its seed. Jobs whose sentinel is already
// stored are left for their next poll to collect.
func (s *server) resumeUnfinished() {
	jobs, err := s.store.Jobs()
	if err != nil {
		log.Printf("Could not scan for unfinished jobs: %v", err)
		return
	}
	for _, job := range jobs {
		f := s.newFactory(job.EndPhrase)
		cr := &crawler.Crawler{
			JobID:    job.ID,
			Factory:  f,
			Strategy: newStrategy(f, job.Type, job.Depth),
			Out:      crawler.StoreOutput(s.store),
			Results:  s.store,
		}

		has, err := s.store.HasResults(job.ID)
		if err != nil {
			continue
		}
		if has {
			go cr.Run(nil)
			continue
		}
		go func(rootURL string) {
			root, err := f.Root(rootURL)
			if err != nil {
				// unreachable now; close the job out so pollers finish
				cr.Run(nil)
				return
			}
			cr.Run(root)
		}(job.Root)
	}
}
