/*
 * Gossamer is a bounded-depth web crawler service. A POST starts a
 * background crawl from a seed URL, breadth- or depth-first; clients
 * poll the job id for page nodes until the stream reports finished.
 * Interrupted crawls are resumed from their stored partial results at
 * the next start.
 */

package main

import (
	"flag"
	"log"
	"os"
	"time"

	"github.com/TheSnook/gossamer/favicon"
	"github.com/TheSnook/gossamer/fetch"
	"github.com/TheSnook/gossamer/site"
	"github.com/TheSnook/gossamer/storage"
)

// Config flags
var configFile = flag.String("config", "", "YAML service configuration file.")
var listen = flag.String("listen", "", "Address to listen on. Overrides the config.")
var storeTarget = flag.String("store", "", "Job store target, e.g. bbolt:gossamer.db. Overrides the config.")
var blobTarget = flag.String("blobs", "", "Favicon blob store target, e.g. s3:us-west-2:icons. Overrides the config.")

func main() {
	log.SetOutput(os.Stderr)
	flag.Parse()

	cfg := site.Default()
	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			log.Fatalf("Could not open config file %q: %v", *configFile, err)
		}
		if cfg, err = site.Load(data); err != nil {
			log.Fatalf("Could not parse config file %q: %v", *configFile, err)
		}
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *storeTarget != "" {
		cfg.Store = *storeTarget
	}
	if *blobTarget != "" {
		cfg.Blobs = *blobTarget
	}

	store := storage.NewStore(cfg.Store)
	defer store.Close()
	blobs := storage.NewBlobStore(cfg.Blobs)
	defer blobs.Close()

	client := fetch.New(0)
	icons := favicon.New(client, blobs, cfg.FaviconBase)
	defer icons.Flush()

	s := &server{
		store:     store,
		blobs:     blobs,
		icons:     icons,
		fetcher:   client,
		maxJobAge: time.Duration(cfg.MaxJobAgeHours) * time.Hour,
	}
	s.resumeUnfinished()

	log.Println("Starting server on", cfg.Listen)
	log.Fatal(s.router().Run(cfg.Listen))
}
