package site

import (
	"bytes"
	"errors"
	"io"

	yaml "gopkg.in/yaml.v3"
)

// Config is the service configuration.
type Config struct {
	// Listen is the address the HTTP server binds, e.g. ":8080".
	Listen string
	// Store is the job/result store target, e.g. "bbolt:gossamer.db".
	Store string
	// Blobs is the favicon blob store target. Must not share a bbolt
	// file with Store. E.g. "bbolt:favicons.db" or "s3:us-west-2:icons".
	Blobs string
	// FaviconBase is the URL prefix favicon links are served under.
	FaviconBase string `yaml:"favicon_base"`
	// MaxJobAgeHours is how old a job may get before the cleanup route
	// removes it.
	MaxJobAgeHours int `yaml:"max_job_age_hours"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen:         ":8080",
		Store:          "bbolt:gossamer.db",
		Blobs:          "bbolt:favicons.db",
		FaviconBase:    "/favicons/",
		MaxJobAgeHours: 4,
	}
}

// Load parses a YAML config. Unknown fields are an error; fields left
// out keep their defaults.
func Load(in []byte) (*Config, error) {
	out := Default()
	d := yaml.NewDecoder(bytes.NewReader(in))
	d.KnownFields(true)
	if err := d.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return out, nil
}
