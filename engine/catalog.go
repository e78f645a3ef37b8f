package engine

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/teranos/scry/errors"
)

// CatalogEntry declares one exec-backed engine in a catalog file. The
// command is run with the query appended as its final argument and must
// print a JSON array of results on stdout.
type CatalogEntry struct {
	// Code is the unique engine identifier
	Code string `toml:"code"`

	// Name is the human-readable engine name
	Name string `toml:"name"`

	// Tier is the latency bucket ("lightning" through "very_slow")
	Tier string `toml:"tier"`

	// Tags describe capabilities
	Tags []string `toml:"tags"`

	// Reliability is the quality score in [0, 1]
	Reliability float64 `toml:"reliability"`

	// Disabled entries are registered but refuse dispatch
	Disabled bool `toml:"disabled"`

	// TimeoutSeconds overrides the tier timeout when positive
	TimeoutSeconds int `toml:"timeout_seconds"`

	// Reentrant declares the command safe to run concurrently. Catalog
	// engines default to serialized dispatch.
	Reentrant bool `toml:"reentrant"`

	// Requires is an optional semver constraint on the scry version
	Requires string `toml:"requires"`

	// Command is the shell-quoted command line to execute
	Command string `toml:"command"`
}

// Descriptor converts the entry to a registry descriptor.
func (e CatalogEntry) Descriptor() Descriptor {
	d := Descriptor{
		Code:        e.Code,
		Name:        e.Name,
		Tier:        Tier(e.Tier),
		Tags:        e.Tags,
		Reliability: e.Reliability,
		Disabled:    e.Disabled,
		Reentrant:   e.Reentrant,
		Requires:    e.Requires,
	}
	if e.TimeoutSeconds > 0 {
		d.Timeout = time.Duration(e.TimeoutSeconds) * time.Second
	}
	return d
}

// Catalog is the parsed form of an engines.toml file:
//
//	version = "1"
//
//	[[engine]]
//	code = "opencorp"
//	name = "OpenCorporates CLI"
//	tier = "standard"
//	tags = ["corporate"]
//	reliability = 0.8
//	command = "opencorp-search --format json"
type Catalog struct {
	Version string         `toml:"version"`
	Engines []CatalogEntry `toml:"engine"`
}

// DefaultCatalogPath returns ~/.scry/engines.toml.
func DefaultCatalogPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to get home directory")
	}
	return filepath.Join(home, ".scry", "engines.toml"), nil
}

// LoadCatalog reads and validates a catalog file. A missing file is not an
// error; it returns an empty catalog so startup works before any pull.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Catalog{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read engine catalog %s", path)
	}

	var catalog Catalog
	if err := toml.Unmarshal(data, &catalog); err != nil {
		return nil, errors.Wrapf(err, "failed to parse engine catalog %s", path)
	}

	if err := catalog.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid engine catalog %s", path)
	}

	return &catalog, nil
}

// Validate checks every entry. Exec engines need a complete descriptor;
// the registry re-validates on registration, but catching problems here
// attributes them to the file instead of to startup wiring.
func (c *Catalog) Validate() error {
	seen := make(map[string]bool, len(c.Engines))
	for i, e := range c.Engines {
		if e.Code == "" {
			return errors.Newf("engine entry %d: code is required", i)
		}
		if seen[e.Code] {
			return errors.Newf("duplicate engine code: %s", e.Code)
		}
		seen[e.Code] = true

		if e.Command == "" {
			return errors.Newf("engine %s: command is required", e.Code)
		}
		if !Tier(e.Tier).Valid() {
			return errors.Newf("engine %s: unknown tier %q", e.Code, e.Tier)
		}
		if e.Reliability < 0 || e.Reliability > 1 {
			return errors.Newf("engine %s: reliability %v outside [0, 1]", e.Code, e.Reliability)
		}
		if e.TimeoutSeconds < 0 {
			return errors.Newf("engine %s: timeout_seconds must not be negative", e.Code)
		}
	}
	return nil
}
