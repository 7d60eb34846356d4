// Package config loads the declarative connector file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cybertec-postgresql/kvsync/internal/mapping"
	"github.com/cybertec-postgresql/kvsync/internal/retry"
)

// Backing store kinds
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Change source kinds
const (
	SourceRedis  = "redis"
	SourceEtcd   = "etcd"
	SourceMemory = "memory"
)

// Dead-letter store kinds
const (
	DeadLetterPostgres = "postgres"
	DeadLetterMemory   = "memory"
)

// File is the connector file
type File struct {
	Store           Store         `yaml:"store"`
	Source          Source        `yaml:"source"`
	DeadLetter      DeadLetter    `yaml:"dead_letter"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Connectors      []Connector   `yaml:"connectors"`
}

// Store selects the backing store. Connection details come from the command line.
type Store struct {
	Kind  string        `yaml:"kind"`
	Retry *retry.Config `yaml:"retry"` // in-writer retry of transient failures
}

// Source selects the change source shared by all connectors
type Source struct {
	Kind             string `yaml:"kind"`
	CheckpointPrefix string `yaml:"checkpoint_prefix"` // etcd only
	Group            string `yaml:"group"`             // redis consumer group
}

// DeadLetter selects where rejected events are kept
type DeadLetter struct {
	Kind string `yaml:"kind"`
}

// Batch bounds the write-behind window
type Batch struct {
	MaxRows    int           `yaml:"max_rows"`
	MaxLatency time.Duration `yaml:"max_latency"`
}

// Connector declares one entity: a keyspace prefix synchronized into one table
type Connector struct {
	Name              string            `yaml:"name"`
	KeysPrefix        string            `yaml:"keys_prefix"`
	Table             string            `yaml:"table"`
	PrimaryKey        string            `yaml:"primary_key"`
	PrimaryKeyColumn  string            `yaml:"primary_key_column"`
	Version           string            `yaml:"version"`
	Mode              string            `yaml:"mode"`
	Mappings          map[string]string `yaml:"mappings"`
	Required          []string          `yaml:"required"`
	Batch             Batch             `yaml:"batch"`
	PullTimeout       time.Duration     `yaml:"pull_timeout"`
	Retry             *retry.Config     `yaml:"retry"`
	TerminalThreshold int               `yaml:"terminal_threshold"`
}

// Mapping returns the validated field mapping of the connector
func (c Connector) Mapping() (*mapping.Mapping, error) {
	m := &mapping.Mapping{
		Name:             c.Name,
		KeysPrefix:       c.KeysPrefix,
		Table:            c.Table,
		PrimaryKeyField:  c.PrimaryKey,
		PrimaryKeyColumn: c.PrimaryKeyColumn,
		Columns:          c.Mappings,
		Required:         c.Required,
		Version:          c.Version,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Load reads and validates the connector file at path
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open connector file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes and validates a connector file. Unknown keys are rejected.
func Parse(r io.Reader) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read connector file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file File
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse connector file: %w", err)
	}
	file.applyDefaults()
	if err := file.Validate(); err != nil {
		return nil, err
	}
	return &file, nil
}

func (f *File) applyDefaults() {
	if f.Store.Kind == "" {
		f.Store.Kind = StorePostgres
	}
	if f.Source.Kind == "" {
		f.Source.Kind = SourceRedis
	}
	if f.DeadLetter.Kind == "" {
		f.DeadLetter.Kind = DeadLetterMemory
		if f.Store.Kind == StorePostgres {
			f.DeadLetter.Kind = DeadLetterPostgres
		}
	}
	if f.ShutdownTimeout == 0 {
		f.ShutdownTimeout = 30 * time.Second
	}
}

// Validate checks the file as a whole. Consistency modes and batch windows are
// checked when the connectors are built, which also happens before anything runs.
func (f *File) Validate() error {
	var errs []error
	switch f.Store.Kind {
	case StorePostgres, StoreSQLite:
	default:
		errs = append(errs, fmt.Errorf("unknown store kind %q", f.Store.Kind))
	}
	switch f.Source.Kind {
	case SourceRedis, SourceEtcd, SourceMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown source kind %q", f.Source.Kind))
	}
	switch f.DeadLetter.Kind {
	case DeadLetterMemory:
	case DeadLetterPostgres:
		if f.Store.Kind != StorePostgres {
			errs = append(errs, errors.New("a postgres dead-letter store requires a postgres backing store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown dead-letter kind %q", f.DeadLetter.Kind))
	}
	if f.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("shutdown_timeout must not be negative"))
	}

	if len(f.Connectors) == 0 {
		errs = append(errs, errors.New("at least one connector is required"))
	}
	names := make(map[string]bool, len(f.Connectors))
	for i, c := range f.Connectors {
		if names[c.Name] {
			errs = append(errs, fmt.Errorf("connector %q is declared twice", c.Name))
		}
		names[c.Name] = true
		if c.KeysPrefix == "" {
			errs = append(errs, fmt.Errorf("connector #%d (%q): keys_prefix is required", i+1, c.Name))
		}
		if _, err := c.Mapping(); err != nil {
			errs = append(errs, fmt.Errorf("connector #%d: %w", i+1, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid connector file: %w", err)
	}
	return nil
}
