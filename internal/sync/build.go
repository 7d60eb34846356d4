package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cybertec-postgresql/kvsync/internal/config"
	"github.com/cybertec-postgresql/kvsync/internal/deadletter"
	"github.com/cybertec-postgresql/kvsync/internal/mapping"
	"github.com/cybertec-postgresql/kvsync/internal/metrics"
	"github.com/cybertec-postgresql/kvsync/internal/source"
	"github.com/cybertec-postgresql/kvsync/internal/writer"
)

// SourceFactory opens the change source of one connector
type SourceFactory func(ctx context.Context, name string, m *mapping.Mapping) (source.Source, error)

// Shared holds what every connector of one process shares
type Shared struct {
	Writer          writer.Writer
	DeadLetters     deadletter.Store
	Metrics         *metrics.Metrics
	OpenSource      SourceFactory
	ShutdownTimeout time.Duration
}

// Discard returns the hook that dead-letters undecodable entries of the change
// source of connector name
func (s Shared) Discard(name string) source.Discard {
	return func(ctx context.Context, ev source.Event, cause error) error {
		if s.DeadLetters == nil {
			return errors.New("no dead-letter store")
		}
		rec := deadletter.New(name, ev, deadletter.ReasonSource, cause)
		if err := s.DeadLetters.Put(ctx, []deadletter.Record{rec}); err != nil {
			return err
		}
		if s.Metrics != nil {
			s.Metrics.DeadLettered.WithLabelValues(name, string(deadletter.ReasonSource)).Inc()
		}
		return nil
	}
}

// Build turns one declaration into a connector. Every check that can fail
// happens here, before any connector runs.
func Build(ctx context.Context, decl config.Connector, shared Shared) (*Connector, error) {
	m, err := decl.Mapping()
	if err != nil {
		return nil, err
	}
	mode, err := ParseMode(decl.Mode)
	if err != nil {
		return nil, fmt.Errorf("connector %q: %w", decl.Name, err)
	}
	policy, err := NewPolicy(mode, decl.Batch.MaxRows, decl.Batch.MaxLatency, decl.PullTimeout)
	if err != nil {
		return nil, fmt.Errorf("connector %q: %w", decl.Name, err)
	}
	if shared.OpenSource == nil {
		return nil, errors.New("no change source factory")
	}
	src, err := shared.OpenSource(ctx, decl.Name, m)
	if err != nil {
		return nil, fmt.Errorf("failed to open source of connector %q: %w", decl.Name, err)
	}

	c, err := NewConnector(Config{
		Name:              decl.Name,
		Mapping:           m,
		Policy:            policy,
		Retry:             decl.Retry,
		TerminalThreshold: decl.TerminalThreshold,
		ShutdownTimeout:   shared.ShutdownTimeout,
	}, Deps{
		Source:      src,
		Writer:      shared.Writer,
		DeadLetters: shared.DeadLetters,
		Metrics:     shared.Metrics,
	})
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	return c, nil
}

// BuildService builds every connector of file. Sources opened before a failure are closed.
func BuildService(ctx context.Context, file *config.File, shared Shared) (*Service, error) {
	if shared.ShutdownTimeout == 0 {
		shared.ShutdownTimeout = file.ShutdownTimeout
	}
	connectors := make([]*Connector, 0, len(file.Connectors))
	cleanup := func() {
		for _, c := range connectors {
			_ = c.src.Close()
		}
	}
	for _, decl := range file.Connectors {
		c, err := Build(ctx, decl, shared)
		if err != nil {
			cleanup()
			return nil, err
		}
		connectors = append(connectors, c)
	}
	svc, err := NewService(connectors...)
	if err != nil {
		cleanup()
		return nil, err
	}
	return svc, nil
}
