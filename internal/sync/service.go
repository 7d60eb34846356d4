package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cybertec-postgresql/kvsync/internal/deadletter"
)

// ErrUnknownConnector is returned for operations on a connector that was never declared
var ErrUnknownConnector = errors.New("unknown connector")

// Service runs every connector of the process. A halted connector never stops the others.
type Service struct {
	connectors []*Connector
	byName     map[string]*Connector
}

// NewService creates a service for connectors, names must be unique
func NewService(connectors ...*Connector) (*Service, error) {
	s := &Service{byName: make(map[string]*Connector, len(connectors))}
	for _, c := range connectors {
		if _, ok := s.byName[c.Name()]; ok {
			return nil, fmt.Errorf("connector %q is declared twice", c.Name())
		}
		s.byName[c.Name()] = c
		s.connectors = append(s.connectors, c)
	}
	return s, nil
}

// Run starts every connector and blocks until ctx is cancelled and all of them stopped
func (s *Service) Run(ctx context.Context) error {
	logrus.WithField("connectors", len(s.connectors)).Info("Starting kvsync synchronization")
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range s.connectors {
		g.Go(func() error {
			return c.Run(gctx)
		})
	}
	err := g.Wait()
	logrus.Info("Synchronization stopped")
	return err
}

// Connector returns the connector called name
func (s *Service) Connector(name string) (*Connector, error) {
	c, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownConnector, name)
	}
	return c, nil
}

// Status returns the status of every connector in declaration order
func (s *Service) Status() []Status {
	out := make([]Status, len(s.connectors))
	for i, c := range s.connectors {
		out[i] = c.Status()
	}
	return out
}

// Reset resumes the halted connector called name
func (s *Service) Reset(name string) error {
	c, err := s.Connector(name)
	if err != nil {
		return err
	}
	return c.Reset()
}

// DeadLetters lists the dead letters of the connector called name
func (s *Service) DeadLetters(ctx context.Context, name string, limit int, includeReplayed bool) ([]deadletter.Record, error) {
	c, err := s.Connector(name)
	if err != nil {
		return nil, err
	}
	return c.DeadLetters(ctx, limit, includeReplayed)
}

// Replay replays the dead letters of the connector called name
func (s *Service) Replay(ctx context.Context, name string, limit int) (ReplayResult, error) {
	c, err := s.Connector(name)
	if err != nil {
		return ReplayResult{}, err
	}
	return c.Replay(ctx, limit)
}

// Close closes the change sources of all connectors
func (s *Service) Close() error {
	var errs []error
	for _, c := range s.connectors {
		if err := c.src.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close source of %q: %w", c.Name(), err))
		}
	}
	return errors.Join(errs...)
}
