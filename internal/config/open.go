package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/unitofwork/internal/commit"
	"github.com/roach88/unitofwork/internal/memstore"
	"github.com/roach88/unitofwork/internal/model"
	"github.com/roach88/unitofwork/internal/store"
	"github.com/roach88/unitofwork/internal/txn"
)

// Backends holds the stores opened for one model.
type Backends struct {
	list   []commit.Backend
	memory map[string]*memstore.Store
	sqlite []*store.Store
}

// Open opens a backend for every store m uses. SQLite stores get their
// tables created. Stores configured but unused by m are skipped.
func (c *Config) Open(ctx context.Context, m *model.Model) (*Backends, error) {
	b := &Backends{memory: make(map[string]*memstore.Store)}
	for _, name := range m.Stores() {
		s, ok := c.Stores[name]
		if !ok {
			b.Close()
			return nil, fmt.Errorf("model %s uses store %q which is not configured", m.Name(), name)
		}
		switch s.Driver {
		case DriverSQLite:
			db, err := store.Open(s.Path, name, m, store.Options{DeferredConstraints: s.DeferredConstraints})
			if err != nil {
				b.Close()
				return nil, fmt.Errorf("store %s: %w", name, err)
			}
			b.sqlite = append(b.sqlite, db)
			if err := db.ApplySchema(ctx); err != nil {
				b.Close()
				return nil, fmt.Errorf("store %s: %w", name, err)
			}
			b.list = append(b.list, db)
		default:
			ms := memstore.New(name, m, memstore.Options{
				DeferredConstraints: s.DeferredConstraints,
				TwoPhase:            s.TwoPhase,
			})
			b.memory[name] = ms
			b.list = append(b.list, ms)
		}
	}
	return b, nil
}

// List returns the backends in the model's store order.
func (b *Backends) List() []commit.Backend { return b.list }

// Memory returns the memory store named name.
func (b *Backends) Memory(name string) (*memstore.Store, bool) {
	s, ok := b.memory[name]
	return s, ok
}

// Close closes every SQLite database, attempting all of them.
func (b *Backends) Close() error {
	var errs []error
	for _, s := range b.sqlite {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.sqlite = nil
	return errors.Join(errs...)
}

// ManagerOptions returns the manager options this configuration implies.
func (c *Config) ManagerOptions() []txn.Option {
	return []txn.Option{txn.WithMaxPasses(c.Commit.MaxPasses)}
}
