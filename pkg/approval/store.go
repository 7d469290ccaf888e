package approval

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mahnoorkhalid8/digitalfte/pkg/store"
)

// Store reads and writes approval documents in a document store.
type Store struct {
	docs    store.Store
	pending string
	done    string
	logger  zerolog.Logger
}

// NewStore returns a Store keeping open requests in the pending collection
// and archived ones in done.
func NewStore(docs store.Store, pending, done string, logger zerolog.Logger) *Store {
	return &Store{
		docs:    docs,
		pending: pending,
		done:    done,
		logger:  logger.With().Str("component", "approval_store").Logger(),
	}
}

// Create publishes a new request. It fails with store.ErrExists if the id is taken.
func (s *Store) Create(ctx context.Context, req *Request) error {
	data, err := encodeRequest(req)
	if err != nil {
		return err
	}
	return s.docs.Create(ctx, s.pending, req.ID, data)
}

// Get reads the current state of a request. Every call reads the document.
func (s *Store) Get(ctx context.Context, id string) (*Request, error) {
	data, err := s.docs.Get(ctx, s.pending, id)
	if err != nil {
		return nil, err
	}
	req, ok, err := decodeRequest(data)
	if err != nil {
		return nil, fmt.Errorf("approval %s: %w", id, err)
	}
	if !ok {
		s.logger.Warn().
			Str("approval_id", id).
			Msg("Unrecognized status in approval document, treating as PENDING")
	}
	return req, nil
}

// Replace atomically rewrites a request.
func (s *Store) Replace(ctx context.Context, req *Request) error {
	data, err := encodeRequest(req)
	if err != nil {
		return err
	}
	return s.docs.Replace(ctx, s.pending, req.ID, data)
}

// ListByStatus returns open documents whose status is status. Unreadable
// documents are logged and skipped.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]*Request, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Request
	for _, req := range all {
		if req.Status == status {
			out = append(out, req)
		}
	}
	return out, nil
}

// List returns every readable open document.
func (s *Store) List(ctx context.Context) ([]*Request, error) {
	ids, err := s.docs.List(ctx, s.pending)
	if err != nil {
		return nil, err
	}
	var out []*Request
	for _, id := range ids {
		req, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Error().Err(err).Str("approval_id", id).Msg("Skipping unreadable approval document")
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

// Archive moves a request to the done collection as <id>-<outcome>.
func (s *Store) Archive(ctx context.Context, id string, outcome Outcome) error {
	return s.docs.Move(ctx, s.pending, id, s.done, id+"-"+string(outcome))
}
