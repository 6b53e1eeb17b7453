// Package firestore provides a Firestore implementation of the credpool
// ledger store. Counter documents are updated inside Firestore transactions
// so the limit check and the increment commit together.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nourish-ai/credpool/pkg/credpool"
)

// Store implements credpool.LedgerStore using Google Cloud Firestore.
type Store struct {
	client             *firestore.Client
	countersCollection string
}

// Config holds Firestore store configuration.
type Config struct {
	// CountersCollection is the Firestore collection for daily counters
	// Default: "credpool_counters"
	CountersCollection string
}

// New creates a new Firestore store.
func New(client *firestore.Client, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.CountersCollection == "" {
		config.CountersCollection = "credpool_counters"
	}

	return &Store{
		client:             client,
		countersCollection: config.CountersCollection,
	}, nil
}

// IncrementIfBelow implements credpool.LedgerStore.
func (s *Store) IncrementIfBelow(ctx context.Context, userID string, kind credpool.CounterKind, day time.Time, limit int) (bool, int, error) {
	doc := s.counterDoc(userID, kind, day)

	var allowed bool
	var current int

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("failed to get counter: %w", err)
		}

		count := 0
		if snap != nil && snap.Exists() {
			raw, err := snap.DataAt("count")
			if err != nil {
				return fmt.Errorf("failed to read counter field: %w", err)
			}
			if v, ok := raw.(int64); ok {
				count = int(v)
			}
		}

		if count+1 > limit {
			allowed = false
			current = count
			return nil
		}

		count++
		allowed = true
		current = count
		return tx.Set(doc, map[string]interface{}{
			"user_id":    userID,
			"kind":       string(kind),
			"day":        day.UTC().Format("2006-01-02"),
			"count":      count,
			"updated_at": time.Now().UTC(),
		})
	})
	if err != nil {
		return false, 0, fmt.Errorf("%w: %v", credpool.ErrStorageUnavailable, err)
	}
	return allowed, current, nil
}

// DecrementCounter implements credpool.LedgerStore.
func (s *Store) DecrementCounter(ctx context.Context, userID string, kind credpool.CounterKind, day time.Time) (int, error) {
	doc := s.counterDoc(userID, kind, day)

	var current int
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				current = 0
				return nil
			}
			return fmt.Errorf("failed to get counter: %w", err)
		}

		count := 0
		if raw, err := snap.DataAt("count"); err == nil {
			if v, ok := raw.(int64); ok {
				count = int(v)
			}
		}
		if count <= 0 {
			current = 0
			return nil
		}

		count--
		current = count
		return tx.Update(doc, []firestore.Update{
			{Path: "count", Value: count},
			{Path: "updated_at", Value: time.Now().UTC()},
		})
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", credpool.ErrStorageUnavailable, err)
	}
	return current, nil
}

// GetCounter implements credpool.LedgerStore.
func (s *Store) GetCounter(ctx context.Context, userID string, kind credpool.CounterKind, day time.Time) (int, error) {
	snap, err := s.counterDoc(userID, kind, day).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", credpool.ErrStorageUnavailable, err)
	}

	raw, err := snap.DataAt("count")
	if err != nil {
		return 0, fmt.Errorf("failed to read counter field: %w", err)
	}
	if v, ok := raw.(int64); ok {
		return int(v), nil
	}
	return 0, nil
}

func (s *Store) counterDoc(userID string, kind credpool.CounterKind, day time.Time) *firestore.DocumentRef {
	id := fmt.Sprintf("%s_%s_%s", userID, kind, day.UTC().Format("2006-01-02"))
	return s.client.Collection(s.countersCollection).Doc(id)
}
