package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/3leaps/maplejuice/pkg/provider"
)

// StoreChecker reports whether the SDFS backing store answers a listing.
type StoreChecker struct {
	Store provider.Provider
}

func (c StoreChecker) CheckHealth(ctx context.Context) error {
	if c.Store == nil {
		return errors.New("store not initialized")
	}
	if _, err := c.Store.List(ctx, provider.ListOptions{MaxKeys: 1}); err != nil {
		return fmt.Errorf("store list: %w", err)
	}
	return nil
}

// LeaderChecker fails while the node knows of no leader.
type LeaderChecker struct {
	View LeaderView
}

func (c LeaderChecker) CheckHealth(context.Context) error {
	if c.View == nil || c.View.Leader() == "" {
		return errors.New("no leader elected")
	}
	return nil
}
