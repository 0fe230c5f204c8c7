package realtime

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// BroadcastPresence publishes the item's current presence set to every
// observer. Presence broadcasts are never sender-excluded.
func BroadcastPresence(hub *Hub, store *Store, logger *zap.Logger, itemID string) {
	data, err := presenceMessage(itemID, store.UsersOnItem(itemID))
	if err != nil {
		if logger != nil {
			logger.Error("presence broadcast failed",
				zap.String("item_id", itemID),
				zap.Error(err))
		}
		return
	}
	hub.Publish(ItemGroup(itemID), Envelope{
		Type:   MessageUsersOnItem,
		ItemID: itemID,
		Data:   data,
	})
}

// SweeperConfig describes the liveness sweeper dependencies.
type SweeperConfig struct {
	Store    *Store
	Hub      *Hub
	Logger   *zap.Logger
	Interval time.Duration
}

const defaultSweepInterval = time.Minute

// Sweeper periodically evicts connections whose heartbeats have gone
// stale and broadcasts the resulting presence changes. Liveness is
// handled out-of-band like this rather than by canceling in-flight
// operations.
type Sweeper struct {
	store    *Store
	hub      *Hub
	logger   *zap.Logger
	interval time.Duration
}

// NewSweeper constructs a liveness sweeper.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{
		store:    cfg.Store,
		hub:      cfg.Hub,
		logger:   logger,
		interval: interval,
	}
}

// Run sweeps until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce()
		}
	}
}

// SweepOnce evicts dead connections across every active item and
// broadcasts updated presence for the items that changed.
func (s *Sweeper) SweepOnce() {
	for _, itemID := range s.store.ActiveItemIDs() {
		evicted := s.store.EliminateDeadConnections(itemID)
		if len(evicted) == 0 {
			continue
		}
		for _, user := range evicted {
			s.logger.Info("stale realtime connection evicted",
				zap.String("item_id", itemID),
				zap.String("conn_id", user.ConnID),
				zap.String("editor", user.Key))
		}
		BroadcastPresence(s.hub, s.store, s.logger, itemID)
	}
}
