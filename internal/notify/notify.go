// Package notify receives annotation change events from the content
// reconciler and hands newly added comment threads to downstream mention
// processing. Delivery is fire-and-forget: the reconciler never waits on
// or observes notification failures.
package notify

import (
	"bytes"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/pilot-collab/pilot/backend/internal/content"
)

// MentionSink consumes annotation entries that appeared in an accepted
// edit batch. Implementations resolve @-mentions and fan out emails or
// in-app notifications.
type MentionSink interface {
	AnnotationAdded(itemID, annotationKey string, payload any)
}

// Service diffs annotation snapshots and forwards additions to the sink.
type Service struct {
	sink   MentionSink
	logger *zap.Logger
}

// ServiceConfig describes the notification service dependencies.
type ServiceConfig struct {
	Sink   MentionSink
	Logger *zap.Logger
}

// NewService constructs the notification service. A nil sink downgrades
// the service to log-only behavior.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{sink: cfg.Sink, logger: logger}
}

// AnnotationsChanged compares the before/after annotation maps and emits
// one event per key whose payload is new or changed.
func (s *Service) AnnotationsChanged(itemID string, before, after content.JSONMap) {
	for key, payload := range after {
		if !annotationChanged(before, key, payload) {
			continue
		}
		s.logger.Info("annotations changed",
			zap.String("item_id", itemID),
			zap.String("annotation_key", key))
		if s.sink != nil {
			s.sink.AnnotationAdded(itemID, key, payload)
		}
	}
}

func annotationChanged(before content.JSONMap, key string, payload any) bool {
	previous, existed := before[key]
	if !existed {
		return true
	}
	previousEncoded, err := json.Marshal(previous)
	if err != nil {
		return true
	}
	currentEncoded, err := json.Marshal(payload)
	if err != nil {
		return true
	}
	return !bytes.Equal(previousEncoded, currentEncoded)
}
