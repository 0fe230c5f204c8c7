package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase       = errors.New("database handle is required")
	errMissingIDProvider     = errors.New("id provider is required")
	errMissingSchemaProvider = errors.New("schema provider is required")
	noOpLogger               = zap.NewNop()
)

// ErrItemNotFound indicates that the target content item does not exist.
var ErrItemNotFound = errors.New("content: item not found")

// ServiceError wraps reconciler failures with a stable operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opUpdaterNew           = "content.updater.new"
	opApplyChanges         = "content.apply_changes"
	opDeleteElasticElement = "content.delete_elastic_element"

	reasonMissingDatabase  = "missing_database"
	reasonItemSelectFailed = "item_select_failed"
	reasonItemNotFound     = "item_not_found"
	reasonSchemaLookup     = "schema_lookup_failed"
	reasonItemSaveFailed   = "item_save_failed"
	reasonSessionFailed    = "session_update_failed"
	reasonInvalidFieldName = "invalid_field_name"
	reasonInvalidIndex     = "invalid_index"
	fieldItemID            = "item_id"
	fieldFieldName         = "field_name"
	fieldSessionID         = "session_id"
	fieldSessionVersion    = "session_version"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for newly created edit sessions.
type IDProvider interface {
	NewID() (string, error)
}

// AnnotationNotifier receives the before/after annotation maps once an
// accepted batch has committed. Implementations must not block; failures
// stay inside the notifier.
type AnnotationNotifier interface {
	AnnotationsChanged(itemID string, before, after JSONMap)
}

// UpdaterConfig describes the dependencies of the content reconciler.
type UpdaterConfig struct {
	Database     *gorm.DB
	Clock        func() time.Time
	IDProvider   IDProvider
	Schemas      SchemaProvider
	Notifier     AnnotationNotifier
	Logger       *zap.Logger
	SessionBreak time.Duration
}

const defaultSessionBreak = 15 * time.Minute

// Updater applies batches of field-level changes to content items under a
// per-item row lock, enforcing optimistic version checks and maintaining
// the versioned edit-session lifecycle.
type Updater struct {
	db           *gorm.DB
	clock        func() time.Time
	idProvider   IDProvider
	schemas      SchemaProvider
	notifier     AnnotationNotifier
	logger       *zap.Logger
	sessionBreak time.Duration
}

// NewUpdater validates the configuration and constructs an Updater.
func NewUpdater(cfg UpdaterConfig) (*Updater, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opUpdaterNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opUpdaterNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Schemas == nil {
		return nil, newServiceError(opUpdaterNew, "missing_schema_provider", errMissingSchemaProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	sessionBreak := cfg.SessionBreak
	if sessionBreak <= 0 {
		sessionBreak = defaultSessionBreak
	}

	return &Updater{
		db:           cfg.Database,
		clock:        clock,
		idProvider:   cfg.IDProvider,
		schemas:      cfg.Schemas,
		notifier:     cfg.Notifier,
		logger:       logger,
		sessionBreak: sessionBreak,
	}, nil
}

// ApplyChanges processes one edit batch against a single item. The whole
// batch runs inside one transaction scoped by a pessimistic row lock on the
// item, which totally orders concurrent batches targeting the same item.
// Individual fields are still judged independently: stale versions land in
// Rejected, safety violations in Invalid, and the rest in Accepted.
func (u *Updater) ApplyChanges(ctx context.Context, itemID ItemID, editorID EditorID, changes map[string]Change) (ApplyResult, error) {
	result := ApplyResult{
		Accepted: map[string]Change{},
		Invalid:  map[string]string{},
		Rejected: map[string]Change{},
	}
	if len(changes) == 0 {
		return result, nil
	}

	var annotationsBefore JSONMap
	var annotationsAfter JSONMap
	annotationsTouched := false

	txErr := u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := u.lockItem(tx, opApplyChanges, itemID)
		if err != nil {
			return err
		}

		schema, err := u.schemas.SchemaForItem(item)
		if err != nil {
			u.logError(opApplyChanges, reasonSchemaLookup, err, zap.String(fieldItemID, itemID.String()))
			return newServiceError(opApplyChanges, reasonSchemaLookup, err)
		}

		annotationsBefore = item.Annotations.Clone()
		now := u.clock().UTC()
		contentChanged := false

		for fieldName, change := range changes {
			def, known := schema.Resolve(fieldName)
			if !known {
				// Fields the schema does not know are silently skipped:
				// neither accepted, rejected, nor invalid.
				continue
			}

			storedVersion := item.FieldVersion(fieldName)
			if change.Version != storedVersion {
				result.Rejected[fieldName] = change
				continue
			}

			if change.HasValue() && def.Kind == FieldKindRichText && containsEmbeddedImage(change.Value) {
				result.Invalid[fieldName] = InvalidReasonEmbeddedImage
				continue
			}

			change.EditedAtSeconds = now.Unix()
			if item.FieldVersions == nil {
				item.FieldVersions = VersionMap{}
			}
			item.FieldVersions[fieldName] = storedVersion + 1
			change.Version = storedVersion + 1

			if change.HasValue() {
				if item.Content == nil {
					item.Content = JSONMap{}
				}
				item.Content[fieldName] = decodeRaw(change.Value)
				contentChanged = true
			}
			if change.HasSteps() {
				// Steps are self-sufficient for replay; shipping the full
				// value alongside them is redundant on the wire.
				change.Value = nil
			}
			if len(change.Annotations) > 0 {
				mergeAnnotations(item, fieldName, change)
				annotationsTouched = true
			}

			result.Accepted[fieldName] = change
		}

		if !result.HasAccepted() {
			return nil
		}

		item.LastEditor = editorID.String()
		item.LastEditedAtSecs = now.Unix()
		if err := tx.Save(item).Error; err != nil {
			u.logError(opApplyChanges, reasonItemSaveFailed, err, zap.String(fieldItemID, itemID.String()))
			return newServiceError(opApplyChanges, reasonItemSaveFailed, err)
		}

		if contentChanged {
			if err := u.updateSession(tx, item, editorID, now); err != nil {
				u.logError(opApplyChanges, reasonSessionFailed, err, zap.String(fieldItemID, itemID.String()))
				return newServiceError(opApplyChanges, reasonSessionFailed, err)
			}
		}

		annotationsAfter = item.Annotations.Clone()
		return nil
	})

	if txErr != nil {
		return ApplyResult{}, txErr
	}

	if annotationsTouched && u.notifier != nil {
		u.notifier.AnnotationsChanged(itemID.String(), annotationsBefore, annotationsAfter)
	}

	return result, nil
}

// DeleteElasticElement removes one element of an elastic group, left-shifting
// every higher-indexed element by one position and bumping each shifted
// field's version. The session update is always forced because the reindex
// touches an unbounded set of field names atomically.
func (u *Updater) DeleteElasticElement(ctx context.Context, itemID ItemID, editorID EditorID, fieldName string, index int) error {
	if fieldName == "" {
		return newServiceError(opDeleteElasticElement, reasonInvalidFieldName, fmt.Errorf("empty field name"))
	}
	if index < 0 {
		return newServiceError(opDeleteElasticElement, reasonInvalidIndex, fmt.Errorf("negative index %d", index))
	}

	return u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := u.lockItem(tx, opDeleteElasticElement, itemID)
		if err != nil {
			return err
		}

		schema, err := u.schemas.SchemaForItem(item)
		if err != nil {
			u.logError(opDeleteElasticElement, reasonSchemaLookup, err, zap.String(fieldItemID, itemID.String()))
			return newServiceError(opDeleteElasticElement, reasonSchemaLookup, err)
		}
		base, ok := schema.ElasticBase(fieldName)
		if !ok {
			u.logger.Debug("elastic deletion for unknown field skipped",
				zap.String(fieldItemID, itemID.String()),
				zap.String(fieldFieldName, fieldName))
			return nil
		}

		if item.Content == nil {
			item.Content = JSONMap{}
		}
		if item.Annotations == nil {
			item.Annotations = JSONMap{}
		}
		if item.FieldVersions == nil {
			item.FieldVersions = VersionMap{}
		}

		// Shift higher-indexed elements down one slot until probing for the
		// next element finds nothing, then vacate the last slot.
		slot := index
		for {
			target := ElasticElementName(base.Name, slot)
			source := ElasticElementName(base.Name, slot+1)
			sourceValue, hasValue := item.Content[source]
			sourceAnnotations, hasAnnotations := item.Annotations[source]
			if !hasValue && !hasAnnotations {
				delete(item.Content, target)
				delete(item.Annotations, target)
				break
			}
			if hasValue {
				item.Content[target] = sourceValue
			} else {
				delete(item.Content, target)
			}
			if hasAnnotations {
				item.Annotations[target] = sourceAnnotations
			} else {
				delete(item.Annotations, target)
			}
			item.FieldVersions[target]++
			slot++
		}

		now := u.clock().UTC()
		item.LastEditor = editorID.String()
		item.LastEditedAtSecs = now.Unix()
		if err := tx.Save(item).Error; err != nil {
			u.logError(opDeleteElasticElement, reasonItemSaveFailed, err, zap.String(fieldItemID, itemID.String()))
			return newServiceError(opDeleteElasticElement, reasonItemSaveFailed, err)
		}

		if err := u.updateSession(tx, item, editorID, now); err != nil {
			u.logError(opDeleteElasticElement, reasonSessionFailed, err, zap.String(fieldItemID, itemID.String()))
			return newServiceError(opDeleteElasticElement, reasonSessionFailed, err)
		}
		return nil
	})
}

// ItemExists reports whether a content item row is present. The connection
// handler uses it as the existence leg of its access predicate.
func (u *Updater) ItemExists(ctx context.Context, itemID ItemID) (bool, error) {
	var count int64
	err := u.db.WithContext(ctx).Model(&Item{}).
		Where("item_id = ?", itemID.String()).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (u *Updater) lockItem(tx *gorm.DB, operation string, itemID ItemID) (*Item, error) {
	var item Item
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("item_id = ?", itemID.String()).
		Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newServiceError(operation, reasonItemNotFound, ErrItemNotFound)
	}
	if err != nil {
		u.logError(operation, reasonItemSelectFailed, err, zap.String(fieldItemID, itemID.String()))
		return nil, newServiceError(operation, reasonItemSelectFailed, err)
	}
	return &item, nil
}

func mergeAnnotations(item *Item, fieldName string, change Change) {
	key := change.AnnotationsKey
	if key == "" {
		key = fieldName
	}
	if item.Annotations == nil {
		item.Annotations = JSONMap{}
	}

	merged := map[string]any{}
	if existing, ok := item.Annotations[key].(map[string]any); ok {
		for existingKey, existingValue := range existing {
			merged[existingKey] = existingValue
		}
	}
	for incomingKey, incomingValue := range change.Annotations {
		merged[incomingKey] = incomingValue
	}
	item.Annotations[key] = merged
}

func decodeRaw(raw []byte) any {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		// Non-JSON payloads are stored verbatim as strings.
		return string(raw)
	}
	return decoded
}

func (u *Updater) loggerOrDefault() *zap.Logger {
	if u == nil || u.logger == nil {
		return noOpLogger
	}
	return u.logger
}

func (u *Updater) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	u.loggerOrDefault().Error("content updater error", attrs...)
}
