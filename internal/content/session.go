package content

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// updateSession folds the item's current state into the edit session that
// is "current" for the given timestamp, creating a fresh session when the
// gap since the last edit exceeds the break threshold. Runs inside the
// caller's locked transaction.
func (u *Updater) updateSession(tx *gorm.DB, item *Item, editorID EditorID, at time.Time) error {
	session, err := u.currentSession(tx, item, at)
	if err != nil {
		return err
	}

	session.Content = item.Content.Clone()
	session.Annotations = item.Annotations.Clone()
	session.EndSeconds = at.Unix()
	if !session.Editors.Contains(editorID.String()) {
		session.Editors = append(session.Editors, editorID.String())
	}
	return tx.Save(session).Error
}

// currentSession resolves which session the edit at the given timestamp
// belongs to. The first real edit after item creation always opens a
// session of its own, so the bootstrap snapshot stays untouched.
func (u *Updater) currentSession(tx *gorm.DB, item *Item, at time.Time) (*EditSession, error) {
	var total int64
	if err := tx.Model(&EditSession{}).
		Where("item_id = ?", item.ItemID).
		Count(&total).Error; err != nil {
		return nil, err
	}

	var latest EditSession
	err := tx.Where("item_id = ?", item.ItemID).
		Order("end_s DESC, start_s DESC").
		Take(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return u.newSession(item, nil, at)
	}
	if err != nil {
		return nil, err
	}

	if total == 1 {
		return u.newSession(item, &latest, at)
	}

	gap := at.Sub(time.Unix(latest.EndSeconds, 0))
	if gap > u.sessionBreak {
		return u.newSession(item, &latest, at)
	}
	return &latest, nil
}

func (u *Updater) newSession(item *Item, latest *EditSession, at time.Time) (*EditSession, error) {
	sessionID, err := u.idProvider.NewID()
	if err != nil {
		return nil, err
	}

	session := &EditSession{
		SessionID:    sessionID,
		ItemID:       item.ItemID,
		StartSeconds: at.Unix(),
		EndSeconds:   at.Unix(),
		Editors:      EditorList{},
		MajorVersion: 1,
		MinorVersion: 0,
	}
	if latest != nil {
		session.MajorVersion = latest.MajorVersion
		session.MinorVersion = latest.MinorVersion + 1
	}

	u.logger.Info("edit session created",
		zap.String(fieldItemID, item.ItemID),
		zap.String(fieldSessionID, session.SessionID),
		zap.String(fieldSessionVersion, session.VersionLabel()))
	return session, nil
}
