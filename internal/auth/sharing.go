package auth

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrSharingGrantNotFound indicates that no grant exists for a token.
	ErrSharingGrantNotFound = errors.New("auth: sharing grant not found")
	// ErrInvalidSharingToken indicates an empty or malformed sharing token.
	ErrInvalidSharingToken = errors.New("auth: invalid sharing token")
	errMissingGrantDB      = errors.New("auth: database handle is required")
)

// ItemIDList persists the set of item ids a grant makes visible.
type ItemIDList []string

// Value serializes the list for storage.
func (l ItemIDList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	encoded, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

// Scan decodes the stored text column into the list.
func (l *ItemIDList) Scan(value any) error {
	var raw []byte
	switch typed := value.(type) {
	case nil:
		*l = ItemIDList{}
		return nil
	case []byte:
		raw = typed
	case string:
		raw = []byte(typed)
	default:
		return fmt.Errorf("auth: unsupported item id list column type %T", value)
	}
	if len(raw) == 0 {
		*l = ItemIDList{}
		return nil
	}
	decoded := ItemIDList{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	*l = decoded
	return nil
}

// SharingGrant is a token-based external access credential. The HTTP layer
// that hands the token to a browser enforces any password protection; the
// realtime server only checks token existence and item visibility.
type SharingGrant struct {
	Token            string     `gorm:"column:token;primaryKey;size:190;not null"`
	Email            string     `gorm:"column:email;size:320;not null"`
	DeskID           string     `gorm:"column:desk_id;size:190;not null;index"`
	VisibleItemIDs   ItemIDList `gorm:"column:visible_item_ids;type:text;not null"`
	AllWithinDesk    bool       `gorm:"column:all_within_desk;not null;default:false"`
	CreatedAtSeconds int64      `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SharingGrant) TableName() string {
	return "sharing_grants"
}

// CanSeeItem reports whether the grant makes the item visible. Desk-wide
// grants are scoped by desk id at registration time, which the caller
// resolves from the item.
func (g *SharingGrant) CanSeeItem(itemID string) bool {
	if g.AllWithinDesk {
		return true
	}
	for _, visible := range g.VisibleItemIDs {
		if visible == itemID {
			return true
		}
	}
	return false
}

// SharingServiceConfig describes the sharing lookup dependencies.
type SharingServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// SharingService resolves sharing tokens to grants.
type SharingService struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewSharingService constructs the sharing grant service.
func NewSharingService(cfg SharingServiceConfig) (*SharingService, error) {
	if cfg.Database == nil {
		return nil, errMissingGrantDB
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SharingService{db: cfg.Database, clock: clock}, nil
}

// ResolveSharing looks up the grant issued under the opaque token.
func (s *SharingService) ResolveSharing(ctx context.Context, token string) (*SharingGrant, error) {
	if token == "" {
		return nil, ErrInvalidSharingToken
	}
	var grant SharingGrant
	err := s.db.WithContext(ctx).
		Where("token = ?", token).
		Take(&grant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSharingGrantNotFound
	}
	if err != nil {
		return nil, err
	}
	return &grant, nil
}

// CreateGrant persists a new sharing grant. Used by the surrounding
// sharing workflow and by tests.
func (s *SharingService) CreateGrant(ctx context.Context, grant *SharingGrant) error {
	if grant.Token == "" {
		return ErrInvalidSharingToken
	}
	if grant.CreatedAtSeconds == 0 {
		grant.CreatedAtSeconds = s.clock().UTC().Unix()
	}
	return s.db.WithContext(ctx).Create(grant).Error
}
