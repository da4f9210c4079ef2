// Package hub is the reference remote backend: a gin REST surface over
// sqlite implementing the row store, the conditional entry update, the
// tombstone deletes, the asset store, and the SSE change feed the sync
// engine consumes. It exists so the engine can be exercised end to end
// without a hosted backend.
package hub

// StreamRecord is the hub-side stream row.
type StreamRecord struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;size:190;not null;index:idx_hub_streams_user,priority:1"`
	Name             string `gorm:"column:name;size:190;not null"`
	Description      string `gorm:"column:description;type:text;not null;default:''"`
	Color            string `gorm:"column:color;size:32;not null;default:''"`
	Position         int64  `gorm:"column:position;not null;default:0"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_hub_streams_user,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (StreamRecord) TableName() string {
	return "hub_streams"
}

// LocationRecord is the hub-side location row. Deletes set the tombstone.
type LocationRecord struct {
	ID               string  `gorm:"column:id;primaryKey;size:190;not null"`
	UserID           string  `gorm:"column:user_id;size:190;not null;index:idx_hub_locations_user,priority:1"`
	Name             string  `gorm:"column:name;size:190;not null"`
	Latitude         float64 `gorm:"column:latitude;not null"`
	Longitude        float64 `gorm:"column:longitude;not null"`
	Address          string  `gorm:"column:address;type:text;not null;default:''"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null;index:idx_hub_locations_user,priority:2"`
	DeletedAtSeconds *int64  `gorm:"column:deleted_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (LocationRecord) TableName() string {
	return "hub_locations"
}

// EntryRecord is the hub-side entry row carrying the authoritative version
// counter. Deletes set the tombstone.
type EntryRecord struct {
	ID               string  `gorm:"column:id;primaryKey;size:190;not null"`
	UserID           string  `gorm:"column:user_id;size:190;not null;index:idx_hub_entries_user,priority:1"`
	StreamID         string  `gorm:"column:stream_id;size:190;not null;index"`
	LocationID       *string `gorm:"column:location_id;size:190"`
	Title            string  `gorm:"column:title;size:500;not null;default:''"`
	Body             string  `gorm:"column:body;type:text;not null;default:''"`
	TagsJSON         string  `gorm:"column:tags_json;type:text;not null;default:'[]'"`
	EntryDateSeconds int64   `gorm:"column:entry_date_s;not null;default:0"`
	Version          int64   `gorm:"column:version;not null;default:1"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null;index:idx_hub_entries_user,priority:2"`
	DeletedAtSeconds *int64  `gorm:"column:deleted_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (EntryRecord) TableName() string {
	return "hub_entries"
}

// AttachmentRecord is the hub-side attachment metadata row.
type AttachmentRecord struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;size:190;not null;index:idx_hub_attachments_user,priority:1"`
	EntryID          string `gorm:"column:entry_id;size:190;not null;index"`
	RemoteRef        string `gorm:"column:remote_ref;type:text;not null;default:''"`
	MimeType         string `gorm:"column:mime_type;size:190;not null;default:''"`
	SizeBytes        int64  `gorm:"column:size_bytes;not null;default:0"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_hub_attachments_user,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (AttachmentRecord) TableName() string {
	return "hub_attachments"
}
