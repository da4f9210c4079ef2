package remote

import "github.com/pelagiclabs/tidemark/internal/journal"

// StreamRowFromModel maps a local stream row onto the wire shape.
func StreamRowFromModel(row journal.Stream) StreamRow {
	return StreamRow{
		ID:               row.ID,
		UserID:           row.UserID,
		Name:             row.Name,
		Description:      row.Description,
		Color:            row.Color,
		Position:         row.Position,
		CreatedAtSeconds: row.CreatedAtSeconds,
		UpdatedAtSeconds: row.UpdatedAtSeconds,
	}
}

// Model converts the wire stream into a clean local row.
func (r StreamRow) Model() journal.Stream {
	return journal.Stream{
		ID:               r.ID,
		UserID:           r.UserID,
		Name:             r.Name,
		Description:      r.Description,
		Color:            r.Color,
		Position:         r.Position,
		CreatedAtSeconds: r.CreatedAtSeconds,
		UpdatedAtSeconds: r.UpdatedAtSeconds,
		SyncMeta:         journal.SyncMeta{Synced: true, Action: journal.SyncActionNone},
	}
}

// LocationRowFromModel maps a local location row onto the wire shape.
func LocationRowFromModel(row journal.Location) LocationRow {
	return LocationRow{
		ID:               row.ID,
		UserID:           row.UserID,
		Name:             row.Name,
		Latitude:         row.Latitude,
		Longitude:        row.Longitude,
		Address:          row.Address,
		CreatedAtSeconds: row.CreatedAtSeconds,
		UpdatedAtSeconds: row.UpdatedAtSeconds,
		DeletedAtSeconds: row.DeletedAtSeconds,
	}
}

// Model converts the wire location into a clean local row.
func (r LocationRow) Model() journal.Location {
	return journal.Location{
		ID:               r.ID,
		UserID:           r.UserID,
		Name:             r.Name,
		Latitude:         r.Latitude,
		Longitude:        r.Longitude,
		Address:          r.Address,
		CreatedAtSeconds: r.CreatedAtSeconds,
		UpdatedAtSeconds: r.UpdatedAtSeconds,
		DeletedAtSeconds: r.DeletedAtSeconds,
		SyncMeta:         journal.SyncMeta{Synced: true, Action: journal.SyncActionNone},
	}
}

// Deleted reports whether the row carries a tombstone marker.
func (r LocationRow) Deleted() bool {
	return r.DeletedAtSeconds != nil
}

// EntryRowFromModel maps a local entry row onto the wire shape. The stored
// tags text is decoded into the wire array.
func EntryRowFromModel(row journal.Entry) (EntryRow, error) {
	tags, err := journal.DecodeTags(row.TagsJSON)
	if err != nil {
		return EntryRow{}, err
	}
	return EntryRow{
		ID:               row.ID,
		UserID:           row.UserID,
		StreamID:         row.StreamID,
		LocationID:       row.LocationID,
		Title:            row.Title,
		Body:             row.Body,
		Tags:             tags,
		EntryDateSeconds: row.EntryDateSeconds,
		Version:          row.Version,
		CreatedAtSeconds: row.CreatedAtSeconds,
		UpdatedAtSeconds: row.UpdatedAtSeconds,
		DeletedAtSeconds: row.DeletedAtSeconds,
	}, nil
}

// Model converts the wire entry into a clean local row with both version
// counters set to the server version.
func (r EntryRow) Model() (journal.Entry, error) {
	tagsJSON, err := journal.EncodeTags(r.Tags)
	if err != nil {
		return journal.Entry{}, err
	}
	return journal.Entry{
		ID:               r.ID,
		UserID:           r.UserID,
		StreamID:         r.StreamID,
		LocationID:       r.LocationID,
		Title:            r.Title,
		Body:             r.Body,
		TagsJSON:         tagsJSON,
		EntryDateSeconds: r.EntryDateSeconds,
		Version:          r.Version,
		BaseVersion:      r.Version,
		CreatedAtSeconds: r.CreatedAtSeconds,
		UpdatedAtSeconds: r.UpdatedAtSeconds,
		DeletedAtSeconds: r.DeletedAtSeconds,
		SyncMeta:         journal.SyncMeta{Synced: true, Action: journal.SyncActionNone},
	}, nil
}

// Deleted reports whether the row carries a tombstone marker.
func (r EntryRow) Deleted() bool {
	return r.DeletedAtSeconds != nil
}

// AttachmentRowFromModel maps a local attachment row onto the wire shape.
// The local path never leaves the device.
func AttachmentRowFromModel(row journal.Attachment) AttachmentRow {
	return AttachmentRow{
		ID:               row.ID,
		UserID:           row.UserID,
		EntryID:          row.EntryID,
		RemoteRef:        row.RemoteRef,
		MimeType:         row.MimeType,
		SizeBytes:        row.SizeBytes,
		CreatedAtSeconds: row.CreatedAtSeconds,
		UpdatedAtSeconds: row.UpdatedAtSeconds,
	}
}

// Model converts the wire attachment into a clean local row. A pulled
// attachment is uploaded by definition: the bytes already live remotely.
func (r AttachmentRow) Model() journal.Attachment {
	return journal.Attachment{
		ID:               r.ID,
		UserID:           r.UserID,
		EntryID:          r.EntryID,
		RemoteRef:        r.RemoteRef,
		MimeType:         r.MimeType,
		SizeBytes:        r.SizeBytes,
		Uploaded:         true,
		CreatedAtSeconds: r.CreatedAtSeconds,
		UpdatedAtSeconds: r.UpdatedAtSeconds,
		SyncMeta:         journal.SyncMeta{Synced: true, Action: journal.SyncActionNone},
	}
}
