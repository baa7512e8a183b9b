// Package metadatastore implements the MetadataStore component: a
// persistent, queryable index of extracted files keyed by content hash
// and virtual path, plus a validator that reconciles the index against
// the content-addressable store.
package metadatastore

import (
	"time"

	"archivault/pkg/archiverr"

	"gorm.io/gorm"
)

// FileMetadata is the persisted record described in spec §3. VirtualPath
// is the logical, nesting-aware path a user sees (e.g.
// "outer.zip/inner.tar/file.log"); it is distinct from the filesystem
// path PathManager produces.
type FileMetadata struct {
	ID              uint   `gorm:"primaryKey"`
	WorkspaceID     string `gorm:"uniqueIndex:idx_ws_vpath;index"`
	SHA256Hash      string `gorm:"index"`
	VirtualPath     string `gorm:"uniqueIndex:idx_ws_vpath;index"`
	OriginalName    string
	Size            int64
	ModifiedTime    time.Time
	MimeType        string
	ParentArchiveID *uint `gorm:"index"`
	DepthLevel      int
}

func (FileMetadata) TableName() string { return "file_metadata" }

// Store is the gorm/sqlite-backed MetadataStore.
type Store struct {
	db *gorm.DB
}

// New opens the metadata index backed by db, running its migration.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&FileMetadata{}); err != nil {
		return nil, archiverr.IO("metadata.db", "migrate", err)
	}
	return &Store{db: db}, nil
}

// Insert adds a row and returns its assigned id. The schema enforces
// uniqueness on (workspace_id, virtual_path); a duplicate insert
// surfaces as an *archiverr.Error of KindIO wrapping the constraint
// violation.
func (s *Store) Insert(rec FileMetadata) (uint, error) {
	if rec.ParentArchiveID != nil {
		var parent FileMetadata
		if err := s.db.First(&parent, *rec.ParentArchiveID).Error; err != nil {
			return 0, archiverr.IO(rec.VirtualPath, "insert", err).
				WithContext("reason", "parent_archive_id does not reference an existing row")
		}
		if rec.DepthLevel != parent.DepthLevel+1 {
			return 0, archiverr.IO(rec.VirtualPath, "insert", nil).
				WithContext("reason", "depth_level must equal parent depth_level + 1")
		}
	} else if rec.DepthLevel != 0 {
		return 0, archiverr.IO(rec.VirtualPath, "insert", nil).
			WithContext("reason", "depth_level must be 0 when parent_archive_id is unset")
	}

	if err := s.db.Create(&rec).Error; err != nil {
		return 0, archiverr.IO(rec.VirtualPath, "insert", err)
	}
	return rec.ID, nil
}

// GetAll returns every row for a workspace.
func (s *Store) GetAll(workspaceID string) ([]FileMetadata, error) {
	var rows []FileMetadata
	if err := s.db.Where("workspace_id = ?", workspaceID).Find(&rows).Error; err != nil {
		return nil, archiverr.IO("", "get_all", err)
	}
	return rows, nil
}

// SearchByPathPrefix returns rows whose virtual path starts with prefix,
// relying on the (workspace_id, virtual_path) index for O(log n) lookup.
func (s *Store) SearchByPathPrefix(workspaceID, prefix string) ([]FileMetadata, error) {
	var rows []FileMetadata
	like := escapeLike(prefix) + "%"
	if err := s.db.Where("workspace_id = ? AND virtual_path LIKE ? ESCAPE '\\'", workspaceID, like).
		Find(&rows).Error; err != nil {
		return nil, archiverr.IO(prefix, "search_by_path_prefix", err)
	}
	return rows, nil
}

// GetChildren returns the rows whose parent_archive_id is parentID.
func (s *Store) GetChildren(parentID uint) ([]FileMetadata, error) {
	var rows []FileMetadata
	if err := s.db.Where("parent_archive_id = ?", parentID).Find(&rows).Error; err != nil {
		return nil, archiverr.IO("", "get_children", err)
	}
	return rows, nil
}

// GetByHash returns every row whose content hash equals hash (content
// may be referenced by more than one virtual path after dedup).
func (s *Store) GetByHash(hash string) ([]FileMetadata, error) {
	var rows []FileMetadata
	if err := s.db.Where("sha256_hash = ?", hash).Find(&rows).Error; err != nil {
		return nil, archiverr.IO(hash, "get_by_hash", err)
	}
	return rows, nil
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\', '%', '_':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
