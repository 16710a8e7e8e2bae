package cache

import "time"

// FileNode mirrors one entry of the cloud provider's directory tree: either
// a directory or a leaf object, keyed by the provider's own file ID. The
// (parent_id, name) pair is unique, matching the provider's own constraint
// that two siblings cannot share a name.
type FileNode struct {
	FileID    int64  `gorm:"column:file_id;primaryKey"`
	ParentID  int64  `gorm:"column:parent_id;index"`
	Name      string `gorm:"column:name"`
	IsDir     bool   `gorm:"column:is_dir"`
	Size      int64  `gorm:"column:size"`
	Etag      string `gorm:"column:etag"`
	UpdatedAt time.Time
}

func (FileNode) TableName() string { return "file_nodes" }

// WarmupState is a single-row table recording whether the startup walk has
// ever completed. warmup.Run writes it on success but does not read it: a
// restart decides per directory, from cached children, what to re-list.
type WarmupState struct {
	ID          int       `gorm:"column:id;primaryKey"`
	CompletedAt time.Time `gorm:"column:completed_at"`
}

func (WarmupState) TableName() string { return "warmup_state" }
