package types

import "time"

// PermissionDocLink grants a subject (e.g. a department id) read access to a
// document. A row with an empty SubjectID marks the document unrestricted.
type PermissionDocLink struct {
	ID             uint      `gorm:"primaryKey;autoIncrement;column:id" json:"id"`
	PermissionType string    `gorm:"type:varchar(32);not null;uniqueIndex:uniq_perm_link;column:permission_type" json:"permission_type"`
	SubjectID      string    `gorm:"type:varchar(128);uniqueIndex:uniq_perm_link;column:subject_id" json:"subject_id"`
	DocID          string    `gorm:"type:varchar(64);not null;index;uniqueIndex:uniq_perm_link;column:doc_id" json:"doc_id"`
	CreatedAt      time.Time `gorm:"not null;autoCreateTime;column:created_at" json:"created_at"`
}

func (PermissionDocLink) TableName() string {
	return "permission_doc_link"
}
