package types

import "time"

type DocPageInfo struct {
	ID          uint      `gorm:"primaryKey;autoIncrement;column:id" json:"id"`
	DocID       string    `gorm:"type:varchar(64);not null;uniqueIndex:uniq_doc_page;column:doc_id" json:"doc_id"`
	PageIdx     int       `gorm:"not null;uniqueIndex:uniq_doc_page;column:page_idx" json:"page_idx"`
	PagePNGPath string    `gorm:"type:varchar(1024);column:page_png_path" json:"page_png_path"`
	PagePDFPath string    `gorm:"type:varchar(1024);column:page_pdf_path" json:"page_pdf_path"`
	CreatedAt   time.Time `gorm:"not null;autoCreateTime;column:created_at" json:"created_at"`
}

func (DocPageInfo) TableName() string {
	return "doc_page_info"
}
