package models

import "time"

// EvidenceFile is one stored debit-authorization proof for a payer (signed
// agreement scan, certified e-signature, voice consent recording). The bytes
// live in object storage; this row only carries the reference.
type EvidenceFile struct {
	ID           int       `gorm:"primary_key" json:"id"`
	PayerId      int       `gorm:"index;not null" json:"payer_id" binding:"required"`
	EvidenceType string    `gorm:"size:20;not null" json:"evidence_type" binding:"required"`
	FileName     string    `gorm:"size:200;not null" json:"file_name" binding:"required"`
	ObjectName   string    `gorm:"size:255;not null;unique" json:"object_name"`
	ContentType  string    `gorm:"size:100" json:"content_type"`
	UploadedBy   int       `gorm:"index" json:"uploaded_by"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}
