package models

import "time"

// LegacyCredential holds connection settings for a legacy database. The
// password column stores "ivhex:cipherhex" AES-256-CBC output; values that
// fail to decrypt are treated as plaintext for compatibility with rows
// created before encryption was introduced.
type LegacyCredential struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Name      string `gorm:"size:100"`
	Subtype   string `gorm:"size:64;index"`
	Host      string `gorm:"size:255;not null"`
	Port      int    `gorm:"default:3306"`
	Username  string `gorm:"size:100;not null"`
	Password  string `gorm:"size:512;not null"`
	Database  string `gorm:"size:100;not null"`
	Active    bool   `gorm:"default:true;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (LegacyCredential) TableName() string { return "legacy_databases" }
