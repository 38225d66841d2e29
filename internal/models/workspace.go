package models

import "time"

// Workspace holds the credentials for one installed workspace. TeamID is the
// stable external identifier; a re-installation replaces the credentials in
// place rather than creating a second row. InstalledAt is set on the first
// install and never updated.
type Workspace struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	TeamID      string    `gorm:"size:32;uniqueIndex;not null"`
	TeamName    string    `gorm:"size:128"`
	BotToken    string    `gorm:"size:256;not null"`
	BotID       string    `gorm:"size:32"` // the bot's own user identity in this workspace
	InstalledAt time.Time `gorm:"autoCreateTime"`
}
