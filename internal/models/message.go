package models

import "time"

// BotUserID is the sentinel author recorded for messages the bot wrote itself.
const BotUserID = "BOT"

// Message is one turn in a thread conversation. Rows are append-only: the
// gateway never updates or deletes them. A thread is identified by
// (Channel, ThreadTS); ordering within a thread is by Timestamp ascending.
type Message struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Channel   string    `gorm:"size:32;not null;index:idx_thread"`
	ThreadTS  string    `gorm:"size:32;not null;index:idx_thread"`
	UserID    string    `gorm:"size:32"`
	Body      string    `gorm:"column:message;type:text"`
	IsBot     bool      `gorm:"not null"`
	Timestamp time.Time `gorm:"not null;index"`
}
