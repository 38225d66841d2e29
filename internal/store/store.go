// Package store provides durable persistence for workspaces and thread
// messages on GORM, with SQLite as the default driver and MySQL as an option.
package store

import (
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/marchfield/switchboard/internal/models"
)

// DefaultHistoryWindow is the number of messages returned by ThreadHistory
// when the caller does not specify a limit.
const DefaultHistoryWindow = 5

// ErrUnavailable marks failures of the underlying storage medium: the
// database cannot be opened, or a write did not complete. Read paths never
// return it — they degrade to empty results instead.
var ErrUnavailable = errors.New("store: storage unavailable")

// Options selects and configures the database driver.
type Options struct {
	Driver   string // "sqlite" (default) or "mysql"
	Path     string // sqlite file path (":memory:" allowed)
	Host     string // mysql
	Port     int    // mysql
	Name     string // mysql database name
	User     string // mysql
	Password string // mysql
}

// Store is the conversation store. All methods are safe for concurrent use;
// GORM serializes access through its connection pool.
type Store struct {
	db *gorm.DB
}

// Open connects to the configured database. The schema is not touched;
// call Initialize before first use.
func Open(opts Options) (*Store, error) {
	dialector, err := dialectorFor(opts)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w: %v", opts.Driver, ErrUnavailable, err)
	}
	return &Store{db: db}, nil
}

// New wraps an existing GORM connection. Used by tests and by callers that
// manage the connection themselves.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	return &Store{db: db}, nil
}

func dialectorFor(opts Options) (gorm.Dialector, error) {
	switch opts.Driver {
	case "", "sqlite":
		path := opts.Path
		if path == "" {
			path = "switchboard.db"
		}
		return sqlite.Open(path), nil
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			opts.User, opts.Password, opts.Host, opts.Port, opts.Name)
		return mysql.Open(dsn), nil
	default:
		return nil, fmt.Errorf("store: unknown driver %q", opts.Driver)
	}
}

// Initialize creates or updates the workspaces and messages tables. Safe to
// call repeatedly; existing rows are untouched.
func (s *Store) Initialize() error {
	if err := s.db.AutoMigrate(&models.Workspace{}, &models.Message{}); err != nil {
		return fmt.Errorf("store: migrate: %w: %v", ErrUnavailable, err)
	}
	return nil
}

// Ping verifies the database is reachable. Used by the health endpoint.
func (s *Store) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("store: ping: %w: %v", ErrUnavailable, err)
	}
	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("store: ping: %w: %v", ErrUnavailable, err)
	}
	return nil
}

// UpsertWorkspace inserts a workspace or, when the team is already
// installed, replaces its credentials in place. InstalledAt is excluded
// from the update set so it keeps the original installation time.
func (s *Store) UpsertWorkspace(teamID, teamName, botToken, botID string) error {
	if teamID == "" {
		return fmt.Errorf("store: team ID is required")
	}
	ws := models.Workspace{
		TeamID:      teamID,
		TeamName:    teamName,
		BotToken:    botToken,
		BotID:       botID,
		InstalledAt: time.Now(),
	}
	result := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "team_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"team_name", "bot_token", "bot_id"}),
	}).Create(&ws)
	if result.Error != nil {
		return fmt.Errorf("store: upsert workspace %s: %w: %v", teamID, ErrUnavailable, result.Error)
	}
	return nil
}

// GetWorkspace returns the workspace for a team, or (nil, nil) when the
// team has never installed the bot.
func (s *Store) GetWorkspace(teamID string) (*models.Workspace, error) {
	var ws models.Workspace
	err := s.db.Where("team_id = ?", teamID).First(&ws).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get workspace %s: %w: %v", teamID, ErrUnavailable, err)
	}
	return &ws, nil
}

// ListWorkspaces returns every installed workspace, in no particular order.
func (s *Store) ListWorkspaces() ([]models.Workspace, error) {
	var all []models.Workspace
	if err := s.db.Find(&all).Error; err != nil {
		return nil, fmt.Errorf("store: list workspaces: %w: %v", ErrUnavailable, err)
	}
	return all, nil
}

// AppendMessage durably records one message turn. The timestamp is assigned
// here, at write time, so ordering within a thread follows append order.
func (s *Store) AppendMessage(channel, threadTS, userID, body string, isBot bool) error {
	msg := models.Message{
		Channel:   channel,
		ThreadTS:  threadTS,
		UserID:    userID,
		Body:      body,
		IsBot:     isBot,
		Timestamp: time.Now(),
	}
	if err := s.db.Create(&msg).Error; err != nil {
		return fmt.Errorf("store: append message [ch=%s thread=%s]: %w: %v",
			channel, threadTS, ErrUnavailable, err)
	}
	return nil
}

// ThreadHistory returns up to limit of the most recent messages in a thread,
// oldest first. An unknown thread or a read error yields an empty slice:
// callers treat empty as "no usable context", never as a hard failure.
func (s *Store) ThreadHistory(channel, threadTS string, limit int) []models.Message {
	if limit <= 0 {
		limit = DefaultHistoryWindow
	}
	var msgs []models.Message
	err := s.db.Where("channel = ? AND thread_ts = ?", channel, threadTS).
		Order("timestamp DESC, id DESC").Limit(limit).Find(&msgs).Error
	if err != nil {
		log.Printf("store: thread history [ch=%s thread=%s]: %v", channel, threadTS, err)
		return nil
	}
	// Newest-first from the query; reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs
}
