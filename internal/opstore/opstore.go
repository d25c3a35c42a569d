// Package opstore implements the operational store: settings, daily
// statistics, saved folder nicknames, and speed-test history, backed by a
// pure-Go SQLite driver through gorm. This is deliberately separate from
// the Journal, which stays a flat JSON file per the durable-record design;
// nothing in this package ever holds a DownloadRecord.
package opstore

import (
	"strconv"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Setting is a single key/value application setting row.
type Setting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

// DailyStat tracks bytes and files completed per calendar day.
type DailyStat struct {
	Date  string `gorm:"primaryKey"` // "YYYY-MM-DD"
	Bytes int64  `gorm:"default:0"`
	Files int64  `gorm:"default:0"`
}

// FolderBookmark is a saved download-folder nickname.
type FolderBookmark struct {
	Path     string `gorm:"primaryKey"`
	Nickname string
}

// SpeedTestRecord is one recorded network diagnostic run.
type SpeedTestRecord struct {
	ID             uint `gorm:"primaryKey"`
	DownloadMbps   float64
	UploadMbps     float64
	PingMs         int64
	ISP            string
	ServerName     string
	ServerLocation string
	Timestamp      time.Time
}

// Store wraps the gorm DB handle.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if absent) the sqlite file at path and migrates the
// schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Setting{}, &DailyStat{}, &FolderBookmark{}, &SpeedTestRecord{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// GetString returns a setting's value, or def if unset.
func (s *Store) GetString(key, def string) string {
	var row Setting
	if err := s.db.First(&row, "key = ?", key).Error; err != nil {
		return def
	}
	return row.Value
}

// SetString upserts a setting.
func (s *Store) SetString(key, value string) error {
	return s.db.Save(&Setting{Key: key, Value: value}).Error
}

// GetInt returns a setting parsed as an integer, or def if unset/invalid.
func (s *Store) GetInt(key string, def int) int {
	v := s.GetString(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// SetInt stores an integer setting.
func (s *Store) SetInt(key string, value int) error {
	return s.SetString(key, strconv.Itoa(value))
}

// IncrementDailyStat adds bytes/files to the row for day ("YYYY-MM-DD"),
// creating it if absent.
func (s *Store) IncrementDailyStat(day string, bytes, files int64) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var row DailyStat
		err := tx.First(&row, "date = ?", day).Error
		if err != nil {
			row = DailyStat{Date: day}
		}
		row.Bytes += bytes
		row.Files += files
		return tx.Save(&row).Error
	})
}

// DailyHistory returns every recorded day's stats.
func (s *Store) DailyHistory() ([]DailyStat, error) {
	var rows []DailyStat
	err := s.db.Order("date asc").Find(&rows).Error
	return rows, err
}

// SaveFolderBookmark upserts a nickname for a folder path.
func (s *Store) SaveFolderBookmark(path, nickname string) error {
	return s.db.Save(&FolderBookmark{Path: path, Nickname: nickname}).Error
}

// FolderBookmarks returns every saved folder nickname.
func (s *Store) FolderBookmarks() ([]FolderBookmark, error) {
	var rows []FolderBookmark
	err := s.db.Find(&rows).Error
	return rows, err
}

// RecordSpeedTest persists one diagnostic run.
func (s *Store) RecordSpeedTest(rec SpeedTestRecord) error {
	rec.Timestamp = rec.Timestamp.UTC()
	return s.db.Create(&rec).Error
}

// SpeedTestHistory returns the most recent speed test runs, newest first.
func (s *Store) SpeedTestHistory(limit int) ([]SpeedTestRecord, error) {
	var rows []SpeedTestRecord
	err := s.db.Order("id desc").Limit(limit).Find(&rows).Error
	return rows, err
}
