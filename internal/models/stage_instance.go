package models

import "time"

// StageInstance represents one running pipeline stage process.
type StageInstance struct {
	ID            string `gorm:"primaryKey;size:64"`
	Stage         string `gorm:"size:32;index"`
	Hostname      string `gorm:"size:128"`
	PID           int
	Status        string `gorm:"size:16;index"`
	StartedAt     time.Time
	LastHeartbeat time.Time `gorm:"index"`
}
