// Package instance records running pipeline stage processes so operators
// can see which stages are up and when each last reported in.
package instance

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/zulandar/switchyard/internal/models"
	"gorm.io/gorm"
)

// Instance statuses.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// DefaultHeartbeatInterval is the default interval between heartbeat updates.
const DefaultHeartbeatInterval = 10 * time.Second

// GenerateID creates an instance ID in stg-xxxxxxxx format (8-char hex).
func GenerateID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("instance: generate ID: %w", err)
	}
	return "stg-" + hex.EncodeToString(b), nil
}

// generateUniqueID generates an ID and retries once on collision.
func generateUniqueID(db *gorm.DB) (string, error) {
	for range 2 {
		id, err := GenerateID()
		if err != nil {
			return "", err
		}
		var count int64
		if err := db.Model(&models.StageInstance{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return "", fmt.Errorf("instance: check ID uniqueness: %w", err)
		}
		if count == 0 {
			return id, nil
		}
	}
	return "", errors.New("instance: failed to generate unique ID after retries")
}

// Register records a running instance of stage on this host.
func Register(db *gorm.DB, stage string) (*models.StageInstance, error) {
	if stage == "" {
		return nil, errors.New("instance: stage is required")
	}
	id, err := generateUniqueID(db)
	if err != nil {
		return nil, err
	}
	host, _ := os.Hostname()
	now := time.Now()
	inst := models.StageInstance{
		ID:            id,
		Stage:         stage,
		Hostname:      host,
		PID:           os.Getpid(),
		Status:        StatusRunning,
		StartedAt:     now,
		LastHeartbeat: now,
	}
	if err := db.Create(&inst).Error; err != nil {
		return nil, fmt.Errorf("instance: register: %w", err)
	}
	return &inst, nil
}

// Deregister marks an instance stopped.
func Deregister(db *gorm.DB, id string) error {
	res := db.Model(&models.StageInstance{}).Where("id = ?", id).Update("status", StatusStopped)
	if res.Error != nil {
		return fmt.Errorf("instance: deregister %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("instance: not found: %s", id)
	}
	return nil
}

// List returns instances, running ones first, then by most recent
// heartbeat. Stopped instances are included only when all is set.
func List(db *gorm.DB, all bool) ([]models.StageInstance, error) {
	q := db.Order("status ASC").Order("last_heartbeat DESC")
	if !all {
		q = q.Where("status = ?", StatusRunning)
	}
	var out []models.StageInstance
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("instance: list: %w", err)
	}
	return out, nil
}

// Stale reports whether inst has missed heartbeats for longer than
// three intervals.
func Stale(inst models.StageInstance, now time.Time, interval time.Duration) bool {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return inst.Status == StatusRunning && now.Sub(inst.LastHeartbeat) > 3*interval
}

// StartHeartbeat launches a goroutine that periodically updates the
// instance's last_heartbeat timestamp. It returns a channel that receives an
// error if the row disappears (0 rows affected) or the update fails.
func StartHeartbeat(ctx context.Context, db *gorm.DB, id string, interval time.Duration) <-chan error {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}

	errCh := make(chan error, 1)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				result := db.WithContext(ctx).Model(&models.StageInstance{}).
					Where("id = ?", id).
					Update("last_heartbeat", time.Now())

				if result.Error != nil {
					if ctx.Err() != nil {
						return
					}
					errCh <- fmt.Errorf("instance: heartbeat %s: %w", id, result.Error)
					return
				}
				if result.RowsAffected == 0 {
					errCh <- fmt.Errorf("instance: heartbeat %s: instance not found", id)
					return
				}
			}
		}
	}()

	return errCh
}
