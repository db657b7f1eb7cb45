package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/switchyard/internal/instance"
	"github.com/zulandar/switchyard/internal/models"
)

func TestFormatStatus(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	info := statusInfo{
		Messages:   map[string]int64{"processed": 40, "failed": 2},
		Unresolved: 3,
		Instances: []models.StageInstance{
			{ID: "stg-0000aaaa", Stage: "preparer", Status: instance.StatusRunning, Hostname: "web-1", PID: 42, LastHeartbeat: now.Add(-5 * time.Second)},
			{ID: "stg-0000bbbb", Stage: "responder", Status: instance.StatusRunning, Hostname: "web-2", PID: 7, LastHeartbeat: now.Add(-2 * time.Minute)},
		},
	}
	var buf bytes.Buffer
	formatStatus(&buf, info, now)
	out := buf.String()

	for _, want := range []string{"processed   40", "pending     0", "unresolved  3", "stg-0000aaaa", "web-1:42", "5s ago", "2m0s ago (stale)"} {
		if !strings.Contains(out, want) {
			t.Errorf("status missing %q:\n%s", want, out)
		}
	}
	if strings.Count(out, "(stale)") != 1 {
		t.Errorf("exactly one instance should be stale:\n%s", out)
	}
}

func TestFormatStatus_NoInstances(t *testing.T) {
	var buf bytes.Buffer
	formatStatus(&buf, statusInfo{}, time.Now())
	if !strings.Contains(buf.String(), "none running") {
		t.Errorf("output:\n%s", buf.String())
	}
}

func TestStatusCmd(t *testing.T) {
	path := writeConfig(t)
	if _, err := run(t, "db", "migrate", "-c", path); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, "status", "-c", path)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "MESSAGES") || !strings.Contains(out, "DEAD LETTERS") {
		t.Errorf("output:\n%s", out)
	}
}
