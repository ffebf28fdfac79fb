package domain

import (
	"errors"
	"testing"
	"time"
)

func TestLabel_RenameSystemLabel(t *testing.T) {
	l := &Label{ID: "system_inbox", Name: LabelInbox, IsSystem: true, Sync: Synced()}
	err := l.Rename("Mailbox", time.Now())
	if !errors.Is(err, ErrProtectedEntity) {
		t.Fatalf("Rename() error = %v, want ErrProtectedEntity", err)
	}
	if l.Name != LabelInbox || l.Sync.NeedsSync {
		t.Errorf("system label changed: %+v", l)
	}
}

func TestLabel_Rename(t *testing.T) {
	at := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	l := &Label{ID: "lbl-1", Name: "Work", Sync: Synced()}
	if err := l.Rename("  Office ", at); err != nil {
		t.Fatalf("Rename() error: %v", err)
	}
	if l.Name != "Office" {
		t.Errorf("Name = %q, want %q", l.Name, "Office")
	}
	if !l.Sync.NeedsSync || !l.LastModified.Equal(at) {
		t.Errorf("after Rename = %+v, want dirty at %v", l, at)
	}
}

func TestValidateColor(t *testing.T) {
	tests := []struct {
		color   string
		wantErr bool
	}{
		{"", false},
		{"#2196F3", false},
		{"#abcdef", false},
		{"2196F3", true},
		{"#21F", true},
		{"blue", true},
	}
	for _, tt := range tests {
		t.Run(tt.color, func(t *testing.T) {
			if err := ValidateColor(tt.color); (err != nil) != tt.wantErr {
				t.Errorf("ValidateColor(%q) error = %v, wantErr %v", tt.color, err, tt.wantErr)
			}
		})
	}
}

func TestIsSystemLabelName(t *testing.T) {
	if !IsSystemLabelName("inbox") {
		t.Error("IsSystemLabelName(inbox) = false, want true")
	}
	if IsSystemLabelName("Work") {
		t.Error("IsSystemLabelName(Work) = true, want false")
	}
}
