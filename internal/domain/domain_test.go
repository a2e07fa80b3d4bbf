package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestParseRoomID(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{"plain", "r1", nil},
		{"empty", "", ErrInvalidSessionID},
		{"max length", strings.Repeat("a", MaxRoomIDLen), nil},
		{"too long", strings.Repeat("a", MaxRoomIDLen+1), ErrInvalidSessionID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ParseRoomID(tt.raw)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ParseRoomID(%q) err = %v, want %v", tt.raw, err, tt.wantErr)
			}
			if err == nil && string(id) != tt.raw {
				t.Fatalf("ParseRoomID(%q) = %q", tt.raw, id)
			}
		})
	}
}

func TestParseDirectionAndKind(t *testing.T) {
	if d, err := ParseDirection("send"); err != nil || d != DirectionSend {
		t.Fatalf("ParseDirection(send) = %q, %v", d, err)
	}
	if _, err := ParseDirection("both"); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("ParseDirection(both) err = %v, want ErrBadRequest", err)
	}
	if k, err := ParseKind("video"); err != nil || k != KindVideo {
		t.Fatalf("ParseKind(video) = %q, %v", k, err)
	}
	if _, err := ParseKind("data"); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("ParseKind(data) err = %v, want ErrBadRequest", err)
	}
}

func TestValidateDisplayName(t *testing.T) {
	if err := ValidateDisplayName(""); err != nil {
		t.Fatalf("empty display name should be allowed, got %v", err)
	}
	if err := ValidateDisplayName(strings.Repeat("x", MaxDisplayNameLen+1)); !errors.Is(err, ErrDisplayNameTooLong) {
		t.Fatalf("err = %v, want ErrDisplayNameTooLong", err)
	}
}

func TestNewPeerIDUnique(t *testing.T) {
	a, b := NewPeerID(), NewPeerID()
	if a == "" || a == b {
		t.Fatalf("NewPeerID returned %q and %q", a, b)
	}
}
