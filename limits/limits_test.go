package limits

import (
	"errors"
	"strings"
	"testing"
)

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr error
	}{
		{"empty", 0, ErrPayloadEmpty},
		{"single byte", 1, nil},
		{"exactly at limit", MaxPayload, nil},
		{"one over limit", MaxPayload + 1, ErrPayloadTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(make([]byte, tt.size))
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidatePayload(%d bytes) = %v, want nil", tt.size, err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidatePayload(%d bytes) = %v, want %v", tt.size, err, tt.wantErr)
			}
		})
	}
}

func TestValidateSizeErrorContext(t *testing.T) {
	err := ValidateSize(make([]byte, 11), 10)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if !strings.Contains(err.Error(), "size 11 exceeds limit 10") {
		t.Errorf("error should carry sizes, got %q", err.Error())
	}
}

func TestValidateFrame(t *testing.T) {
	if err := ValidateFrame(nil); err != nil {
		t.Errorf("empty frame should be accepted by the size check, got %v", err)
	}
	if err := ValidateFrame(make([]byte, MaxFrameSize+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestValidateParticipants(t *testing.T) {
	if err := ValidateParticipants(MaxParticipants); err != nil {
		t.Errorf("MaxParticipants should be accepted, got %v", err)
	}
	if err := ValidateParticipants(MaxParticipants + 1); !errors.Is(err, ErrTooManyParticipants) {
		t.Errorf("expected ErrTooManyParticipants, got %v", err)
	}
}

// TestLimitHierarchy ensures a full payload always fits in a frame.
func TestLimitHierarchy(t *testing.T) {
	if MaxPayload >= MaxFrameSize {
		t.Errorf("MaxPayload (%d) must be smaller than MaxFrameSize (%d)", MaxPayload, MaxFrameSize)
	}
}
