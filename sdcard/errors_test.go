package sdcard

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestCommandError(t *testing.T) {
	err := &CommandError{Cmd: 41, App: true, R1: R1IdleState | R1IllegalCommand, Err: ErrNotSDCard}

	msg := err.Error()
	if !strings.Contains(msg, "ACMD41") {
		t.Errorf("error message should contain 'ACMD41', got: %s", msg)
	}
	if !strings.Contains(msg, "ILLEGAL") {
		t.Errorf("error message should contain R1 flags, got: %s", msg)
	}
	if !errors.Is(err, ErrNotSDCard) {
		t.Error("CommandError should unwrap to its cause")
	}

	timeout := &CommandError{Cmd: 0, Err: ErrBusTimeout}
	if msg := timeout.Error(); !strings.HasPrefix(msg, "CMD0: ") || strings.Contains(msg, "R1") {
		t.Errorf("unexpected timeout message: %s", msg)
	}
}

func TestCSDError(t *testing.T) {
	err := &CSDError{Structure: 1, Class: V1StandardCapacity}

	if !strings.Contains(err.Error(), "structure 1") {
		t.Errorf("error message should contain structure, got: %s", err)
	}
	if !errors.Is(err, ErrUnsupportedCSD) {
		t.Error("CSDError should be ErrUnsupportedCSD")
	}

	big := &CSDError{Structure: 1, Class: V2HighCapacity, BadCapacity: true, Sectors: 1 << 32}
	if !strings.Contains(big.Error(), "4294967296 sectors") {
		t.Errorf("error message should contain the sector count, got: %s", big)
	}
}

func TestWriteError(t *testing.T) {
	err := fmt.Errorf("write block 7: %w", &WriteError{Token: 0xEB})

	if !errors.Is(err, ErrWriteRejected) {
		t.Error("WriteError should be ErrWriteRejected")
	}
	if !strings.Contains(err.Error(), "01011") {
		t.Errorf("error message should contain the data response, got: %s", err)
	}
	var we *WriteError
	if !errors.As(err, &we) || we.Token != 0xEB {
		t.Errorf("errors.As() = %v, want token 0xEB", we)
	}
}

func TestCardClassAddress(t *testing.T) {
	tests := []struct {
		class CardClass
		block uint32
		want  uint32
	}{
		{V1StandardCapacity, 100, 51200},
		{V2StandardCapacity, 100, 51200},
		{V2HighCapacity, 100, 100},
		{V1StandardCapacity, 0x7FFFFF, 0xFFFFFE00},
		{V1StandardCapacity, 1 << 23, 0},
		{V2HighCapacity, 0x00FFFFFF, 0x00FFFFFF},
		{Unknown, 100, 0},
		{Failed, 100, 0},
	}
	for _, tt := range tests {
		if got := tt.class.Address(tt.block); got != tt.want {
			t.Errorf("%v.Address(%d) = %d, want %d", tt.class, tt.block, got, tt.want)
		}
	}
}
