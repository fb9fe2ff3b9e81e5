package store

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsSQLiteConflictError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"busy", errors.New("SQLITE_BUSY: database table is locked"), true},
		{"locked", fmt.Errorf("insert message: %w", errors.New("database is locked (5)")), true},
		{"constraint", errors.New("FOREIGN KEY constraint failed"), false},
		{"unrelated", errors.New("disk I/O error"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSQLiteConflictError(tt.err); got != tt.want {
				t.Errorf("IsSQLiteConflictError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
