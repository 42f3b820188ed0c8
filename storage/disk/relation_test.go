package disk

import (
	"path/filepath"
	"testing"

	"github.com/HayatoShiba/bufmgr/common"
	"github.com/stretchr/testify/assert"
)

func TestGetRelationForkFilePath(t *testing.T) {
	dir := "base/database"
	tests := []struct {
		name     string
		forkNum  ForkNumber
		expected string
	}{
		{
			name:     "get main table path",
			forkNum:  ForkNumberMain,
			expected: filepath.Join(dir, "1"),
		},
		{
			name:     "get fsm table path",
			forkNum:  ForkNumberFSM,
			expected: filepath.Join(dir, "1_fsm"),
		},
		{
			name:     "get vm table path",
			forkNum:  ForkNumberVM,
			expected: filepath.Join(dir, "1_vm"),
		},
		{
			name:     "get init fork path",
			forkNum:  ForkNumberInit,
			expected: filepath.Join(dir, "1_init"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := getRelationForkFilePath(dir, common.Relation(1), tt.forkNum)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestForkNumberString(t *testing.T) {
	assert.Equal(t, "main", ForkNumberMain.String())
	assert.Equal(t, "fork(9)", ForkNumber(9).String())
}
