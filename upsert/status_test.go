package upsert

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus(t *testing.T) {
	s := Status{AffectedRows: 3, WarningCount: 1, CommandTag: "UPDATE 3"}
	s.Init()
	assert.Equal(t, Status{}, s)
	assert.False(t, s.AffectedRowsIsError())

	s.SetAffectedRowsToError()
	assert.True(t, s.AffectedRowsIsError())
	assert.Equal(t, ^uint64(0), s.AffectedRows)
}
