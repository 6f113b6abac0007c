package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoles(t *testing.T) {
	all, err := ParseRoles("all")
	require.NoError(t, err)
	assert.Equal(t, []string{"ticket", "status", "user", "notification"}, all)

	empty, err := ParseRoles("")
	require.NoError(t, err)
	assert.Equal(t, all, empty)

	some, err := ParseRoles(" Ticket, status,ticket ")
	require.NoError(t, err)
	assert.Equal(t, []string{"ticket", "status"}, some)

	_, err = ParseRoles("billing")
	assert.ErrorContains(t, err, `unknown service "billing"`)

	_, err = ParseRoles(",")
	assert.Error(t, err)
}
