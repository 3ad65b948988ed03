package mockwire

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterMetrics(reg))

	fams, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, fams)

	// Registering the same collectors twice is rejected by the registry.
	assert.Error(t, RegisterMetrics(reg))
}
