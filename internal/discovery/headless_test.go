package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHeadlessScannerDefaults(t *testing.T) {
	t.Parallel()
	s := NewHeadlessScanner(HeadlessConfig{})
	defer s.Close()

	require.Equal(t, 25*time.Second, s.cfg.NavigationTimeout)
	require.Equal(t, 0.5, float64(s.pacer.Limit()))
	require.Equal(t, 1, s.pacer.Burst())
}
