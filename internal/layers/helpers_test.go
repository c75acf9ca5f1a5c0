package layers

import (
	"testing"

	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/require"
)

func mustCollection(t *testing.T, raw string) *geojson.FeatureCollection {
	t.Helper()
	fc, err := geojson.UnmarshalFeatureCollection([]byte(raw))
	require.NoError(t, err)
	return fc
}
