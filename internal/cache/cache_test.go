package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCacheRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	loaded, err := Load()
	require.NoError(t, err)
	require.Nil(t, loaded)

	data := &Data{
		CentralID: "CENTRAL1",
		RealName:  "Casa Mia",
		Model:     "X864V",
		Version:   "4.10",
		Groups:    []Entry{{ID: 1, Index: 0, Group: 1, Name: "Casa"}},
		Zones: []Entry{
			{ID: 10, Index: 0, Group: 3, Name: "Porta"},
			{ID: 11, Index: 1, Group: 3, Name: "Finestra"},
		},
		LastUpdate: time.Now(),
	}
	require.NoError(t, Save(data))

	loaded, err = Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, "Casa Mia", loaded.RealName)
	require.Equal(t, data.Groups, loaded.Groups)
	require.Len(t, loaded.Zones, 2)

	require.NoError(t, Delete())
	loaded, err = Load()
	require.NoError(t, err)
	require.Nil(t, loaded)

	// deleting an absent cache is not an error
	require.NoError(t, Delete())
}
