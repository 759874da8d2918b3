package confkit_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketdata-api/pkg/confkit"
)

func TestResolvePath(t *testing.T) {
	assert.Equal(t, "/abs/providers.yaml", confkit.ResolvePath("/etc/app", "/abs/providers.yaml"),
		"absolute paths ignore the base")
	assert.Equal(t, "/etc/app/providers.yaml", confkit.ResolvePath("/etc/app", "providers.yaml"),
		"relative paths anchor at the base")

	t.Setenv("CONF_DIR", "sections")
	assert.Equal(t, filepath.Join("/etc/app", "sections", "providers.yaml"),
		confkit.ResolvePath("/etc/app", "${CONF_DIR}/providers.yaml"),
		"env references expand before anchoring")
}

func TestBaseDir(t *testing.T) {
	assert.Equal(t, "/etc/app", confkit.BaseDir("/etc/app/marketdata.yaml"))
	assert.Equal(t, "etc", confkit.BaseDir("etc/marketdata.yaml"))
}

func TestSectionHydrate(t *testing.T) {
	t.Run("no file means disabled", func(t *testing.T) {
		s := &confkit.Section[int]{}
		err := s.Hydrate("/etc/app", func(string) (*int, error) {
			t.Fatal("loader must not run for an empty section")
			return nil, nil
		})
		require.NoError(t, err)
		assert.Nil(t, s.Value)
	})

	t.Run("loads and pins the resolved path", func(t *testing.T) {
		s := &confkit.Section[string]{File: "providers.yaml"}
		want := "loaded"
		err := s.Hydrate("/etc/app", func(path string) (*string, error) {
			assert.Equal(t, "/etc/app/providers.yaml", path)
			return &want, nil
		})
		require.NoError(t, err)
		require.NotNil(t, s.Value)
		assert.Equal(t, want, *s.Value)
		assert.Equal(t, "/etc/app/providers.yaml", s.File)
	})

	t.Run("loader failure propagates", func(t *testing.T) {
		s := &confkit.Section[string]{File: "providers.yaml"}
		boom := errors.New("bad yaml")
		err := s.Hydrate("/etc/app", func(string) (*string, error) {
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Nil(t, s.Value, "a failed load leaves the section empty")
	})
}
