package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitRejectsUnknownLevel(t *testing.T) {
	err := Init(Config{Level: "loud"})
	require.Error(t, err)
}

func TestInitAcceptsJSON(t *testing.T) {
	require.NoError(t, Init(Config{Level: "debug", Format: "json"}))
	t.Cleanup(func() { _ = Init(Config{Level: "info"}) })
	assert.NotNil(t, Named("test"))
}

func TestRefTruncates(t *testing.T) {
	assert.Equal(t, "cred_abc…", Ref("cred_abcdef123"))
	assert.Equal(t, "short", Ref("short"))
}

func TestDisable(t *testing.T) {
	Disable()
	defer Enable()
	assert.False(t, L().Core().Enabled(0))
}
