package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWebDesignAugmenterMatchesTitleGlob(t *testing.T) {
	a, err := NewWebDesignAugmenter([]string{"*ui*", "*frontend*"}, "SKILL: web visuals")
	require.NoError(t, err)

	out := a.Augment("builder", "Build the login UI page", "base prompt")
	require.Contains(t, out, "SKILL: web visuals")
}

func TestWebDesignAugmenterSkipsNonBuilderRole(t *testing.T) {
	a, err := NewWebDesignAugmenter([]string{"*ui*"}, "SKILL: web visuals")
	require.NoError(t, err)

	out := a.Augment("reviewer", "Review the UI page", "base prompt")
	require.Equal(t, "base prompt", out)
}

func TestWebDesignAugmenterSkipsNonMatchingTitle(t *testing.T) {
	a, err := NewWebDesignAugmenter([]string{"*ui*", "*frontend*"}, "SKILL: web visuals")
	require.NoError(t, err)

	out := a.Augment("builder", "Write the database migration", "base prompt")
	require.Equal(t, "base prompt", out)
}

func TestNewWebDesignAugmenterRejectsInvalidPattern(t *testing.T) {
	_, err := NewWebDesignAugmenter([]string{"["}, "doc")
	require.Error(t, err)
}
