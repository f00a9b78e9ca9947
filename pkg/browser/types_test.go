package browser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseFamily(t *testing.T) {
	tests := []struct {
		in   string
		want Family
	}{
		{"chrome", Chrome},
		{"Chromium", Chrome},
		{" firefox ", Firefox},
		{"gecko", Firefox},
		{"EDGE", Edge},
		{"msedge", Edge},
	}
	for _, tt := range tests {
		got, err := ParseFamily(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseFamily("safari")
	assert.Error(t, err)
}

func TestFamilyPriorityOrder(t *testing.T) {
	fs := []Family{Edge, Chrome, Firefox}
	SortFamilies(fs)
	assert.Equal(t, []Family{Chrome, Firefox, Edge}, fs)
	assert.Equal(t, Families(), fs)
	assert.Less(t, Chrome.Priority(), Firefox.Priority())
	assert.Less(t, Firefox.Priority(), Edge.Priority())
}

func TestFamilyString(t *testing.T) {
	assert.Equal(t, "firefox", Firefox.String())
	assert.Equal(t, "unknown(7)", Family(7).String())
	assert.False(t, Family(-1).Valid())
}

func TestFamilyYAMLRoundTrip(t *testing.T) {
	var doc struct {
		Default Family   `yaml:"default"`
		Enabled []Family `yaml:"enabled"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("default: gecko\nenabled: [edge, chrome]\n"), &doc))
	assert.Equal(t, Firefox, doc.Default)
	assert.Equal(t, []Family{Edge, Chrome}, doc.Enabled)

	out, err := yaml.Marshal(doc)
	require.NoError(t, err)
	assert.Contains(t, string(out), "default: firefox")
}

func TestDriverArgs(t *testing.T) {
	assert.Equal(t, []string{"--port", "4444", "--host", "127.0.0.1"}, Firefox.DriverArgs(4444))
	assert.Equal(t, []string{"--port=9515", "--allowed-ips=127.0.0.1"}, Chrome.DriverArgs(9515))
	assert.NotEqual(t, Chrome.DefaultPort(), Edge.DefaultPort())
}

func TestExecutableAndHints(t *testing.T) {
	for _, f := range Families() {
		assert.NotEmpty(t, f.Executable(), f.String())
		assert.Contains(t, f.InstallHint(), "install", f.String())
	}
}
