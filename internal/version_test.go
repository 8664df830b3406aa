package internal

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func setBuildVars(t *testing.T, v, s, c string) {
	t.Helper()
	pv, ps, pc := version, stage, gitCommit
	version, stage, gitCommit = v, s, c
	t.Cleanup(func() { version, stage, gitCommit = pv, ps, pc })
}

func TestBuildLocal(t *testing.T) {
	setBuildVars(t, "", "", "")

	b := Build()
	assert.True(t, b.Local)
	assert.Equal(t, "(undefined)", b.Version)
	assert.Equal(t, "(local)", b.String())
	assert.Equal(t, "packd/dev", UserAgent())
}

func TestBuildRelease(t *testing.T) {
	tests := []struct {
		name    string
		version string
		stage   string
		want    string
	}{
		{"main branch", "v1.2.3", "main", "1.2.3 abc123 [" + runtime.GOARCH + "]"},
		{"feature branch", "1.2.3", "Feature-X", "1.2.3+feature-x abc123 [" + runtime.GOARCH + "]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBuildVars(t, tt.version, tt.stage, "abc123")

			b := Build()
			assert.False(t, b.Local)
			assert.Equal(t, tt.want, b.String())
			assert.Equal(t, tt.want, VersionString())
			assert.Equal(t, "packd/1.2.3", UserAgent())
		})
	}
}

func TestBuildPartialIsLocal(t *testing.T) {
	setBuildVars(t, "1.0.0", "", "abc123")

	b := Build()
	assert.True(t, b.Local)
	assert.Equal(t, "(undefined)", b.Stage)
}
