package requirements

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	input := `# bot dependencies
python-telegram-bot==20.7
openai-whisper   # pinned by the model cache
anthropic>=0.18, <1

uvicorn[standard]~=0.27 ; python_version >= "3.10"
--extra-index-url https://download.pytorch.org/whl/cpu
torch \
    ==2.2.0
mylib @ https://example.com/mylib-1.0.whl#sha256=abc
`

	m, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, m.Requirements, 6)

	want := []Requirement{
		{Name: "python-telegram-bot", Constraint: "==20.7", Line: 2},
		{Name: "openai-whisper", Line: 3},
		{Name: "anthropic", Constraint: ">=0.18,<1", Line: 4},
		{Name: "uvicorn[standard]", Constraint: "~=0.27", Markers: `python_version >= "3.10"`, Line: 6},
		{Name: "torch", Constraint: "==2.2.0", Line: 8},
		{Name: "mylib", Constraint: "https://example.com/mylib-1.0.whl#sha256=abc", Line: 10},
	}
	assert.Equal(t, want, m.Requirements)
	assert.Equal(t, []string{"--extra-index-url https://download.pytorch.org/whl/cpu"}, m.Options)
	assert.False(t, m.Empty())
}

func TestParseDirectReferences(t *testing.T) {
	tests := []struct {
		input string
		want  Requirement
	}{
		{
			"https://files.example.com/pkg-1.0-py3-none-any.whl",
			Requirement{Constraint: "https://files.example.com/pkg-1.0-py3-none-any.whl", Line: 1},
		},
		{
			"git+https://github.com/org/repo.git@v1.2#egg=repo",
			Requirement{Name: "repo", Constraint: "git+https://github.com/org/repo.git@v1.2#egg=repo", Line: 1},
		},
		{
			"./vendor/mypkg",
			Requirement{Constraint: "./vendor/mypkg", Line: 1},
		},
		{
			"../shared/lib.tar.gz",
			Requirement{Constraint: "../shared/lib.tar.gz", Line: 1},
		},
		{
			"/opt/wheels/audio-0.3-py3-none-any.whl",
			Requirement{Constraint: "/opt/wheels/audio-0.3-py3-none-any.whl", Line: 1},
		},
		{
			`https://h/x.whl ; python_version >= "3.10"`,
			Requirement{Constraint: "https://h/x.whl", Markers: `python_version >= "3.10"`, Line: 1},
		},
		{
			"requests [security] >= 2.8.1",
			Requirement{Name: "requests[security]", Constraint: ">=2.8.1", Line: 1},
		},
		{
			"requests[ security , socks ]",
			Requirement{Name: "requests[security,socks]", Line: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			m, err := Parse(strings.NewReader(tt.input + "\n"))
			require.NoError(t, err)
			require.Len(t, m.Requirements, 1)
			assert.Equal(t, tt.want, m.Requirements[0])
		})
	}
}

func TestParseEmptyManifest(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"no bytes", ""},
		{"blank lines", "\n\n   \n"},
		{"comments only", "# nothing yet\n   # still nothing\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Parse(strings.NewReader(tt.input))
			require.NoError(t, err)
			assert.True(t, m.Empty())
		})
	}
}

func TestParseMalformed(t *testing.T) {
	tests := []string{
		"==1.0",
		"bad name==1",
		"pkg @ ",
		"requests [security",
	}

	for _, input := range tests {
		t.Run(input, func(t *testing.T) {
			_, err := Parse(strings.NewReader(input))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestParseReportsLineNumber(t *testing.T) {
	_, err := Parse(strings.NewReader("ok==1\n\nbad name\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")
}

func TestRequirementString(t *testing.T) {
	assert.Equal(t, "numpy>=1.26", Requirement{Name: "numpy", Constraint: ">=1.26"}.String())
	assert.Equal(t, "x @ https://h/x.whl", Requirement{Name: "x", Constraint: "https://h/x.whl"}.String())
	assert.Equal(t, `y==1; sys_platform == "linux"`, Requirement{Name: "y", Constraint: "==1", Markers: `sys_platform == "linux"`}.String())
	assert.Equal(t, "./vendor/mypkg", Requirement{Constraint: "./vendor/mypkg"}.String())
	assert.Equal(t, `z @ https://h/z.whl ; os_name == "posix"`, Requirement{Name: "z", Constraint: "https://h/z.whl", Markers: `os_name == "posix"`}.String())
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requirements.txt")
	require.NoError(t, os.WriteFile(path, []byte("requests==2.31.0\n"), 0o644))

	m, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, m.Requirements, 1)
	assert.Equal(t, "requests", m.Requirements[0].Name)

	_, err = ParseFile(filepath.Join(t.TempDir(), "missing.txt"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
