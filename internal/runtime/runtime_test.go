package runtime

import (
	"errors"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/identity"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageTag(t *testing.T) {
	tag := imageTag("/some/archive.tar")

	assert.True(t, strings.HasPrefix(tag, "import/"), tag)
	assert.True(t, strings.HasSuffix(tag, ":latest"), tag)
	assert.Equal(t, tag, imageTag("/some/archive.tar"))
	assert.NotEqual(t, tag, imageTag("/other/archive.tar"))
}

func TestDefaultPlatform(t *testing.T) {
	p := DefaultPlatform()

	parts := strings.Split(p, "/")
	require.Len(t, parts, 2)
	assert.Equal(t, "linux", parts[0])
	assert.NotEmpty(t, parts[1])
}

func TestParsePlatform(t *testing.T) {
	p, m, err := parsePlatform("linux/amd64")
	require.NoError(t, err)
	assert.Equal(t, "linux/amd64", p)
	assert.True(t, m.Match(ocispec.Platform{OS: "linux", Architecture: "amd64"}))
	assert.False(t, m.Match(ocispec.Platform{OS: "linux", Architecture: "s390x"}))

	p, _, err = parsePlatform("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPlatform(), strings.TrimSuffix(p, "/v8"))

	_, _, err = parsePlatform("linux/amd64/v2/extra")
	assert.ErrorIs(t, err, ErrRuntime)
}

func TestBaseSourceString(t *testing.T) {
	assert.Equal(t, "docker.io/library/python:3.10-slim", BaseSource{Ref: "docker.io/library/python:3.10-slim"}.String())
	assert.Equal(t, "oci-archive:/tmp/base.tar", BaseSource{Ref: "ignored", Archive: "/tmp/base.tar"}.String())
}

func TestStageChain(t *testing.T) {
	b0, b1, s0 := layer("b0"), layer("b1"), layer("s0")
	base := &Base{Layers: []Layer{b0, b1}}

	spec := StageSpec{Base: base, Parents: []Layer{s0}}

	assert.Equal(t, []digest.Digest{b0.DiffID, b1.DiffID}, base.DiffIDs())
	assert.Equal(t, []digest.Digest{b0.DiffID, b1.DiffID, s0.DiffID}, spec.chain())
	assert.Len(t, base.Layers, 2)
}

func TestLayerRootfs(t *testing.T) {
	l := layer("x")

	r := l.rootfs()

	assert.Equal(t, l.Blob, r.Blob)
	assert.Equal(t, l.DiffID, r.Diff.Digest)
	assert.Equal(t, ocispec.MediaTypeImageLayer, r.Diff.MediaType)
}

func TestCommandError(t *testing.T) {
	err := error(&CommandError{
		Command:  Command{Args: []string{"apt-get", "install", "-y", "nope"}},
		ExitCode: 100,
		Stderr:   "E: Unable to locate package nope",
	})

	assert.True(t, errors.Is(err, ErrCommandFailed))
	assert.Contains(t, err.Error(), "apt-get install -y nope")
	assert.Contains(t, err.Error(), "exit code 100")
	assert.Contains(t, err.Error(), "Unable to locate package")

	var ce *CommandError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 100, ce.ExitCode)
}

func TestLayerResources(t *testing.T) {
	rt := &Runtime{snapshotter: "overlayfs"}
	l := layer("x")

	res := rt.layerResources(identity.ChainID([]digest.Digest{l.DiffID}), l)

	require.Len(t, res, 2)
	assert.Equal(t, "content", res[0].Type)
	assert.Equal(t, l.Blob.Digest.String(), res[0].ID)
	assert.Equal(t, "snapshots/overlayfs", res[1].Type)
	assert.Equal(t, l.DiffID.String(), res[1].ID)
}

func TestLayerResourcesBlobOnly(t *testing.T) {
	rt := &Runtime{snapshotter: "overlayfs"}

	res := rt.layerResources("", layer("y"))

	require.Len(t, res, 1)
	assert.Equal(t, "content", res[0].Type)
}

func TestLayerResourcesSnapshotOnly(t *testing.T) {
	rt := &Runtime{snapshotter: "overlayfs"}
	chainID := digest.FromString("chain")

	res := rt.layerResources(chainID, Layer{DiffID: digest.FromString("diff")})

	require.Len(t, res, 1)
	assert.Equal(t, "snapshots/overlayfs", res[0].Type)
	assert.Equal(t, chainID.String(), res[0].ID)
}
