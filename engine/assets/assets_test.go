package assets

import (
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/rsx/engine/assets/loaders"
)

func writeSPIRV(t *testing.T, path string) {
	t.Helper()
	code := make([]byte, 5*4)
	binary.LittleEndian.PutUint32(code, 0x07230203)
	binary.LittleEndian.PutUint32(code[4:], 0x00010000)
	require.NoError(t, os.WriteFile(path, code, 0o644))
}

func writePNG(t *testing.T, path string) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	img.Set(1, 1, color.NRGBA{R: 255, A: 255})
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func newManager(t *testing.T, dir string) *AssetManager {
	t.Helper()
	am, err := NewAssetManager()
	require.NoError(t, err)
	require.NoError(t, am.Initialize(dir))
	t.Cleanup(func() { _ = am.Shutdown() })
	return am
}

func TestLoadAssetByType(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "shaders"), 0o755))
	writeSPIRV(t, filepath.Join(dir, "shaders", "blit.vert.spv"))
	writePNG(t, filepath.Join(dir, "splash.png"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	am := newManager(t, dir)
	assert.Equal(t, 2, am.Count())

	shader, err := am.LoadAsset("shaders/blit.vert.spv")
	require.NoError(t, err)
	assert.Equal(t, loaders.ResourceTypeShader, shader.Type)
	assert.Len(t, shader.Data.([]byte), 20)

	img, err := am.LoadAsset("splash.png")
	require.NoError(t, err)
	rgba := img.Data.(*image.RGBA)
	assert.Equal(t, 3, rgba.Rect.Dx())
	assert.Equal(t, uint8(255), rgba.RGBAAt(1, 1).R)
	require.NoError(t, am.UnloadAsset(img))
	assert.Nil(t, img.Data)

	_, err = am.LoadAsset("notes.txt")
	assert.True(t, errors.Is(err, ErrAssetNotFound))
}

func TestNewFilesAreIndexed(t *testing.T) {
	dir := t.TempDir()
	am := newManager(t, dir)
	require.Equal(t, 0, am.Count())

	writeSPIRV(t, filepath.Join(dir, "late.spv"))
	require.Eventually(t, func() bool {
		_, err := am.LoadAsset("late.spv")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInvalidShaderIsRejected(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.spv"), []byte("not spirv at all!!!!"), 0o644))
	am := newManager(t, dir)

	_, err := am.LoadAsset("broken.spv")
	require.Error(t, err)
	assert.True(t, errors.Is(err, loaders.ErrNotSPIRV))
}

func TestShutdownWithoutInitialize(t *testing.T) {
	am, err := NewAssetManager()
	require.NoError(t, err)
	require.NoError(t, am.Shutdown())
	require.NoError(t, am.Shutdown())
}
