package persist

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// persisterState is a struct for persister round-trip testing.
type persisterState struct {
	Label string `json:"label" yaml:"label"`
	Value int    `json:"value" yaml:"value"`
}

func TestPersister_SaveLoad(t *testing.T) {
	t.Parallel()

	codecs := map[string]Codec{
		"json":     NewJSONCodec(),
		"yaml":     NewYAMLCodec(),
		"json+lz4": NewLZ4Codec(NewJSONCodec()),
	}

	for name, codec := range codecs {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			p := NewPersister[persisterState]("mystate", codec)

			original := persisterState{Label: "hello", Value: 42}
			require.NoError(t, p.Save(dir, &original))

			_, statErr := os.Stat(filepath.Join(dir, p.Filename()))
			require.NoError(t, statErr)

			restored, err := p.Load(dir)
			require.NoError(t, err)
			assert.Equal(t, original, *restored)
		})
	}
}

func TestPersister_LoadMissing(t *testing.T) {
	t.Parallel()

	p := NewPersister[persisterState]("absent", NewJSONCodec())

	_, err := p.Load(t.TempDir())
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLZ4Codec_Compresses(t *testing.T) {
	t.Parallel()

	payload := map[string]string{"body": string(bytes.Repeat([]byte("session "), 4096))}

	var plain, packed bytes.Buffer

	require.NoError(t, NewJSONCodec().Encode(&plain, payload))
	require.NoError(t, NewLZ4Codec(NewJSONCodec()).Encode(&packed, payload))

	assert.Less(t, packed.Len(), plain.Len())
	assert.Equal(t, ".json.lz4", NewLZ4Codec(NewJSONCodec()).Extension())
}

func TestYAMLCodec_RejectsUnknownFields(t *testing.T) {
	t.Parallel()

	var state persisterState

	err := NewYAMLCodec().Decode(bytes.NewBufferString("label: a\nbogus: 1\n"), &state)
	require.Error(t, err)
}

func TestSaveFile_CreatesParents(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "deeper", "state.json")

	require.NoError(t, SaveFile(path, CodecFor(path), persisterState{Label: "x"}))

	var restored persisterState
	require.NoError(t, LoadFile(path, CodecFor(path), &restored))
	assert.Equal(t, "x", restored.Label)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files are cleaned up")
}

func TestCodecFor(t *testing.T) {
	t.Parallel()

	assert.IsType(t, &YAMLCodec{}, CodecFor("md.yaml"))
	assert.IsType(t, &YAMLCodec{}, CodecFor("md.yml"))
	assert.IsType(t, &LZ4Codec{}, CodecFor("body.json.lz4"))
	assert.IsType(t, &JSONCodec{}, CodecFor("md.json"))
}
