package remote

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteArchiveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "export"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "metadata.json"), []byte(`{"backupId":"b1"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "export", "schema.cypher"), []byte("CREATE NODE TABLE X(id STRING, PRIMARY KEY(id));"), 0o644))

	var buf bytes.Buffer
	require.NoError(t, writeArchive(&buf, dir))

	gz, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	contents := make(map[string]string)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		contents[hdr.Name] = string(data)
	}

	assert.Equal(t, `{"backupId":"b1"}`, contents["metadata.json"])
	assert.Contains(t, contents["export/schema.cypher"], "CREATE NODE TABLE X")
	assert.Len(t, contents, 2, "directories themselves are not archived")
}

func TestWriteArchiveMissingDir(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, writeArchive(&buf, filepath.Join(t.TempDir(), "nope")))
}
