package archive

import (
	"archive/zip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/recon-orchestrator/internal/config"
	"github.com/hochfrequenz/recon-orchestrator/internal/pipeline"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestZip(t *testing.T) {
	layout := pipeline.NewLayout(t.TempDir(), "example.com")
	require.NoError(t, layout.Ensure())
	writeFile(t, filepath.Join(layout.OutputsDir(), "recon", "subs.txt"), "a.example.com\n")
	writeFile(t, filepath.Join(layout.ReportsDir(), "summary.md"), "# Summary\n")
	writeFile(t, filepath.Join(layout.TaskLogsDir(), "01_subs.log"), "ok\n")
	writeFile(t, filepath.Join(layout.TmpDir(), "scratch"), "ignored\n")

	res, err := Zip(layout)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Files)
	assert.Equal(t, filepath.Join(layout.ReportsDir(), FileName), res.Path)

	zr, err := zip.OpenReader(res.Path)
	require.NoError(t, err)
	defer zr.Close()

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"logs/tasks/01_subs.log", "outputs/recon/subs.txt", "reports/summary.md"}, names)

	rc, err := zr.File[1].Open()
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "a.example.com\n", string(data))
}

func TestZip_SecondRunDoesNotIncludeItself(t *testing.T) {
	layout := pipeline.NewLayout(t.TempDir(), "example.com")
	require.NoError(t, layout.Ensure())
	writeFile(t, filepath.Join(layout.OutputsDir(), "a.txt"), "a")

	_, err := Zip(layout)
	require.NoError(t, err)
	res, err := Zip(layout)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Files)
}

func TestValidateConfig(t *testing.T) {
	valid := config.ArchiveConfig{Endpoint: "localhost:9000", Bucket: "recon", AccessKey: "a", SecretKey: "b"}
	assert.NoError(t, ValidateConfig(valid))

	assert.ErrorIs(t, ValidateConfig(config.ArchiveConfig{}), ErrUploadDisabled)

	withScheme := valid
	withScheme.Endpoint = "http://localhost:9000"
	assert.Error(t, ValidateConfig(withScheme))

	noBucket := valid
	noBucket.Bucket = ""
	assert.Error(t, ValidateConfig(noBucket))
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "recon/example.com/r1-results.zip", ObjectKey("/recon/", "example.com", "r1", "/x/results.zip"))
	assert.Equal(t, "example.com/results.zip", ObjectKey("", "example.com", "", "results.zip"))
}

func TestMinioUploader_Upload(t *testing.T) {
	var mu sync.Mutex
	var putPath string
	var putBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case http.MethodPut:
			data, _ := io.ReadAll(r.Body)
			mu.Lock()
			putPath = r.URL.Path
			putBody = string(data)
			mu.Unlock()
			w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotImplemented)
		}
	}))
	defer server.Close()

	u, err := NewMinioUploader(config.ArchiveConfig{
		Endpoint:  strings.TrimPrefix(server.URL, "http://"),
		Bucket:    "recon",
		Prefix:    "runs",
		AccessKey: "access",
		SecretKey: "secretsecret",
		Region:    "us-east-1",
	})
	require.NoError(t, err)

	local := filepath.Join(t.TempDir(), "results.zip")
	writeFile(t, local, "zipdata")

	key := u.Key("example.com", "r1", local)
	loc, err := u.Upload(context.Background(), local, key)
	require.NoError(t, err)
	assert.Equal(t, "s3://recon/runs/example.com/r1-results.zip", loc)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/recon/runs/example.com/r1-results.zip", putPath)
	assert.Contains(t, putBody, "zipdata")
}
