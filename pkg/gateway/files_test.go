package gateway

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rollo/gantry/pkg/anthropic"
	"github.com/rollo/gantry/pkg/filestore"
)

func multipartBody(t *testing.T, field, filename, contentType, content string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = io.WriteString(part, content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	return &buf, mw.FormDataContentType()
}

func uploadFile(t *testing.T, env *testEnv, filename, contentType, content string) anthropic.FileMetadata {
	t.Helper()
	body, formType := multipartBody(t, "file", filename, contentType, content)
	resp, err := env.ts.Client().Post(env.ts.URL+"/v1/files", formType, body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info anthropic.FileMetadata
	decodeJSON(t, resp, &info)
	return info
}

func TestFiles_UploadAndGet(t *testing.T) {
	env := newTestEnv(t, nil)

	content := `{"greeting":"hi"}`
	info := uploadFile(t, env, "hello.json", "application/json", content)

	assert.Contains(t, info.ID, "file_")
	assert.Equal(t, "file", info.Type)
	assert.Equal(t, "hello.json", info.Filename)
	assert.Equal(t, "application/json", info.MimeType)
	assert.Equal(t, int64(len(content)), info.SizeBytes)
	assert.True(t, info.Downloadable)

	resp := env.get(t, "/v1/files/"+info.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got anthropic.FileMetadata
	decodeJSON(t, resp, &got)
	assert.Equal(t, info.ID, got.ID)
	assert.Equal(t, "hello.json", got.Filename)
}

func TestFiles_Content(t *testing.T) {
	env := newTestEnv(t, nil)

	content := "col1,col2\n1,2\n"
	info := uploadFile(t, env, "data.csv", "text/csv", content)

	resp := env.get(t, "/v1/files/"+info.ID+"/content")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename="data.csv"`, resp.Header.Get("Content-Disposition"))
	assert.Equal(t, fmt.Sprint(len(content)), resp.Header.Get("Content-Length"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, content, string(data))
}

func TestFiles_List(t *testing.T) {
	env := newTestEnv(t, nil)

	uploadFile(t, env, "a.json", "application/json", "{}")
	uploadFile(t, env, "b.json", "application/json", "{}")

	resp := env.get(t, "/v1/files")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out anthropic.FilesListResponse
	decodeJSON(t, resp, &out)
	assert.Len(t, out.Data, 2)

	resp = env.get(t, "/v1/files?limit=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var limited anthropic.FilesListResponse
	decodeJSON(t, resp, &limited)
	assert.Len(t, limited.Data, 1)
}

func TestFiles_MissingField(t *testing.T) {
	env := newTestEnv(t, nil)

	body, formType := multipartBody(t, "document", "hello.json", "application/json", "{}")
	resp, err := env.ts.Client().Post(env.ts.URL+"/v1/files", formType, body)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	envelope := decodeError(t, resp)
	assert.Equal(t, "file field is required", envelope.Error.Message)
}

func TestFiles_TooLarge(t *testing.T) {
	small, err := filestore.New(filestore.Config{Dir: t.TempDir(), MaxBytes: 10, Logger: zerolog.Nop()})
	require.NoError(t, err)
	env := newTestEnv(t, func(cfg *Config) { cfg.Files = small })

	body, formType := multipartBody(t, "file", "big.bin", "application/octet-stream", "0123456789abcdef")
	resp, err := env.ts.Client().Post(env.ts.URL+"/v1/files", formType, body)
	require.NoError(t, err)
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	envelope := decodeError(t, resp)
	assert.Equal(t, anthropic.ErrRequestTooLarge, envelope.Error.Type)
	assert.Equal(t, "file exceeds maximum size of 10 bytes", envelope.Error.Message)
}

func TestFiles_Delete(t *testing.T) {
	env := newTestEnv(t, nil)

	info := uploadFile(t, env, "gone.json", "application/json", "{}")

	resp := env.do(t, http.MethodDelete, "/v1/files/"+info.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var deleted anthropic.FileDeletedResponse
	decodeJSON(t, resp, &deleted)
	assert.Equal(t, info.ID, deleted.ID)
	assert.Equal(t, "file_deleted", deleted.Type)

	resp = env.get(t, "/v1/files/"+info.ID)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	envelope := decodeError(t, resp)
	assert.Equal(t, "File not found: "+info.ID, envelope.Error.Message)
}

func TestFiles_UnknownID(t *testing.T) {
	env := newTestEnv(t, nil)

	cases := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/v1/files/file_bogus"},
		{http.MethodGet, "/v1/files/file_bogus/content"},
		{http.MethodDelete, "/v1/files/file_bogus"},
	}
	for _, tc := range cases {
		resp := env.do(t, tc.method, tc.path, nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode, "%s %s", tc.method, tc.path)
		envelope := decodeError(t, resp)
		assert.Equal(t, anthropic.ErrNotFound, envelope.Error.Type)
		assert.Equal(t, "File not found: file_bogus", envelope.Error.Message)
	}
}

func TestFiles_NotConfigured(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.Files = nil })

	resp := env.get(t, "/v1/files")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	envelope := decodeError(t, resp)
	assert.Equal(t, "service_unavailable", envelope.Error.Type)
	assert.Equal(t, "File storage is not configured", envelope.Error.Message)
}
