package api_test

import (
	"bytes"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yadazula/s3emulator/internal/api"
	"github.com/yadazula/s3emulator/internal/storage"
	"github.com/yadazula/s3emulator/internal/throttle"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	store, err := storage.Open("", true, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	server := api.NewServer(":0", store, throttle.Unlimited, zerolog.Nop())
	testServer := httptest.NewServer(server.Handler())
	t.Cleanup(testServer.Close)

	return testServer
}

func do(t *testing.T, method, url string, body io.Reader) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

type listBucketResult struct {
	Name        string `xml:"Name"`
	Prefix      string `xml:"Prefix"`
	Marker      string `xml:"Marker"`
	NextMarker  string `xml:"NextMarker"`
	MaxKeys     int    `xml:"MaxKeys"`
	IsTruncated bool   `xml:"IsTruncated"`
	Contents    []struct {
		Key  string `xml:"Key"`
		ETag string `xml:"ETag"`
		Size int64  `xml:"Size"`
	} `xml:"Contents"`
	CommonPrefixes []struct {
		Prefix string `xml:"Prefix"`
	} `xml:"CommonPrefixes"`
}

func TestBucketLifecycle(t *testing.T) {
	server := newTestServer(t)

	t.Run("HEAD absent bucket is 404", func(t *testing.T) {
		resp := do(t, http.MethodHead, server.URL+"/bucket1", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("PUT creates the bucket", func(t *testing.T) {
		resp := do(t, http.MethodPut, server.URL+"/bucket1", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("HEAD present bucket is 200 with no body", func(t *testing.T) {
		resp := do(t, http.MethodHead, server.URL+"/bucket1", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Empty(t, body)
	})

	t.Run("GET / lists the bucket", func(t *testing.T) {
		resp := do(t, http.MethodGet, server.URL+"/", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/xml", resp.Header.Get("Content-Type"))

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "<Name>bucket1</Name>")
	})

	t.Run("GET absent bucket is 404 with error document", func(t *testing.T) {
		resp := do(t, http.MethodGet, server.URL+"/bucket9", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "<Code>NoSuchBucket</Code>")
		assert.Contains(t, string(body), "<Resource>bucket9</Resource>")
	})

	t.Run("DELETE is idempotent", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			resp := do(t, http.MethodDelete, server.URL+"/bucket1", nil)
			assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		}

		resp := do(t, http.MethodHead, server.URL+"/bucket1", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestObjectLifecycle(t *testing.T) {
	server := newTestServer(t)
	content := []byte("object content bytes")

	do(t, http.MethodPut, server.URL+"/bucket1", nil)

	t.Run("PUT stores the object and returns its ETag", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPut, server.URL+"/bucket1/dir/key1", bytes.NewReader(content))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "text/plain")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		// MD5 of the body, hex, uppercase, quoted.
		assert.Regexp(t, `^"[0-9A-F]{32}"$`, resp.Header.Get("ETag"))
	})

	t.Run("GET streams it back", func(t *testing.T) {
		resp := do(t, http.MethodGet, server.URL+"/bucket1/dir/key1", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
		assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
		assert.Regexp(t, `^"[0-9A-F]{32}"$`, resp.Header.Get("ETag"))

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, content, body)
	})

	t.Run("GET absent object is 404", func(t *testing.T) {
		resp := do(t, http.MethodGet, server.URL+"/bucket1/no-such-key", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("PUT with acl query is accepted empty", func(t *testing.T) {
		resp := do(t, http.MethodPut, server.URL+"/bucket1/dir/key1?acl", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Empty(t, body)
	})

	t.Run("GET with acl query returns the static policy", func(t *testing.T) {
		resp := do(t, http.MethodGet, server.URL+"/bucket1/dir/key1?acl", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "<AccessControlPolicy")
		assert.Contains(t, string(body), "<Permission>FULL_CONTROL</Permission>")
	})

	t.Run("DELETE is idempotent", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			resp := do(t, http.MethodDelete, server.URL+"/bucket1/dir/key1", nil)
			assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		}

		resp := do(t, http.MethodGet, server.URL+"/bucket1/dir/key1", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestListObjects(t *testing.T) {
	server := newTestServer(t)

	do(t, http.MethodPut, server.URL+"/photos", nil)
	for _, key := range []string{"Photo/1.jpg", "Photo/2.jpg", "Photo/January/4.jpg", "Photo/January/5.jpg"} {
		resp := do(t, http.MethodPut, server.URL+"/photos/"+key, strings.NewReader(key))
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	list := func(t *testing.T, query string) listBucketResult {
		t.Helper()

		resp := do(t, http.MethodGet, server.URL+"/photos?"+query, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var result listBucketResult
		require.NoError(t, xml.NewDecoder(resp.Body).Decode(&result))
		return result
	}

	t.Run("Prefix and delimiter", func(t *testing.T) {
		result := list(t, "prefix=Photo%2F&delimiter=%2F")

		require.Len(t, result.Contents, 2)
		assert.Equal(t, "Photo/1.jpg", result.Contents[0].Key)
		assert.Equal(t, "Photo/2.jpg", result.Contents[1].Key)
		require.Len(t, result.CommonPrefixes, 1)
		assert.Equal(t, "Photo/January/", result.CommonPrefixes[0].Prefix)
	})

	t.Run("Pagination with max-keys and marker", func(t *testing.T) {
		result := list(t, "max-keys=2")
		require.Len(t, result.Contents, 2)
		assert.True(t, result.IsTruncated)
		require.NotEmpty(t, result.NextMarker)

		result = list(t, "max-keys=2&marker="+result.NextMarker)
		require.Len(t, result.Contents, 2)
		assert.False(t, result.IsTruncated)
	})

	t.Run("Legacy maxkeys parameter", func(t *testing.T) {
		result := list(t, "maxkeys=1")
		assert.Len(t, result.Contents, 1)
		assert.True(t, result.IsTruncated)
	})

	t.Run("Invalid max-keys is 400", func(t *testing.T) {
		resp := do(t, http.MethodGet, server.URL+"/photos?max-keys=lots", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestBatchDelete(t *testing.T) {
	server := newTestServer(t)

	do(t, http.MethodPut, server.URL+"/bucket1", nil)
	for _, key := range []string{"key1", "key2", "key3"} {
		do(t, http.MethodPut, server.URL+"/bucket1/"+key, strings.NewReader(key))
	}

	t.Run("Deletes every named key", func(t *testing.T) {
		body := `<Delete><Object><Key>key1</Key></Object><Object><Key>key2</Key></Object></Delete>`
		resp := do(t, http.MethodPost, server.URL+"/bucket1?delete", strings.NewReader(body))
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		result, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(result), "<Deleted><Key>key1</Key></Deleted>")
		assert.Contains(t, string(result), "<Deleted><Key>key2</Key></Deleted>")

		for _, key := range []string{"key1", "key2"} {
			resp := do(t, http.MethodGet, server.URL+"/bucket1/"+key, nil)
			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		}

		resp = do(t, http.MethodGet, server.URL+"/bucket1/key3", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("Malformed body is 400", func(t *testing.T) {
		resp := do(t, http.MethodPost, server.URL+"/bucket1?delete", strings.NewReader("not xml"))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("Other POST is an empty 204", func(t *testing.T) {
		resp := do(t, http.MethodPost, server.URL+"/bucket1", strings.NewReader("ignored"))
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})
}

func TestRoundTripChecksum(t *testing.T) {
	server := newTestServer(t)

	do(t, http.MethodPut, server.URL+"/bucket1", nil)

	content := []byte("checksum me")
	req, err := http.NewRequest(http.MethodPut, server.URL+"/bucket1/key1", bytes.NewReader(content))
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	putETag := resp.Header.Get("ETag")
	require.NotEmpty(t, putETag)

	get := do(t, http.MethodGet, server.URL+"/bucket1/key1", nil)
	body, err := io.ReadAll(get.Body)
	require.NoError(t, err)

	assert.Equal(t, content, body)
	assert.Equal(t, putETag, get.Header.Get("ETag"))
	assert.Equal(t, `"F11C72A98BF0B6E31F0B0AF786A43BA7"`, putETag)
}
