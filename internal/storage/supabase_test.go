package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/tallocr/internal/config"
)

func TestSupabaseStorage_RoundTrip(t *testing.T) {
	objects := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer service-key", r.Header.Get("Authorization"))
		key := strings.TrimPrefix(r.URL.Path, "/storage/v1/object/")
		switch r.Method {
		case http.MethodPost:
			assert.Equal(t, "image/png", r.Header.Get("Content-Type"))
			body, _ := io.ReadAll(r.Body)
			objects[key] = string(body)
		case http.MethodGet:
			body, ok := objects[key]
			if !ok {
				http.Error(w, `{"error":"not_found"}`, http.StatusNotFound)
				return
			}
			_, _ = io.WriteString(w, body)
		case http.MethodDelete:
			delete(objects, key)
		}
	}))
	defer srv.Close()

	s := NewSupabaseStorage(srv.URL+"/", "service-key")
	ctx := context.Background()

	require.NoError(t, s.Upload(ctx, "screenshots", "a/b.png", strings.NewReader("png-bytes"), "image/png"))
	assert.Equal(t, "png-bytes", objects["screenshots/a/b.png"])

	rc, err := s.Download(ctx, "screenshots", "a/b.png")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "png-bytes", string(data))

	require.NoError(t, s.Delete(ctx, "screenshots", "a/b.png"))
	_, err = s.Download(ctx, "screenshots", "a/b.png")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSupabaseStorage_UploadError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bucket missing", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewSupabaseStorage(srv.URL, "k").Upload(context.Background(), "b", "p", strings.NewReader("x"), "image/png")
	assert.ErrorContains(t, err, "upload failed (400)")
}

func TestSupabaseStorage_PublicURL(t *testing.T) {
	s := NewSupabaseStorage("https://proj.supabase.co", "k")
	assert.Equal(t, "https://proj.supabase.co/storage/v1/object/public/screenshots/x.png", s.GetPublicURL("screenshots", "/x.png"))
}

func TestNew_Backends(t *testing.T) {
	_, err := New(context.Background(), config.StorageConfig{Backend: "supabase"})
	assert.ErrorContains(t, err, "SUPABASE_URL")

	s, err := New(context.Background(), config.StorageConfig{Backend: "supabase", SupabaseURL: "http://x", SupabaseKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &SupabaseStorage{}, s)

	s, err = New(context.Background(), config.StorageConfig{
		Backend: "s3", S3Region: "eu-west-1", S3Endpoint: "http://minio:9000", S3AccessKey: "a", S3SecretKey: "b",
	})
	require.NoError(t, err)
	assert.Equal(t, "http://minio:9000/shots/k.png", s.GetPublicURL("shots", "k.png"))

	_, err = New(context.Background(), config.StorageConfig{Backend: "ftp"})
	assert.Error(t, err)
}
