package artifacts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New("localhost:9000", "minioadmin", "minioadmin", "fictures-test-artifacts", false, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestDecodeDataURL(t *testing.T) {
	tests := []struct {
		name     string
		source   string
		wantData string
		wantType string
		wantErr  bool
	}{
		{
			name:     "png data url",
			source:   "data:image/png;base64,aGVsbG8=",
			wantData: "hello",
			wantType: "image/png",
		},
		{
			name:     "missing media type falls back to png",
			source:   "data:;base64,aGVsbG8=",
			wantData: "hello",
			wantType: "image/png",
		},
		{
			name:    "no comma",
			source:  "data:image/png;base64",
			wantErr: true,
		},
		{
			name:    "not base64 encoded",
			source:  "data:text/plain,hello",
			wantErr: true,
		},
		{
			name:    "corrupt payload",
			source:  "data:image/png;base64,%%%",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, contentType, err := decodeDataURL(tt.source)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeDataURL() error = %v", err)
			}
			if string(data) != tt.wantData {
				t.Errorf("expected data %q, got %q", tt.wantData, string(data))
			}
			if contentType != tt.wantType {
				t.Errorf("expected content type %q, got %q", tt.wantType, contentType)
			}
		})
	}
}

func TestSceneImageKey(t *testing.T) {
	key := SceneImageKey("sc_1")
	if !strings.HasPrefix(key, "scenes/sc_1/img_") {
		t.Errorf("unexpected key prefix: %s", key)
	}
	if !strings.HasSuffix(key, ".png") {
		t.Errorf("unexpected key suffix: %s", key)
	}
	if key == SceneImageKey("sc_1") {
		t.Error("expected distinct keys per call")
	}
}

func TestFetchSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpeg-bytes"))
	}))
	defer srv.Close()

	s := newTestStore(t)
	data, contentType, err := s.resolveSource(context.Background(), srv.URL+"/img.jpg")
	if err != nil {
		t.Fatalf("resolveSource() error = %v", err)
	}
	if string(data) != "jpeg-bytes" {
		t.Errorf("expected fetched bytes, got %q", string(data))
	}
	if contentType != "image/jpeg" {
		t.Errorf("expected image/jpeg, got %s", contentType)
	}
}

func TestFetchSourceErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	s := newTestStore(t)
	if _, _, err := s.resolveSource(context.Background(), srv.URL+"/img.png"); err == nil {
		t.Fatal("expected error for non-200 source")
	}
}

func TestStoreImageRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping minio integration test in short mode")
	}
	endpoint := os.Getenv("FICTURES_TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("FICTURES_TEST_MINIO_ENDPOINT not set")
	}

	accessKey := os.Getenv("FICTURES_TEST_MINIO_ACCESS_KEY")
	if accessKey == "" {
		accessKey = "minioadmin"
	}
	secretKey := os.Getenv("FICTURES_TEST_MINIO_SECRET_KEY")
	if secretKey == "" {
		secretKey = "minioadmin"
	}

	ctx := context.Background()
	s, err := New(endpoint, accessKey, secretKey, "fictures-test-artifacts", false, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.EnsureBucket(ctx); err != nil {
		t.Fatalf("EnsureBucket() error = %v", err)
	}

	key := SceneImageKey("sc_test")
	if err := s.StoreImage(ctx, key, "data:image/png;base64,aGVsbG8="); err != nil {
		t.Fatalf("StoreImage() error = %v", err)
	}
	defer func() {
		if err := s.Remove(ctx, key); err != nil {
			t.Errorf("Remove() error = %v", err)
		}
	}()

	url, err := s.PresignedURL(ctx, key, 0)
	if err != nil {
		t.Fatalf("PresignedURL() error = %v", err)
	}
	if !strings.Contains(url, key) {
		t.Errorf("presigned url does not reference key: %s", url)
	}
}
