package backend

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/yndnr/shardmesh-go/internal/core/domain"
)

func TestDirStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}

	data := []byte("wrapped shard envelope")
	id, err := s.Put(ctx, data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if id != BlobID(data) {
		t.Errorf("id = %s, want content id", id)
	}

	again, err := s.Put(ctx, data)
	if err != nil || again != id {
		t.Errorf("second Put = %s, %v; want same id", again, err)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Get = %q, want %q", got, data)
	}

	t.Run("missing", func(t *testing.T) {
		_, err := s.Get(ctx, BlobID([]byte("never stored")))
		if !errors.Is(err, domain.ErrFileNotFound) {
			t.Errorf("Get error = %v, want ErrFileNotFound", err)
		}
	})

	t.Run("bad id", func(t *testing.T) {
		for _, id := range []string{"", "../../etc/passwd", strings.Repeat("G", 64)} {
			if _, err := s.Get(ctx, id); !errors.Is(err, domain.ErrInvalidArgument) {
				t.Errorf("Get(%q) error = %v, want ErrInvalidArgument", id, err)
			}
		}
	})

	t.Run("corrupt", func(t *testing.T) {
		if err := os.WriteFile(s.path(id), []byte("tampered"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Get(ctx, id); !errors.Is(err, domain.ErrStorage) {
			t.Errorf("Get error = %v, want ErrStorage", err)
		}
	})
}

func TestDirStore_NoTempFilesLeft(t *testing.T) {
	root := t.TempDir()
	s, _ := NewDirStore(root)
	for i := 0; i < 5; i++ {
		if _, err := s.Put(context.Background(), []byte{byte(i), 1, 2, 3}); err != nil {
			t.Fatal(err)
		}
	}
	matches, _ := filepath.Glob(filepath.Join(root, "*", ".blob-*.tmp"))
	if len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func newServer(t *testing.T, bearer string) (*httptest.Server, *DirStore) {
	t.Helper()
	dir, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(Handler(dir, bearer, nil))
	t.Cleanup(srv.Close)
	return srv, dir
}

func TestHTTPStore_RoundTrip(t *testing.T) {
	srv, dir := newServer(t, "smbt_secret")
	ctx := context.Background()

	store, err := NewHTTPStore(HTTPConfig{Endpoint: srv.URL + "/", Token: "smbt_secret", Client: srv.Client()})
	if err != nil {
		t.Fatalf("NewHTTPStore: %v", err)
	}

	data := bytes.Repeat([]byte{0xAB}, 10000)
	id, err := store.Put(ctx, data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := dir.Get(ctx, id); err != nil {
		t.Errorf("blob not on server: %v", err)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("Get returned different bytes")
	}
}

func TestHTTPStore_Errors(t *testing.T) {
	srv, _ := newServer(t, "smbt_secret")
	ctx := context.Background()

	t.Run("wrong token", func(t *testing.T) {
		store, _ := NewHTTPStore(HTTPConfig{Endpoint: srv.URL, Token: "smbt_wrong", Client: srv.Client()})
		_, err := store.Put(ctx, []byte("x"))
		if !errors.Is(err, domain.ErrUnauthorized) {
			t.Errorf("Put error = %v, want ErrUnauthorized", err)
		}
	})

	t.Run("not found", func(t *testing.T) {
		store, _ := NewHTTPStore(HTTPConfig{Endpoint: srv.URL, Token: "smbt_secret", Client: srv.Client()})
		_, err := store.Get(ctx, BlobID([]byte("absent")))
		if !errors.Is(err, domain.ErrFileNotFound) {
			t.Errorf("Get error = %v, want ErrFileNotFound", err)
		}
	})

	t.Run("server down", func(t *testing.T) {
		down := httptest.NewServer(http.NotFoundHandler())
		url := down.URL
		down.Close()
		store, _ := NewHTTPStore(HTTPConfig{Endpoint: url})
		_, err := store.Put(ctx, []byte("x"))
		if !errors.Is(err, domain.ErrTransportUnavailable) {
			t.Errorf("Put error = %v, want ErrTransportUnavailable", err)
		}
	})

	t.Run("mismatched id rejected by server", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPut, srv.URL+"/blobs/"+BlobID([]byte("a")), strings.NewReader("b"))
		req.Header.Set("Authorization", "Bearer smbt_secret")
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("empty endpoint", func(t *testing.T) {
		if _, err := NewHTTPStore(HTTPConfig{}); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("NewHTTPStore error = %v, want ErrInvalidArgument", err)
		}
	})
}
