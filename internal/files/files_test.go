package files

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"meshchat/internal/service"
	"meshchat/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func backends(t *testing.T) map[string]Blobs {
	t.Helper()
	disk, err := NewDiskBlobs(filepath.Join(t.TempDir(), "uploads"))
	if err != nil {
		t.Fatalf("NewDiskBlobs() error = %v", err)
	}
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return map[string]Blobs{"disk": disk, "redis": NewRedisBlobs(rdb)}
}

func TestService_RoundTrip(t *testing.T) {
	for name, blobs := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			svc := NewService(blobs, store.NewMemory(), 1024)
			data := []byte("hello world")

			out, err := svc.Store(ctx, data, Meta{Name: "notes.txt", Mime: "text/plain"})
			if err != nil {
				t.Fatalf("Store() error = %v", err)
			}
			if out.ID == "" || out.URL != "/files/"+out.ID {
				t.Errorf("Store() = %+v", out)
			}
			rec, got, err := svc.Retrieve(ctx, out.ID)
			if err != nil {
				t.Fatalf("Retrieve() error = %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Errorf("Retrieve() bytes = %q", got)
			}
			if rec.Mime != "text/plain" || rec.Size != int64(len(data)) || rec.Backend != name {
				t.Errorf("Retrieve() meta = %+v", rec)
			}
			if _, _, err := svc.Retrieve(ctx, "missing"); !errors.Is(err, service.ErrFileNotFound) {
				t.Errorf("Retrieve(missing) error = %v", err)
			}
		})
	}
}

func TestService_Limits(t *testing.T) {
	disk, err := NewDiskBlobs(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	svc := NewService(disk, store.NewMemory(), 4)
	ctx := context.Background()
	if _, err := svc.Store(ctx, []byte("too large"), Meta{Name: "a.bin"}); !errors.Is(err, ErrTooLarge) {
		t.Errorf("Store(large) error = %v, want ErrTooLarge", err)
	}
	if _, err := svc.Store(ctx, nil, Meta{Name: "a.bin"}); !errors.Is(err, ErrMissingPayload) {
		t.Errorf("Store(empty) error = %v, want ErrMissingPayload", err)
	}
	out, err := svc.Store(ctx, []byte("ok"), Meta{Name: "a.bin"})
	if err != nil {
		t.Fatal(err)
	}
	rec, _, _ := svc.Retrieve(ctx, out.ID)
	if rec.Mime != defaultMime {
		t.Errorf("default mime = %q", rec.Mime)
	}
}

func TestDiskBlobs_SanitizesExtension(t *testing.T) {
	dir := t.TempDir()
	disk, _ := NewDiskBlobs(dir)
	loc, err := disk.Put(context.Background(), "abc", "../../evil.t$x/t", []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.ContainsAny(loc, "/$") || !strings.HasPrefix(loc, "abc") {
		t.Errorf("location = %q", loc)
	}
	if _, err := os.Stat(filepath.Join(dir, loc)); err != nil {
		t.Errorf("file not written inside dir: %v", err)
	}
	loc, _ = disk.Put(context.Background(), "img", "photo.png", []byte("x"))
	if loc != "img.png" {
		t.Errorf("location = %q, want img.png", loc)
	}
}

func TestDecodePayload(t *testing.T) {
	raw := []byte("meshchat")
	b64 := base64.StdEncoding.EncodeToString(raw)
	tests := []struct {
		name     string
		payload  string
		wantMime string
		wantErr  error
	}{
		{"data url", "data:text/plain;base64," + b64, "text/plain", nil},
		{"data url with params", "data:text/plain;charset=utf-8;base64," + b64, "text/plain", nil},
		{"bare base64", b64, "", nil},
		{"unpadded", strings.TrimRight(b64, "="), "", nil},
		{"empty", "  ", "", ErrMissingPayload},
		{"garbage", "***", "", ErrInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, mime, err := DecodePayload(tt.payload)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("DecodePayload() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil || !bytes.Equal(got, raw) || mime != tt.wantMime {
				t.Errorf("DecodePayload() = %q, %q, %v", got, mime, err)
			}
		})
	}
}
