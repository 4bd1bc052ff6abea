package archive

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func readArchive(t *testing.T, path string) map[string]string {
	t.Helper()
	rc, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer rc.Close()
	out := map[string]string{}
	for _, f := range rc.File {
		r, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		b, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			t.Fatalf("read %s: %v", f.Name, err)
		}
		out[f.Name] = string(b)
	}
	return out
}

func TestDirectoryPreservesRelativePaths(t *testing.T) {
	files := map[string]string{
		"mug/raw/frame_00000.png":       "raw-0",
		"mug/realsense/frame_00000.png": "depth-0",
		"no_match/raw/frame_00003.png":  "raw-3",
		"removed_images.txt":            "header\n",
	}
	for _, name := range []string{"deflate", "zstd", "store"} {
		t.Run(name, func(t *testing.T) {
			src := t.TempDir()
			writeTree(t, src, files)
			method, err := Method(name)
			if err != nil {
				t.Fatal(err)
			}
			dst := filepath.Join(t.TempDir(), "archives", "pipe-1.zip")

			sum, err := Directory(context.Background(), src, dst, method)
			if err != nil {
				t.Fatalf("Directory() error = %v", err)
			}
			if sum.Files != len(files) || sum.Bytes <= 0 {
				t.Errorf("Summary = %+v", sum)
			}
			got := readArchive(t, dst)
			if len(got) != len(files) {
				t.Fatalf("archive has %d entries, want %d", len(got), len(files))
			}
			for name, body := range files {
				if got[name] != body {
					t.Errorf("entry %s = %q, want %q", name, got[name], body)
				}
			}
		})
	}
}

func TestDirectoryMethodRecorded(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "aaaa"})
	dst := filepath.Join(t.TempDir(), "out.zip")
	if _, err := Directory(context.Background(), src, dst, MethodZstd); err != nil {
		t.Fatal(err)
	}
	rc, err := zip.OpenReader(dst)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	if rc.File[0].Method != MethodZstd {
		t.Errorf("Method = %d, want %d", rc.File[0].Method, MethodZstd)
	}
}

func TestDirectoryCanceled(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "a"})
	dst := filepath.Join(t.TempDir(), "out.zip")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Directory(ctx, src, dst, zip.Deflate); !errors.Is(err, context.Canceled) {
		t.Fatalf("Directory() error = %v, want context.Canceled", err)
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Error("partial archive left at destination")
	}
	entries, _ := os.ReadDir(filepath.Dir(dst))
	if len(entries) != 0 {
		t.Errorf("temp files left behind: %d", len(entries))
	}
}

func TestMethod(t *testing.T) {
	if _, err := Method("lz4"); err == nil {
		t.Error("Method(lz4) succeeded")
	}
	if m, _ := Method(""); m != zip.Deflate {
		t.Errorf("Method(\"\") = %d", m)
	}
}

type fakeS3 struct {
	keys    []string
	bodies  []string
	expires time.Duration
	putErr  error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	b, _ := io.ReadAll(in.Body)
	f.keys = append(f.keys, aws.ToString(in.Key))
	f.bodies = append(f.bodies, string(b))
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) PresignGetObject(_ context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	var opts s3.PresignOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	f.expires = opts.Expires
	return &v4.PresignedHTTPRequest{URL: "https://example.test/" + aws.ToString(in.Key)}, nil
}

func TestPublish(t *testing.T) {
	local := filepath.Join(t.TempDir(), "pipe-1.zip")
	if err := os.WriteFile(local, []byte("zipbytes"), 0644); err != nil {
		t.Fatal(err)
	}
	fake := &fakeS3{}
	p := NewPublisher(fake, fake, "bucket", "archives/", 15*time.Minute)

	key, url, err := p.Publish(context.Background(), local, "pipe-1.zip")
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if key != "archives/pipe-1.zip" || url != "https://example.test/archives/pipe-1.zip" {
		t.Errorf("Publish() = (%q, %q)", key, url)
	}
	if fake.expires != 15*time.Minute {
		t.Errorf("presign expiry = %v", fake.expires)
	}
	sort.Strings(fake.bodies)
	if len(fake.bodies) != 1 || fake.bodies[0] != "zipbytes" {
		t.Errorf("uploaded bodies = %v", fake.bodies)
	}

	fake.putErr = errors.New("AccessDenied")
	if _, _, err := p.Publish(context.Background(), local, "pipe-1.zip"); err == nil {
		t.Error("Publish() succeeded despite PutObject error")
	}
}
