package containerrunner

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func buildTar(t *testing.T, name string, content []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{Name: name, Size: int64(len(content)), Mode: 0644}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("WriteHeader() error = %v", err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return buf.Bytes()
}

func TestExtractFromTar(t *testing.T) {
	content := []byte("\x00asm\x01\x00\x00\x00fake-wasm-bytes")
	archive := buildTar(t, "main.wasm", content)

	buf := make([]byte, len(archive)+len(content))
	copy(buf, archive)

	got, err := ExtractFromTar(buf, len(archive))
	if err != nil {
		t.Fatalf("ExtractFromTar() error = %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("ExtractFromTar() = %q, want %q", got, content)
	}
}

func TestExtractFromTarEmptyArchive(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	_ = tw.Close()

	out := make([]byte, buf.Len()+16)
	copy(out, buf.Bytes())

	if _, err := ExtractFromTar(out, buf.Len()); err == nil {
		t.Error("ExtractFromTar() on empty archive should error")
	}
}

func writeMntFile(t *testing.T, mntDir, relPath string, content []byte) {
	t.Helper()
	full := filepath.Join(mntDir, relPath)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(full, content, 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func TestContainerDownloadFile(t *testing.T) {
	mntDir := t.TempDir()
	content := []byte("contract source text")
	writeMntFile(t, mntDir, "lib.rs", content)

	c := &Container{mntDir: mntDir}

	buf := make([]byte, 4096)
	got, err := c.DownloadFile("lib.rs", buf)
	if err != nil {
		t.Fatalf("DownloadFile() error = %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("DownloadFile() = %q, want %q", got, content)
	}
}

// TestContainerDownloadFileExactCapacity exercises the boundary the
// review caught: a file whose tar representation plus decoded contents
// exactly fill buf must be accepted, not rejected as oversized.
func TestContainerDownloadFileExactCapacity(t *testing.T) {
	mntDir := t.TempDir()
	content := []byte("exact-fit-file-contents")
	writeMntFile(t, mntDir, "lib.rs", content)

	c := &Container{mntDir: mntDir}

	// Replicate the tar encoding DownloadFile produces internally to
	// learn its exact length, then size buf so the decoded file lands
	// in precisely the remaining capacity.
	w := &boundedWriter{buf: make([]byte, 4096)}
	tw := tar.NewWriter(w)
	hdr := &tar.Header{Name: "lib.rs", Size: int64(len(content)), Mode: 0644}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("WriteHeader() error = %v", err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	buf := make([]byte, w.n+len(content))
	got, err := c.DownloadFile("lib.rs", buf)
	if err != nil {
		t.Fatalf("DownloadFile() on exact-capacity buffer error = %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("DownloadFile() = %q, want %q", got, content)
	}
}

func TestContainerDownloadFileNotFound(t *testing.T) {
	c := &Container{mntDir: t.TempDir()}

	buf := make([]byte, 4096)
	if _, err := c.DownloadFile("missing.rs", buf); err == nil {
		t.Error("DownloadFile() on missing file should error")
	}
}

func TestContainerDownloadFileTooSmallBuffer(t *testing.T) {
	mntDir := t.TempDir()
	writeMntFile(t, mntDir, "lib.rs", bytes.Repeat([]byte("x"), 1024))

	c := &Container{mntDir: mntDir}

	buf := make([]byte, 16)
	if _, err := c.DownloadFile("lib.rs", buf); err == nil {
		t.Error("DownloadFile() with undersized buffer should error")
	}
}
