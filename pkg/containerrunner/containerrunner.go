// Package containerrunner drives the three fixed build-stage containers
// (unarchive, build, extract) over containerd: creating each one with a
// hardened OCI spec, streaming its logs, waiting for it to exit, pulling
// files back out of its filesystem, and tearing it down.
package containerrunner

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/inkforge/pkg/volume"
)

// Environment carries the values the original_source Rust builder
// passes into every stage container as environment variables.
type Environment struct {
	BuildSessionToken   string
	RustcVersion        string
	CargoContractVersion string
	SourceCodeURL       string
	APIServerURL        string
}

func (e Environment) vars() []string {
	return []string{
		fmt.Sprintf("SOURCE_CODE_URL=%s", e.SourceCodeURL),
		fmt.Sprintf("CARGO_CONTRACT_VERSION=%s", e.CargoContractVersion),
		fmt.Sprintf("RUST_VERSION=%s", e.RustcVersion),
		fmt.Sprintf("BUILD_SESSION_TOKEN=%s", e.BuildSessionToken),
		fmt.Sprintf("API_SERVER_URL=%s", e.APIServerURL),
	}
}

// Limits bounds the resources a stage container may consume.
type Limits struct {
	MemoryLimit     int64
	MemorySwapLimit int64
	PidsLimit       int64
}

// Runner owns a containerd client scoped to one namespace.
type Runner struct {
	client    *containerd.Client
	namespace string
}

// New connects to the containerd socket and returns a Runner scoped to
// namespace.
func New(socketPath, namespace string) (*Runner, error) {
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd: %w", err)
	}
	return &Runner{client: client, namespace: namespace}, nil
}

// Close closes the underlying containerd client.
func (r *Runner) Close() error {
	return r.client.Close()
}

func (r *Runner) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

// Container is a single hardened stage container bound to a Volume. The
// Volume is owned by the Container for its lifetime; Remove returns it
// to the caller, who must then close it.
type Container struct {
	id       string
	ctrd     containerd.Container
	task     containerd.Task
	vol      *volume.Volume
	mntDir   string
	logRead  io.ReadCloser
	logWrite io.WriteCloser
}

// Start pulls image, mounts vol's device at the build user's home
// directory, and starts a new task named name with the hardening policy
// applied: all Linux capabilities dropped except DAC_OVERRIDE,
// no-new-privileges, a pids limit, and the configured memory/swap caps.
// workDir sets the task's working directory inside the container; an
// empty workDir leaves the image's default in place. name must be
// distinct across the stages of a single session: containerd rejects a
// second container and snapshot created under a name already in use.
func (r *Runner) Start(ctx context.Context, name, image string, env Environment, vol *volume.Volume, limits Limits, workDir string) (*Container, error) {
	ctx = r.ctx(ctx)

	img, err := r.client.Pull(ctx, image, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("pull image %s: %w", image, err)
	}

	mntDir, err := os.MkdirTemp("", "inkforge-mnt-")
	if err != nil {
		return nil, fmt.Errorf("create mount dir: %w", err)
	}
	if err := mountExt4(ctx, vol.Device(), mntDir); err != nil {
		_ = os.Remove(mntDir)
		return nil, fmt.Errorf("mount volume: %w", err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(img),
		oci.WithEnv(env.vars()),
		oci.WithMounts([]specs.Mount{{
			Source:      mntDir,
			Destination: "/root",
			Type:        "bind",
			Options:     []string{"rbind", "rw"},
		}}),
		oci.WithCapabilities(nil),
		oci.WithAddedCapabilities([]string{"CAP_DAC_OVERRIDE"}),
		oci.WithMemoryLimit(uint64(limits.MemoryLimit)),
		oci.WithMemorySwap(limits.MemorySwapLimit),
		oci.WithPidsLimit(limits.PidsLimit),
		oci.WithNoNewPrivileges,
	}
	if workDir != "" {
		opts = append(opts, oci.WithProcessCwd(workDir))
	}

	ctrd, err := r.client.NewContainer(
		ctx, name,
		containerd.WithImage(img),
		containerd.WithNewSnapshot(name+"-snapshot", img),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		_ = unmount(ctx, mntDir)
		return nil, fmt.Errorf("create container: %w", err)
	}

	logRead, logWrite := io.Pipe()

	task, err := ctrd.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, logWrite, logWrite)))
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return nil, fmt.Errorf("start task: %w", err)
	}

	return &Container{id: name, ctrd: ctrd, task: task, vol: vol, mntDir: mntDir, logRead: logRead, logWrite: logWrite}, nil
}

// Logs returns a stream of the container's combined stdout/stderr,
// attached at creation time via cio.WithStreams. The reader stays open
// for the lifetime of the task; callers should drain it concurrently
// with Wait to avoid blocking the container's writes.
func (c *Container) Logs() (io.ReadCloser, error) {
	if c.logRead == nil {
		return nil, fmt.Errorf("container has no attached log stream")
	}
	return c.logRead, nil
}

// Wait blocks until the container's task exits and returns its exit
// code.
func (c *Container) Wait(ctx context.Context) (uint32, error) {
	statusC, err := c.task.Wait(ctx)
	if err != nil {
		return 0, fmt.Errorf("wait for task: %w", err)
	}
	select {
	case status := <-statusC:
		if c.logWrite != nil {
			_ = c.logWrite.Close()
		}
		return status.ExitCode(), status.Error()
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// DownloadFile reads path out of the container's bind-mounted home
// directory by first tar-archiving it into the front of buf, then
// decoding that archive back out into the tail of the same buf. This
// mirrors the Docker-based original, which has no choice but to
// tar-stream a file out of a container's overlay filesystem: keeping
// the same buffer-aliasing discipline here means a single allocation
// bounds both the tarred and untarred representation of a downloaded
// file, so the configured size limit is enforced once, consistently,
// regardless of how the bytes were fetched off the container.
func (c *Container) DownloadFile(relPath string, buf []byte) ([]byte, error) {
	full := c.mntDir + "/" + strings.TrimPrefix(relPath, "/")
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s", relPath)
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	w := &boundedWriter{buf: buf}
	tw := tar.NewWriter(w)
	hdr := &tar.Header{Name: filepath.Base(relPath), Size: info.Size(), Mode: 0644}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("file size limit exceeded")
	}
	if _, err := io.Copy(tw, f); err != nil {
		return nil, fmt.Errorf("file size limit exceeded")
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("file size limit exceeded")
	}

	return ExtractFromTar(buf, w.n)
}

// boundedWriter writes into buf starting at offset 0, reporting a
// short write once buf is exhausted instead of growing, so a tar
// stream larger than buf fails the write rather than silently
// reallocating past the caller's size cap.
type boundedWriter struct {
	buf []byte
	n   int
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	room := len(w.buf) - w.n
	if room < len(p) {
		return 0, fmt.Errorf("tar stream exceeds buffer capacity")
	}
	copy(w.buf[w.n:], p)
	w.n += len(p)
	return len(p), nil
}

// ExtractFromTar splits buf in place: the first tarLen bytes hold the
// raw tar archive, the remainder is used to decode its first entry's
// contents. A file occupying exactly the remaining capacity is a valid
// download, not an overflow: ExtractFromTar only rejects a file that
// needs more bytes than are left after the archive.
func ExtractFromTar(buf []byte, tarLen int) ([]byte, error) {
	archive, fileBuf := buf[:tarLen], buf[tarLen:]

	tr := tar.NewReader(bytes.NewReader(archive))
	hdr, err := tr.Next()
	if err == io.EOF {
		return nil, fmt.Errorf("file not found")
	}
	if err != nil {
		return nil, err
	}
	_ = hdr

	n, err := io.ReadFull(tr, fileBuf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	if err == nil {
		// fileBuf filled exactly; confirm there isn't a further byte
		// the file's contents overflowed before declaring it exact.
		var probe [1]byte
		if _, probeErr := tr.Read(probe[:]); probeErr != io.EOF {
			return nil, fmt.Errorf("file size limit exceeded")
		}
	}

	return fileBuf[:n], nil
}

// Remove force-removes the container's task and the container itself,
// including its snapshot, then returns the Volume it owned to the
// caller. The caller is responsible for closing the returned Volume.
func (c *Container) Remove(ctx context.Context) (*volume.Volume, error) {
	var firstErr error

	if c.task != nil {
		if _, err := c.task.Delete(ctx, containerd.WithProcessKill); err != nil {
			firstErr = fmt.Errorf("delete task: %w", err)
		}
	}
	if c.ctrd != nil {
		if err := c.ctrd.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("delete container: %w", err)
		}
	}
	if c.logWrite != nil {
		_ = c.logWrite.Close()
	}

	if err := unmount(ctx, c.mntDir); err != nil && firstErr == nil {
		firstErr = err
	}
	_ = os.Remove(c.mntDir)

	return c.vol, firstErr
}

func mountExt4(ctx context.Context, device, target string) error {
	return exec.CommandContext(ctx, "mount", "-t", "ext4", device, target).Run()
}

func unmount(ctx context.Context, target string) error {
	return exec.CommandContext(ctx, "umount", target).Run()
}
