package remote

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/arkvolt/arkvolt/internal/apperror"
	"github.com/arkvolt/arkvolt/internal/envconst"
)

// RemoteEntry describes one object returned by Channel.List.
type RemoteEntry struct {
	Name  string
	Size  int64
	MTime time.Time
}

// Channel is the capability interface the Pipeline Runner and Retention
// Reaper depend on (spec.md §9: "narrow capability sets so tests can
// substitute in-memory implementations"). *SSHChannel and *MemChannel both
// implement it.
type Channel interface {
	Open(ctx context.Context) error
	Close() error
	EnsureDir(ctx context.Context, path string) error
	WriteStream(ctx context.Context, remotePath string, r io.Reader) (n int64, digest string, err error)
	// FetchStream is the restore-side inverse of WriteStream: it opens
	// remotePath for reading, the first stage of the inverse pipeline
	// (fetch -> decrypt -> decompress -> receive, spec.md §6 StartRestore).
	FetchStream(ctx context.Context, remotePath string) (io.ReadCloser, error)
	List(ctx context.Context, remotePrefix string) ([]RemoteEntry, error)
	Delete(ctx context.Context, remotePath string) error
	VerifyObject(ctx context.Context, remotePath string, expectedSize int64) (bool, error)
	WriteVerificationMarker(ctx context.Context, layout Layout, clientID string) error
}

var _ Channel = (*SSHChannel)(nil)

// Config carries the connection parameters for an SSHChannel, mirroring
// the ssh+stdinserver connect stanza's fields (host, user, port, identity
// file, options, dial timeout).
type Config struct {
	Host           string
	User           string
	Port           uint16
	IdentityFile   string
	Options        []string
	ConnectTimeout time.Duration
}

// SSHChannel is the production Remote Channel: an authenticated SSH
// session used to run remote shell commands and stream stdin to remote
// files. A Channel is used exclusively by one Run's pipeline (spec.md §5);
// a Run may open additional channels for retention reaping.
type SSHChannel struct {
	cfg    Config
	client *ssh.Client
}

func NewSSHChannel(cfg Config) *SSHChannel { return &SSHChannel{cfg: cfg} }

// Open dials the archival host with key-based authentication, bounded by
// cfg.ConnectTimeout (default 30s per spec.md §5).
func (c *SSHChannel) Open(ctx context.Context) error {
	timeout := c.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	signer, err := loadSigner(c.cfg.IdentityFile)
	if err != nil {
		return &apperror.Precondition{Op: "load ssh identity", Err: err}
	}

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(int(c.cfg.Port)))
	clientConfig := &ssh.ClientConfig{
		User:            c.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // spec.md §1: reached only over an already-private overlay link; see DESIGN.md "Host key verification decision"
		Timeout:         timeout,
	}

	// A transient dial/handshake failure (the archival host rebooting, a
	// blip on the overlay network) is retried with backoff; a bad
	// identity file was already rejected above and would not be fixed by
	// retrying.
	return withRetry(ctx, ensureDirRetries, ensureDirBaseDelay, func() error {
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", addr)
		if err != nil {
			return &apperror.Precondition{Op: "dial remote host", Err: err}
		}
		sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
		if err != nil {
			return &apperror.Precondition{Op: "ssh handshake", Err: err}
		}
		c.client = ssh.NewClient(sshConn, chans, reqs)
		return nil
	})
}

func (c *SSHChannel) Close() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

func (c *SSHChannel) newSession() (*ssh.Session, error) {
	if c.client == nil {
		return nil, errors.New("remote channel not open")
	}
	return c.client.NewSession()
}

func quoteArg(s string) string { return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'" }

// EnsureDir makes path (and parents) on the remote host. Idempotent.
func (c *SSHChannel) EnsureDir(ctx context.Context, dirPath string) error {
	return withRetry(ctx, ensureDirRetries, ensureDirBaseDelay, func() error {
		sess, err := c.newSession()
		if err != nil {
			return err
		}
		defer sess.Close()
		cmd := "mkdir -p " + quoteArg(dirPath)
		if out, err := sess.CombinedOutput(cmd); err != nil {
			return fmt.Errorf("ensure_dir %s: %w: %s", dirPath, err, out)
		}
		return nil
	})
}

// ensureDirRetries/ensureDirBaseDelay bound the retry spec.md §7 permits
// "only before any byte has been committed to .part": ensure_dir runs
// before the pipeline's remote writer ever opens its .part file, so a
// transient SSH hiccup here is safe to retry. Overridable for operators
// tuning around a flaky link without a config edit.
var (
	ensureDirRetries   = envconst.Int("ARKVOLT_ENSURE_DIR_RETRIES", 3)
	ensureDirBaseDelay = envconst.Duration("ARKVOLT_ENSURE_DIR_RETRY_DELAY", 200*time.Millisecond)
)

// withRetry runs fn up to attempts times, doubling the delay from
// baseDelay after each failed attempt (the delay itself is not capped),
// returning the last error if every attempt fails. It stops early if ctx
// is cancelled between attempts.
func withRetry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<uint(i))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// WriteStream streams r into a temporary `<remotePath>.part` file, then
// atomically renames it to remotePath on clean EOF. On any error the .part
// file is deleted before returning (spec.md §4.3). The returned digest is
// the hex sha256 of exactly the bytes written, used as the ArchiveObject's
// Digest and as the linearization-point input to Lineage Store commit.
func (c *SSHChannel) WriteStream(ctx context.Context, remotePath string, r io.Reader) (n int64, digest string, err error) {
	partPath := remotePath + ".part"
	sess, err := c.newSession()
	if err != nil {
		return 0, "", err
	}
	defer sess.Close()

	hasher := sha256.New()
	tee := io.TeeReader(r, hasher)

	stdin, err := sess.StdinPipe()
	if err != nil {
		return 0, "", fmt.Errorf("open stdin pipe: %w", err)
	}
	var stderr strings.Builder
	sess.Stderr = &stderr

	cmd := "cat > " + quoteArg(partPath)
	if err := sess.Start(cmd); err != nil {
		return 0, "", fmt.Errorf("start write_stream: %w", err)
	}

	n, copyErr := io.Copy(stdin, tee)
	closeErr := stdin.Close()
	waitErr := sess.Wait()

	if copyErr != nil || closeErr != nil || waitErr != nil {
		_ = c.Delete(ctx, partPath)
		switch {
		case copyErr != nil:
			return n, "", fmt.Errorf("write_stream copy: %w", copyErr)
		case waitErr != nil:
			return n, "", fmt.Errorf("write_stream remote command: %w: %s", waitErr, stderr.String())
		default:
			return n, "", fmt.Errorf("write_stream close stdin: %w", closeErr)
		}
	}

	if err := c.rename(ctx, partPath, remotePath); err != nil {
		_ = c.Delete(ctx, partPath)
		return n, "", err
	}
	return n, hex.EncodeToString(hasher.Sum(nil)), nil
}

// sshFetchReader wraps a running `cat` session's stdout, waiting for the
// session to exit cleanly on Close so a truncated remote read surfaces as
// an error instead of a silent short stream.
type sshFetchReader struct {
	sess   *ssh.Session
	stdout io.Reader
	stderr *strings.Builder
}

func (r *sshFetchReader) Read(p []byte) (int, error) { return r.stdout.Read(p) }

func (r *sshFetchReader) Close() error {
	err := r.sess.Wait()
	closeErr := r.sess.Close()
	if err != nil {
		return fmt.Errorf("fetch_stream remote command: %w: %s", err, r.stderr.String())
	}
	return closeErr
}

// FetchStream opens remotePath for reading via a remote `cat`, the inverse
// of WriteStream's `cat > .part`.
func (c *SSHChannel) FetchStream(ctx context.Context, remotePath string) (io.ReadCloser, error) {
	sess, err := c.newSession()
	if err != nil {
		return nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("open stdout pipe: %w", err)
	}
	var stderr strings.Builder
	sess.Stderr = &stderr
	if err := sess.Start("cat " + quoteArg(remotePath)); err != nil {
		sess.Close()
		return nil, fmt.Errorf("start fetch_stream: %w", err)
	}
	return &sshFetchReader{sess: sess, stdout: stdout, stderr: &stderr}, nil
}

func (c *SSHChannel) rename(ctx context.Context, from, to string) error {
	sess, err := c.newSession()
	if err != nil {
		return err
	}
	defer sess.Close()
	cmd := "mv " + quoteArg(from) + " " + quoteArg(to)
	if out, err := sess.CombinedOutput(cmd); err != nil {
		return fmt.Errorf("rename %s -> %s: %w: %s", from, to, err, out)
	}
	return nil
}

// List enumerates remotePrefix's immediate children with size and mtime.
func (c *SSHChannel) List(ctx context.Context, remotePrefix string) ([]RemoteEntry, error) {
	sess, err := c.newSession()
	if err != nil {
		return nil, err
	}
	defer sess.Close()
	cmd := fmt.Sprintf(`find %s -maxdepth 1 -type f -printf '%%f\t%%s\t%%T@\n' 2>/dev/null`, quoteArg(remotePrefix))
	out, err := sess.Output(cmd)
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitStatus() == 1 {
			return nil, nil // find returns 1 when remotePrefix doesn't exist
		}
		return nil, fmt.Errorf("list %s: %w", remotePrefix, err)
	}
	var entries []RemoteEntry
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) != 3 {
			continue
		}
		size, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		mtimeFloat, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			continue
		}
		entries = append(entries, RemoteEntry{
			Name:  fields[0],
			Size:  size,
			MTime: time.Unix(int64(mtimeFloat), 0).UTC(),
		})
	}
	return entries, nil
}

// Delete removes remotePath. Idempotent: a missing file is not an error.
func (c *SSHChannel) Delete(ctx context.Context, remotePath string) error {
	sess, err := c.newSession()
	if err != nil {
		return err
	}
	defer sess.Close()
	cmd := "rm -f " + quoteArg(remotePath)
	if out, err := sess.CombinedOutput(cmd); err != nil {
		return fmt.Errorf("delete %s: %w: %s", remotePath, err, out)
	}
	return nil
}

// headerMagicLen is the number of leading bytes of an encrypted archive
// checked by VerifyObject; see streamcrypt's 4-byte format magic plus the
// 8-byte stream id.
const headerMagicLen = 12

// VerifyObject checks the remote object's size and that its header is
// readable (spec.md §4.3 "at minimum checks size and readability of the
// header magic").
func (c *SSHChannel) VerifyObject(ctx context.Context, remotePath string, expectedSize int64) (bool, error) {
	sess, err := c.newSession()
	if err != nil {
		return false, err
	}
	defer sess.Close()
	cmd := fmt.Sprintf("stat -c %%s %s && head -c %d %s | xxd -p",
		quoteArg(remotePath), headerMagicLen, quoteArg(remotePath))
	out, err := sess.Output(cmd)
	if err != nil {
		return false, fmt.Errorf("verify_object %s: %w", remotePath, err)
	}
	lines := strings.SplitN(strings.TrimSpace(string(out)), "\n", 2)
	if len(lines) != 2 {
		return false, fmt.Errorf("verify_object %s: unexpected output %q", remotePath, out)
	}
	size, err := strconv.ParseInt(lines[0], 10, 64)
	if err != nil {
		return false, fmt.Errorf("verify_object %s: parse size: %w", remotePath, err)
	}
	if size != expectedSize {
		return false, nil
	}
	headerHex := strings.TrimSpace(lines[1])
	return len(headerHex) == headerMagicLen*2, nil
}

// WriteVerificationMarker rewrites the .verification liveness file after a
// successful Run (spec.md §6).
func (c *SSHChannel) WriteVerificationMarker(ctx context.Context, layout Layout, clientID string) error {
	line := fmt.Sprintf("%s %s\n", time.Now().UTC().Format(time.RFC3339), clientID)
	if err := c.EnsureDir(ctx, path.Dir(layout.VerificationPath())); err != nil {
		return err
	}
	_, _, err := c.WriteStream(ctx, layout.VerificationPath()+".tmp", strings.NewReader(line))
	if err != nil {
		return err
	}
	return c.rename(ctx, layout.VerificationPath()+".tmp", layout.VerificationPath())
}

func loadSigner(identityFile string) (ssh.Signer, error) {
	key, err := os.ReadFile(identityFile)
	if err != nil {
		return nil, fmt.Errorf("read identity file %s: %w", identityFile, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse identity file %s: %w", identityFile, err)
	}
	return signer, nil
}
