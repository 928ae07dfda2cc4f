package remote

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/arkvolt/arkvolt/internal/chainlock"
)

// MemChannel is an in-memory Channel used by tests that exercise the
// round-trip property in spec.md §8 without a real SSH endpoint.
type MemChannel struct {
	mtx   chainlock.L
	files map[string][]byte
}

func NewMemChannel() *MemChannel { return &MemChannel{files: make(map[string][]byte)} }

var _ Channel = (*MemChannel)(nil)

func (m *MemChannel) Open(context.Context) error  { return nil }
func (m *MemChannel) Close() error                { return nil }

func (m *MemChannel) EnsureDir(context.Context, string) error { return nil } // flat namespace, nothing to create

func (m *MemChannel) WriteStream(ctx context.Context, remotePath string, r io.Reader) (int64, string, error) {
	var buf bytes.Buffer
	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(&buf, hasher), r)
	if err != nil {
		return n, "", fmt.Errorf("write_stream copy: %w", err)
	}
	m.mtx.HoldWhile(func() {
		m.files[remotePath] = buf.Bytes()
	})
	return n, hex.EncodeToString(hasher.Sum(nil)), nil
}

func (m *MemChannel) FetchStream(ctx context.Context, remotePath string) (io.ReadCloser, error) {
	var v []byte
	var ok bool
	m.mtx.HoldWhile(func() { v, ok = m.files[remotePath] })
	if !ok {
		return nil, fmt.Errorf("fetch_stream: %s not found", remotePath)
	}
	return io.NopCloser(bytes.NewReader(v)), nil
}

func (m *MemChannel) List(ctx context.Context, remotePrefix string) ([]RemoteEntry, error) {
	var out []RemoteEntry
	m.mtx.HoldWhile(func() {
		for k, v := range m.files {
			dir := path.Dir(k)
			if dir != strings.TrimSuffix(remotePrefix, "/") {
				continue
			}
			out = append(out, RemoteEntry{Name: path.Base(k), Size: int64(len(v)), MTime: time.Now()})
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemChannel) Delete(ctx context.Context, remotePath string) error {
	m.mtx.HoldWhile(func() { delete(m.files, remotePath) })
	return nil
}

func (m *MemChannel) VerifyObject(ctx context.Context, remotePath string, expectedSize int64) (bool, error) {
	var ok bool
	m.mtx.HoldWhile(func() {
		v, present := m.files[remotePath]
		ok = present && int64(len(v)) == expectedSize
	})
	return ok, nil
}

func (m *MemChannel) WriteVerificationMarker(ctx context.Context, layout Layout, clientID string) error {
	line := fmt.Sprintf("%s %s\n", time.Now().UTC().Format(time.RFC3339), clientID)
	_, _, err := m.WriteStream(ctx, layout.VerificationPath(), strings.NewReader(line))
	return err
}

// Get returns the stored bytes for remotePath, for test assertions.
func (m *MemChannel) Get(remotePath string) ([]byte, bool) {
	var v []byte
	var ok bool
	m.mtx.HoldWhile(func() { v, ok = m.files[remotePath] })
	return v, ok
}

// Has reports whether an object is stored at exactly remotePath, used by tests
// asserting cleanup after failure/cancellation (spec.md §8 property 3).
func (m *MemChannel) Has(remotePath string) bool {
	_, ok := m.Get(remotePath)
	return ok
}
