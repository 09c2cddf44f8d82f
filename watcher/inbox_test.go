package watcher

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houzhh15/tunnel-registry/importer"
	"github.com/houzhh15/tunnel-registry/registry"
	"github.com/houzhh15/tunnel-registry/wgconf"
)

const validConf = `[Interface]
PrivateKey = dwdtCnMYpX08FsFyUbJmRd9ML4frwJkqsXf7pR25LCo=
Address = 10.0.0.2/32

[Peer]
PublicKey = 3p7bfXt9wbTTW2HC7OQ1Nz+DQ8hbeGdNrfx+FG+IK08=
AllowedIPs = 0.0.0.0/0
`

type outcome struct {
	file   string
	result *importer.BatchResult
	err    error
}

func newInbox(t *testing.T, dir string) (*Inbox, *registry.Registry, chan outcome) {
	t.Helper()
	reg := registry.New(nil)
	im, err := importer.New(&importer.Config{Parser: wgconf.NewParser(nil), Registry: reg})
	require.NoError(t, err)

	results := make(chan outcome, 16)
	inbox, err := NewInbox(&InboxConfig{
		Dir:      dir,
		Importer: im,
		Settle:   50 * time.Millisecond,
		OnResult: func(path string, result *importer.BatchResult, err error) {
			results <- outcome{filepath.Base(path), result, err}
		},
	})
	require.NoError(t, err)
	return inbox, reg, results
}

func next(t *testing.T, results chan outcome) outcome {
	t.Helper()
	select {
	case o := <-results:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for inbox result")
		return outcome{}
	}
}

func TestNewInboxValidates(t *testing.T) {
	_, err := NewInbox(&InboxConfig{Importer: &importer.Importer{}})
	assert.Error(t, err)
	_, err = NewInbox(&InboxConfig{Dir: t.TempDir()})
	assert.Error(t, err)
}

func TestInboxImportsNewFiles(t *testing.T) {
	dir := t.TempDir()
	inbox, reg, results := newInbox(t, dir)
	require.NoError(t, inbox.Start(context.Background()))
	defer inbox.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "work.conf"), []byte(validConf), 0o600))
	o := next(t, results)
	require.NoError(t, o.err)
	assert.Equal(t, "work.conf", o.file)
	assert.Equal(t, []string{"work"}, o.result.Keys)
	assert.Equal(t, 1, reg.Count())

	_, err := os.Stat(filepath.Join(dir, ImportedDir, "work.conf"))
	assert.NoError(t, err, "imported file is moved aside")
	_, err = os.Stat(filepath.Join(dir, "work.conf"))
	assert.True(t, os.IsNotExist(err))

	// 解析失败的文件移到 failed/
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.conf"), []byte("[Peer]\n"), 0o600))
	o = next(t, results)
	assert.Error(t, o.err)
	_, err = os.Stat(filepath.Join(dir, FailedDir, "broken.conf"))
	assert.NoError(t, err)

	// 其他扩展名不处理
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range []string{"a.conf", "b.conf"} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(validConf))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bundle.zip"), buf.Bytes(), 0o600))

	o = next(t, results)
	require.NoError(t, o.err)
	assert.Equal(t, "bundle.zip", o.file)
	assert.Equal(t, 2, o.result.Succeeded)
	assert.Equal(t, 3, reg.Count())

	_, err = os.Stat(filepath.Join(dir, "notes.txt"))
	assert.NoError(t, err, "unrelated files stay in place")
}

func TestInboxPicksUpExistingFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "home.conf"), []byte(validConf), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden.conf"), []byte(validConf), 0o600))

	inbox, reg, results := newInbox(t, dir)
	require.NoError(t, inbox.Start(context.Background()))
	defer inbox.Close()

	o := next(t, results)
	require.NoError(t, o.err)
	assert.Equal(t, "home.conf", o.file)

	select {
	case o := <-results:
		t.Fatalf("unexpected result for %s", o.file)
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, 1, reg.Count())
}

func TestInboxSettlesRepeatedWrites(t *testing.T) {
	dir := t.TempDir()
	inbox, reg, results := newInbox(t, dir)
	inbox.settle = 200 * time.Millisecond
	require.NoError(t, inbox.Start(context.Background()))
	defer inbox.Close()

	// 分段写入，期间不应读到半个文件
	path := filepath.Join(dir, "slow.conf")
	f, err := os.Create(path)
	require.NoError(t, err)
	half := len(validConf) / 2
	_, err = f.WriteString(validConf[:half])
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	_, err = f.WriteString(validConf[half:])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	o := next(t, results)
	require.NoError(t, o.err)
	assert.Equal(t, 1, reg.Count())
}

func TestInboxCloseDropsPendingFiles(t *testing.T) {
	dir := t.TempDir()
	inbox, reg, _ := newInbox(t, dir)
	inbox.settle = time.Hour
	require.NoError(t, inbox.Start(context.Background()))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "later.conf"), []byte(validConf), 0o600))
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		inbox.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on a pending timer")
	}
	assert.Equal(t, 0, reg.Count())
}
