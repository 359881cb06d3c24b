// SPDX-License-Identifier: MIT

package keypool

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	testKeyA = "AIzaAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	testKeyB = "AIzaBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"
)

func TestIsValidKey(t *testing.T) {
	assert.True(t, IsValidKey(testKeyA))
	assert.True(t, IsValidKey("  "+testKeyA+"  "))
	assert.False(t, IsValidKey("AIzashort"))
	assert.False(t, IsValidKey("sk-"+strings.Repeat("x", 40)))
	assert.False(t, IsValidKey(""))
}

func TestParseKeysDedupAndOrder(t *testing.T) {
	raw := testKeyA + "\n" + testKeyB + ",\n# comment line\n" + testKeyA + "\r\n"
	keys := ParseKeys(raw)
	assert.Equal(t, []string{testKeyA, testKeyB}, keys)
}

func TestParseKeysEmpty(t *testing.T) {
	assert.Nil(t, ParseKeys("   \n  "))
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, "none", Fingerprint("  "))
	assert.Equal(t, "short-key", Fingerprint("short-key"))
	fp := Fingerprint(testKeyA)
	assert.Equal(t, testKeyA[:8]+"..."+testKeyA[len(testKeyA)-4:], fp)
	assert.NotContains(t, fp, testKeyA[10:20])
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "keys.txt")
	require.NoError(t, os.WriteFile(file, []byte(testKeyA), 0o600))
	t.Setenv("VF_TEST_POOL", testKeyB)
	t.Setenv("VF_TEST_SINGLE", testKeyB)

	keys, err := Load(Sources{FilePath: file, PoolEnvVar: "VF_TEST_POOL", SingleEnvVar: "VF_TEST_SINGLE"})
	require.NoError(t, err)
	assert.Equal(t, []string{testKeyA}, keys)

	// empty file falls through to the pool env var
	require.NoError(t, os.WriteFile(file, []byte("# none"), 0o600))
	keys, err = Load(Sources{FilePath: file, PoolEnvVar: "VF_TEST_POOL", SingleEnvVar: "VF_TEST_SINGLE"})
	require.NoError(t, err)
	assert.Equal(t, []string{testKeyB}, keys)
}

func TestPoolReload(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "keys.txt")
	require.NoError(t, os.WriteFile(file, []byte(testKeyA), 0o600))

	pool, err := NewPool(Sources{FilePath: file})
	require.NoError(t, err)
	assert.Equal(t, 1, pool.Size())
	assert.True(t, pool.Configured())

	require.NoError(t, os.WriteFile(file, []byte(testKeyA+"\n"+testKeyB), 0o600))
	size, err := pool.Reload()
	require.NoError(t, err)
	assert.Equal(t, 2, size)
	assert.Equal(t, []string{testKeyA, testKeyB}, pool.Keys())
}

func TestPoolWatchReloadsOnWrite_NoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dir := t.TempDir()
	file := filepath.Join(dir, "keys.txt")
	require.NoError(t, os.WriteFile(file, []byte(testKeyA), 0o600))

	pool, err := NewPool(Sources{FilePath: file})
	require.NoError(t, err)
	require.NoError(t, pool.Watch())
	defer pool.Close()

	require.NoError(t, os.WriteFile(file, []byte(testKeyA+"\n"+testKeyB), 0o600))
	require.Eventually(t, func() bool { return pool.Size() == 2 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{testKeyA, testKeyB}, pool.Keys())
}
