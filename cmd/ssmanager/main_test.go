package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ssmanager/internal/accesskey"
	"ssmanager/internal/portalloc"
	"ssmanager/internal/serverconfig"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		configPath, logLevel = "", ""
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestKeysListsPersistedKeys(t *testing.T) {
	stateDir := t.TempDir()
	cfgFile := filepath.Join(t.TempDir(), "ssmanager.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("state_dir: "+stateDir+"\nkeys:\n  first_port: 31000\n"), 0o600))

	settings, err := serverconfig.Load(filepath.Join(stateDir, "shadowbox_server_config.json"),
		serverconfig.Defaults{PortForNewAccessKeys: 31000})
	require.NoError(t, err)
	store, err := accesskey.Open(filepath.Join(stateDir, "shadowbox_config.json"),
		portalloc.New(portalloc.WithProbe(func(int) error { return nil })), settings, nil)
	require.NoError(t, err)

	ctx := context.Background()
	k0, err := store.Create(ctx, accesskey.CreateParams{Name: "alice", Port: 31005})
	require.NoError(t, err)
	k1, err := store.Create(ctx, accesskey.CreateParams{Name: "bob", Port: 31006, DataLimit: &accesskey.DataLimit{Bytes: 500}})
	require.NoError(t, err)
	require.NoError(t, store.SetEnabled(ctx, k1.ID, false))

	out, err := runCLI(t, "keys", "--config", cfgFile)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "CIPHER")
	assert.Contains(t, lines[1], "alice")
	assert.Contains(t, lines[1], "31005")
	assert.Contains(t, lines[1], "enabled")
	assert.Contains(t, lines[2], "bob")
	assert.Contains(t, lines[2], "500")
	assert.Contains(t, lines[2], "disabled")
	assert.NotContains(t, out, k0.Secret)
}

func TestKeyState(t *testing.T) {
	assert.Equal(t, "enabled", keyState(accesskey.AccessKey{}))
	assert.Equal(t, "over-quota", keyState(accesskey.AccessKey{OverQuota: true}))
	assert.Equal(t, "disabled", keyState(accesskey.AccessKey{DisabledByOperator: true, OverQuota: true}))
}

func TestKeysDoesNotWriteState(t *testing.T) {
	stateDir := t.TempDir()
	cfgFile := filepath.Join(t.TempDir(), "ssmanager.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("state_dir: "+stateDir+"\n"), 0o600))

	// A key without a metrics id is migrated when a store opens the file.
	keysFile := filepath.Join(stateDir, "shadowbox_config.json")
	body := []byte(`{"accessKeys":[{"id":"0","name":"legacy","port":31010,"encryptionMethod":"chacha20-ietf-poly1305","password":"pw"}]}`)
	require.NoError(t, os.WriteFile(keysFile, body, 0o600))

	out, err := runCLI(t, "keys", "--config", cfgFile)
	require.NoError(t, err)
	assert.Contains(t, out, "legacy")

	after, err := os.ReadFile(keysFile)
	require.NoError(t, err)
	assert.Equal(t, body, after)
	assert.NoFileExists(t, filepath.Join(stateDir, "shadowbox_server_config.json"))
}
