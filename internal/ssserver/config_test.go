package ssserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"ssmanager/internal/accesskey"
)

func TestBuildConfigKeepsEnabledKeysOnly(t *testing.T) {
	keys := []accesskey.AccessKey{
		{ID: "0", MetricsID: "m0", Port: 9002, Cipher: "chacha20-ietf-poly1305", Secret: "a"},
		{ID: "1", MetricsID: "m1", Port: 9000, Cipher: "aes-256-gcm", Secret: "b", DisabledByOperator: true},
		{ID: "2", MetricsID: "m2", Port: 9001, Cipher: "chacha20-ietf-poly1305", Secret: "c", OverQuota: true},
		{ID: "3", MetricsID: "m3", Port: 9000, Cipher: "chacha20-ietf-poly1305", Secret: "d"},
	}

	cfg := BuildConfig(keys)
	assert.Equal(t, []KeyConfig{
		{ID: "m3", Port: 9000, Cipher: "chacha20-ietf-poly1305", Secret: "d"},
		{ID: "m0", Port: 9002, Cipher: "chacha20-ietf-poly1305", Secret: "a"},
	}, cfg.Keys)
}

func TestMarshalFormat(t *testing.T) {
	cfg := BuildConfig([]accesskey.AccessKey{
		{ID: "0", MetricsID: "m0", Port: 9000, Cipher: "chacha20-ietf-poly1305", Secret: "pw"},
	})
	data, err := cfg.Marshal()
	require.NoError(t, err)

	var decoded map[string][]map[string]any
	require.NoError(t, yaml.Unmarshal(data, &decoded))
	require.Len(t, decoded["keys"], 1)
	assert.Equal(t, "m0", decoded["keys"][0]["id"])
	assert.Equal(t, 9000, decoded["keys"][0]["port"])
	assert.Equal(t, "pw", decoded["keys"][0]["secret"])
}

func TestEmptyConfigStillListsKeys(t *testing.T) {
	data, err := BuildConfig(nil).Marshal()
	require.NoError(t, err)
	assert.Equal(t, "keys: []\n", string(data))
}
