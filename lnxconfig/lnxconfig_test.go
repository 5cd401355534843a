package lnxconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	protocol "vtcp/pkg"
)

const hostA = `
interfaces:
  - name: if0
    assigned_prefix: 10.0.0.1/24
    udp_addr: 127.0.0.1:5000
neighbors:
  - dest_addr: 10.0.0.2
    udp_addr: 127.0.0.1:5001
    interface_name: if0
tcp:
  rto: 250ms
  fast_retransmit: false
log:
  level: debug
`

func writeConfig(t *testing.T, name string, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestParseConfig(t *testing.T) {
	config, err := ParseConfig(writeConfig(t, "hostA.yaml", hostA))
	require.NoError(t, err)

	require.Len(t, config.Interfaces, 1)
	prefix, err := config.Interfaces[0].Prefix()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1/24", prefix.String())

	require.Len(t, config.Neighbors, 1)
	udp, err := config.Neighbors[0].UDP()
	require.NoError(t, err)
	assert.Equal(t, uint16(5001), udp.Port())

	opts := config.TCP.Options()
	defaults := protocol.DefaultTCPOptions()
	assert.Equal(t, 250*time.Millisecond, opts.RTO)
	assert.False(t, opts.FastRetransmit)
	assert.Equal(t, defaults.MSS, opts.MSS)
	assert.Equal(t, defaults.Ssthresh, opts.Ssthresh)
	assert.Equal(t, defaults.RecvWindow, opts.RecvWindow)
	assert.Equal(t, "debug", config.Log.Level)
	assert.Equal(t, "text", config.Log.Format)
}

func TestParseConfigLnxExtension(t *testing.T) {
	config, err := ParseConfig(writeConfig(t, "hostA.lnx", hostA))
	require.NoError(t, err)
	assert.Equal(t, "if0", config.Interfaces[0].Name)
}

func TestParseConfigEnvOverride(t *testing.T) {
	t.Setenv("VHOST_TCP_MAX_RETRANSMITS", "3")
	config, err := ParseConfig(writeConfig(t, "hostA.yaml", hostA))
	require.NoError(t, err)
	assert.Equal(t, 3, config.TCP.MaxRetransmits)
}

func TestParseConfigInvalid(t *testing.T) {
	cases := map[string]string{
		"no interfaces": "tcp:\n  mss: 1000\n",
		"bad prefix": `
interfaces:
  - name: if0
    assigned_prefix: 10.0.0.1
    udp_addr: 127.0.0.1:5000
`,
		"unknown congestion control": `
interfaces:
  - name: if0
    assigned_prefix: 10.0.0.1/24
    udp_addr: 127.0.0.1:5000
tcp:
  congestion_control: cubic
`,
		"unknown neighbor interface": `
interfaces:
  - name: if0
    assigned_prefix: 10.0.0.1/24
    udp_addr: 127.0.0.1:5000
neighbors:
  - dest_addr: 10.0.0.2
    udp_addr: 127.0.0.1:5001
    interface_name: if9
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig(writeConfig(t, "host.yaml", body))
			assert.Error(t, err)
		})
	}
}

func TestParseConfigMissingFile(t *testing.T) {
	_, err := ParseConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
