package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatewayToken_DeterministicPerInstance(t *testing.T) {
	t1, err := GatewayToken("master-secret", "abc123def456")
	require.NoError(t, err)
	t2, err := GatewayToken("master-secret", "abc123def456")
	require.NoError(t, err)
	assert.Equal(t, t1, t2, "same master secret + instance id must derive the same token")

	t3, err := GatewayToken("master-secret", "zzz999yyy888")
	require.NoError(t, err)
	assert.NotEqual(t, t1, t3, "different instance ids must derive different tokens")
}

func TestGatewayToken_EmptyMasterSecret(t *testing.T) {
	_, err := GatewayToken("", "abc123def456")
	assert.Error(t, err)
}

func TestGatewayConfig_RenderJSON(t *testing.T) {
	cfg := GatewayConfig{ListenPort: 8081, BindScope: "loopback", AuthToken: "tok", Channel: "default"}
	out, err := cfg.RenderJSON()
	require.NoError(t, err)
	assert.Contains(t, out, `"listenPort": 8081`)
	assert.Contains(t, out, `"authToken": "tok"`)
}

func TestRenderDotenv(t *testing.T) {
	out := RenderDotenv("sk-test-key")
	assert.Equal(t, "MODEL_API_KEY=sk-test-key\n", out)
}
