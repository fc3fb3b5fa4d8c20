// Package secrets derives per-instance gateway auth tokens from a single
// master secret via HKDF, instead of generating and separately persisting
// a random token per instance. It also renders the agent config files
// written into each instance during creation (§4.4 step 4).
package secrets

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// GatewayToken deterministically derives the bearer token a given
// instance's gateway must accept, from the master secret and the
// instance's stable id. Deriving instead of persisting means the token
// never needs a row in the metadata store and survives a restore from a
// golden checkpoint without drift.
func GatewayToken(masterSecret, instanceID string) (string, error) {
	if masterSecret == "" {
		return "", fmt.Errorf("secrets: master secret is empty")
	}
	kdf := hkdf.New(sha256.New, []byte(masterSecret), nil, []byte("convos-agent-gateway-token:"+instanceID))
	out := make([]byte, 32)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return "", fmt.Errorf("secrets: derive gateway token: %w", err)
	}
	return hex.EncodeToString(out), nil
}

// GatewayConfig is the JSON document written as the agent's config file
// inside the instance (§4.4 step 4): channel configuration, auth token,
// listen port, bind scope.
type GatewayConfig struct {
	ListenPort int    `json:"listenPort"`
	BindScope  string `json:"bindScope"`
	AuthToken  string `json:"authToken"`
	Channel    string `json:"channel"`
}

// RenderJSON marshals the gateway config for writing into the instance.
func (g GatewayConfig) RenderJSON() (string, error) {
	buf, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return "", fmt.Errorf("secrets: render gateway config: %w", err)
	}
	return string(buf), nil
}

// RenderDotenv renders the provider-specific secret dotenv file written
// alongside the JSON config, containing the model API key the instance
// needs to reach the model provider.
func RenderDotenv(modelAPIKey string) string {
	return fmt.Sprintf("MODEL_API_KEY=%s\n", modelAPIKey)
}
