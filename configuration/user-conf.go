package configuration

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"

	"github.com/WanderningMaster/kademlia/internal/id"
)

// UserConfig is the per-user state of the kad CLI, kept as JSON in the user
// config directory.
type UserConfig struct {
	// NodeId is the multibase form of the node id.
	NodeId  string `json:"nodeId"`
	UdpPort int    `json:"udpPort"`
	DataDir string `json:"dataDir"`
	Peer    string `json:"peer,omitempty"`
}

func (c *UserConfig) ID() (id.NodeID, error) {
	return id.Decode(c.NodeId)
}

func getRandomPort(minPort, maxPort int) (int, error) {
	portRange := maxPort - minPort + 1

	for i := 0; i < 30; i++ { // try up to 30 times
		port := rand.Intn(portRange) + minPort
		pc, err := net.ListenPacket("udp", fmt.Sprintf(":%d", port))
		if err == nil {
			_ = pc.Close()
			return port, nil
		}
	}
	return 0, fmt.Errorf("could not find free port in range %d-%d", minPort, maxPort)
}

func userConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "kademlia"), nil
}

// LoadUserConfig reads the user config, creating a fresh one when it is
// missing or unreadable.
func LoadUserConfig() (*UserConfig, error) {
	cfgDir, err := userConfigDir()
	if err != nil {
		return nil, err
	}
	cfgPath := filepath.Join(cfgDir, "config.json")

	data, err := os.ReadFile(cfgPath)
	if err == nil {
		var cfg UserConfig
		if err := json.Unmarshal(data, &cfg); err == nil {
			if _, err := cfg.ID(); err == nil {
				return &cfg, nil
			}
		}
	}

	cfg, err := defaultUserConfig(cfgDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		return nil, err
	}
	if data, mErr := json.MarshalIndent(cfg, "", "  "); mErr == nil {
		_ = os.WriteFile(cfgPath, data, 0o644)
	}
	return cfg, nil
}

func defaultUserConfig(cfgDir string) (*UserConfig, error) {
	port, err := getRandomPort(DefaultPort, DefaultPort+100)
	if err != nil {
		return nil, err
	}
	nodeId, err := id.RandomID().Encode()
	if err != nil {
		return nil, err
	}

	return &UserConfig{
		NodeId:  nodeId,
		UdpPort: port,
		DataDir: filepath.Join(cfgDir, "data"),
	}, nil
}
