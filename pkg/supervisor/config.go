package supervisor

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"proxy-speedtest/pkg/models"
)

// SelectorGroup is the proxy group the engine drives over the control
// API. The generated rules send all data-plane traffic through it.
const SelectorGroup = "SpeedTest"

type forwarderConfig struct {
	MixedPort          int              `yaml:"mixed-port"`
	AllowLan           bool             `yaml:"allow-lan"`
	Mode               string           `yaml:"mode"`
	LogLevel           string           `yaml:"log-level"`
	ExternalController string           `yaml:"external-controller"`
	Proxies            []map[string]any `yaml:"proxies"`
	ProxyGroups        []proxyGroup     `yaml:"proxy-groups"`
	Rules              []string         `yaml:"rules"`
}

type proxyGroup struct {
	Name    string   `yaml:"name"`
	Type    string   `yaml:"type"`
	Proxies []string `yaml:"proxies"`
}

// renderConfig builds the forwarder's YAML configuration embedding the
// full managed proxy set and the chosen port bindings.
func renderConfig(proxies []models.Proxy, controlPort, mixedPort int) ([]byte, error) {
	names := make([]string, 0, len(proxies))
	rawProxies := make([]map[string]any, 0, len(proxies))

	for _, p := range proxies {
		names = append(names, p.Name)

		raw := map[string]any{
			"name":   p.Name,
			"type":   string(p.Type),
			"server": p.Server,
			"port":   p.Port,
		}
		for k, v := range p.Params {
			raw[k] = v
		}
		rawProxies = append(rawProxies, raw)
	}

	cfg := forwarderConfig{
		MixedPort:          mixedPort,
		AllowLan:           false,
		Mode:               "rule",
		LogLevel:           "warning",
		ExternalController: fmt.Sprintf("127.0.0.1:%d", controlPort),
		Proxies:            rawProxies,
		ProxyGroups: []proxyGroup{
			{Name: SelectorGroup, Type: "select", Proxies: names},
		},
		Rules: []string{"MATCH," + SelectorGroup},
	}

	return yaml.Marshal(cfg)
}

// writeConfig materializes the artifact inside the session's temp dir.
func writeConfig(dir string, data []byte) (string, error) {
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write forwarder config: %w", err)
	}
	return path, nil
}
