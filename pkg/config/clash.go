package config

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"proxy-speedtest/pkg/models"
)

// clashConfig is the subset of a Clash config file the loader cares
// about. Everything outside the proxies list is ignored.
type clashConfig struct {
	Proxies []rawProxy `yaml:"proxies"`
}

type rawProxy struct {
	Name   string         `yaml:"name"`
	Type   string         `yaml:"type"`
	Server string         `yaml:"server"`
	Port   any            `yaml:"port"`
	Params map[string]any `yaml:",inline"`
}

// LoadProxies reads proxy descriptors from a comma-separated list of
// paths. Each path may be a local file or an http(s) URL. Proxies with
// unknown types are skipped with a warning, not treated as fatal.
func LoadProxies(paths string) ([]models.Proxy, error) {
	var proxies []models.Proxy

	for _, path := range strings.Split(paths, ",") {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}

		data, err := readSource(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %q: %w", path, err)
		}

		parsed, err := parseClashConfig(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
		}

		slog.Debug("Loaded proxies from config", "path", path, "count", len(parsed))
		proxies = append(proxies, parsed...)
	}

	return proxies, nil
}

func readSource(path string) ([]byte, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		client := &http.Client{Timeout: 30 * time.Second}
		resp, err := client.Get(path)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("subscription returned status %d", resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	}

	return os.ReadFile(path)
}

func parseClashConfig(data []byte) ([]models.Proxy, error) {
	var cfg clashConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	proxies := make([]models.Proxy, 0, len(cfg.Proxies))
	for _, raw := range cfg.Proxies {
		p, err := raw.toProxy()
		if err != nil {
			slog.Warn("Skipping proxy", "name", raw.Name, "error", err)
			continue
		}
		proxies = append(proxies, p)
	}

	return proxies, nil
}

func (r rawProxy) toProxy() (models.Proxy, error) {
	if r.Name == "" {
		return models.Proxy{}, fmt.Errorf("proxy has no name")
	}
	if r.Server == "" {
		return models.Proxy{}, fmt.Errorf("proxy has no server")
	}

	proxyType, err := models.ParseProxyType(r.Type)
	if err != nil {
		return models.Proxy{}, err
	}

	port, err := parsePort(r.Port)
	if err != nil {
		return models.Proxy{}, fmt.Errorf("proxy %q: %w", r.Name, err)
	}

	return models.Proxy{
		Name:   r.Name,
		Type:   proxyType,
		Server: r.Server,
		Port:   port,
		Params: r.Params,
	}, nil
}

// parsePort accepts both numeric and quoted-string port values, which
// both occur in Clash configs in the wild.
func parsePort(v any) (int, error) {
	switch port := v.(type) {
	case int:
		if port < 1 || port > 65535 {
			return 0, fmt.Errorf("port %d out of range", port)
		}
		return port, nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(port))
		if err != nil {
			return 0, fmt.Errorf("invalid port %q", port)
		}
		return parsePort(n)
	default:
		return 0, fmt.Errorf("invalid port value %v", v)
	}
}

// FilterByName keeps proxies whose name matches the regular expression.
func FilterByName(proxies []models.Proxy, pattern string) ([]models.Proxy, error) {
	if pattern == "" || pattern == ".+" {
		return proxies, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid filter regex %q: %w", pattern, err)
	}

	var kept []models.Proxy
	for _, p := range proxies {
		if re.MatchString(p.Name) {
			kept = append(kept, p)
		}
	}
	return kept, nil
}

// BlockKeywords drops proxies whose name contains any of the
// pipe-separated keywords, case-insensitively.
func BlockKeywords(proxies []models.Proxy, keywords string) []models.Proxy {
	var blocklist []string
	for _, kw := range strings.Split(keywords, "|") {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			blocklist = append(blocklist, kw)
		}
	}
	if len(blocklist) == 0 {
		return proxies
	}

	var kept []models.Proxy
	for _, p := range proxies {
		name := strings.ToLower(p.Name)
		blocked := false
		for _, kw := range blocklist {
			if strings.Contains(name, kw) {
				blocked = true
				break
			}
		}
		if !blocked {
			kept = append(kept, p)
		}
	}
	return kept
}
