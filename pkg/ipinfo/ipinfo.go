// Package ipinfo resolves the egress point of measurement traffic by
// asking ipinfo.io over the channel under test. The answer describes
// the proxy's exit, not the local machine.
package ipinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/viper"

	"proxy-speedtest/pkg/models"
)

const lookupURL = "https://ipinfo.io/json"

// Lookup queries the lookup service through the given client. The
// ipinfo.token viper key, when set, lifts the anonymous rate limit.
func Lookup(ctx context.Context, client *http.Client) (*models.EgressInfo, error) {
	url := lookupURL
	if token := viper.GetString("ipinfo.token"); token != "" {
		url = fmt.Sprintf("%s?token=%s", lookupURL, token)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("egress lookup returned status %d", resp.StatusCode)
	}

	var info models.EgressInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, err
	}

	return &info, nil
}
