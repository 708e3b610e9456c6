package nostr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// NIP11RelayInfo represents relay information document (NIP-11)
type NIP11RelayInfo struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	PubKey        string `json:"pubkey"`
	Contact       string `json:"contact"`
	SupportedNIPs []int  `json:"supported_nips"`
	Software      string `json:"software"`
	Version       string `json:"version"`
}

// SupportsNIP reports whether the relay advertises the given NIP
func (i *NIP11RelayInfo) SupportsNIP(nip int) bool {
	for _, n := range i.SupportedNIPs {
		if n == nip {
			return true
		}
	}
	return false
}

// RelayStatus is the result of probing one seed relay
type RelayStatus struct {
	URL       string
	Reachable bool
	Info      *NIP11RelayInfo
	Err       error
}

// CheckRelays probes every seed relay's information document and logs what it finds
func (c *Client) CheckRelays(ctx context.Context) []RelayStatus {
	seeds := c.GetSeedRelays()
	statuses := make([]RelayStatus, 0, len(seeds))

	for _, url := range seeds {
		status := RelayStatus{URL: url}
		info, err := c.fetchNIP11Info(ctx, url)
		if err != nil {
			status.Err = err
			c.logger.Warn("relay information unavailable", "relay", url, "error", err)
		} else {
			status.Reachable = true
			status.Info = info
			c.logger.Info("relay reachable",
				"relay", url,
				"software", info.Software,
				"version", info.Version,
				"addressable", info.SupportsNIP(33) || info.SupportsNIP(1))
		}
		statuses = append(statuses, status)
	}

	return statuses
}

// fetchNIP11Info fetches relay information document (NIP-11)
func (c *Client) fetchNIP11Info(ctx context.Context, wsURL string) (*NIP11RelayInfo, error) {
	// Convert ws:// or wss:// to http:// or https://
	httpURL := strings.Replace(wsURL, "ws://", "http://", 1)
	httpURL = strings.Replace(httpURL, "wss://", "https://", 1)

	// Create HTTP request with NIP-11 header
	req, err := http.NewRequestWithContext(ctx, "GET", httpURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/nostr+json")

	// Execute request with timeout
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch NIP-11 info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("NIP-11 request failed: status %d", resp.StatusCode)
	}

	// Parse JSON response
	var info NIP11RelayInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to parse NIP-11 response: %w", err)
	}

	return &info, nil
}
