package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var serverURL string

func init() {
	for _, cmd := range []*cobra.Command{healthCmd, purgeCmd} {
		cmd.Flags().StringVar(&serverURL, "server", "http://localhost:9337", "recalld server URL")
	}
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check daemon health",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := doRequest(http.MethodGet, serverURL+"/health", nil)
		if err != nil {
			return err
		}
		var resp struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
		if resp.Status != "ok" {
			return fmt.Errorf("server unhealthy: %s", resp.Status)
		}
		fmt.Println("ok")
		return nil
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Purge expired memories now",
	Long:  "Trigger an immediate expiry sweep instead of waiting for the background interval.",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := doRequest(http.MethodPost, serverURL+"/api/v1/maintenance/purge-expired", nil)
		if err != nil {
			return err
		}
		var resp struct {
			Purged int `json:"purged"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
		fmt.Printf("purged %d expired memories\n", resp.Purged)
		return nil
	},
}

func doRequest(method, url string, payload []byte) ([]byte, error) {
	client := &http.Client{Timeout: 10 * time.Second}

	req, err := http.NewRequest(method, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s (is the daemon running?): %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}
