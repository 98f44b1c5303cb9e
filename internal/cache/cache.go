package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const cacheFileName = "amc2mqtt_cache.json"

// Entry is one cached entity of the central's layout. Only identity fields
// are kept; live state is never cached, and neither are credentials or
// session tokens.
type Entry struct {
	ID    int    `json:"id"`
	Index int    `json:"index"`
	Group int    `json:"group"`
	Name  string `json:"name"`
}

// Data is the last successfully fetched central layout. It lets the bridge
// publish MQTT discovery before the first cloud round-trip completes.
type Data struct {
	CentralID  string    `json:"central_id"`
	RealName   string    `json:"real_name"`
	Model      string    `json:"model"`
	Version    string    `json:"version"`
	Groups     []Entry   `json:"groups"`
	Areas      []Entry   `json:"areas"`
	Zones      []Entry   `json:"zones"`
	Outputs    []Entry   `json:"outputs"`
	LastUpdate time.Time `json:"last_update"`
}

func Save(data *Data) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal cache data: %v", err)
	}

	cacheDir, err := getCacheDir()
	if err != nil {
		return fmt.Errorf("failed to get cache directory: %v", err)
	}

	err = os.MkdirAll(cacheDir, 0755)
	if err != nil {
		return fmt.Errorf("failed to create cache directory: %v", err)
	}

	cacheFilePath := filepath.Join(cacheDir, cacheFileName)
	err = os.WriteFile(cacheFilePath, payload, 0644)
	if err != nil {
		return fmt.Errorf("failed to write cache file: %v", err)
	}

	return nil
}

func Load() (*Data, error) {
	cacheDir, err := getCacheDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get cache directory: %v", err)
	}

	cacheFilePath := filepath.Join(cacheDir, cacheFileName)
	payload, err := os.ReadFile(cacheFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // Cache file doesn't exist, return nil without error
		}
		return nil, fmt.Errorf("failed to read cache file: %v", err)
	}

	var data Data
	err = json.Unmarshal(payload, &data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache data: %v", err)
	}

	return &data, nil
}

func Delete() error {
	cacheDir, err := getCacheDir()
	if err != nil {
		return fmt.Errorf("failed to get cache directory: %v", err)
	}

	cacheFilePath := filepath.Join(cacheDir, cacheFileName)
	err = os.Remove(cacheFilePath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete cache file: %v", err)
	}

	return nil
}

func getCacheDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %v", err)
	}

	return filepath.Join(homeDir, ".cache", "amc2mqtt"), nil
}
