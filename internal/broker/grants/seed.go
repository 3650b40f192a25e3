package grants

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// LoadSeedFile reads application registrations from a JSON file and puts
// them into the store. The file holds either a single object or an array.
func LoadSeedFile(ctx context.Context, store Store, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed file: %w", err)
	}

	var apps []Application
	if err := json.Unmarshal(data, &apps); err != nil {
		var single Application
		if err := json.Unmarshal(data, &single); err != nil {
			return 0, fmt.Errorf("decode seed file %s: %w", path, err)
		}
		apps = []Application{single}
	}

	for i := range apps {
		if apps[i].AppKey == "" {
			return 0, fmt.Errorf("seed entry %d has no appKey", i)
		}
		if err := store.Put(ctx, &apps[i]); err != nil {
			return 0, fmt.Errorf("seed application %q: %w", apps[i].AppKey, err)
		}
	}
	return len(apps), nil
}
