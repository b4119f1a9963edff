package cbconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ParseTerseConfig decodes a terse configuration, substituting the $HOST
// placeholder the server uses when it does not know its own address.
func ParseTerseConfig(data []byte, sourceHost string) (*TerseConfigJson, error) {
	data = bytes.ReplaceAll(data, []byte("$HOST"), []byte(sourceHost))

	var config TerseConfigJson
	err := json.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse terse config: %w", err)
	}

	return &config, nil
}

func ParseCollectionManifest(data []byte) (*CollectionManifestJson, error) {
	var manifest CollectionManifestJson
	err := json.Unmarshal(data, &manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to parse collection manifest: %w", err)
	}

	return &manifest, nil
}

// ParseManifestUID parses the hex encoded identifiers used for manifests,
// scopes and collections.
func ParseManifestUID(uid string) (uint64, error) {
	if uid == "" {
		return 0, nil
	}

	parsed, err := strconv.ParseUint(uid, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid manifest uid %q: %w", uid, err)
	}

	return parsed, nil
}
