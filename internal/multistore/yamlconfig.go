package multistore

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaydb/relaydb/internal/dbkit"
)

// yamlStoreEntry is the on-disk shape of one tenant store entry.
type yamlStoreEntry struct {
	Identifier             string            `yaml:"identifier"`
	ConnectionString       string            `yaml:"connectionString"`
	SchemaName             string            `yaml:"schemaName"`
	TableNames             map[string]string `yaml:"tableNames"`
	EnableSchemaDeployment *bool             `yaml:"enableSchemaDeployment"`
	RetentionPeriod        time.Duration     `yaml:"retentionPeriod"`
	EnableAutomaticCleanup *bool             `yaml:"enableAutomaticCleanup"`
	CleanupInterval        time.Duration     `yaml:"cleanupInterval"`
	LeaseDuration          time.Duration     `yaml:"leaseDuration"`
}

// yamlStoreFile is the top-level document shape: a named list of stores,
// per ConfiguredProvider's "fixed list of database configurations".
type yamlStoreFile struct {
	Stores []yamlStoreEntry `yaml:"stores"`
}

// LoadStoreConfigsFromYAML reads a list of per-tenant StoreConfigs from a
// YAML file for the static ConfiguredProvider, applying
// dbkit.DefaultStoreConfig for any field the file leaves unset.
func LoadStoreConfigsFromYAML(path string) ([]dbkit.StoreConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("multistore: read store config %q: %w", path, err)
	}

	var doc yamlStoreFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("multistore: parse store config %q: %w", path, err)
	}

	out := make([]dbkit.StoreConfig, 0, len(doc.Stores))

	for _, entry := range doc.Stores {
		cfg := dbkit.DefaultStoreConfig()
		cfg.Identifier = entry.Identifier
		cfg.ConnectionString = entry.ConnectionString

		if entry.SchemaName != "" {
			cfg.SchemaName = entry.SchemaName
		}

		if len(entry.TableNames) > 0 {
			cfg.TableNames = entry.TableNames
		}

		if entry.EnableSchemaDeployment != nil {
			cfg.EnableSchemaDeployment = *entry.EnableSchemaDeployment
		}

		if entry.RetentionPeriod > 0 {
			cfg.RetentionPeriod = entry.RetentionPeriod
		}

		if entry.EnableAutomaticCleanup != nil {
			cfg.EnableAutomaticCleanup = *entry.EnableAutomaticCleanup
		}

		if entry.CleanupInterval > 0 {
			cfg.CleanupInterval = entry.CleanupInterval
		}

		if entry.LeaseDuration > 0 {
			cfg.LeaseDuration = entry.LeaseDuration
		}

		out = append(out, cfg)
	}

	return out, nil
}
