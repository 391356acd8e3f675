package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fmnx/tunstack/engine"
)

type RawConfig struct {
	Engine *engine.Config `yaml:"engine" json:"engine"`
}

// parseConfig reads a JSON or YAML configuration, chosen by file
// extension.
func parseConfig(configFile string) (*engine.Config, error) {
	if configFile == "" {
		currentDir, _ := os.Getwd()
		configFile = filepath.Join(currentDir, "config.json")
	}
	buf, err := os.ReadFile(configFile)
	if err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, fmt.Errorf("configuration file %s is empty", configFile)
	}

	rawCfg := &RawConfig{}
	switch strings.ToLower(filepath.Ext(configFile)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(buf, rawCfg)
	default:
		err = json.Unmarshal(buf, rawCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", configFile, err)
	}
	if rawCfg.Engine == nil {
		return nil, fmt.Errorf("configuration file %s has no engine section", configFile)
	}
	return rawCfg.Engine, nil
}
