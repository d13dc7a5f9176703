package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ImageConfig is the metadata a finished build hands to the launcher.
type ImageConfig struct {
	// ID is the key of the last layer.
	ID LayerKey `json:"id"`

	Base         string            `json:"base"`
	Workdir      string            `json:"workdir"`
	Env          map[string]string `json:"env"`
	ExposedPorts []int             `json:"exposed_ports"`
	Cmd          []string          `json:"cmd"`
	Layers       []LayerKey        `json:"layers"`

	// Root is the materialized image root on disk.
	Root string `json:"root"`
}

// apply folds a step's metadata effect into the config.
func (c *ImageConfig) apply(step Step, key LayerKey) {
	switch step.Op {
	case OpFrom:
		c.Base = step.Base
	case OpWorkdir:
		c.Workdir = step.Dir
	case OpExpose:
		c.ExposedPorts = append(c.ExposedPorts, step.Port)
		sort.Ints(c.ExposedPorts)
	case OpCmd:
		c.Cmd = append([]string(nil), step.Argv...)
	}
	c.Layers = append(c.Layers, key)
	c.ID = key
}

// SaveImageConfig writes cfg as indented JSON, atomically.
func SaveImageConfig(path string, cfg ImageConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, append(data, '\n'), 0o644)
}

// LoadImageConfig reads an image config written by SaveImageConfig.
func LoadImageConfig(path string) (ImageConfig, error) {
	var cfg ImageConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing image config %s: %w", path, err)
	}
	if cfg.ID == "" || len(cfg.Cmd) == 0 {
		return cfg, fmt.Errorf("image config %s is incomplete", path)
	}
	return cfg, nil
}
