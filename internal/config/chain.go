package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// PluginPoint names a configurable insertion point of a processor chain
type PluginPoint string

const (
	BeforeParserPoint   PluginPoint = "BEFORE_PARSER_POINT"
	BeforeValidatePoint PluginPoint = "BEFORE_VALIDATE_POINT"
	BeforeSearchPoint   PluginPoint = "BEFORE_SEARCH_POINT"
)

// PluginPoints lists the insertion points in chain order
var PluginPoints = []PluginPoint{BeforeParserPoint, BeforeValidatePoint, BeforeSearchPoint}

// ProcessorConfig declares one processor and its parameters
type ProcessorConfig struct {
	ProcessorName string            `yaml:"processor_name"`
	ModuleName    string            `yaml:"module_name"`
	Parameters    map[string]string `yaml:"parameters"`
}

// ChainDef maps plugin points of one chain to processor names
type ChainDef struct {
	ChainName    string                   `yaml:"chain_name"`
	PluginPoints map[PluginPoint][]string `yaml:"plugin_points"`
}

// ChainConfig is the content of the chain configuration file
type ChainConfig struct {
	Processors []ProcessorConfig `yaml:"processors"`
	Chains     []ChainDef        `yaml:"chains"`
}

// DefaultChainConfig returns a config with one chain made of built-in stages only
func DefaultChainConfig(name string) *ChainConfig {
	return &ChainConfig{
		Chains: []ChainDef{{ChainName: name}},
	}
}

// Processor returns the declaration of the processor called name
func (c *ChainConfig) Processor(name string) (ProcessorConfig, bool) {
	for _, p := range c.Processors {
		if p.ProcessorName == name {
			return p, true
		}
	}
	return ProcessorConfig{}, false
}

// Validate checks structural consistency; name resolution happens when chains are built
func (c *ChainConfig) Validate() error {
	declared := make(map[string]bool, len(c.Processors))
	for i, p := range c.Processors {
		if p.ProcessorName == "" {
			return fmt.Errorf("processors[%d].processor_name is required", i)
		}
		if declared[p.ProcessorName] {
			return fmt.Errorf("processor %q declared twice", p.ProcessorName)
		}
		declared[p.ProcessorName] = true
	}

	chains := make(map[string]bool, len(c.Chains))
	for i, ch := range c.Chains {
		if ch.ChainName == "" {
			return fmt.Errorf("chains[%d].chain_name is required", i)
		}
		if chains[ch.ChainName] {
			return fmt.Errorf("chain %q declared twice", ch.ChainName)
		}
		chains[ch.ChainName] = true
		for point := range ch.PluginPoints {
			if !point.valid() {
				return fmt.Errorf("chain %q: unknown plugin point %q", ch.ChainName, point)
			}
		}
	}
	return nil
}

func (p PluginPoint) valid() bool {
	for _, known := range PluginPoints {
		if p == known {
			return true
		}
	}
	return false
}

// ParseChainConfig decodes a yaml chain configuration
func ParseChainConfig(data []byte) (*ChainConfig, error) {
	var cfg ChainConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse chain config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chain config: %w", err)
	}
	return &cfg, nil
}

// LoadChainConfig reads the chain configuration file at path
func LoadChainConfig(path string) (*ChainConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain config %s: %w", path, err)
	}
	return ParseChainConfig(data)
}

// Reader gives processors access to configuration files during Init
type Reader interface {
	Root() string
	ReadFile(name string) ([]byte, error)
}

// FileReader reads files relative to a root directory
type FileReader struct {
	root string
}

// NewFileReader creates a reader rooted at root
func NewFileReader(root string) *FileReader {
	return &FileReader{root: root}
}

// Root returns the directory relative paths resolve against
func (r *FileReader) Root() string {
	return r.root
}

// ReadFile reads name, resolving relative names against the root
func (r *FileReader) ReadFile(name string) ([]byte, error) {
	if !filepath.IsAbs(name) {
		name = filepath.Join(r.root, name)
	}
	return os.ReadFile(name)
}
