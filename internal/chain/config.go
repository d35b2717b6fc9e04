package chain

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definitions models the structure of configs/chains.yaml.
type Definitions struct {
	Default string                `yaml:"default"`
	Chains  map[string]Definition `yaml:"chains"`
}

// Definition describes a single chain data endpoint.
type Definition struct {
	Type           string `yaml:"type"`
	RPCURL         string `yaml:"rpc_url"`
	APIURL         string `yaml:"api_url"`
	ProjectID      string `yaml:"project_id"`
	ProjectIDEnv   string `yaml:"project_id_env"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Description    string `yaml:"description"`
}

// ResolveProjectID returns the inline project id or the one read from the
// configured environment variable.
func (d Definition) ResolveProjectID() string {
	if id := strings.TrimSpace(d.ProjectID); id != "" {
		return id
	}
	if d.ProjectIDEnv != "" {
		return strings.TrimSpace(os.Getenv(d.ProjectIDEnv))
	}
	return ""
}

// LoadDefinitions parses the YAML file containing chain endpoints.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Chains: map[string]Definition{}}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseDefinitions(content)
}

// ParseDefinitions decodes chain definitions from YAML bytes.
func ParseDefinitions(content []byte) (Definitions, error) {
	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]Definition{}
	}
	return defs, nil
}
