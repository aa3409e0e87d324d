package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CompanyMap maps monitor names to ConnectWise company identifiers for
// monitors that carry no #CW marker in their name.
type CompanyMap struct {
	Companies map[string]string `yaml:"companies"`
}

// LoadCompanyMap reads a YAML company mapping file. An empty path returns an
// empty map so callers don't need to special-case the unconfigured state.
func LoadCompanyMap(path string) (*CompanyMap, error) {
	cm := &CompanyMap{Companies: map[string]string{}}
	if path == "" {
		return cm, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read company map %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cm); err != nil {
		return nil, fmt.Errorf("parse company map %s: %w", path, err)
	}
	if cm.Companies == nil {
		cm.Companies = map[string]string{}
	}

	return cm, nil
}

// Lookup returns the mapped company identifier for a monitor name, or "".
func (cm *CompanyMap) Lookup(monitorName string) string {
	if cm == nil {
		return ""
	}
	return cm.Companies[monitorName]
}
