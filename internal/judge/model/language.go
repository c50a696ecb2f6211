package model

// LanguageConfig describes how to build and run one language.
type LanguageConfig struct {
	Key             string  `json:"key" yaml:"key"`
	Display         string  `json:"display" yaml:"display"`
	CodeFile        string  `json:"codeFile" yaml:"codeFile"`
	Compile         string  `json:"compile,omitempty" yaml:"compile,omitempty"`
	Execute         string  `json:"execute" yaml:"execute"`
	Target          string  `json:"target,omitempty" yaml:"target,omitempty"`
	TimeLimitRate   float64 `json:"timeLimitRate,omitempty" yaml:"timeLimitRate,omitempty"`
	MemoryLimitRate float64 `json:"memoryLimitRate,omitempty" yaml:"memoryLimitRate,omitempty"`
	Remote          string  `json:"remote,omitempty" yaml:"remote,omitempty"`
	Disabled        bool    `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// LanguageMap indexes language configs by key.
type LanguageMap map[string]LanguageConfig

var langAliases = map[string]string{
	"cpp": "cc",
}

// Lookup resolves name, trying the alias table when the name is unknown.
func (m LanguageMap) Lookup(name string) (LanguageConfig, bool) {
	if cfg, ok := m[name]; ok && !cfg.Disabled {
		return cfg, true
	}
	if alias, ok := langAliases[name]; ok {
		if cfg, ok := m[alias]; ok && !cfg.Disabled {
			return cfg, true
		}
	}
	return LanguageConfig{}, false
}
