package pipeline

import (
	"fmt"
	"sort"
)

const (
	ConfigDefault     = "default"
	ConfigRelatedWork = "related-work"
)

var configs = map[string]Config{
	ConfigDefault: {
		Name:     ConfigDefault,
		Prepares: []string{PrepareDescriptions, PrepareTFIDF, PrepareImageHashes},
		Matchers: []string{
			MatcherPrivacyURL,
			MatcherDeveloper,
			MatcherAppName,
			MatcherAppID,
			MatcherDeepLinks,
			MatcherIconHash,
		},
		IndexedMatchers: []string{MatcherDescription},
		Modifiers:       []string{ModifierLanguage},
	},
	ConfigRelatedWork: {
		Name:            ConfigRelatedWork,
		Prepares:        []string{PrepareDescriptions, PrepareTFIDF, PrepareHuStrings},
		Matchers:        []string{MatcherAliExact, MatcherAliExactFixed, MatcherHuSimilarity},
		IndexedMatchers: []string{MatcherHanExact},
	},
}

// RegisterConfig adds or replaces a named configuration
func RegisterConfig(cfg Config) {
	registryMu.Lock()
	defer registryMu.Unlock()
	configs[cfg.Name] = cfg
}

// Configs returns the sorted names of every configuration
func Configs() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Named builds the pipeline registered under name
func Named(name string) (*Pipeline, error) {
	registryMu.RLock()
	cfg, ok := configs[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown pipeline %q", name)
	}
	return New(cfg)
}
