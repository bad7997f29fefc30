package domain

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/wolfeidau/replicache/cache"
	"github.com/wolfeidau/replicache/replica"
	"github.com/wolfeidau/replicache/store"
	"gopkg.in/yaml.v3"
)

// CachePolicy is the configurable behaviour of one domain cache.
type CachePolicy struct {
	Policy string        `yaml:"policy"`
	Mode   string        `yaml:"mode,omitempty"`
	TTL    time.Duration `yaml:"ttl,omitempty"`
	Backup bool          `yaml:"backup,omitempty"`
	Codec  string        `yaml:"codec,omitempty"`
}

// Policies maps record types to cache policies.
type Policies map[string]CachePolicy

// DefaultPolicies returns the built-in policy of every record type.
func DefaultPolicies() Policies {
	return Policies{
		TypeWork:     {Policy: "through", Backup: true},
		TypeWorktime: {Policy: "back"},
		TypeTimeOff:  {Policy: "back", Backup: true},
		TypeSession:  {Policy: "back"},
		TypeUser:     {Policy: "through", Backup: true},
		TypePresence: {Policy: "through", Mode: "network-only", TTL: time.Minute},
		TypeNotes:    {Policy: "back"},
	}
}

// LoadPolicies reads a YAML policy file and overlays it on the defaults.
// A missing file yields the defaults. Only the fields set in the file
// replace a default.
//
//	work:
//	  policy: back
//	presence:
//	  ttl: 30s
func LoadPolicies(path string) (Policies, error) {
	policies := DefaultPolicies()
	if path == "" {
		return policies, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return policies, nil
		}
		return nil, fmt.Errorf("reading policy file: %w", err)
	}

	var overrides map[string]yaml.Node
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parsing policy file: %w", err)
	}
	for name, node := range overrides {
		p, ok := policies[name]
		if !ok {
			return nil, fmt.Errorf("policy file: unknown record type %q", name)
		}
		if err := node.Decode(&p); err != nil {
			return nil, fmt.Errorf("policy file: %s: %w", name, err)
		}
		policies[name] = p
	}

	if err := policies.Validate(); err != nil {
		return nil, err
	}
	return policies, nil
}

// Validate checks every policy.
func (p Policies) Validate() error {
	var errs []error
	for _, name := range RecordTypes {
		cp, ok := p[name]
		if !ok {
			errs = append(errs, fmt.Errorf("%s: policy missing", name))
			continue
		}
		if _, err := cp.settings(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

type settings struct {
	policy cache.Policy
	mode   replica.Mode
	codec  store.Codec
}

func (cp CachePolicy) settings() (settings, error) {
	policy, err := cache.ParsePolicy(cp.Policy)
	if err != nil {
		return settings{}, err
	}
	mode, err := replica.ParseMode(cp.Mode)
	if err != nil {
		return settings{}, err
	}
	codec, err := store.CodecByName(cp.Codec)
	if err != nil {
		return settings{}, err
	}
	if cp.TTL < 0 {
		return settings{}, fmt.Errorf("negative ttl %s", cp.TTL)
	}
	return settings{policy: policy, mode: mode, codec: codec}, nil
}
