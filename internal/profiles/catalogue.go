package profiles

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/hjson/hjson-go/v4"
	log "github.com/sirupsen/logrus"

	"imsd/internal/baseband"
)

// DefaultSelector names the built-in IMS profile.
const DefaultSelector = "ims"

var (
	// ErrUnknownSelector is returned when a selector has no catalogue entry.
	ErrUnknownSelector = errors.New("profiles: unknown selector")
	// ErrInvalidEntry is returned for entries that cannot be turned into a profile.
	ErrInvalidEntry = errors.New("profiles: invalid entry")
)

// Entry is one carrier profile definition.
type Entry struct {
	Name     string   `json:"name"`
	APN      string   `json:"apn"`
	PDPType  string   `json:"pdp_type"`
	APNTypes []string `json:"apn_types"`
}

// Catalogue maps carrier selectors to profile definitions.
type Catalogue struct {
	Default  string           `json:"default"`
	Profiles map[string]Entry `json:"profiles"`
}

var pdpTypes = map[string]baseband.PDPType{
	"ipv4":   baseband.PDPTypeIPv4,
	"ppp":    baseband.PDPTypePPP,
	"ipv6":   baseband.PDPTypeIPv6,
	"ipv4v6": baseband.PDPTypeIPv4v6,
}

var apnTypes = map[string]uint64{
	"default": baseband.APNTypeDefault,
	"ims":     baseband.APNTypeIMS,
	"mms":     baseband.APNTypeMMS,
}

// Builtin returns the catalogue used when no file is configured.
func Builtin() *Catalogue {
	return &Catalogue{
		Default: DefaultSelector,
		Profiles: map[string]Entry{
			DefaultSelector: {
				Name:     "ims",
				APN:      "ims",
				PDPType:  "ipv4v6",
				APNTypes: []string{"ims"},
			},
		},
	}
}

// Load reads an hjson catalogue. An empty path yields the built-in catalogue.
func Load(path string) (*Catalogue, error) {
	if path == "" {
		return Builtin(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile catalogue: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.WithFields(log.Fields{
		"file":     path,
		"profiles": len(c.Profiles),
		"default":  c.Default,
	}).Info("Loaded profile catalogue")
	return c, nil
}

// Parse decodes and validates catalogue text.
func Parse(data []byte) (*Catalogue, error) {
	var c Catalogue
	if err := hjson.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse profile catalogue: %w", err)
	}
	if len(c.Profiles) == 0 {
		return nil, fmt.Errorf("%w: no profiles defined", ErrInvalidEntry)
	}
	if c.Default == "" {
		c.Default = DefaultSelector
	}
	if _, ok := c.Profiles[c.Default]; !ok {
		return nil, fmt.Errorf("%w: default %q", ErrUnknownSelector, c.Default)
	}
	for _, sel := range c.Selectors() {
		if _, err := c.Profiles[sel].Profile(); err != nil {
			return nil, fmt.Errorf("profile %q: %w", sel, err)
		}
	}
	return &c, nil
}

// Selectors returns the catalogue keys in sorted order.
func (c *Catalogue) Selectors() []string {
	keys := make([]string, 0, len(c.Profiles))
	for k := range c.Profiles {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Select returns the profile for selector, or the default when selector is empty.
func (c *Catalogue) Select(selector string) (baseband.Profile, error) {
	if selector == "" {
		selector = c.Default
	}
	e, ok := c.Profiles[selector]
	if !ok {
		return baseband.Profile{}, fmt.Errorf("%w: %q", ErrUnknownSelector, selector)
	}
	return e.Profile()
}

// Profile converts the entry into the form written to the baseband.
func (e Entry) Profile() (baseband.Profile, error) {
	if e.APN == "" {
		return baseband.Profile{}, fmt.Errorf("%w: empty apn", ErrInvalidEntry)
	}
	p := baseband.Profile{Name: e.Name, APN: e.APN, PDPType: baseband.PDPTypeIPv4v6}
	if p.Name == "" {
		p.Name = e.APN
	}
	if e.PDPType != "" {
		t, ok := pdpTypes[strings.ToLower(e.PDPType)]
		if !ok {
			return baseband.Profile{}, fmt.Errorf("%w: pdp type %q", ErrInvalidEntry, e.PDPType)
		}
		p.PDPType = t
	}
	for _, name := range e.APNTypes {
		bit, ok := apnTypes[strings.ToLower(name)]
		if !ok {
			return baseband.Profile{}, fmt.Errorf("%w: apn type %q", ErrInvalidEntry, name)
		}
		p.APNTypeMask |= bit
	}
	if p.APNTypeMask == 0 {
		p.APNTypeMask = baseband.APNTypeIMS
	}
	return p, nil
}
