// Package plugin implements the plugin dispatch mechanism described in
// spec §4.7: a capability-set interface that optional components implement
// to extend what a flow record carries and how it gets serialized, plus a
// load-time registry that rejects field-ID collisions before capture
// starts. The registry pattern mirrors the teacher's plugins.Initializer
// singleton (plugins/plugin.go).
package plugin

import (
	"fmt"
	"sync"

	"github.com/els0r/goProbe/v4/pkg/decoder"
)

// FieldDescriptor names one additional field a plugin contributes to an
// exported record, along with the template field ID it occupies.
type FieldDescriptor struct {
	Name    string
	FieldID uint16
}

// Plugin is the capability set a flow-record extension implements. Not
// every method needs meaningful behavior: a plugin that only annotates
// records at creation time can leave OnPacket a no-op, for instance.
type Plugin interface {
	// Name uniquely identifies the plugin in logs and configuration.
	Name() string

	// DescribeFields returns the template fields this plugin contributes.
	DescribeFields() []FieldDescriptor

	// OnCreate is called once, when a flow record is first created, and
	// returns the plugin's private per-flow state.
	OnCreate(fp any) any

	// OnPacket is called for every packet folded into an existing record,
	// with the plugin's own per-flow state from OnCreate/a prior OnPacket.
	OnPacket(state any, pkt decoder.Decoded) any

	// OnDelete is called once, when a record is expired and exported,
	// giving the plugin a chance to release resources held in state.
	OnDelete(state any)

	// SerializeField encodes the named field's current value from state
	// into dst, returning the extended slice.
	SerializeField(dst []byte, fieldName string, state any) []byte

	// FormatField renders the named field as a human-readable string, used
	// by debug/status surfaces rather than the wire encoder.
	FormatField(fieldName string, state any) string
}

// Initializer is the singleton plugin registry. Plugins register
// themselves from an init() function in their own package; the capture
// manager resolves the active set from configuration at startup.
type Initializer struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	fieldIDs map[uint16]string // fieldID -> owning plugin name, for collision detection
}

var (
	singleton *Initializer
	once      sync.Once
)

// GetInitializer returns the singleton Initializer instance.
func GetInitializer() *Initializer {
	once.Do(func() {
		singleton = &Initializer{
			plugins:  make(map[string]Plugin),
			fieldIDs: make(map[uint16]string),
		}
	})
	return singleton
}

// Register adds p to the registry. It panics if another plugin already
// registered under the same name, or if any of p's field IDs collides with
// a field ID already claimed by a different plugin — both are programming
// errors caught at init time, not runtime conditions to recover from.
func Register(p Plugin) {
	GetInitializer().register(p)
}

func (i *Initializer) register(p Plugin) {
	i.mu.Lock()
	defer i.mu.Unlock()

	name := p.Name()
	if _, exists := i.plugins[name]; exists {
		panic(fmt.Sprintf("plugin: duplicate registration for %q", name))
	}

	for _, fd := range p.DescribeFields() {
		if owner, exists := i.fieldIDs[fd.FieldID]; exists {
			panic(fmt.Sprintf("plugin: field ID %d of %q collides with %q", fd.FieldID, name, owner))
		}
	}

	i.plugins[name] = p
	for _, fd := range p.DescribeFields() {
		i.fieldIDs[fd.FieldID] = name
	}
}

// Get returns the registered plugin named name, if any.
func (i *Initializer) Get(name string) (Plugin, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	p, ok := i.plugins[name]
	return p, ok
}

// Names returns every registered plugin's name.
func (i *Initializer) Names() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	names := make([]string, 0, len(i.plugins))
	for name := range i.plugins {
		names = append(names, name)
	}
	return names
}

// Resolve returns the Plugin instances for the given names, in order,
// erroring on any name that isn't registered.
func (i *Initializer) Resolve(names []string) ([]Plugin, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	plugins := make([]Plugin, 0, len(names))
	for _, name := range names {
		p, ok := i.plugins[name]
		if !ok {
			return nil, fmt.Errorf("plugin: %q is not registered", name)
		}
		plugins = append(plugins, p)
	}
	return plugins, nil
}
