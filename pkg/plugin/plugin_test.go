package plugin

import (
	"testing"

	"github.com/els0r/goProbe/v4/pkg/decoder"
	"github.com/stretchr/testify/require"
)

type countingPlugin struct {
	name    string
	fieldID uint16
}

func (p *countingPlugin) Name() string { return p.name }
func (p *countingPlugin) DescribeFields() []FieldDescriptor {
	return []FieldDescriptor{{Name: p.name + "_COUNT", FieldID: p.fieldID}}
}
func (p *countingPlugin) OnCreate(_ any) any { return 0 }
func (p *countingPlugin) OnPacket(state any, _ decoder.Decoded) any {
	return state.(int) + 1
}
func (p *countingPlugin) OnDelete(_ any) {}
func (p *countingPlugin) SerializeField(dst []byte, _ string, state any) []byte {
	return append(dst, byte(state.(int)))
}
func (p *countingPlugin) FormatField(_ string, state any) string {
	return ""
}

func freshInitializer() {
	singleton = &Initializer{
		plugins:  make(map[string]Plugin),
		fieldIDs: make(map[uint16]string),
	}
}

func TestRegisterAndResolve(t *testing.T) {
	freshInitializer()
	Register(&countingPlugin{name: "counter", fieldID: 1000})

	resolved, err := GetInitializer().Resolve([]string{"counter"})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
}

func TestRegisterDuplicateNamePanics(t *testing.T) {
	freshInitializer()
	Register(&countingPlugin{name: "dup", fieldID: 1})
	require.Panics(t, func() {
		Register(&countingPlugin{name: "dup", fieldID: 2})
	})
}

func TestRegisterFieldIDCollisionPanics(t *testing.T) {
	freshInitializer()
	Register(&countingPlugin{name: "first", fieldID: 42})
	require.Panics(t, func() {
		Register(&countingPlugin{name: "second", fieldID: 42})
	})
}

func TestResolveUnknownNameErrors(t *testing.T) {
	freshInitializer()
	_, err := GetInitializer().Resolve([]string{"missing"})
	require.Error(t, err)
}
