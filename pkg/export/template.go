package export

import (
	"fmt"
	"strings"
)

// FieldType identifies a NetFlow v9 / IPFIX information element this
// exporter knows how to populate and encode.
type FieldType int

// ntopEnterpriseID is the PEN used for ntop-style extended fields carried in
// IPFIX enterprise-bit elements (spec §4.6).
const ntopEnterpriseID = 35632

const (
	FieldSrcAddr FieldType = iota
	FieldDstAddr
	FieldSrcPort
	FieldDstPort
	FieldProtocol
	FieldTOS
	FieldTCPFlags
	FieldPackets
	FieldBytes
	FieldFirstSwitched
	FieldLastSwitched
	FieldInputSnmp
	FieldVlanID
	// FieldL7Proto is an ntop enterprise field (NDPI_PROTOCOL), an example of
	// an enterprise-scoped element: IPFIX templates carry it with the
	// enterprise bit set, v9 templates under its plain field ID.
	FieldL7Proto
)

// fieldSpec describes one information element: its v9/IPFIX field ID,
// its encoded length on the wire, and whether it requires the IPFIX
// enterprise bit (ntop extensions).
type fieldSpec struct {
	name       string
	v9FieldID  uint16
	length     uint16
	enterprise bool
}

var fieldSpecs = map[FieldType]fieldSpec{
	FieldSrcAddr:       {"SRC_ADDR", 8, 4, false},
	FieldDstAddr:       {"DST_ADDR", 12, 4, false},
	FieldSrcPort:       {"SRC_PORT", 7, 2, false},
	FieldDstPort:       {"DST_PORT", 11, 2, false},
	FieldProtocol:      {"PROTOCOL", 4, 1, false},
	FieldTOS:           {"TOS", 5, 1, false},
	FieldTCPFlags:      {"TCP_FLAGS", 6, 1, false},
	FieldPackets:       {"PACKETS", 2, 4, false},
	FieldBytes:         {"BYTES", 1, 4, false},
	FieldFirstSwitched: {"FIRST_SWITCHED", 22, 4, false},
	FieldLastSwitched:  {"LAST_SWITCHED", 21, 4, false},
	FieldInputSnmp:     {"INPUT_SNMP", 10, 2, false},
	FieldVlanID:        {"VLAN_ID", 58, 2, false},
	FieldL7Proto:       {"L7_PROTO", 98, 2, true},
}

var fieldsByName = func() map[string]FieldType {
	m := make(map[string]FieldType, len(fieldSpecs))
	for ft, spec := range fieldSpecs {
		m[spec.name] = ft
	}
	return m
}()

// Template is an ordered set of fields, assigned a template ID, that
// describes the layout of one exported record for v9/IPFIX. NetFlow v5
// ignores templates entirely (its record format is fixed).
type Template struct {
	ID     uint16
	Fields []FieldType
}

// RecordLength returns the packed byte length of one data record matching
// this template.
func (t Template) RecordLength() uint16 {
	var n uint16
	for _, f := range t.Fields {
		n += fieldSpecs[f].length
	}
	return n
}

// ParseTemplateString parses a `%FIELD_NAME` macro string (spec §6, e.g.
// "%SRC_ADDR %DST_ADDR %SRC_PORT %DST_PORT %PROTOCOL %PACKETS %BYTES") into
// an ordered field list, assigning it the template ID id (v9/IPFIX
// reserve IDs below 256 for flowset-type markers).
func ParseTemplateString(s string, id uint16) (Template, error) {
	var fields []FieldType
	for _, tok := range strings.Fields(s) {
		name := strings.TrimPrefix(tok, "%")
		ft, ok := fieldsByName[name]
		if !ok {
			return Template{}, fmt.Errorf("export: unknown template field %q", tok)
		}
		fields = append(fields, ft)
	}
	if len(fields) == 0 {
		return Template{}, fmt.Errorf("export: empty template string")
	}
	return Template{ID: id, Fields: fields}, nil
}

// DefaultTemplate is used when the CLI does not supply a custom template
// string: the 5-tuple plus counters and timestamps, the field set any v9 or
// IPFIX collector is expected to understand.
var DefaultTemplate = Template{
	ID: 256,
	Fields: []FieldType{
		FieldSrcAddr, FieldDstAddr, FieldSrcPort, FieldDstPort, FieldProtocol,
		FieldTOS, FieldTCPFlags, FieldPackets, FieldBytes,
		FieldFirstSwitched, FieldLastSwitched,
	},
}
