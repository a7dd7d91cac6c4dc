package plugin

import (
	"github.com/els0r/goProbe/v4/pkg/decoder"
	"github.com/els0r/goProbe/v4/pkg/flowtable"
)

// Set is a resolved, ordered list of active plugins, indexed by position
// (the intrusive per-flow PluginData.PluginID is this position).
type Set []Plugin

// OnCreate runs every plugin's OnCreate hook and attaches the resulting
// per-flow state to rec's intrusive plugin-data list.
func (s Set) OnCreate(rec *flowtable.Record, fp any) {
	rec.Plugins = make([]flowtable.PluginData, len(s))
	for id, p := range s {
		rec.Plugins[id] = flowtable.PluginData{PluginID: id, Data: p.OnCreate(fp)}
	}
}

// OnPacket folds one packet into every plugin's per-flow state.
func (s Set) OnPacket(rec *flowtable.Record, pkt decoder.Decoded) {
	for id, p := range s {
		if id >= len(rec.Plugins) {
			continue
		}
		rec.Plugins[id].Data = p.OnPacket(rec.Plugins[id].Data, pkt)
	}
}

// OnDelete runs every plugin's OnDelete hook as rec is exported.
func (s Set) OnDelete(rec *flowtable.Record) {
	for id, p := range s {
		if id >= len(rec.Plugins) {
			continue
		}
		p.OnDelete(rec.Plugins[id].Data)
	}
}
