package tsreasm

import "fmt"

// TableDecoder decodes the payload of a complete table into a typed value
// such as *PATData or *PMTData
type TableDecoder func(t *Table) (interface{}, error)

// Registry maps table ids to decode strategies. It is caller populated at
// startup: there is no process-wide factory and no load-time
// self-registration, so nothing depends on package initialization order.
type Registry struct {
	decoders map[uint8]TableDecoder
}

// NewRegistry creates a registry populated with the table kinds the
// reassembly core knows how to decode (PAT and PMT)
func NewRegistry() (r *Registry) {
	r = &Registry{decoders: make(map[uint8]TableDecoder)}
	r.Register(TableIDPAT, func(t *Table) (interface{}, error) { return parsePAT(t) })
	r.Register(TableIDPMT, func(t *Table) (interface{}, error) { return parsePMT(t) })
	return
}

// Register adds or replaces the decode strategy for a table id
func (r *Registry) Register(tableID uint8, d TableDecoder) { r.decoders[tableID] = d }

// Has checks whether a decode strategy is registered for a table id
func (r *Registry) Has(tableID uint8) bool {
	_, ok := r.decoders[tableID]
	return ok
}

// Decode decodes a complete table using the registered strategy for its
// table id
func (r *Registry) Decode(t *Table) (interface{}, error) {
	d, ok := r.decoders[t.TableID()]
	if !ok {
		return nil, fmt.Errorf("tsreasm: no decoder registered for table id %d", t.TableID())
	}
	return d(t)
}
