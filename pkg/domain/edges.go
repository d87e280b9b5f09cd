package domain

import "time"

// EdgeType names a directed relation between two entities.
type EdgeType string

// Edge types recognised by the default schema.
const (
	EdgeDerivedFrom  EdgeType = "derivedFrom"
	EdgeMethod       EdgeType = "method"
	EdgeInstrument   EdgeType = "instrument"
	EdgeTarget       EdgeType = "target"
	EdgeRawDataType  EdgeType = "rawDataType"
	EdgeGasFlow      EdgeType = "gasFlow"
	EdgeDataQuality  EdgeType = "dataQuality"
	EdgeAttributedTo EdgeType = "attributedTo"
	EdgeSelects      EdgeType = "selects"
	EdgeSupersedes   EdgeType = "supersedes"
)

// Edge is a typed directed triple. Edges are append-only.
type Edge struct {
	Source    string    `json:"source"`
	Type      EdgeType  `json:"type"`
	Target    string    `json:"target"`
	CreatedAt time.Time `json:"created_at"`
}

// Same reports whether two edges describe the same triple.
func (e Edge) Same(other Edge) bool {
	return e.Source == other.Source && e.Type == other.Type && e.Target == other.Target
}
