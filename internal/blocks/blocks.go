// Package blocks extracts typed visual blocks from agent output text.
//
// Agents embed structured content (charts, tables, KPI panels) inside
// their token stream between fixed sentinel markers. The extractor
// re-derives the full ordered block list from the accumulated text on
// every call; it keeps no incremental state, which makes the result
// independent of how the network fragmented the token events.
package blocks

import (
	"encoding/json"
	"strings"
)

// BlockType identifies the kind of a visual block.
type BlockType string

const (
	TypeText  BlockType = "text"
	TypeChart BlockType = "chart"
	TypeTable BlockType = "table"
	TypeKPI   BlockType = "kpi"
)

// Sentinel marker pairs. Chosen to be exceedingly unlikely to appear in
// natural agent output.
const (
	chartOpen  = "|||CHART|||"
	chartClose = "|||END_CHART|||"
	tableOpen  = "|||TABLE|||"
	tableClose = "|||END_TABLE|||"
	kpiOpen    = "|||KPI|||"
	kpiClose   = "|||END_KPI|||"
)

// Block is one segment of the agent's rendered response. Text blocks
// carry their content in Text; structured blocks carry the decoded
// interior in Payload.
type Block struct {
	Type    BlockType       `json:"type"`
	Text    string          `json:"text,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ChartPayload is the expected interior of a chart block. Decoding it is
// best-effort; consumers own the exact shape.
type ChartPayload struct {
	ChartType string            `json:"chartType"`
	Title     string            `json:"title"`
	Labels    []string          `json:"labels"`
	Datasets  []json.RawMessage `json:"datasets"`
}

// TablePayload is the expected interior of a table block.
type TablePayload struct {
	Title   string              `json:"title"`
	Columns []string            `json:"columns"`
	Rows    [][]json.RawMessage `json:"rows"`
}

// KPIMetric is one entry of a KPI panel.
type KPIMetric struct {
	Label string `json:"label"`
	Value string `json:"value"`
	Delta string `json:"delta,omitempty"`
}

// KPIPayload is the expected interior of a kpi block.
type KPIPayload struct {
	Metrics []KPIMetric `json:"metrics"`
}

type marker struct {
	typ   BlockType
	open  string
	close string
}

var markers = []marker{
	{TypeChart, chartOpen, chartClose},
	{TypeTable, tableOpen, tableClose},
	{TypeKPI, kpiOpen, kpiClose},
}

// Extract parses the entire accumulated text of one run into an ordered
// block list. Every character of the input is accounted for by exactly
// one block's source span: literal text, or the interior of a recognized
// sentinel pair. An interior that does not decode as a JSON object
// degrades to a text block holding the raw interior verbatim; parsing
// continues after the close marker.
func Extract(text string) []Block {
	var out []Block
	rest := text

	for rest != "" {
		m, at := nextOpen(rest)
		if at < 0 {
			out = appendText(out, rest)
			break
		}

		out = appendText(out, rest[:at])
		rest = rest[at:]

		interiorStart := len(m.open)
		end := strings.Index(rest[interiorStart:], m.close)
		if end < 0 {
			// Close marker not seen yet: the stream is still arriving.
			// Emit the remainder as text; the next full re-parse will
			// supersede it once the close marker lands.
			out = appendText(out, rest)
			break
		}

		interior := rest[interiorStart : interiorStart+end]
		out = append(out, decodeInterior(m.typ, interior))
		rest = rest[interiorStart+end+len(m.close):]
	}

	return out
}

// nextOpen returns the marker whose open sentinel occurs earliest in s,
// or at = -1 when none is present.
func nextOpen(s string) (marker, int) {
	var best marker
	at := -1
	for _, m := range markers {
		if i := strings.Index(s, m.open); i >= 0 && (at < 0 || i < at) {
			best, at = m, i
		}
	}
	return best, at
}

// appendText appends a text block unless the span is empty after trimming.
func appendText(out []Block, span string) []Block {
	if strings.TrimSpace(span) == "" {
		return out
	}
	return append(out, Block{Type: TypeText, Text: strings.TrimSpace(span)})
}

// decodeInterior attempts to decode the sentinel interior as a JSON
// object. Undecodable payloads never abort parsing; they degrade to a
// text block carrying the raw interior string.
func decodeInterior(typ BlockType, interior string) Block {
	trimmed := strings.TrimSpace(interior)
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return Block{Type: TypeText, Text: interior}
	}
	return Block{Type: typ, Payload: json.RawMessage(trimmed)}
}
