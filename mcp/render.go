package mcp

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	rw "github.com/mattn/go-runewidth"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// maxCellWidth bounds a rendered table cell
const maxCellWidth = 80

// RenderResult formats a tool result for the model and the console.
//
// A structuredContent.result that is a list of objects becomes a markdown
// table with the keys of the first row as header; any other structured
// result is pretty JSON. Otherwise the text blocks are joined, and as a last
// resort the whole result is printed as JSON.
func RenderResult(res *CallToolResult) string {
	if res == nil {
		return ""
	}

	if len(res.StructuredContent) > 0 {
		var sc map[string]json.RawMessage
		if err := json.Unmarshal(res.StructuredContent, &sc); err == nil {
			if data, ok := sc["result"]; ok {
				if table, ok := renderTable(data); ok {
					return table
				}
				return pretty(data)
			}
		}
	}

	if text := res.Text(); text != "" {
		return text
	}

	js, _ := json.MarshalIndent(res, "", "  ")
	return string(js)
}

func renderTable(data json.RawMessage) (string, bool) {
	var rows []*orderedmap.OrderedMap[string, any]
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 || rows[0] == nil {
		return "", false
	}

	var headers []string
	for pair := rows[0].Oldest(); pair != nil; pair = pair.Next() {
		headers = append(headers, pair.Key)
	}
	if len(headers) == 0 {
		return "", false
	}

	cells := make([][]string, len(rows))
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = max(3, rw.StringWidth(h))
	}
	for r, row := range rows {
		cells[r] = make([]string, len(headers))
		for i, h := range headers {
			var v any
			if row != nil {
				v, _ = row.Get(h)
			}
			s := cell(v)
			cells[r][i] = s
			widths[i] = max(widths[i], rw.StringWidth(s))
		}
	}

	var b strings.Builder
	writeRow := func(vals []string) {
		b.WriteString("|")
		for i, v := range vals {
			b.WriteString(" ")
			b.WriteString(rw.FillRight(v, widths[i]))
			b.WriteString(" |")
		}
		b.WriteString("\n")
	}

	writeRow(headers)
	sep := make([]string, len(headers))
	for i := range sep {
		sep[i] = strings.Repeat("-", widths[i])
	}
	writeRow(sep)
	for _, row := range cells {
		writeRow(row)
	}
	return strings.TrimSuffix(b.String(), "\n"), true
}

func cell(v any) string {
	var s string
	switch val := v.(type) {
	case nil:
		s = ""
	case string:
		s = val
	case float64:
		s = strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		s = strconv.FormatBool(val)
	default:
		js, _ := json.Marshal(val)
		s = string(js)
	}
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "|", "\\|")
	return rw.Truncate(s, maxCellWidth, "...")
}

func pretty(data json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return string(data)
	}
	return buf.String()
}
