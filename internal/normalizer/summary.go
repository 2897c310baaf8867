package normalizer

import (
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"remote-clauding/internal/protocol"
)

const commandSummaryLimit = 80

// ToolSummary projects a tool invocation onto a one-line description.
// Unknown tools and missing input yield "".
func ToolSummary(name string, input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	in := gjson.ParseBytes(input)
	switch name {
	case "Read", "Edit", "Write":
		return in.Get("file_path").String()
	case "Bash":
		return protocol.Truncate(in.Get("command").String(), commandSummaryLimit)
	case "Glob":
		return in.Get("pattern").String()
	case "Grep":
		s := in.Get("pattern").String()
		if path := in.Get("path").String(); path != "" {
			s += " in " + path
		}
		return s
	case "WebFetch":
		return in.Get("url").String()
	case "WebSearch":
		return in.Get("query").String()
	case "TodoWrite":
		return "Updated todos"
	}
	return ""
}
