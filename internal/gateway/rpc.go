package gateway

import (
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"
)

// methodInfo достаёт из тела JSON-RPC метод (и инструмент для tools/call) для аудита.
// Тело не JSON-RPC: пустая строка; на форвард это не влияет.
func methodInfo(body []byte) string {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return ""
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsArray() {
		return describeCall(doc)
	}

	// Batch
	var parts []string
	doc.ForEach(func(_, item gjson.Result) bool {
		if info := describeCall(item); info != "" {
			parts = append(parts, info)
		}
		return true
	})
	return strings.Join(parts, ",")
}

func describeCall(call gjson.Result) string {
	method := call.Get("method").String()
	if method == string(mcp.MethodToolsCall) {
		if tool := call.Get("params.name").String(); tool != "" {
			return method + ":" + tool
		}
	}
	return method
}
