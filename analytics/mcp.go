package analytics

import (
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/msgstats/kit"
)

// RegisterMCP registers msgstats_contact_stats and msgstats_word_frequency
// on srv.
func (h *Handler) RegisterMCP(srv *mcp.Server) {
	h.registerContactStatsTool(srv)
	h.registerWordFrequencyTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

var contactIDProperty = map[string]any{
	"type":        "string",
	"description": "Contact identifier as stored by Messages: phone number in E.164 form or email address",
}

func (h *Handler) registerContactStatsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "msgstats_contact_stats",
		Description: "Count messages sent to and received from one contact.",
		InputSchema: inputSchema(map[string]any{
			"contact_id": contactIDProperty,
		}, []string{"contact_id"}),
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r StatsRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, h.contactStats, decode)
}

func (h *Handler) registerWordFrequencyTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "msgstats_word_frequency",
		Description: "Rank the most frequent words in the messages exchanged with one contact.",
		InputSchema: inputSchema(map[string]any{
			"contact_id": contactIDProperty,
			"limit": map[string]any{
				"type":        "integer",
				"description": fmt.Sprintf("Number of words to return (default %d)", h.defaultLimit),
			},
		}, []string{"contact_id"}),
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var args struct {
			ContactID string `json:"contact_id"`
			Limit     *int   `json:"limit"`
		}
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return nil, err
		}
		r := &WordFrequencyRequest{ContactID: args.ContactID, Limit: h.defaultLimit}
		if args.Limit != nil {
			r.Limit = *args.Limit
		}
		return &kit.MCPDecodeResult{Request: r}, nil
	}

	kit.RegisterMCPTool(srv, tool, h.wordFrequency, decode)
}
