package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/mcpforge/mcpforge"
)

// registerSampleHandlers wires the tiny resource/tool set spec.md §1
// names as explicitly out of core scope: one static resource, one
// templated resource, and one tool, just enough to exercise every
// dispatcher method contract end to end.
func registerSampleHandlers(srv *mcpforge.Server) error {
	if err := srv.AddResource(mcpforge.Resource{
		URI:         "ex://greet",
		Name:        "greeting",
		MimeType:    "text/plain",
		Description: "a static greeting",
	}, greetResource); err != nil {
		return err
	}

	if err := srv.AddTemplate(mcpforge.ResourceTemplate{
		URITemplate: "ex://user/{name}",
		Name:        "user-greeting",
		MimeType:    "text/plain",
		Description: "a personalised greeting",
	}, userGreetResource); err != nil {
		return err
	}

	return srv.AddTool(mcpforge.Tool{
		Name:        "echo",
		Description: "echoes its text argument back",
		Parameters: []mcpforge.ToolParameter{
			{Name: "text", Type: "string", Description: "text to echo", Required: true},
		},
	}, echoTool)
}

func greetResource(ctx context.Context, uri string, vars map[string]string) ([]mcpforge.ContentItem, *mcpforge.HandlerError) {
	return []mcpforge.ContentItem{mcpforge.TextContent("Hello")}, nil
}

func userGreetResource(ctx context.Context, uri string, vars map[string]string) ([]mcpforge.ContentItem, *mcpforge.HandlerError) {
	name := vars["name"]
	if name == "" {
		return nil, mcpforge.NewHandlerError(mcpforge.ErrorCodeInvalidParams, "missing name variable")
	}
	return []mcpforge.ContentItem{mcpforge.TextContent(fmt.Sprintf("Hello, %s!", name))}, nil
}

func echoTool(ctx context.Context, name string, args map[string]interface{}) ([]mcpforge.ContentItem, bool, string, *mcpforge.HandlerError) {
	text, _ := args["text"].(string)
	if strings.TrimSpace(text) == "" {
		return nil, true, "text argument must not be empty", nil
	}
	return []mcpforge.ContentItem{mcpforge.TextContent(text)}, false, "", nil
}
