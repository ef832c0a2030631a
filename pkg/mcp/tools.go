package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Sumatoshi-tech/iblnwb/pkg/alf"
	"github.com/Sumatoshi-tech/iblnwb/pkg/inspect"
	"github.com/Sumatoshi-tech/iblnwb/pkg/nwb2alyx"
)

// Tool name constants.
const (
	ToolNameInspect  = "nwb_inspect"
	ToolNameToAlyx   = "nwb_to_alyx"
	ToolNameALFParse = "alf_parse"
)

// Sentinel errors for tool input validation.
var (
	// ErrEmptyPath indicates the path parameter is empty.
	ErrEmptyPath = errors.New("path parameter is required and must not be empty")
	// ErrPathNotAbsolute indicates the path is not absolute.
	ErrPathNotAbsolute = errors.New("path must be an absolute path")
	// ErrFileNotFound indicates the NWB file does not exist.
	ErrFileNotFound = errors.New("file does not exist")
	// ErrEmptyFilename indicates the filename parameter is empty.
	ErrEmptyFilename = errors.New("filename parameter is required and must not be empty")
)

// Input types (auto-generate JSON schemas via struct tags).

// InspectInput is the input schema for the nwb_inspect tool.
type InspectInput struct {
	Path string `json:"path" jsonschema:"absolute path to an NWB file"`
}

// ToAlyxInput is the input schema for the nwb_to_alyx tool.
type ToAlyxInput struct {
	Path string `json:"path" jsonschema:"absolute path to an NWB file"`
}

// ALFParseInput is the input schema for the alf_parse tool.
type ALFParseInput struct {
	Filename string `json:"filename" jsonschema:"ALF file name or relative dataset path"`
}

// ToolOutput is a generic wrapper for tool results.
type ToolOutput struct {
	Data any `json:"data"`
}

func handleInspect(_ context.Context, _ *mcpsdk.CallToolRequest, input InspectInput) (*mcpsdk.CallToolResult, ToolOutput, error) {
	err := validatePath(input.Path)
	if err != nil {
		return errorResult(err)
	}

	summary, err := inspect.SummarizeFile(input.Path)
	if err != nil {
		return errorResult(fmt.Errorf("inspect %s: %w", input.Path, err))
	}

	return jsonResult(summary)
}

func handleToAlyx(_ context.Context, _ *mcpsdk.CallToolRequest, input ToAlyxInput) (*mcpsdk.CallToolResult, ToolOutput, error) {
	err := validatePath(input.Path)
	if err != nil {
		return errorResult(err)
	}

	records, err := nwb2alyx.Extract(input.Path)
	if err != nil {
		return errorResult(fmt.Errorf("extract %s: %w", input.Path, err))
	}

	return jsonResult(records)
}

func handleALFParse(_ context.Context, _ *mcpsdk.CallToolRequest, input ALFParseInput) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if input.Filename == "" {
		return errorResult(ErrEmptyFilename)
	}

	name, err := alf.Parse(input.Filename)
	if err != nil {
		return errorResult(err)
	}

	return jsonResult(name)
}

// validatePath checks that path names an existing file by absolute path.
func validatePath(path string) error {
	if path == "" {
		return ErrEmptyPath
	}

	if !filepath.IsAbs(path) {
		return fmt.Errorf("%w: %s", ErrPathNotAbsolute, path)
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}

	return nil
}

// errorResult builds a CallToolResult with isError set.
func errorResult(err error) (*mcpsdk.CallToolResult, ToolOutput, error) {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: err.Error()},
		},
		IsError: true,
	}, ToolOutput{}, nil
}

// jsonResult builds a CallToolResult with JSON-encoded content.
func jsonResult(value any) (*mcpsdk.CallToolResult, ToolOutput, error) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errorResult(fmt.Errorf("encode result: %w", err))
	}

	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: string(data)},
		},
	}, ToolOutput{Data: value}, nil
}
