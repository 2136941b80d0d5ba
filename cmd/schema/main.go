// Command schema emits JSON schemas for the websocket wire protocol so
// client implementations can validate frames without reading Go source.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"

	"varygen/server/internal/net/proto"
)

func main() {
	var outDir string
	flag.StringVar(&outDir, "out", "", "directory to write the JSON schemas")
	flag.Parse()

	if outDir == "" {
		fmt.Fprintln(os.Stderr, "--out is required")
		os.Exit(1)
	}

	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: true,
	}

	targets := []struct {
		name        string
		title       string
		description string
		value       any
	}{
		{"client_message", "Client Message", "Frames clients send over the websocket.", new(proto.ClientMessage)},
		{"state_message", "State Message", "Per-tick authoritative delta broadcast.", new(proto.StateMessageV1)},
		{"join_response", "Join Response", "HTTP join payload carrying the private role and full snapshot.", new(proto.JoinResponseV1)},
		{"keyframe_message", "Keyframe Message", "Full recovery snapshot served from the journal.", new(proto.KeyframeMessageV1)},
		{"keyframe_nack", "Keyframe Nack", "Refusal carrying the surviving keyframe window.", new(proto.KeyframeNackV1)},
		{"room_closed", "Room Closed", "Disconnect-and-reassign notice sent before teardown.", new(proto.RoomClosedV1)},
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create output directory: %v\n", err)
		os.Exit(1)
	}

	for _, target := range targets {
		schema := reflector.Reflect(target.value)
		schema.Title = target.title
		schema.Description = target.description
		if err := writeSchema(filepath.Join(outDir, target.name+".schema.json"), schema); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write %s: %v\n", target.name, err)
			os.Exit(1)
		}
	}
}

func writeSchema(outPath string, schema *jsonschema.Schema) error {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	tmpPath := outPath + ".tmp"
	if err := os.WriteFile(tmpPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write temp schema: %w", err)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("replace schema: %w", err)
	}
	return nil
}
