package source

import (
	"fmt"
	"os"
	"path/filepath"
)

// demoManifest is the stock module installed into an empty modules
// directory so a fresh workspace has something to browse and call.
const demoManifest = `{
  "name": "demo",
  "state": {"count": 0, "greeting": "hello"},
  "methods": [
    {
      "name": "echo",
      "description": "Echo the input back to the caller.",
      "params": [
        {"name": "input", "type": "string", "description": "Text to echo", "required": true}
      ],
      "behavior": "echo"
    },
    {
      "name": "count",
      "description": "Increment and report the per-instance counter.",
      "behavior": "script",
      "steps": [
        {"set": {"key": "count", "value": "$increment"}},
        {"emit": {"kind": "status", "payload": "counted"}}
      ]
    },
    {
      "name": "deploy",
      "description": "A suspending workflow that asks for confirmation before finishing.",
      "suspending": true,
      "behavior": "script",
      "steps": [
        {"emit": {"kind": "progress", "payload": 0.1}},
        {"ask": {"kind": "confirm", "message": "Proceed with deploy?", "saveAs": "approved"}},
        {"emit": {"kind": "progress", "payload": 1.0}}
      ],
      "result": "deployed"
    }
  ],
  "resources": [
    {
      "uri": "beam://demo/readme",
      "name": "Demo module readme",
      "mimeType": "text/markdown",
      "text": "# demo\n\nA stock module exercising echo, state, and suspending workflows."
    }
  ]
}
`

// EnsureDemo writes the demo module manifest into dir when no manifests
// exist yet. Returns the manifest paths found or created.
func EnsureDemo(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating modules directory: %w", err)
	}

	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("scanning modules directory: %w", err)
	}
	if len(paths) > 0 {
		return paths, nil
	}

	demo := filepath.Join(dir, "demo.json")
	if err := os.WriteFile(demo, []byte(demoManifest), 0o644); err != nil {
		return nil, fmt.Errorf("writing demo module: %w", err)
	}
	return []string{demo}, nil
}
