// Package schemas embeds the JSON Schemas of the documents stored on a run.
package schemas

import "embed"

// FS holds every *.schema.json file in this directory.
//
//go:embed *.schema.json
var FS embed.FS

// Schema file names.
const (
	Plan     = "plan.schema.json"
	Progress = "runprogress.schema.json"
)
