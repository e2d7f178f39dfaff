// Package api holds the OpenAPI document served at /openapi.yaml.
package api

import "embed"

//go:embed openapi.yaml
var FS embed.FS
