// Package openapi carries the HTTP API contract served at /openapi.yaml and
// used to validate incoming requests.
package openapi

import _ "embed"

//go:embed openapi.yaml
var YAML []byte
