// Package api holds the OpenAPI document for the kakehashi HTTP API.
package api

import _ "embed"

// OpenAPI is the OpenAPI 3.1 description served at GET /openapi.yaml. It
// is kept in step with the routes registered by internal/server.
//
//go:embed openapi.yaml
var OpenAPI []byte
