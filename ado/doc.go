// Package ado provides core Azure DevOps types shared by the client and the
// tool layer.
//
// This package contains:
//   - Wire types for the Build, Pipelines, and Release REST APIs
//   - Error types, sentinel errors, and the audit error-kind taxonomy
//   - SecretToken for safe bearer-token handling
//   - Timestamp and duration formatting helpers
//
// # Usage
//
//	import "github.com/prilive-com/pipewarden/ado"
//
//	var build ado.Build
//	var err *ado.APIError
//	token := ado.SecretToken("eyJ0...")
package ado
