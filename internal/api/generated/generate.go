// Package generated holds the HTTP server types generated from
// api/openapi.yaml. Run go generate after editing the document.
package generated

//go:generate go run github.com/oapi-codegen/oapi-codegen/v2/cmd/oapi-codegen@v2.5.0 --config=config.yaml ../../../api/openapi.yaml
