//go:build swagger

package httpapi

import (
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/swaggo/swag"
)

// SwaggerEnabled reports whether the binary serves /swagger.
const SwaggerEnabled = true

// MountSwagger serves the Swagger UI at /swagger/. Generated docs (swag init)
// register themselves; otherwise a minimal document is served.
func MountSwagger(r chi.Router) {
	if _, err := swag.ReadDoc(); err != nil {
		swag.Register(swag.Name, &swag.Spec{
			Version:          "1.0",
			BasePath:         "/",
			Title:            "trtd API",
			Description:      "Compiled inference engine daemon.",
			InfoInstanceName: swag.Name,
			SwaggerTemplate:  minimalDoc,
		})
	}
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}

const minimalDoc = `{
  "swagger": "2.0",
  "info": {"title": "{{.Title}}", "description": "{{escape .Description}}", "version": "{{.Version}}"},
  "basePath": "{{.BasePath}}",
  "paths": {}
}`
