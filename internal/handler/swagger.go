package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rosstax/settlement-core/docs"
	"github.com/rs/zerolog/log"
	echoSwagger "github.com/swaggo/echo-swagger"
	"github.com/swaggo/swag"
)

// OpenAPI3Spec is the OpenAPI 3.0 rendering of the generated Swagger 2.0 document
type OpenAPI3Spec struct {
	OpenAPI    string          `json:"openapi"`
	Info       any             `json:"info"`
	Servers    []OpenAPIServer `json:"servers"`
	Paths      map[string]any  `json:"paths"`
	Components map[string]any  `json:"components,omitempty"`
}

// OpenAPIServer is an OpenAPI 3.0 server entry
type OpenAPIServer struct {
	URL         string `json:"url"`
	Description string `json:"description"`
}

// registerDocs mounts the Swagger UI and both spec renderings
func registerDocs(e *echo.Echo) {
	e.GET("/swagger/*", echoSwagger.WrapHandler)
	e.GET("/openapi.json", ServeOpenAPI3Spec)
}

// ServeOpenAPI3Spec serves the API description converted to OpenAPI 3.0,
// with the serving host as its only server
func ServeOpenAPI3Spec(c echo.Context) error {
	doc, err := swag.ReadDoc(docs.SwaggerInfo.InstanceName())
	if err != nil {
		log.Error().Err(err).Msg("Failed to read swagger doc")
		return NewInternalError(c, "Failed to read API description")
	}

	var swagger2 map[string]any
	if err := json.Unmarshal([]byte(doc), &swagger2); err != nil {
		log.Error().Err(err).Msg("Failed to parse swagger doc")
		return NewInternalError(c, "Failed to parse API description")
	}

	paths := map[string]any{}
	if p, ok := swagger2["paths"].(map[string]any); ok {
		for path, item := range p {
			paths[path] = convertPathItem(item)
		}
	}

	components := map[string]any{}
	if schemes, ok := swagger2["securityDefinitions"].(map[string]any); ok {
		components["securitySchemes"] = schemes
	}
	if definitions, ok := swagger2["definitions"].(map[string]any); ok {
		components["schemas"] = rewriteRefs(definitions)
	}

	return c.JSON(http.StatusOK, OpenAPI3Spec{
		OpenAPI: "3.0.3",
		Info:    swagger2["info"],
		Servers: []OpenAPIServer{{
			URL:         c.Scheme() + "://" + c.Request().Host + docs.SwaggerInfo.BasePath,
			Description: "This server",
		}},
		Paths:      paths,
		Components: components,
	})
}

// convertPathItem converts each operation of a Swagger 2.0 path item
func convertPathItem(item any) any {
	ops, ok := item.(map[string]any)
	if !ok {
		return item
	}
	out := make(map[string]any, len(ops))
	for method, op := range ops {
		if operation, ok := op.(map[string]any); ok {
			out[method] = convertOperation(operation)
		}
	}
	return out
}

// convertOperation moves body and form parameters into a requestBody, wraps
// the remaining parameter types in schemas and response schemas in content
func convertOperation(op map[string]any) map[string]any {
	out := make(map[string]any, len(op))
	for key, value := range op {
		switch key {
		case "parameters", "responses", "consumes", "produces":
		default:
			out[key] = rewriteRefs(value)
		}
	}

	var params []any
	form := map[string]any{}
	var required []string
	list, _ := op["parameters"].([]any)
	for _, raw := range list {
		p, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		switch p["in"] {
		case "body":
			out["requestBody"] = map[string]any{
				"required": p["required"],
				"content": map[string]any{
					"application/json": map[string]any{"schema": rewriteRefs(p["schema"])},
				},
			}
		case "formData":
			name, _ := p["name"].(string)
			form[name] = formSchema(p)
			if req, _ := p["required"].(bool); req {
				required = append(required, name)
			}
		default:
			params = append(params, convertParameter(p))
		}
	}
	if len(form) > 0 {
		schema := map[string]any{"type": "object", "properties": form}
		if len(required) > 0 {
			schema["required"] = required
		}
		out["requestBody"] = map[string]any{
			"content": map[string]any{"multipart/form-data": map[string]any{"schema": schema}},
		}
	}
	if len(params) > 0 {
		out["parameters"] = params
	}

	if responses, ok := op["responses"].(map[string]any); ok {
		converted := make(map[string]any, len(responses))
		for code, raw := range responses {
			r, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			resp := map[string]any{"description": r["description"]}
			if schema, ok := r["schema"]; ok {
				resp["content"] = map[string]any{
					"application/json": map[string]any{"schema": rewriteRefs(schema)},
				}
			}
			converted[code] = resp
		}
		out["responses"] = converted
	}
	return out
}

func convertParameter(p map[string]any) map[string]any {
	out := map[string]any{}
	for _, field := range []string{"name", "in", "description", "required"} {
		if v, ok := p[field]; ok {
			out[field] = v
		}
	}
	schema := map[string]any{}
	for _, field := range []string{"type", "format", "enum", "default", "minimum", "maximum", "items"} {
		if v, ok := p[field]; ok {
			schema[field] = rewriteRefs(v)
		}
	}
	if len(schema) > 0 {
		out["schema"] = schema
	}
	return out
}

func formSchema(p map[string]any) map[string]any {
	if p["type"] == "file" {
		return map[string]any{"type": "string", "format": "binary", "description": p["description"]}
	}
	return map[string]any{"type": p["type"], "description": p["description"]}
}

// rewriteRefs points $ref values at components/schemas
func rewriteRefs(data any) any {
	switch v := data.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, value := range v {
			if ref, ok := value.(string); ok && key == "$ref" {
				out[key] = strings.Replace(ref, "#/definitions/", "#/components/schemas/", 1)
				continue
			}
			out[key] = rewriteRefs(value)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = rewriteRefs(item)
		}
		return out
	default:
		return data
	}
}
