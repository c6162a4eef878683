package openapi

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// Operation documents a single route. Routes without one are still listed
// with a generated summary.
type Operation struct {
	Summary   string
	Tag       string
	Responses map[int]string
}

// Generator builds an OpenAPI 3.0 document from the routes registered on
// an echo instance.
type Generator struct {
	routes  func() []*echo.Route
	prefix  string
	ops     map[string]Operation
	title   string
	version string
	baseURL string
}

// NewGenerator documents every route of e under prefix.
func NewGenerator(e *echo.Echo, prefix, title, version, baseURL string) *Generator {
	return &Generator{
		routes:  e.Routes,
		prefix:  prefix,
		ops:     make(map[string]Operation),
		title:   title,
		version: version,
		baseURL: baseURL,
	}
}

// Describe attaches documentation to method and echo path.
func (g *Generator) Describe(method, path string, op Operation) {
	g.ops[method+" "+path] = op
}

// GenerateSpec produces the OpenAPI 3.0 spec as a map.
func (g *Generator) GenerateSpec() map[string]interface{} {
	routes := g.routes()
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Path != routes[j].Path {
			return routes[i].Path < routes[j].Path
		}
		return routes[i].Method < routes[j].Method
	})

	paths := make(map[string]interface{})
	tags := map[string]bool{}
	for _, r := range routes {
		if !strings.HasPrefix(r.Path, g.prefix) || r.Method == echo.RouteNotFound {
			continue
		}
		oaPath, params := convertPath(r.Path)
		item, _ := paths[oaPath].(map[string]interface{})
		if item == nil {
			item = make(map[string]interface{})
			paths[oaPath] = item
		}

		op, ok := g.ops[r.Method+" "+r.Path]
		if !ok {
			op = Operation{Summary: r.Method + " " + oaPath}
		}
		if op.Tag == "" {
			op.Tag = tagFor(strings.TrimPrefix(r.Path, g.prefix))
		}
		tags[op.Tag] = true

		entry := map[string]interface{}{
			"summary":     op.Summary,
			"operationId": operationID(r.Method, oaPath),
			"tags":        []string{op.Tag},
			"responses":   buildResponses(op.Responses),
		}
		if len(params) > 0 {
			entry["parameters"] = buildPathParameters(params)
		}
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			entry["requestBody"] = map[string]interface{}{
				"required": true,
				"content": map[string]interface{}{
					"application/json": map[string]interface{}{
						"schema": map[string]string{"type": "object"},
					},
				},
			}
		}
		item[strings.ToLower(r.Method)] = entry
	}

	tagList := make([]string, 0, len(tags))
	for t := range tags {
		tagList = append(tagList, t)
	}
	sort.Strings(tagList)

	return map[string]interface{}{
		"openapi": "3.0.3",
		"info": map[string]interface{}{
			"title":   g.title,
			"version": g.version,
		},
		"servers": []map[string]string{
			{"url": g.baseURL},
		},
		"tags":  tagList,
		"paths": paths,
		"components": map[string]interface{}{
			"schemas": map[string]interface{}{
				"Error": errorSchema(),
			},
		},
	}
}

// convertPath turns /cases/:tt into /cases/{tt} and returns the parameter
// names in order.
func convertPath(p string) (string, []string) {
	segs := strings.Split(p, "/")
	var params []string
	for i, s := range segs {
		if strings.HasPrefix(s, ":") {
			name := s[1:]
			params = append(params, name)
			segs[i] = "{" + name + "}"
		}
	}
	return strings.Join(segs, "/"), params
}

func tagFor(p string) string {
	for _, s := range strings.Split(p, "/") {
		if s != "" && !strings.HasPrefix(s, ":") {
			return s
		}
	}
	return "default"
}

func operationID(method, p string) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(method))
	for _, s := range strings.Split(p, "/") {
		s = strings.Trim(s, "{}")
		if s == "" {
			continue
		}
		b.WriteString(strings.ToUpper(s[:1]))
		b.WriteString(s[1:])
	}
	return b.String()
}

func buildPathParameters(names []string) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(names))
	for _, n := range names {
		out = append(out, map[string]interface{}{
			"name":     n,
			"in":       "path",
			"required": true,
			"schema":   map[string]string{"type": "string"},
		})
	}
	return out
}

func buildResponses(described map[int]string) map[string]interface{} {
	out := make(map[string]interface{})
	if len(described) == 0 {
		out["default"] = map[string]interface{}{"description": "Response"}
		return out
	}
	for code, desc := range described {
		resp := map[string]interface{}{"description": desc}
		if code >= 400 {
			resp["content"] = map[string]interface{}{
				"application/json": map[string]interface{}{
					"schema": map[string]string{"$ref": "#/components/schemas/Error"},
				},
			}
		}
		out[strconv.Itoa(code)] = resp
	}
	return out
}

func errorSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":     "object",
		"required": []string{"error", "message"},
		"properties": map[string]interface{}{
			"error":           map[string]string{"type": "string"},
			"message":         map[string]string{"type": "string"},
			"status":          map[string]string{"type": "string"},
			"requestedStatus": map[string]string{"type": "string"},
			"section":         map[string]string{"type": "string"},
		},
	}
}

const swaggerUIHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>Shock Registry API - Swagger UI</title>
  <link rel="stylesheet" type="text/css" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" >
  <style>
    html { box-sizing: border-box; overflow-y: scroll; }
    *, *:before, *:after { box-sizing: inherit; }
    body { margin: 0; background: #fafafa; }
  </style>
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({
      url: "/api/openapi.json",
      dom_id: '#swagger-ui',
      deepLinking: true,
      presets: [
        SwaggerUIBundle.presets.apis,
        SwaggerUIBundle.SwaggerUIStandalonePreset
      ],
      layout: "BaseLayout"
    })
  </script>
</body>
</html>`

// RegisterRoutes registers the OpenAPI endpoints.
func (g *Generator) RegisterRoutes(apiGroup *echo.Group) {
	apiGroup.GET("/openapi.json", func(c echo.Context) error {
		return c.JSON(http.StatusOK, g.GenerateSpec())
	})
	apiGroup.GET("/docs", func(c echo.Context) error {
		return c.HTML(http.StatusOK, swaggerUIHTML)
	})
}
