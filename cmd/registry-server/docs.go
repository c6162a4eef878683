package main

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/KristoLaptalo/National-Shock-Net-ICU-sub000/internal/platform/openapi"
)

// apiVersion is reported in the OpenAPI document.
const apiVersion = "1.0.0"

func newAPIDocs(e *echo.Echo, baseURL string) *openapi.Generator {
	g := openapi.NewGenerator(e, "/api/v1", "National Shock Net ICU Registry API", apiVersion, baseURL)

	const p = "/api/v1"
	g.Describe(http.MethodPost, p+"/cases", openapi.Operation{
		Summary:   "Register a new shock case",
		Responses: map[int]string{201: "Case created", 400: "Invalid classification", 409: "Idempotency key in use"},
	})
	g.Describe(http.MethodGet, p+"/cases", openapi.Operation{
		Summary:   "List active cases",
		Responses: map[int]string{200: "Page of cases", 400: "Unknown status filter"},
	})
	g.Describe(http.MethodGet, p+"/cases/:tt", openapi.Operation{
		Summary:   "Read an active case with its visible sections",
		Responses: map[int]string{200: "Case", 404: "Unknown or archived"},
	})
	g.Describe(http.MethodPut, p+"/cases/:tt/sections/:section", openapi.Operation{
		Summary:   "Write a case section",
		Responses: map[int]string{204: "Saved", 400: "Invalid payload", 404: "Unknown or archived", 409: "Section not visible in current status"},
	})
	g.Describe(http.MethodPatch, p+"/cases/:tt/scai", openapi.Operation{
		Summary:   "Record a new SCAI stage",
		Responses: map[int]string{204: "Saved", 404: "Unknown or archived", 409: "Case is closed"},
	})
	g.Describe(http.MethodPost, p+"/cases/:tt/transitions", openapi.Operation{
		Summary:   "Move a case to another status",
		Responses: map[int]string{200: "New status", 404: "Unknown or archived", 409: "Transition not allowed"},
	})
	g.Describe(http.MethodPut, p+"/cases/:tt/outcome", openapi.Operation{
		Summary:   "Record the outcome of a discharged case",
		Responses: map[int]string{204: "Saved", 404: "Unknown or archived", 409: "Case not discharged"},
	})
	g.Describe(http.MethodPost, p+"/cases/:tt/close", openapi.Operation{
		Summary:   "Archive (with consent) or discard a discharged case",
		Responses: map[int]string{200: "Closed", 409: "Case not discharged", 422: "Outcome missing", 503: "Store unavailable"},
	})
	g.Describe(http.MethodGet, p+"/registry/:registryId", openapi.Operation{
		Summary:   "Read an archived registry record",
		Responses: map[int]string{200: "Archive record", 404: "Unknown registry id"},
	})
	return g
}
