package shockcase

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/KristoLaptalo/National-Shock-Net-ICU-sub000/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the case and registry endpoints. createMW wraps
// only case creation, which is where idempotency keys apply.
func (h *Handler) RegisterRoutes(api *echo.Group, createMW ...echo.MiddlewareFunc) {
	api.POST("/cases", h.CreateCase, createMW...)
	api.GET("/cases", h.ListCases)
	api.GET("/cases/:tt", h.GetCase)
	api.PUT("/cases/:tt/sections/:section", h.UpdateSection)
	api.PATCH("/cases/:tt/scai", h.UpdateSCAI)
	api.POST("/cases/:tt/transitions", h.TransitionCase)
	api.PUT("/cases/:tt/outcome", h.SetOutcome)
	api.POST("/cases/:tt/close", h.CloseCase)

	api.GET("/registry/:registryId", h.Lookup)
}

type CreateCaseRequest struct {
	ShockType string     `json:"shockType" validate:"required,oneof=cardiogenic septic hypovolemic obstructive distributive mixed"`
	SCAIStage string     `json:"scaiStage" validate:"required,oneof=A B C D E"`
	AgeDecade *int       `json:"ageDecade" validate:"required,min=0,max=100"`
	Sex       string     `json:"sex" validate:"required,oneof=M F X"`
	Admission *Admission `json:"admission"`
}

type CreateCaseResponse struct {
	TrackingToken TrackingToken `json:"trackingToken"`
	Status        Status        `json:"status"`
}

type SCAIRequest struct {
	SCAIStage string `json:"scaiStage" validate:"required,oneof=A B C D E"`
}

type TransitionRequest struct {
	Status string `json:"status" validate:"required"`
}

type TransitionResponse struct {
	Status          Status      `json:"status"`
	VisibleSections SectionSet  `json:"visibleSections"`
	DefaultSection  SectionName `json:"defaultSection"`
}

type CloseRequest struct {
	Consent *bool `json:"consent" validate:"required"`
}

type CloseResponse struct {
	Archived   bool       `json:"archived"`
	RegistryID RegistryID `json:"registryId,omitempty"`
}

func (h *Handler) CreateCase(c echo.Context) error {
	var req CreateCaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	tt, err := h.svc.Create(c.Request().Context(), CreateRequest{
		ShockType: ShockType(req.ShockType),
		SCAIStage: SCAIStage(req.SCAIStage),
		AgeDecade: *req.AgeDecade,
		Sex:       Sex(req.Sex),
		Admission: req.Admission,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, CreateCaseResponse{TrackingToken: tt, Status: StatusPending})
}

func (h *Handler) GetCase(c echo.Context) error {
	view, err := h.svc.GetCase(c.Request().Context(), TrackingToken(c.Param("tt")))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) ListCases(c echo.Context) error {
	pg := pagination.FromContext(c)
	cases, total, err := h.svc.ListCases(c.Request().Context(), Status(c.QueryParam("status")), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(cases, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateSection(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not read body")
	}
	payload, err := DecodeSection(SectionName(c.Param("section")), raw)
	if err != nil {
		return httpError(err)
	}

	var scai *SCAIStage
	if q := c.QueryParam("scai"); q != "" {
		st := SCAIStage(q)
		scai = &st
	}
	if err := h.svc.Update(c.Request().Context(), TrackingToken(c.Param("tt")), payload, scai); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) UpdateSCAI(c echo.Context) error {
	var req SCAIRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	st := SCAIStage(req.SCAIStage)
	if err := h.svc.Update(c.Request().Context(), TrackingToken(c.Param("tt")), nil, &st); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) TransitionCase(c echo.Context) error {
	var req TransitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	next, err := h.svc.Transition(c.Request().Context(), TrackingToken(c.Param("tt")), Status(req.Status))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, TransitionResponse{
		Status:          next,
		VisibleSections: VisibleSections(next),
		DefaultSection:  DefaultSection(next),
	})
}

func (h *Handler) SetOutcome(c echo.Context) error {
	var out Outcome
	if err := c.Bind(&out); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.SetOutcome(c.Request().Context(), TrackingToken(c.Param("tt")), out); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// CloseCase archives the case when consent was given and discards it
// otherwise.
func (h *Handler) CloseCase(c echo.Context) error {
	var req CloseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	tt := TrackingToken(c.Param("tt"))

	if !*req.Consent {
		if err := h.svc.Discard(c.Request().Context(), tt); err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, CloseResponse{Archived: false})
	}

	rid, _, err := h.svc.CloseAndArchive(c.Request().Context(), tt)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, CloseResponse{Archived: true, RegistryID: rid})
}

func (h *Handler) Lookup(c echo.Context) error {
	rec, err := h.svc.Lookup(c.Request().Context(), c.Param("registryId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

var errorMessages = map[Kind]string{
	KindNotFound:           "record not found",
	KindInvalidTransition:  "this case cannot move to the requested stage from its current stage",
	KindSectionNotVisible:  "this section cannot be edited at the case's current stage",
	KindInvalidState:       "this case cannot be edited because it has already moved to another stage",
	KindMissingOutcome:     "record the outcome before closing the case",
	KindPersistence:        "the registry is temporarily unavailable, please retry",
	KindCollisionExhausted: "could not allocate a registry id, please contact support",
}

var errorStatus = map[Kind]int{
	KindNotFound:           http.StatusNotFound,
	KindInvalidTransition:  http.StatusConflict,
	KindSectionNotVisible:  http.StatusConflict,
	KindInvalidState:       http.StatusConflict,
	KindMissingOutcome:     http.StatusUnprocessableEntity,
	KindPersistence:        http.StatusServiceUnavailable,
	KindCollisionExhausted: http.StatusInternalServerError,
	KindInvalidArgument:    http.StatusBadRequest,
}

// httpError maps lifecycle errors onto HTTP responses. The body never
// contains the tracking token.
func httpError(err error) error {
	var e *Error
	if !errors.As(err, &e) {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
	msg, ok := errorMessages[e.Kind]
	if !ok {
		msg = e.Error()
	}
	body := map[string]interface{}{"error": e.Kind, "message": msg}
	if e.From != "" {
		body["status"] = e.From
	}
	if e.To != "" {
		body["requestedStatus"] = e.To
	}
	if e.Section != "" {
		body["section"] = e.Section
	}
	return echo.NewHTTPError(errorStatus[e.Kind], body).SetInternal(err)
}
