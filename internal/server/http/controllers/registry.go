package controllers

import (
	"net/http"
)

// RouteRegistrar is implemented by every controller.
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// ControllerRegistry manages all HTTP controllers.
//
// It provides a centralized way to register all controller routes.
type ControllerRegistry struct {
	controllers []RouteRegistrar
}

// NewControllerRegistry creates a registry over the given controllers.
// Nil entries are skipped so optional surfaces can be left out.
func NewControllerRegistry(cs ...RouteRegistrar) *ControllerRegistry {
	r := &ControllerRegistry{}
	for _, c := range cs {
		if c != nil {
			r.controllers = append(r.controllers, c)
		}
	}
	return r
}

// RegisterAllRoutes registers all controller routes with the given mux.
func (r *ControllerRegistry) RegisterAllRoutes(mux *http.ServeMux) {
	for _, c := range r.controllers {
		c.RegisterRoutes(mux)
	}
}
