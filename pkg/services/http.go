package services

import (
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
)

type HTTPExtension interface {
	services.Service
	ConfigureHTTP(*mux.Router)
}
