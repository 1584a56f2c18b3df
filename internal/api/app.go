// Package api exposes the session core over HTTP: the meeting
// lifecycle endpoints plus the websocket bridge carrying the
// real-time topics to the browser.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jmoiron/sqlx"
	"github.com/olahol/melody"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skillswap/meetcore/internal/core"
	"github.com/skillswap/meetcore/internal/fabric"
	"github.com/skillswap/meetcore/internal/lifecycle"
)

// AppOptions is options of the application.
type AppOptions struct {
	DB     *sqlx.DB
	Fabric fabric.Client
	Auth   *TokenAuth

	router         *chi.Mux
	websocket      *melody.Melody
	authMiddleware AuthHandler
	controller     *lifecycle.Controller
}

// App is the API application.
type App struct {
	AppOptions
}

// NewApp creates a new API application.
func NewApp(options AppOptions) *App {
	options.router = chi.NewRouter()
	options.websocket = melody.New()
	options.websocket.Config.MaxMessageSize = 4096

	options.authMiddleware = options.Auth.Middleware()
	options.controller = lifecycle.NewController(core.NewSessionsRepository(options.DB), options.Fabric)

	return &App{options}
}

// Controller exposes the lifecycle controller the app was wired with.
func (app *App) Controller() *lifecycle.Controller {
	return app.controller
}

// Router constructs the http router.
func (app *App) Router() http.Handler {
	app.router.Handle("/metrics", promhttp.Handler())

	app.router.With(app.authMiddleware).Route("/api/v1", func(r chi.Router) {
		r.Get("/meetings/{id}", MeetingShowHandler(app.controller))
		r.Post("/meetings/{id}/accept", MeetingAcceptHandler(app.controller))
		r.Post("/meetings/{id}/reject", MeetingRejectHandler(app.controller))
		r.Post("/meetings/{id}/end", MeetingEndHandler(app.controller))
		r.Get("/meetings/{id}/ws", MeetingSocketHandler(app.controller, app.Fabric, app.websocket))
	})

	app.websocket.HandleConnect(ConnectHandler)
	app.websocket.HandleDisconnect(DisconnectHandler)
	app.websocket.HandleMessage(HandleSocketMessage(app.Fabric))

	return app.router
}
