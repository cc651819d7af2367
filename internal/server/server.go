package server

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"
	oapimiddleware "github.com/oapi-codegen/nethttp-middleware"
	"go.uber.org/zap"

	"github.com/dgnsrekt/consensus-relay/api"
	"github.com/dgnsrekt/consensus-relay/internal/api/generated"
)

// Viewers holds the streaming and scrape endpoints mounted next to the API.
// Nil handlers are not mounted.
type Viewers struct {
	WebSocket http.Handler
	Events    http.Handler
	Metrics   http.Handler
}

func NewRouter(server *Server, viewers Viewers, logger *zap.Logger) (http.Handler, error) {
	// Load OpenAPI spec for validation
	swagger, err := generated.GetSwagger()
	if err != nil {
		return nil, fmt.Errorf("loading openapi spec: %w", err)
	}
	swagger.Servers = nil // Allow any host

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(zapLoggerMiddleware(logger))

	// Non-validated routes
	r.Get("/openapi.yaml", openapiHandler)
	r.Get("/docs", swaggerUIHandler)
	if viewers.WebSocket != nil {
		r.Method(http.MethodGet, "/ws", viewers.WebSocket)
	}
	if viewers.Events != nil {
		r.Method(http.MethodGet, "/events", viewers.Events)
	}
	if viewers.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", viewers.Metrics)
	}

	// API routes with OpenAPI validation
	r.Group(func(apiRouter chi.Router) {
		apiRouter.Use(func(next http.Handler) http.Handler { return gzhttp.GzipHandler(next) })
		apiRouter.Use(oapimiddleware.OapiRequestValidatorWithOptions(swagger, &oapimiddleware.Options{
			ErrorHandler: func(w http.ResponseWriter, message string, statusCode int) {
				writeError(w, statusCode, message, "")
			},
		}))

		strictHandler := generated.NewStrictHandlerWithOptions(server, nil, generated.StrictHTTPServerOptions{
			RequestErrorHandlerFunc: func(w http.ResponseWriter, r *http.Request, err error) {
				writeError(w, http.StatusBadRequest, "invalid request", err.Error())
			},
			ResponseErrorHandlerFunc: func(w http.ResponseWriter, r *http.Request, err error) {
				logger.Error("response failed", zap.String("path", r.URL.Path), zap.Error(err))
				writeError(w, http.StatusInternalServerError, "internal error", "")
			},
		})
		generated.HandlerFromMux(strictHandler, apiRouter)
	})

	return r, nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func zapLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("query", maskQuery(r.URL.RawQuery)),
				zap.String("requestId", middleware.GetReqID(r.Context())),
			)
			next.ServeHTTP(w, r)
		})
	}
}

// maskQuery hides values of parameters that may carry secrets.
func maskQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	var parts []string
	for k, vs := range values {
		for _, v := range vs {
			switch strings.ToLower(k) {
			case "key", "token", "symkey":
				v = "****"
			}
			parts = append(parts, k+"="+v)
		}
	}
	return strings.Join(parts, "&")
}

func openapiHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(api.OpenAPISpec)
}

func swaggerUIHandler(w http.ResponseWriter, r *http.Request) {
	html := `<!DOCTYPE html>
<html>
<head>
    <title>Consensus Relay API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5.10.3/swagger-ui.css">
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5.10.3/swagger-ui-bundle.js"></script>
    <script>
        window.onload = function() {
            SwaggerUIBundle({
                url: "/openapi.yaml",
                dom_id: '#swagger-ui',
            });
        };
    </script>
</body>
</html>`
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(html))
}
