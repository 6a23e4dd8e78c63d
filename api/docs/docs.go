// Package docs serves the OpenAPI document of the coordinator through the
// swagger UI.
package docs

import (
	_ "embed"
	"net/http"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

//go:embed openapi.yaml
var OpenAPI []byte

const specPath = "/swagger/spec/openapi.yaml"

// Register mounts the raw document and the UI that renders it
func Register(engine *gin.Engine) {
	engine.GET(specPath, func(c *gin.Context) {
		c.Data(http.StatusOK, "application/yaml", OpenAPI)
	})
	engine.GET("/swagger/ui/*any", ginSwagger.WrapHandler(swaggerFiles.Handler,
		ginSwagger.URL(specPath),
		ginSwagger.DocExpansion("list"),
	))
}
