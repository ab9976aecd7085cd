package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"imagestudio/internal/config"
	"imagestudio/internal/middleware"
	"imagestudio/internal/models"
	"imagestudio/internal/security"
	"imagestudio/internal/service"
)

// ImageOperations is the image surface the dispatcher drives.
type ImageOperations interface {
	Generate(ctx context.Context, in service.GenerateInput) (service.OperationResult, error)
	Edit(ctx context.Context, in service.ContinueInput) (service.OperationResult, error)
	Outpaint(ctx context.Context, in service.ContinueInput) (service.OperationResult, error)
	Regenerate(ctx context.Context, in service.ContinueInput) (service.OperationResult, error)
	Reference(ctx context.Context, in service.ReferenceInput) (service.OperationResult, error)
	Koutu(ctx context.Context, chatID string, image []byte) (service.OperationResult, error)
	Inpaint(ctx context.Context, in service.InpaintInput) (service.OperationResult, error)
	ChangeBackground(ctx context.Context, in service.SubjectInput) (service.OperationResult, error)
	ChangeSubject(ctx context.Context, in service.SubjectInput) (service.OperationResult, error)
	GetImage(ctx context.Context, id string) (models.ImageRecord, error)
	LatestImage(ctx context.Context) (models.ImageRecord, error)
	ValidateIndex(ctx context.Context, id, index string) (int, error)
	Compose(ctx context.Context, id string, urls []string) ([]byte, error)
	ContrastColor(data []byte) (service.ContrastResult, error)
	ResetSession(ctx context.Context, chatID string) error
}

type TokenIssuer interface {
	IssueToken(ctx context.Context, apiKey string) (service.TokenResult, error)
}

// MaintenanceStatus reports the last successful run of each background task.
type MaintenanceStatus interface {
	LastSuccess() map[string]time.Time
}

type HandlerSet struct {
	log         zerolog.Logger
	cfg         *config.AppConfig
	auth        TokenIssuer
	images      ImageOperations
	cache       *redis.Client
	nonces      middleware.NonceClaimer
	maintenance MaintenanceStatus
}

func NewHandlerSet(
	log zerolog.Logger,
	cfg *config.AppConfig,
	auth *service.AuthService,
	images *service.ImageService,
	cache *redis.Client,
	maintenance MaintenanceStatus,
) HandlerSet {
	nonces := middleware.MemoryNonces()
	if cache != nil {
		nonces = middleware.RedisNonces(cache)
	}
	return HandlerSet{
		log:         log,
		cfg:         cfg,
		auth:        auth,
		images:      images,
		cache:       cache,
		nonces:      nonces,
		maintenance: maintenance,
	}
}

func (h HandlerSet) Register(router *gin.RouterGroup) {
	router.GET("/healthz", h.Health)

	v1 := router.Group("/v1")
	v1.POST("/auth/token", h.IssueToken)

	protected := v1.Group("")
	protected.Use(
		middleware.Auth(h.cfg.Security),
		middleware.Signature(h.cfg.Security, h.nonces),
		middleware.RequireScopes(security.ScopeImages),
	)

	images := protected.Group("/images")
	images.POST("/generate", h.Generate)
	images.POST("/edit", h.Edit)
	images.POST("/outpaint", h.Outpaint)
	images.POST("/regenerate", h.Regenerate)
	images.POST("/reference", h.Reference)
	images.POST("/koutu", h.Koutu)
	images.POST("/inpaint", h.Inpaint)
	images.POST("/change-background", h.ChangeBackground)
	images.POST("/change-subject", h.ChangeSubject)
	images.POST("/compose", h.Compose)
	images.GET("/latest", h.LatestImage)
	images.GET("/:id", h.GetImage)
	images.GET("/:id/validate", h.ValidateIndex)

	protected.POST("/masks/contrast-color", h.ContrastColor)
	protected.DELETE("/sessions/:chat_id", h.ResetSession)
}
