package router

import (
	"database/sql"
	"log"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"github.com/opspulse/oncall/authz"
	"github.com/opspulse/oncall/handlers"
	"github.com/opspulse/oncall/internal/config"
	"github.com/opspulse/oncall/services"
)

func NewGinRouter(pg *sql.DB, rdb *redis.Client) *gin.Engine {
	r := gin.Default()

	// Add CORS middleware
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Initialize services
	scheduleService := services.NewScheduleService(pg)
	onCallService := services.NewOnCallService(pg, scheduleService)
	policyService := services.NewPolicyService(pg)
	executionService := services.NewExecutionService(pg)
	teamService := services.NewTeamService(pg)
	apiKeyService := services.NewAPIKeyService(pg)

	fcmService, err := services.NewFCMService(config.App.FCMCredentialsFile)
	if err != nil {
		log.Printf("Warning: FCM initialization failed: %v", err)
	}
	queueService := services.NewNotifyQueueService(pg)
	if err := queueService.EnsureQueue(); err != nil {
		log.Printf("Warning: failed to create notification queue: %v", err)
	}
	dispatcher := services.NewChannelDispatcher(fcmService, queueService)

	engine := services.NewEscalationEngine(
		executionService,
		policyService,
		onCallService,
		teamService,
		dispatcher,
		services.NewAckSignal(rdb),
		services.NewPolicyLock(rdb),
	)

	// Initialize authz
	authorizer := authz.NewSimpleAuthorizer(pg)
	authzMiddleware := authz.NewMiddleware(authorizer)

	// Initialize handlers
	scheduleHandler := handlers.NewScheduleHandler(scheduleService, onCallService)
	policyHandler := handlers.NewPolicyHandler(policyService, engine)
	executionHandler := handlers.NewExecutionHandler(executionService, engine)
	teamHandler := handlers.NewTeamHandler(teamService)
	apiKeyHandler := handlers.NewAPIKeyHandler(apiKeyService)

	// Initialize middleware
	authMiddleware := handlers.NewAuthMiddleware(teamService, apiKeyService)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// PROTECTED ENDPOINTS
	protected := r.Group("/")
	protected.Use(authMiddleware.RequireAuth())
	{
		scheduleRoutes := protected.Group("/schedules")
		{
			scheduleRoutes.POST("", authzMiddleware.RequirePermission(authz.ActionCreate), scheduleHandler.CreateSchedule)
			scheduleRoutes.GET("", scheduleHandler.ListSchedules)
			scheduleRoutes.GET("/:id", scheduleHandler.GetSchedule)
			scheduleRoutes.PUT("/:id/layers", authzMiddleware.RequirePermission(authz.ActionUpdate), scheduleHandler.ReplaceLayers)
			scheduleRoutes.DELETE("/:id", authzMiddleware.RequirePermission(authz.ActionDelete), scheduleHandler.DeleteSchedule)
			scheduleRoutes.GET("/:id/on-call", scheduleHandler.GetOnCall)
			scheduleRoutes.GET("/:id/preview", scheduleHandler.Preview)
		}

		policyRoutes := protected.Group("/policies")
		{
			policyRoutes.POST("", authzMiddleware.RequirePermission(authz.ActionCreate), policyHandler.CreatePolicy)
			policyRoutes.GET("", policyHandler.ListPolicies)
			policyRoutes.GET("/:id", policyHandler.GetPolicy)
			policyRoutes.PUT("/:id", authzMiddleware.RequirePermission(authz.ActionUpdate), policyHandler.UpdatePolicy)
			policyRoutes.DELETE("/:id", authzMiddleware.RequirePermission(authz.ActionDelete), policyHandler.DeletePolicy)
			policyRoutes.POST("/:id/trigger", authzMiddleware.RequirePermission(authz.ActionTrigger), policyHandler.Trigger)
		}

		executionRoutes := protected.Group("/executions")
		{
			executionRoutes.POST("/:id/acknowledge", authzMiddleware.RequirePermission(authz.ActionAcknowledge), executionHandler.Acknowledge)
			executionRoutes.POST("/:id/cancel", authzMiddleware.RequirePermission(authz.ActionTrigger), executionHandler.Cancel)
			executionRoutes.GET("/:id/timeline", executionHandler.Timeline)
			executionRoutes.DELETE("/:id", authzMiddleware.RequirePermission(authz.ActionDelete), executionHandler.Delete)
		}

		teamRoutes := protected.Group("/teams")
		{
			teamRoutes.POST("", authzMiddleware.RequirePermission(authz.ActionCreate), teamHandler.CreateTeam)
			teamRoutes.GET("/:id/members", teamHandler.ListMembers)
			teamRoutes.POST("/:id/members", authzMiddleware.RequirePermission(authz.ActionUpdate), teamHandler.AddMember)
			teamRoutes.DELETE("/:id/members/:user_id", authzMiddleware.RequirePermission(authz.ActionUpdate), teamHandler.RemoveMember)
		}

		apiKeyRoutes := protected.Group("/api-keys")
		{
			apiKeyRoutes.POST("", authzMiddleware.RequirePermission(authz.ActionManage), apiKeyHandler.CreateKey)
			apiKeyRoutes.DELETE("/:id", authzMiddleware.RequirePermission(authz.ActionManage), apiKeyHandler.RevokeKey)
		}
	}

	return r
}
