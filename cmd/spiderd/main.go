package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/utils"

	"spider-admin/internal/spiderd/api"
	"spider-admin/internal/spiderd/config"
	spiderDB "spider-admin/internal/spiderd/db"
	"spider-admin/internal/spiderd/engine"
	"spider-admin/internal/spiderd/hub"
	spiderKafka "spider-admin/internal/spiderd/kafka"
	"spider-admin/internal/spiderd/scanner"
	"spider-admin/internal/spiderd/store"
	gorm_db "spider-admin/pkg/db"
	"spider-admin/pkg/logx"
)

func main() {
	cfg := config.Load()
	log := logx.New(cfg.LogLevel)
	log.Info().Msg("Spider admin service starting...")

	gormDB, err := gorm_db.NewGormDB(cfg.DBType, cfg.DBDSN, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	log.Info().Str("db_type", cfg.DBType).Msg("Database initialized")

	err = gorm_db.AutoMigrate(gormDB,
		&spiderDB.Spider{},
		&spiderDB.Schedule{},
		&spiderDB.Environment{},
		&spiderDB.EnvironmentVariable{},
		&spiderDB.SpiderEnvironment{},
		&spiderDB.ExecutionLog{},
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}
	log.Info().Msg("Database migration successful")

	broadcast := hub.New(log)

	var relay *spiderKafka.Relay
	var eventRelay engine.EventRelay
	if cfg.Kafka.Enabled {
		relay = spiderKafka.NewRelay(cfg.Kafka.Brokers, cfg.Kafka.ExecutionTopic, log)
		eventRelay = relay
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.ExecutionTopic).Msg("Kafka execution event relay enabled")
	}

	st := store.NewGormStore(gormDB, log)
	dispatcher := engine.NewDispatcher(st, broadcast, eventRelay, engine.DispatcherConfig{
		ScriptDir:   cfg.ScriptDir,
		SkipOverlap: cfg.SkipOverlap,
	}, log)

	scheduler, err := engine.NewScheduler(st, dispatcher, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create scheduler")
	}
	scheduler.Start()

	var scriptScanner *scanner.Scanner
	if cfg.Scanner.Enabled {
		scriptScanner, err = scanner.New(st, scanner.Config{
			ScriptDir: cfg.ScriptDir,
			Interval:  cfg.Scanner.Interval,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create script scanner")
		}
		if err := scriptScanner.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start script scanner")
		}
	}

	hlog.SetOutput(os.Stdout)
	hlog.SetLevel(hlog.LevelInfo)

	h := server.Default(server.WithHostPorts(cfg.ServerAddr), server.WithExitWaitTime(5*time.Second))

	spiderHandler := api.NewSpiderHandler(gormDB, scheduler, dispatcher, log)
	scheduleHandler := api.NewScheduleHandler(gormDB, scheduler, log)
	environmentHandler := api.NewEnvironmentHandler(gormDB, log)
	executionHandler := api.NewExecutionHandler(gormDB)
	logStreamHandler := api.NewLogStreamHandler(st, broadcast, log)

	spiderGroup := h.Group("/spiders")
	{
		spiderGroup.POST("", spiderHandler.CreateSpider)
		spiderGroup.GET("", spiderHandler.GetSpiders)
		spiderGroup.GET("/:id", spiderHandler.GetSpiderByID)
		spiderGroup.PUT("/:id", spiderHandler.UpdateSpider)
		spiderGroup.DELETE("/:id", spiderHandler.DeleteSpider)
		spiderGroup.POST("/:id/deactivate", spiderHandler.DeactivateSpider)
		spiderGroup.POST("/:id/run", spiderHandler.RunSpider)
		spiderGroup.POST("/:id/environments", environmentHandler.BindEnvironment)
		spiderGroup.DELETE("/:id/environments/:envId", environmentHandler.UnbindEnvironment)
	}
	scheduleGroup := h.Group("/schedules")
	{
		scheduleGroup.POST("", scheduleHandler.CreateSchedule)
		scheduleGroup.GET("", scheduleHandler.GetSchedules)
		scheduleGroup.GET("/:id", scheduleHandler.GetScheduleByID)
		scheduleGroup.PUT("/:id", scheduleHandler.UpdateSchedule)
		scheduleGroup.DELETE("/:id", scheduleHandler.DeleteSchedule)
	}
	environmentGroup := h.Group("/environments")
	{
		environmentGroup.POST("", environmentHandler.CreateEnvironment)
		environmentGroup.GET("", environmentHandler.GetEnvironments)
		environmentGroup.POST("/import", environmentHandler.ImportEnvironment)
		environmentGroup.DELETE("/:id", environmentHandler.DeleteEnvironment)
		environmentGroup.POST("/:id/variables", environmentHandler.CreateVariable)
		environmentGroup.GET("/:id/variables", environmentHandler.GetVariables)
	}
	executionGroup := h.Group("/executions")
	{
		executionGroup.GET("", executionHandler.GetExecutions)
		executionGroup.GET("/:id", executionHandler.GetExecutionByID)
	}
	h.GET("/ws/executions/:id", logStreamHandler.StreamExecution)

	h.GET("/ping", func(c context.Context, ctxReq *app.RequestContext) {
		ctxReq.JSON(http.StatusOK, utils.H{"message": "pong"})
	})

	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		sig := <-signals
		log.Info().Str("signal", sig.String()).Msg("Initiating graceful shutdown...")

		shutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer httpShutdownCancel()
		if err := h.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Hertz server shutdown error")
		} else {
			log.Info().Msg("Hertz server gracefully stopped")
		}

		scheduler.Stop()
		log.Info().Msg("Scheduler stopped")

		if scriptScanner != nil {
			scriptScanner.Stop()
			log.Info().Msg("Script scanner stopped")
		}

		if relay != nil {
			if err := relay.Close(); err != nil {
				log.Error().Err(err).Msg("Kafka relay close error")
			} else {
				log.Info().Msg("Kafka relay closed")
			}
		}
		log.Info().Msg("Spider admin gracefully shut down")
	}()

	log.Info().Str("addr", cfg.ServerAddr).Msg("Spider admin fully initialized, starting HTTP server")
	h.Spin()

	log.Info().Msg("Spider admin has been shut down")
}
