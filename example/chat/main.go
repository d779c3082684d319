// 房间聊天示例
// 启动一个 HTTP 服务，/ws 升级为 WebSocket 并交给 relay 引擎接管，
// 客户端通过二进制帧加入房间、广播消息与发送可靠消息。
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/tokmz/relay"
	"github.com/tokmz/relay/pkg/config"
	"github.com/tokmz/relay/pkg/logger"
	"github.com/tokmz/relay/transport/ws"
)

func main() {
	addr := flag.String("addr", ":8080", "监听地址")
	configFile := flag.String("config", "", "配置文件路径（可选）")
	flag.Parse()

	log, err := logger.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	// 链路追踪输出到标准输出，便于观察分发路径
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		log.Fatal("create trace exporter", zap.Error(err))
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)

	opts := []relay.Option{relay.WithLogger(log)}
	if *configFile != "" {
		loader := config.NewLoader(
			config.WithFile(*configFile),
			config.WithOnError(func(err error) {
				log.Warn("config reload failed", zap.Error(err))
			}),
		)
		settings, err := loader.Load()
		if err != nil {
			log.Fatal("load config", zap.Error(err))
		}
		opts = append(opts, settings.Options()...)
		loader.Watch(func(s *config.Settings) {
			log.Info("config changed, applies to engines created afterwards")
		})
	}

	engine, err := relay.New(opts...)
	if err != nil {
		log.Fatal("create engine", zap.Error(err))
	}
	if err := engine.Run(); err != nil {
		log.Fatal("run engine", zap.Error(err))
	}

	engine.Subscribe(relay.EventProbeTimeout, func(e relay.Event) {
		log.Warn("liveness probe timed out", zap.String("channel_id", e.ChannelID))
	})
	engine.OnDeliveryFailed(func(messageID uuid.UUID, payload []byte) {
		log.Warn("reliable delivery gave up",
			zap.String("message_id", messageID.String()),
			zap.Int("payload_size", len(payload)))
	})

	wsConfig := ws.DefaultConfig()
	wsConfig.CheckOrigin = func(r *http.Request) bool { return true } // 示例放开同源限制
	adapter := ws.NewAdapter(engine, wsConfig)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/ws", func(c *gin.Context) {
		if err := adapter.HandleUpgrade(c.Writer, c.Request); err != nil {
			log.Warn("upgrade failed", zap.Error(err))
		}
	})
	router.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"channels":           engine.ChannelCount(),
			"rooms":              engine.RoomCount(),
			"pending_deliveries": engine.PendingDeliveries(),
		})
	})
	router.GET("/rooms/:id/members", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"room_id": c.Param("id"),
			"members": engine.RoomMembers(c.Param("id")),
		})
	})

	srv := &http.Server{
		Addr:    *addr,
		Handler: router,
	}
	go func() {
		log.Info("chat server listening", zap.String("addr", *addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("serve", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := engine.Shutdown(ctx); err != nil {
		log.Warn("engine shutdown", zap.Error(err))
	}
	if err := tp.Shutdown(ctx); err != nil {
		log.Warn("tracer shutdown", zap.Error(err))
	}
}
