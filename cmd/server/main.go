package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"meshchat/internal/chat"
	"meshchat/internal/config"
	"meshchat/internal/db"
	"meshchat/internal/fanout"
	"meshchat/internal/files"
	"meshchat/internal/invite"
	clog "meshchat/internal/log"
	"meshchat/internal/mw"
	"meshchat/internal/presence"
	"meshchat/internal/server"
	"meshchat/internal/service"
	"meshchat/internal/signaling"
	"meshchat/internal/store"
	"meshchat/internal/ws"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// main 负责加载配置、组装各组件、恢复未决邀请并启动 HTTP 服务。
	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	var (
		gw  store.Gateway
		gdb *gorm.DB
	)
	if cfg.DBDriver == "memory" {
		gw = store.NewMemory()
	} else {
		var err error
		gdb, err = db.Connect(cfg.DBDriver, cfg.DatabaseDSN)
		if err != nil {
			log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("db connect")
		}
		if err := db.Migrate(gdb); err != nil {
			log.Fatal().Err(err).Msg("db migrate")
		}
		gw = store.NewGormStore(gdb)
	}

	var (
		blobs files.Blobs
		rdb   *redis.Client
	)
	switch cfg.FileBackend {
	case "redis":
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis ping")
		}
		blobs = files.NewRedisBlobs(rdb)
	default:
		disk, err := files.NewDiskBlobs(cfg.UploadDir)
		if err != nil {
			log.Fatal().Err(err).Str("dir", cfg.UploadDir).Msg("upload dir")
		}
		blobs = disk
	}

	users := service.NewUserService(gw, cfg)
	rooms := service.NewRoomService(gw)
	msgs := service.NewMessageService(gw, rooms)
	reg := presence.New()
	fo := fanout.New(gw, reg)
	machine := invite.NewMachine(gw, fo, invite.WithTTL(cfg.InviteTTL))

	// 必须在接受连接之前完成，否则重启前的邀请永远不会过期
	expired, scheduled, err := machine.Recover(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("invite recover")
	}
	log.Info().Int("expired", expired).Int("scheduled", scheduled).Msg("pending invitations recovered")

	hub := ws.NewHub()
	relay := signaling.NewRelay()
	limiter := mw.NewLimiter(rate.Every(time.Second/20), 40, 2*time.Minute)
	r := server.SetupRouter(cfg, server.Deps{
		Handler: server.NewHandler(users, rooms, msgs, files.NewService(blobs, gw, cfg.MaxUploadBytes), cfg.MaxUploadBytes),
		Users:   gw,
		Hub:     hub,
		Chat:    chat.NewHandler(gw, users, rooms, msgs, reg, fo, machine),
		Relay:   relay,
		Limiter: limiter,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Str("db", cfg.DBDriver).Str("files", blobs.Name()).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			// http.Server.Shutdown 不等待已升级的连接，先单独关闭 websocket
			"server": func(ctx context.Context) error {
				if err := srv.Shutdown(ctx); err != nil {
					return err
				}
				if err := hub.CloseAll(ctx); err != nil {
					return err
				}
				var errs []error
				if rdb != nil {
					errs = append(errs, rdb.Close())
				}
				if gdb != nil {
					errs = append(errs, db.Close(gdb))
				}
				return errors.Join(errs...)
			},
			"invitations": func(context.Context) error {
				machine.Stop()
				return nil
			},
			"rate-limiter": func(context.Context) error {
				limiter.Stop()
				return nil
			},
		},
	)
	exitCode := <-wait
	log.Info().Int("code", exitCode).Msg("server exited")
	os.Exit(exitCode)
}
