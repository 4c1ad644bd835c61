// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/relaymesh/signal-server/pkg/config"
	"github.com/relaymesh/signal-server/pkg/logger"
	"github.com/relaymesh/signal-server/pkg/service"
	"github.com/relaymesh/signal-server/pkg/session"
	"github.com/relaymesh/signal-server/pkg/turn"
	"github.com/relaymesh/signal-server/pkg/turn/cli"
	"github.com/relaymesh/signal-server/pkg/webhook"
)

func main() {
	configFile := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	conf, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.InitFromConfig(conf.Logging.Level, conf.Logging.JSON)

	if err := run(conf); err != nil {
		logger.Errorw("server exited", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	var content []byte
	if path != "" {
		var err error
		content, err = os.ReadFile(path)
		if err != nil {
			return nil, err
		}
	}
	return config.NewConfig(content)
}

func run(conf *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rc := redis.NewClient(&redis.Options{
		Addr:     conf.TURN.DB.Redis.Address,
		Password: conf.TURN.DB.Redis.Password,
		DB:       conf.TURN.DB.Redis.DB,
	})
	defer rc.Close()

	pool := cli.NewPool(cli.PoolOptions{
		Addr:           fmt.Sprintf("%s:%d", conf.TURN.CLI.Host, conf.TURN.CLI.Port),
		Password:       conf.TURN.CLI.Pass,
		MaxSize:        conf.TURN.CLI.Pool.MaxSize,
		WaitTimeout:    conf.TURN.CLI.Pool.WaitTimeout.Std(),
		ConnectTimeout: conf.TURN.CLI.Pool.ConnectTimeout.Std(),
		RecycleTimeout: conf.TURN.CLI.Pool.RecycleTimeout.Std(),
	})
	defer pool.Close()

	provisioner := turn.NewProvisioner(
		conf.TURN,
		turn.NewRedisStore(rc, conf.TURN.Realm),
		turn.NewAdmin(pool),
	)
	defer provisioner.Stop()

	notifier := webhook.NewQueuedNotifier(conf.Webhook)
	defer notifier.Stop()

	store := service.NewPipelineStore()
	sessions := session.NewManager(store, provisioner, notifier)
	control := service.NewControlApiService(conf, store, sessions)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	service.NewHTTPHandler(control).Register(router)
	router.GET("/ws/:room/:member/:credentials", sessions.HandleConnection)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	addr := fmt.Sprintf("%s:%d", conf.Server.BindIP, conf.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		logger.Infow("server started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorw("http server failed", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Infow("shutting down")

	sessions.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
