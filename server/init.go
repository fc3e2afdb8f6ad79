package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/swapslab/tradeloop/env"
	"github.com/swapslab/tradeloop/publicapi"
	"github.com/swapslab/tradeloop/service/logger"
	"github.com/swapslab/tradeloop/service/memstore"
	"github.com/swapslab/tradeloop/service/memstore/redis"
	"github.com/swapslab/tradeloop/service/metric"
	"github.com/swapslab/tradeloop/service/sentryutil"
	"github.com/swapslab/tradeloop/service/tenant"
	"github.com/swapslab/tradeloop/service/throttle"
)

const fingerprintLockExpiry = 5 * time.Minute

// Init initializes the engine and mounts the router on the default mux.
func Init() {
	setDefaults()

	logger.SetLoggerOptions(func(l *logrus.Logger) {
		l.SetFormatter(&logrus.JSONFormatter{})
	})
	sentryutil.Init(context.Background())

	registry, router := CoreInit()
	_ = registry

	http.Handle("/", router)
}

// CoreInit builds the tenant registry and the router. Abstracted so the
// test server can reuse it.
func CoreInit() (*tenant.Registry, *gin.Engine) {
	logger.For(nil).Info("initializing server...")

	if env.GetString("ENV") != "production" {
		gin.SetMode(gin.DebugMode)
		logrus.SetLevel(logrus.DebugLevel)
	}

	var cache memstore.Cache
	if url := env.GetString("REDIS_URL"); url != "" {
		cache = redis.NewCache(url, env.GetString("REDIS_PASS"), env.GetInt("REDIS_DB", 0), "tradeloop")
	} else {
		cache = memstore.NewInMemoryCache()
	}

	locker := throttle.NewLocker(cache, fingerprintLockExpiry)
	registry := tenant.NewRegistry(metric.NewLogMetricReporter(), locker, nil, env.GetString("PERSIST_ROOT"))

	return registry, NewRouter(publicapi.New(registry))
}

func setDefaults() {
	viper.SetDefault("ENV", "local")
	viper.SetDefault("PORT", 4000)
	viper.SetDefault("ADMIN_PASS", "TRADELOOP_ADMIN")
	viper.SetDefault("AUTH_JWT_SECRET", "change-me")
	viper.SetDefault("AUTH_JWT_TTL", 86400)
	viper.SetDefault("PERSIST_ROOT", "./tradeloop-data")
	viper.SetDefault("API_RATE_BURST", 100)
	viper.SetDefault("API_RATE_MS", 1000)
	viper.SetDefault("SENTRY_DSN", "")

	env.Init()
}
