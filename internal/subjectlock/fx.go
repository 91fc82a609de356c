package subjectlock

import (
	"errors"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/licensing/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Cfg   config.Config
	Log   *zap.Logger
	Redis *redis.Client `optional:"true"`
}

func Provide(p Params) (Locker, error) {
	switch p.Cfg.Lock.Backend {
	case "redis":
		if p.Redis == nil {
			return nil, errors.New("subject lock backend redis requires REDIS_ADDR")
		}
		p.Log.Info("subject lock backend: redis")
		return NewRedis(p.Redis, p.Cfg.Lock.TTL), nil
	case "", "local":
		p.Log.Info("subject lock backend: local")
		return NewLocal(), nil
	default:
		return nil, errors.New("unsupported subject lock backend " + p.Cfg.Lock.Backend)
	}
}

var Module = fx.Module("subject.lock",
	fx.Provide(Provide),
)
