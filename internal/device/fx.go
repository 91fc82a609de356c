package device

import (
	"github.com/smallbiznis/licensing/internal/device/repository"
	"github.com/smallbiznis/licensing/internal/device/service"
	"go.uber.org/fx"
)

var Module = fx.Module("device.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
