package billingrecord

import (
	"github.com/carebridge/carebridge/internal/billingrecord/repository"
	"github.com/carebridge/carebridge/internal/billingrecord/service"
	"go.uber.org/fx"
)

var Module = fx.Module("billingrecord.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
