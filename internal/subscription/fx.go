package subscription

import (
	"github.com/carebridge/carebridge/internal/subscription/repository"
	"github.com/carebridge/carebridge/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
