package wallet

import (
	"github.com/carebridge/carebridge/internal/wallet/repository"
	"github.com/carebridge/carebridge/internal/wallet/service"
	"go.uber.org/fx"
)

var Module = fx.Module("wallet.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
