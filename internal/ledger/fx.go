package ledger

import (
	"github.com/carebridge/carebridge/internal/ledger/repository"
	"github.com/carebridge/carebridge/internal/ledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
