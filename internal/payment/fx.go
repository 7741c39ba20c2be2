package payment

import (
	"github.com/carebridge/carebridge/internal/payment/adapters"
	"github.com/carebridge/carebridge/internal/payment/adapters/sandbox"
	"github.com/carebridge/carebridge/internal/payment/repository"
	paymentservice "github.com/carebridge/carebridge/internal/payment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			sandbox.NewFactory(),
		)
	}),
	fx.Provide(paymentservice.NewService),
)
