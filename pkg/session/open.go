package session

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/odvcencio/browserfleet/pkg/config"
	"github.com/odvcencio/browserfleet/pkg/driver"
	"github.com/odvcencio/browserfleet/pkg/logging"
	"github.com/odvcencio/browserfleet/pkg/pool"
	"github.com/odvcencio/browserfleet/pkg/resolver"
	"github.com/odvcencio/browserfleet/pkg/telemetry"
	"github.com/odvcencio/browserfleet/pkg/webdriver"
)

// Open assembles drivers, resolver, pool and session manager from cfg. With
// drivers.auto_start set, the enabled drivers are started before it returns;
// families that fail to start are logged and can be started later.
func Open(ctx context.Context, cfg *config.Config, log logrus.FieldLogger, metrics *telemetry.Metrics) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.NewNullLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewMetrics(nil)
	}

	client := webdriver.NewClient(nil, logging.For(log, logging.ComponentDrivers))
	drivers := driver.New(cfg.Drivers,
		driver.WithLogger(log),
		driver.WithClient(client),
		driver.WithMetrics(metrics),
	)
	res := resolver.New(drivers, resolver.RulesFromConfig(cfg.Resolver), cfg.Profiles(),
		resolver.WithLogger(log),
		resolver.WithMetrics(metrics),
	)
	p := pool.New(cfg.Pool, pool.WebDriverDialer(client),
		pool.WithLogger(log),
		pool.WithMetrics(metrics),
	)
	opts := []Option{WithLogger(log), WithMetrics(metrics)}
	if cfg.Drivers.AutoStart {
		opts = append(opts, WithAutoStart(cfg.Drivers.Enabled...))
	}
	m := New(cfg.Sessions, drivers, res, p, opts...)

	if cfg.Drivers.AutoStart {
		started := 0
		for f, r := range drivers.Start(ctx) {
			if r.Err != nil {
				log.WithError(r.Err).WithField("family", f.String()).Warn("driver not started")
				continue
			}
			started++
		}
		if started == 0 {
			log.Error("no driver could be started; sessions will fail until one is started")
		}
	}
	drivers.StartMonitor()
	return m, nil
}
