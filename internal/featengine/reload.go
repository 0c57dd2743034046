package featengine

import (
	"context"
	"errors"
	"log"

	"tradefeatures/internal/feature"
)

var errEmptyFeatureList = errors.New("empty feature list")

// applyFeatures switches the active feature list. Unknown names reject the
// whole list and leave the engine untouched.
func (svc *Service) applyFeatures(names []string) (preserved, created int, err error) {
	kinds, err := feature.Kinds(names)
	if err != nil {
		return 0, 0, err
	}
	if len(kinds) == 0 {
		return 0, 0, errEmptyFeatureList
	}

	preserved, created = svc.agg.Reload(kinds)
	svc.health.SetFeatures(feature.Names(kinds))
	svc.prom.ConfigReloads.Inc()
	log.Printf("[featengine] reloaded features %v: preserved=%d, created=%d",
		feature.Names(kinds), preserved, created)
	return preserved, created, nil
}

// startConfigSubscriber listens on Redis Pub/Sub for feature-list updates.
func (svc *Service) startConfigSubscriber(ctx context.Context) {
	if svc.redisWriter == nil {
		return
	}
	channel := svc.cfg.Redis.ConfigChannel
	go func() {
		log.Printf("[featengine] subscribed to %s for dynamic reload", channel)
		err := svc.redisWriter.SubscribeFeatureConfig(ctx, channel, func(names []string) {
			if _, _, err := svc.applyFeatures(names); err != nil {
				log.Printf("[featengine] invalid config update %v: %v", names, err)
			}
		})
		if err != nil && ctx.Err() == nil {
			log.Printf("[featengine] WARNING: config subscription ended: %v", err)
		}
	}()
}
