package metrics

import "time"

// Collector records runtime metrics for the synchronization core.
type Collector interface {
	RecordAppend(channel string, success bool, duration time.Duration)
	RecordFanout(recipients, dropped int)
	RecordReadiness(fired bool)
	RecordTick(kind string)
	RecordConnections(delta int)
	RecordTiming(context string, duration time.Duration)
}

// NoOpCollector is used when metrics aren't needed.
type NoOpCollector struct{}

func (NoOpCollector) RecordAppend(channel string, success bool, duration time.Duration) {}
func (NoOpCollector) RecordFanout(recipients, dropped int)                              {}
func (NoOpCollector) RecordReadiness(fired bool)                                        {}
func (NoOpCollector) RecordTick(kind string)                                            {}
func (NoOpCollector) RecordConnections(delta int)                                       {}
func (NoOpCollector) RecordTiming(context string, duration time.Duration)               {}

// Track runs fn and records how long it took under the given context name.
func Track(c Collector, context string, fn func() error) error {
	start := time.Now()
	err := fn()
	c.RecordTiming(context, time.Since(start))
	return err
}
