package telemetry

import "time"

// StartMeasurement starts a named timer. Starting a running timer restarts it.
func (c *Client) StartMeasurement(name string) {
	defer c.recoverHelper("StartMeasurement")

	now := c.clock.Now()
	c.timersMu.Lock()
	c.timers[name] = now
	c.timersMu.Unlock()

	c.TrackUserAction("performance_measurement_start", Attributes{
		"measurement_name": String(name),
		"start_time":       Number(float64(now.UnixMilli())),
	})
}

// EndMeasurement stops the named timer, records its duration in milliseconds with
// TrackPerformance and returns it. A timer that was never started logs a warning and
// returns 0.
func (c *Client) EndMeasurement(name string) (d time.Duration) {
	defer c.recoverHelper("EndMeasurement")

	now := c.clock.Now()
	c.timersMu.Lock()
	start, ok := c.timers[name]
	delete(c.timers, name)
	c.timersMu.Unlock()

	if !ok {
		c.logger.Warn("Performance measurement was not started", map[string]interface{}{
			"measurement_name": name,
			"action":           "Call StartMeasurement before EndMeasurement",
		})
		return 0
	}

	d = now.Sub(start)
	ms := durationMillis(d)
	c.TrackPerformance(name, ms, "ms")
	c.TrackUserAction("performance_measurement_end", Attributes{
		"measurement_name": String(name),
		"duration":         Number(ms),
		"end_time":         Number(float64(now.UnixMilli())),
	})
	return d
}

// TimeOperation starts a timer and returns the function that ends it:
//
//	defer client.TimeOperation("load_products")()
func (c *Client) TimeOperation(name string) func() {
	c.StartMeasurement(name)
	return func() { c.EndMeasurement(name) }
}
