package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Event names emitted by the typed helpers.
const (
	EventScreenView     = "screen_view"
	EventUserAction     = "user_action"
	EventGesture        = "gesture"
	EventNetworkRequest = "network_request"

	EventProductView    = "product_view"
	EventAddToCart      = "add_to_cart"
	EventRemoveFromCart = "remove_from_cart"
	EventCheckoutStart  = "checkout_start"
	EventSearch         = "search_performed"
)

// maxQueryLength bounds search queries copied into attributes.
const maxQueryLength = 100

// TrackScreenView records that a screen was shown. params are added to the attributes.
func (c *Client) TrackScreenView(screen string, params Attributes) {
	c.PushEvent(EventScreenView, Attributes{"screen_name": String(screen)}.Merge(params))
}

// TrackNavigation records a navigation to route as a screen view.
func (c *Client) TrackNavigation(route string, params Attributes) {
	attrs := Attributes{"navigation_timestamp": Number(float64(c.clock.Now().UnixMilli()))}
	if params != nil {
		attrs["navigation_params"] = Map(params)
	}
	c.TrackScreenView(route, attrs)
}

// TrackUserAction records a named user action.
func (c *Client) TrackUserAction(action string, details Attributes) {
	c.PushEvent(EventUserAction, Attributes{"action": String(action)}.Merge(details))
}

// TrackGesture records a touch gesture on target.
func (c *Client) TrackGesture(gestureType, target string, details Attributes) {
	c.PushEvent(EventGesture, Attributes{
		"gesture_type": String(gestureType),
		"target":       String(target),
	}.Merge(details))
}

// TrackTap records a tap on target. Coordinates are optional.
func (c *Client) TrackTap(target string, x, y *float64) {
	details := Attributes{}
	if x != nil && y != nil {
		details["coordinates"] = Map(Attributes{"x": Number(*x), "y": Number(*y)})
	}
	c.TrackGesture("tap", target, details)
}

// TrackSwipe records a swipe in direction ("up", "down", "left" or "right").
func (c *Client) TrackSwipe(target, direction string, distance float64) {
	c.TrackGesture("swipe", target, Attributes{
		"direction": String(direction),
		"distance":  Number(distance),
	})
}

// TrackLongPress records a long press held for d.
func (c *Client) TrackLongPress(target string, d time.Duration) {
	c.TrackGesture("long_press", target, Attributes{"duration": ValueOf(d)})
}

// TrackPinch records a pinch; zoom is "zoom_in" or "zoom_out".
func (c *Client) TrackPinch(target string, scale float64, zoom string) {
	c.TrackGesture("pinch", target, Attributes{
		"scale": Number(scale),
		"type":  String(zoom),
	})
}

// TrackScroll records a scroll of target.
func (c *Client) TrackScroll(target, direction string, distance float64) {
	c.TrackUserAction("scroll", Attributes{
		"target":    String(target),
		"direction": String(direction),
		"distance":  Number(distance),
	})
}

// TrackButtonPress records a button press.
func (c *Client) TrackButtonPress(button string, extra Attributes) {
	attrs := Attributes{"button_name": String(button)}
	if extra != nil {
		attrs["context"] = Map(extra)
	}
	c.TrackUserAction("button_press", attrs)
}

// TrackFormInteraction records a focus, blur, input or submit on a form field. Only
// string values are copied; for other values just the kind is recorded.
func (c *Client) TrackFormInteraction(action, field string, value interface{}) {
	attrs := Attributes{
		"action":     String(action),
		"field_name": String(field),
	}
	if s, ok := value.(string); ok {
		attrs["value"] = String(s)
		attrs["value_type"] = String("string")
	} else if value == nil {
		attrs["value_type"] = String("undefined")
	} else {
		attrs["value_type"] = String(ValueOf(value).Kind().String())
	}
	c.TrackUserAction("form_interaction", attrs)
}

// TrackModalInteraction records a modal being opened, closed or dismissed.
func (c *Client) TrackModalInteraction(action, modal, trigger string) {
	attrs := Attributes{
		"action":     String(action),
		"modal_name": String(modal),
	}
	if trigger != "" {
		attrs["trigger"] = String(trigger)
	}
	c.TrackUserAction("modal_interaction", attrs)
}

// TrackSearchInteraction records an in-app search. The query is truncated to 100
// characters.
func (c *Client) TrackSearchInteraction(query string, results int, searchTime time.Duration) {
	c.TrackUserAction("search", Attributes{
		"query":         String(truncate(query, maxQueryLength)),
		"results_count": Int(results),
		"search_time":   ValueOf(searchTime),
	})
}

// TrackListInteraction records an interaction with a list. itemID and position are
// omitted when empty or negative.
func (c *Client) TrackListInteraction(action, list, itemID string, position int) {
	attrs := Attributes{
		"action":    String(action),
		"list_name": String(list),
	}
	if itemID != "" {
		attrs["item_id"] = String(itemID)
	}
	if position >= 0 {
		attrs["position"] = Int(position)
	}
	c.TrackUserAction("list_interaction", attrs)
}

// TrackMediaInteraction records playback control on a media item.
func (c *Client) TrackMediaInteraction(action, mediaType, mediaID string, current time.Duration) {
	c.TrackUserAction("media_interaction", Attributes{
		"action":       String(action),
		"media_type":   String(mediaType),
		"media_id":     String(mediaID),
		"current_time": ValueOf(current),
	})
}

// TrackPerformance records a performance measurement. The unit defaults to "ms".
func (c *Client) TrackPerformance(metric string, value float64, unit string) {
	if unit == "" {
		unit = "ms"
	}
	c.PushMeasurement(Measurement{
		Name:       metric,
		Value:      value,
		Unit:       unit,
		Attributes: Attributes{"type": String("performance")},
	})
}

// TrackNetworkRequest records an outgoing request made by the application.
// Negative status codes are recorded as 0.
func (c *Client) TrackNetworkRequest(url, method string, status int, d time.Duration) {
	if status < 0 {
		status = 0
	}
	c.PushEvent(EventNetworkRequest, Attributes{
		"url":      String(url),
		"method":   String(method),
		"status":   Int(status),
		"duration": ValueOf(d),
	})
}

// TrackError records err with extra context.
func (c *Client) TrackError(err error, extra Attributes) {
	attrs := Attributes{}
	if extra != nil {
		attrs["context"] = Map(extra)
	}
	defer c.recoverHelper("TrackError")
	c.pushError(context.Background(), err, attrs, true, 1)
}

// ProductView records a product detail view.
func (c *Client) ProductView(productID, productName, category string) {
	c.PushEvent(EventProductView, Attributes{
		"product_id":   String(productID),
		"product_name": String(productName),
		"category":     String(category),
	})
}

// AddToCart records quantity units of a product added to the cart.
func (c *Client) AddToCart(productID, productName string, price float64, quantity int) {
	c.PushEvent(EventAddToCart, Attributes{
		"product_id":   String(productID),
		"product_name": String(productName),
		"price":        Number(price),
		"quantity":     Int(quantity),
		"total":        Number(price * float64(quantity)),
	})
}

// RemoveFromCart records quantity units of a product removed from the cart.
func (c *Client) RemoveFromCart(productID, productName string, quantity int) {
	c.PushEvent(EventRemoveFromCart, Attributes{
		"product_id":   String(productID),
		"product_name": String(productName),
		"quantity":     Int(quantity),
	})
}

// CheckoutStart records the start of a checkout.
func (c *Client) CheckoutStart(itemCount int, total float64) {
	c.PushEvent(EventCheckoutStart, Attributes{
		"item_count":  Int(itemCount),
		"total_value": Number(total),
	})
}

// Search records a storefront search. The query is truncated to 100 characters.
func (c *Client) Search(query string, resultCount int) {
	c.PushEvent(EventSearch, Attributes{
		"query":         String(truncate(query, maxQueryLength)),
		"results_count": Int(resultCount),
	})
}

// Info records an info log line.
func (c *Client) Info(message string, extra Attributes) {
	c.PushLog(LevelInfo, message, extra)
}

// Warn records a warning log line.
func (c *Client) Warn(message string, extra Attributes) {
	c.PushLog(LevelWarn, message, extra)
}

// Error records an error log line with the error message and, for errors created with
// github.com/pkg/errors, the stack trace.
func (c *Client) Error(message string, err error, extra Attributes) {
	c.PushLog(LevelError, message, extra.Merge(errorFields(err)))
}

// RecordClick records a click on element as a metric log line.
func (c *Client) RecordClick(element string, metadata Attributes) {
	c.Info("UI Click Metric", Attributes{
		"metric_type": String("click"),
		"element":     String(element),
	}.Merge(metadata))
}

// RecordPageLoad records how long page took to load, both as a metric log line and as
// a "page_load" measurement.
func (c *Client) RecordPageLoad(page string, d time.Duration) {
	ms := durationMillis(d)
	c.Info("Page Load Metric", Attributes{
		"metric_type": String("page_load"),
		"page":        String(page),
		"duration_ms": Number(ms),
	})
	c.PushMeasurement(Measurement{
		Name:       "page_load",
		Value:      ms,
		Unit:       "ms",
		Attributes: Attributes{"page": String(page)},
	})
}

// RecordAPIResponse records the latency and status of a backend call, both as a metric
// log line and as an "api_response_time" measurement.
func (c *Client) RecordAPIResponse(endpoint string, d time.Duration, status int) {
	ms := durationMillis(d)
	c.Info("API Response Metric", Attributes{
		"metric_type": String("api_response"),
		"endpoint":    String(endpoint),
		"duration_ms": Number(ms),
		"status_code": Int(status),
	})
	c.PushMeasurement(Measurement{
		Name:  "api_response_time",
		Value: ms,
		Unit:  "ms",
		Attributes: Attributes{
			"endpoint":    String(endpoint),
			"status_code": String(strconv.Itoa(status)),
		},
	})
}

// errorFields returns the error and stack attributes added by Client.Error.
func errorFields(err error) Attributes {
	if err == nil {
		return Attributes{
			"error": String("Unknown error"),
			"stack": String("No stack trace"),
		}
	}
	stack := "No stack trace"
	var st stackTracer
	if errors.As(err, &st) {
		stack = formatStack(tracedFrames(st.StackTrace()))
	}
	return Attributes{
		"error": String(err.Error()),
		"stack": String(stack),
	}
}

func formatStack(frames []StackFrame) string {
	var b []byte
	for i, f := range frames {
		if i > 0 {
			b = append(b, '\n')
		}
		b = append(b, f.Function...)
		b = append(b, "\n\t"...)
		b = append(b, f.File...)
		b = append(b, ':')
		b = strconv.AppendInt(b, int64(f.Line), 10)
	}
	return string(b)
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
