package telemetry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/itsneelabh/pulse/core"
)

// testConfig returns a configuration posting to url with OpenTelemetry disabled.
func testConfig(url string) *core.Config {
	cfg := core.DefaultConfig()
	cfg.URL = url
	cfg.AppName = "shop"
	cfg.AppVersion = "1.2.0"
	cfg.Environment = "test"
	cfg.Platform = "ios"
	cfg.SessionID = "s1"
	cfg.MetricsEnabled = false
	cfg.TracingEnabled = false
	return cfg
}

// newTestClient starts a client posting to a stub collector. Options are applied
// after the defaults so tests can replace the clock or logger.
func newTestClient(t *testing.T, buf *syncBuffer, opts ...ClientOption) (*Client, *collectorStub) {
	t.Helper()
	stub := &collectorStub{}
	server := httptest.NewServer(stub)
	t.Cleanup(server.Close)

	base := []ClientOption{WithLogger(newTestLogger(buf)), WithClock(newMockClock())}
	client, err := NewClient(testConfig(server.URL), append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = client.Shutdown(ctx)
	})
	return client, stub
}

func flush(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
}

// single returns the only envelope the collector received.
func single(t *testing.T, stub *collectorStub) *Envelope {
	t.Helper()
	got := stub.received()
	if len(got) != 1 {
		t.Fatalf("collector received %d envelopes, want 1", len(got))
	}
	return got[0]
}

func TestClientBlackHoleEndpoint(t *testing.T) {
	server := httptest.NewServer(&collectorStub{})
	url := server.URL
	server.Close()

	buf := &syncBuffer{}
	client, err := NewClient(testConfig(url), WithLogger(newTestLogger(buf)))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer client.Shutdown(context.Background())

	start := time.Now()
	client.PushEvent("screen_view", Attributes{"screen_name": String("Home")})
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("PushEvent blocked for %s", elapsed)
	}

	flush(t, client)

	output := buf.String()
	if n := countLevel(output, "WARN"); n != 1 {
		t.Fatalf("expected exactly one warning, got %d:\n%s", n, output)
	}
	if !strings.Contains(output, "Failed to send telemetry envelope") {
		t.Errorf("unexpected warning:\n%s", output)
	}
	if h := client.Health(); h.Failed != 1 || h.Sent != 0 {
		t.Errorf("unexpected health: %+v", h)
	}
}

func TestClientPushEventEnvelope(t *testing.T) {
	client, stub := newTestClient(t, &syncBuffer{})

	client.PushEvent("screen_view", Attributes{"screen_name": String("Home")})
	flush(t, client)

	env := single(t, stub)
	if env.Type != KindEvent || env.Name != "screen_view" {
		t.Errorf("unexpected envelope: %+v", env)
	}
	wantAttrs := Attributes{"screen_name": String("Home"), AttrPlatform: String("ios")}
	if !env.Attributes.Equal(wantAttrs) {
		t.Errorf("Attributes = %v, want %v", env.Attributes, wantAttrs)
	}
	wantSession := Attributes{
		AttrPlatform:    String("ios"),
		AttrSessionID:   String("s1"),
		AttrAppName:     String("shop"),
		AttrAppVersion:  String("1.2.0"),
		AttrEnvironment: String("test"),
	}
	if !env.Session.Equal(wantSession) {
		t.Errorf("Session = %v, want %v", env.Session, wantSession)
	}
	if len(env.User) != 0 {
		t.Errorf("User = %v, want empty", env.User)
	}
	if env.Timestamp <= 0 {
		t.Errorf("Timestamp = %d", env.Timestamp)
	}
}

func TestClientPushEventNormalizesName(t *testing.T) {
	client, stub := newTestClient(t, &syncBuffer{})
	client.PushEvent("   ", nil)
	flush(t, client)

	if env := single(t, stub); env.Name != "unnamed" {
		t.Errorf("Name = %q, want unnamed", env.Name)
	}
}

func TestClientUserContext(t *testing.T) {
	client, stub := newTestClient(t, &syncBuffer{})

	client.SetUserContext("u-42", Attributes{"tier": String("gold")})
	client.PushEvent("a", nil)
	flush(t, client)

	env := single(t, stub)
	want := Attributes{"id": String("u-42"), AttrPlatform: String("ios"), "tier": String("gold")}
	if !env.User.Equal(want) {
		t.Errorf("User = %v, want %v", env.User, want)
	}

	client.ClearUser()
	if len(client.User()) != 0 {
		t.Errorf("User() after ClearUser = %v", client.User())
	}

	client.SetSession(Attributes{"locale": String("de")})
	client.AddSessionAttribute("theme", "dark")
	session := client.Session()
	if session["locale"].AsString() != "de" || session["theme"].AsString() != "dark" {
		t.Errorf("Session() = %v", session)
	}
	if client.SessionID() != "s1" {
		t.Errorf("SessionID() = %q", client.SessionID())
	}
}

func TestClientPushMeasurement(t *testing.T) {
	client, stub := newTestClient(t, &syncBuffer{})

	client.PushMeasurement(Measurement{
		Name:       "app_start",
		Value:      1234.5,
		Unit:       "ms",
		Attributes: Attributes{"cold": Bool(true)},
	})
	flush(t, client)

	env := single(t, stub)
	if env.Type != KindMeasurement || env.Measurement == nil {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.Measurement.Name != "app_start" || env.Measurement.Value != 1234.5 || env.Measurement.Unit != "ms" {
		t.Errorf("Measurement = %+v", env.Measurement)
	}
	if env.Attributes["unit"].AsString() != "ms" || !env.Attributes["cold"].AsBool() {
		t.Errorf("Attributes = %v", env.Attributes)
	}
}

func TestClientPushMeasurementNonFinite(t *testing.T) {
	client, stub := newTestClient(t, &syncBuffer{})
	client.PushMeasurement(Measurement{Name: "ratio", Value: math.NaN()})
	flush(t, client)

	if env := single(t, stub); env.Measurement.Value != 0 {
		t.Errorf("non-finite value should be recorded as 0, got %v", env.Measurement.Value)
	}
}

type paymentError struct{ code string }

func (e *paymentError) Error() string { return "payment declined: " + e.code }

func TestClientPushError(t *testing.T) {
	client, stub := newTestClient(t, &syncBuffer{})

	client.PushError(fmt.Errorf("checkout: %w", &paymentError{code: "51"}), Attributes{"order_id": String("o1")})
	flush(t, client)

	env := single(t, stub)
	if env.Type != KindError || env.Error == nil {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.Error.Message != "checkout: payment declined: 51" {
		t.Errorf("Message = %q", env.Error.Message)
	}
	if env.Name != env.Error.Type {
		t.Errorf("Name = %q, Error.Type = %q", env.Name, env.Error.Type)
	}
	if !env.Attributes["handled"].AsBool() || env.Attributes["order_id"].AsString() != "o1" {
		t.Errorf("Attributes = %v", env.Attributes)
	}
	if len(env.Error.Stack) == 0 || !strings.Contains(env.Error.Stack[0].Function, "TestClientPushError") {
		t.Errorf("stack should start at the caller, got %+v", env.Error.Stack)
	}
}

func TestClientPushNilError(t *testing.T) {
	client, stub := newTestClient(t, &syncBuffer{})
	client.PushError(nil, nil)
	flush(t, client)

	env := single(t, stub)
	if env.Error.Message != "unknown error" || env.Error.Type != "error" {
		t.Errorf("Error = %+v", env.Error)
	}
}

func TestClientPushLogLevels(t *testing.T) {
	client, stub := newTestClient(t, &syncBuffer{})

	client.PushLog("WARNING", "disk almost full", nil)
	client.PushLog("verbose", "hello", nil)
	flush(t, client)

	levels := map[string]string{}
	for _, env := range stub.received() {
		levels[env.Message] = env.Level
	}
	if levels["disk almost full"] != LevelWarn {
		t.Errorf("warning level = %q, want warn", levels["disk almost full"])
	}
	if levels["hello"] != LevelInfo {
		t.Errorf("unknown level = %q, want info", levels["hello"])
	}
}

func TestClientBeforeSendHook(t *testing.T) {
	buf := &syncBuffer{}
	client, stub := newTestClient(t, buf, WithBeforeSend(func(env *Envelope) *Envelope {
		if env.Name == "internal" {
			return nil
		}
		env.Attributes["hooked"] = Bool(true)
		return env
	}))

	client.PushEvent("internal", nil)
	client.PushEvent("public", nil)
	flush(t, client)

	env := single(t, stub)
	if env.Name != "public" || !env.Attributes["hooked"].AsBool() {
		t.Errorf("unexpected envelope: %+v", env)
	}
	if got := client.Health().Dropped; got != 1 {
		t.Errorf("Dropped = %d, want 1", got)
	}
}

func TestClientRedactKeys(t *testing.T) {
	stub := &collectorStub{}
	server := httptest.NewServer(stub)
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.RedactKeys = []string{"Email", "token"}
	client, err := NewClient(cfg, WithLogger(newTestLogger(&syncBuffer{})))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer client.Shutdown(context.Background())

	client.SetUserContext("u1", Attributes{"email": String("a@example.com")})
	client.PushEvent("login", Attributes{
		"TOKEN":  String("abc"),
		"device": Map(Attributes{"token": String("push-token"), "os": String("ios")}),
	})
	flush(t, client)

	env := single(t, stub)
	if env.User["email"].AsString() != RedactedValue {
		t.Errorf("user email not redacted: %v", env.User)
	}
	if env.Attributes["TOKEN"].AsString() != RedactedValue {
		t.Errorf("token not redacted: %v", env.Attributes)
	}
	device := env.Attributes["device"].AsMap()
	if device["token"].AsString() != RedactedValue || device["os"].AsString() != "ios" {
		t.Errorf("nested redaction wrong: %v", device)
	}
	if client.User()["email"].AsString() != "a@example.com" {
		t.Error("redaction must not modify the stored user context")
	}
}

func TestClientRecoversHookPanic(t *testing.T) {
	buf := &syncBuffer{}
	client, _ := newTestClient(t, buf, WithBeforeSend(func(env *Envelope) *Envelope {
		panic("hook bug")
	}))

	client.PushEvent("a", nil)
	client.TrackScreenView("Home", nil)

	if n := strings.Count(buf.String(), "Recovered panic in telemetry helper"); n != 2 {
		t.Errorf("expected 2 recovered panics, got %d:\n%s", n, buf.String())
	}
}

func TestClientShutdown(t *testing.T) {
	buf := &syncBuffer{}
	client, stub := newTestClient(t, buf)

	client.PushEvent("before", nil)
	if err := client.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if len(stub.received()) != 1 {
		t.Errorf("queued envelope should be delivered during shutdown")
	}

	client.PushEvent("after", nil)
	if got := client.Health(); got.Enabled || got.Dropped != 1 {
		t.Errorf("unexpected health after shutdown: %+v", got)
	}
	if err := client.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
	if n := strings.Count(buf.String(), "Telemetry client stopped"); n != 1 {
		t.Errorf("stop message logged %d times", n)
	}
}

func TestClientConcurrentPushes(t *testing.T) {
	client, stub := newTestClient(t, &syncBuffer{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				client.AddSessionAttribute("worker", n)
				client.PushEvent("tick", Attributes{"n": Int(j)})
			}
		}(i)
	}
	wg.Wait()
	flush(t, client)

	if got := len(stub.received()); got != 100 {
		t.Errorf("collector received %d envelopes, want 100", got)
	}
}

func TestNewClientInvalidConfig(t *testing.T) {
	cfg := testConfig("ftp://collector")
	_, err := NewClient(cfg)
	if err == nil {
		t.Fatal("expected an error for a non-http URL")
	}
	if !errors.Is(err, core.ErrInvalidConfiguration) {
		t.Errorf("error should wrap ErrInvalidConfiguration: %v", err)
	}
}

func TestNewClientOTLPWithoutEndpoint(t *testing.T) {
	cfg := testConfig("http://localhost:1/collect")
	cfg.Transport.Kind = "otlp"
	if _, err := NewClient(cfg); !core.IsConfigurationError(err) {
		t.Errorf("expected a configuration error, got %v", err)
	}
}

func TestClientConfigIsCopy(t *testing.T) {
	client, _ := newTestClient(t, &syncBuffer{})
	cfg := client.Config()
	cfg.AppName = "changed"
	if client.Config().AppName != "shop" {
		t.Error("Config() should return a copy")
	}
}
