package qwen

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/qwen-gateway/qwen-gateway/internal/codec"
)

func signedJWT(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return token
}

func jwtExpiringIn(t *testing.T, d time.Duration) string {
	t.Helper()
	now := time.Now()
	return signedJWT(t, jwt.MapClaims{
		"id":  "user-42",
		"iat": now.Unix(),
		"exp": now.Add(d).Unix(),
	})
}

func bundleWithJWT(bearer string) codec.Bundle {
	return codec.Bundle{
		LocalStorage: map[string]string{"token": bearer, "locale": "en-US"},
		Cookies: []codec.Cookie{
			{Name: "ssxmod_itna", Value: "itna-value", Domain: ".qwen.ai", Path: "/"},
			{Name: "acw_tc", Value: "tc-value", Domain: "chat.qwen.ai", Path: "/"},
		},
	}
}

func encodedBundle(t *testing.T, bearer string) string {
	t.Helper()
	token, err := codec.Encode(bundleWithJWT(bearer))
	if err != nil {
		t.Fatalf("encode bundle: %v", err)
	}
	return token
}

// fakeDriver scripts a login page. Clicking submit moves to redirectTo unless it is empty.
type fakeDriver struct {
	mu         sync.Mutex
	url        string
	redirectTo string
	challenge  bool
	blockGoto  bool
	alert      string
	storage    map[string]string
	cookies    []codec.Cookie
	filled     map[string]string
	closed     int
}

func (d *fakeDriver) Goto(ctx context.Context, url string) error {
	if d.blockGoto {
		<-ctx.Done()
		return ctx.Err()
	}
	d.mu.Lock()
	d.url = url
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) Fill(_ context.Context, selector, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.filled == nil {
		d.filled = map[string]string{}
	}
	d.filled[selector] = value
	return nil
}

func (d *fakeDriver) Click(context.Context, string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.redirectTo != "" {
		d.url = d.redirectTo
	}
	return nil
}

func (d *fakeDriver) WaitFor(ctx context.Context, expression string) error {
	if strings.Contains(expression, "location.href.includes") {
		d.mu.Lock()
		done := d.challenge || !strings.Contains(d.url, defaultLoginMarker)
		d.mu.Unlock()
		if done {
			return nil
		}
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (d *fakeDriver) Evaluate(_ context.Context, expression string, out any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case expression == "window.location.href":
		*(out.(*string)) = d.url
	case strings.Contains(expression, "localStorage.length"):
		m := out.(*map[string]string)
		for k, v := range d.storage {
			(*m)[k] = v
		}
	case strings.Contains(expression, `role="alert"`):
		*(out.(*string)) = d.alert
	case strings.Contains(expression, "nc_1_wrapper"):
		*(out.(*bool)) = d.challenge
	default:
		*(out.(*bool)) = true
	}
	return nil
}

func (d *fakeDriver) Cookies(context.Context) ([]codec.Cookie, error) {
	return d.cookies, nil
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	d.closed++
	d.mu.Unlock()
	return nil
}

func factoryFor(d *fakeDriver) DriverFactory {
	return func(context.Context, bool) (Driver, error) { return d, nil }
}

// countingAcquirer hands out bundles and counts logins. When gate is set, every
// login blocks until the gate is closed.
type countingAcquirer struct {
	calls   atomic.Int32
	entered chan struct{}
	gate    chan struct{}
	bundle  func(n int32) codec.Bundle
	err     error
}

func (a *countingAcquirer) Acquire(ctx context.Context, _ Credential) (codec.Bundle, error) {
	n := a.calls.Add(1)
	if a.entered != nil {
		select {
		case a.entered <- struct{}{}:
		default:
		}
	}
	if a.gate != nil {
		select {
		case <-a.gate:
		case <-ctx.Done():
			return codec.Bundle{}, ctx.Err()
		}
	}
	if a.err != nil {
		return codec.Bundle{}, a.err
	}
	return a.bundle(n), nil
}

var testAccount = StaticCredentials{Email: "dev@example.com", Password: "secret"}
